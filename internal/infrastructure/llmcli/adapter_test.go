package llmcli

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ndjsonScript is a tiny shell program standing in for the LLM CLI: it
// reads (and discards) one line of prompt from stdin, then emits a
// fixed NDJSON event sequence matching recognised
// event kinds.
const ndjsonScript = `
read -r _
printf '%s\n' '{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello, "}}'
printf '%s\n' '{"type":"content_block_delta","delta":{"type":"text_delta","text":"world! [SEND_FILE: report.pdf]"}}'
printf '%s\n' '{"type":"result","usage":{"input_tokens":10,"output_tokens":5,"cost_usd":0.002}}'
`

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	cfg := Config{
		Command:           "sh",
		BaseArgs:          []string{"-c", ndjsonScript},
		AbsoluteTimeout:   2 * time.Second,
		InactivityTimeout: 2 * time.Second,
	}
	return NewOneShot(cfg, zap.NewNop())
}

func TestAdapter_OneShotCallStreamsAndExtractsMarkers(t *testing.T) {
	a := newTestAdapter(t)

	var chunks []string
	result, err := a.Call(context.Background(), Request{Prompt: "hi"}, StreamOptions{
		OnTextChunk: func(c string) { chunks = append(chunks, c) },
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
	if len(result.Actions) != 1 || result.Actions[0].Kind != "SEND_FILE" {
		t.Fatalf("expected one SEND_FILE action, got %+v", result.Actions)
	}
	if result.FinalText == result.RawText {
		t.Errorf("expected marker to be stripped from FinalText")
	}
	joined := ""
	for _, c := range chunks {
		joined += c
	}
	if joined == "" {
		t.Errorf("expected at least one chunk to be delivered via OnTextChunk")
	}
}

func TestAdapter_RejectsOverlappingCalls(t *testing.T) {
	cfg := Config{
		Command:           "sh",
		BaseArgs:          []string{"-c", "sleep 1; read -r _; printf '%s\\n' '{\"type\":\"result\",\"usage\":{}}'"},
		AbsoluteTimeout:   3 * time.Second,
		InactivityTimeout: 3 * time.Second,
	}
	a := NewOneShot(cfg, zap.NewNop())

	done := make(chan struct{})
	go func() {
		_, _ = a.Call(context.Background(), Request{Prompt: "first"}, StreamOptions{})
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := a.Call(context.Background(), Request{Prompt: "second"}, StreamOptions{}); err != ErrOverlappingCall {
		t.Errorf("expected ErrOverlappingCall, got %v", err)
	}
	<-done
}
