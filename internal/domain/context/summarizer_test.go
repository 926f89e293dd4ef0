package context

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSessionClient struct {
	text  string
	err   error
	delay time.Duration
}

func (s *stubSessionClient) Generate(ctx context.Context, prompt string) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

func TestLLMSummarizer_Summarize(t *testing.T) {
	client := &stubSessionClient{text: "We discussed the launch plan."}
	s := NewLLMSummarizer(client)

	summary, err := s.Summarize(context.Background(), "user: when do we launch?\nassistant: next week")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary != "We discussed the launch plan." {
		t.Errorf("unexpected summary: %q", summary)
	}
}

func TestSummarizeWithTimeout_Success(t *testing.T) {
	client := &stubSessionClient{text: "summary text"}
	summary, ok := SummarizeWithTimeout(context.Background(), NewLLMSummarizer(client), "transcript")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if summary != "summary text" {
		t.Errorf("unexpected summary: %q", summary)
	}
}

func TestSummarizeWithTimeout_FailureFallsBack(t *testing.T) {
	client := &stubSessionClient{err: errors.New("boom")}
	_, ok := SummarizeWithTimeout(context.Background(), NewLLMSummarizer(client), "transcript")
	if ok {
		t.Fatal("expected ok=false on error")
	}
	if FallbackSummary() == "" {
		t.Error("fallback summary must not be empty")
	}
}
