package context

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Summarizer produces the 2-3 paragraph compaction summary asked
// of the current session once the Gate reports
// reset_needed. The summary is persisted and seeds the replacement
// session.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// SessionClient is the minimal shape a Summarizer needs from the LLM
// Adapter: ask the live session one more question before it's
// replaced.
type SessionClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const compressionTimeout = 60 * time.Second

const summaryPrompt = `Summarize our conversation so far in 2-3 short paragraphs. Preserve:
1. The user's goals and open threads
2. Decisions already made
3. Anything unresolved that still needs follow-up

Conversation:
%s

Summary:`

// LLMSummarizer asks the live session (before it is replaced) to
// summarize itself.
type LLMSummarizer struct {
	client SessionClient
}

func NewLLMSummarizer(client SessionClient) *LLMSummarizer {
	return &LLMSummarizer{client: client}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	prompt := fmt.Sprintf(summaryPrompt, transcript)
	summary, err := s.client.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("context: summarize: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// SummarizeWithTimeout bounds the compression-summary call to the 60s
// cap. On timeout or any other failure, the caller
// still proceeds to reset — the
// returned ok=false signals that fallback path.
func SummarizeWithTimeout(ctx context.Context, s Summarizer, transcript string) (summary string, ok bool) {
	cctx, cancel := context.WithTimeout(ctx, compressionTimeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := s.Summarize(cctx, transcript)
		done <- outcome{text, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return "", false
		}
		return o.text, true
	case <-cctx.Done():
		return "", false
	}
}

// FallbackSummary is installed when SummarizeWithTimeout fails, so the
// replacement session still opens with an explicit "context was reset"
// note instead of silently losing continuity.
func FallbackSummary() string {
	return "(prior context was reset before a summary could be produced; continuing without earlier history)"
}
