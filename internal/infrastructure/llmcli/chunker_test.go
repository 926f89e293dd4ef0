package llmcli

import (
	"strings"
	"testing"
)

func TestChunker_WithholdsBelowThreshold(t *testing.T) {
	c := NewChunker()
	if out := c.Push("short text"); out != "" {
		t.Errorf("expected no flush below threshold, got %q", out)
	}
}

func TestChunker_FlushesAtThresholdOnParagraphBoundary(t *testing.T) {
	c := NewChunker()
	para := strings.Repeat("0123456789", 300) // 3000 chars, past half of flushThreshold
	delta := para + "\n\n" + strings.Repeat("a", 1000)
	out := c.Push(delta)
	if out == "" {
		t.Fatalf("expected a flush once threshold is exceeded")
	}
	if out != para {
		t.Errorf("expected flush to stop exactly at the paragraph boundary, got len=%d want len=%d", len(out), len(para))
	}
	rest := c.Flush()
	if !strings.HasPrefix(rest, "a") {
		t.Errorf("expected remaining buffer to pick up after the blank line, got prefix %q", rest[:10])
	}
}

func TestChunker_WithholdsOpenBracketPastThreshold(t *testing.T) {
	c := NewChunker()
	filler := strings.Repeat("x", 3700) // past flushThreshold on its own
	out := c.Push(filler + " [CRON_ADD: name")
	if out == "" {
		t.Fatalf("expected filler to flush")
	}
	if strings.Contains(out, "[") {
		t.Errorf("expected the open marker to be withheld from the flushed chunk, got tail %q", out[len(out)-20:])
	}

	// Close the marker; Flush should now release it since the stream
	// has ended and there is no more input to wait for.
	c.Push(" | * * * * * | hi]")
	final := c.Flush()
	if !strings.Contains(final, "[CRON_ADD") {
		t.Errorf("expected the completed marker to surface on Flush, got %q", final)
	}
}

func TestChunker_FlushReturnsEverythingRemaining(t *testing.T) {
	c := NewChunker()
	c.Push("small")
	out := c.Flush()
	if out != "small" {
		t.Errorf("expected Flush to drain remaining buffer, got %q", out)
	}
	if c.Flush() != "" {
		t.Errorf("expected second Flush on empty buffer to be empty")
	}
}
