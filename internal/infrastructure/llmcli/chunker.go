package llmcli

import "strings"

// flushThreshold is where a chunk becomes worth emitting; hardCap is
// the point past which the buffer is split even without a clean
// boundary.
const (
	flushThreshold = 3584 // 3.5 KB
	hardCap        = 3891 // 3.8 KB
)

// Chunker buffers streamed text deltas and decides when to flush,
// preferring a paragraph/line/space boundary and withholding any
// suffix after an unmatched '[' until its closing ']' arrives (so a
// half-formed action marker is never shown to the user mid-stream).
type Chunker struct {
	buf          strings.Builder
	bracketDepth int
}

// NewChunker creates an empty Chunker.
func NewChunker() *Chunker {
	return &Chunker{}
}

// Push appends a delta to the buffer, tracking bracket depth across
// calls, and returns any text that should be flushed now (empty if
// nothing is ready yet).
func (c *Chunker) Push(delta string) string {
	for _, r := range delta {
		switch r {
		case '[':
			c.bracketDepth++
		case ']':
			if c.bracketDepth > 0 {
				c.bracketDepth--
			}
		}
	}
	c.buf.WriteString(delta)

	if c.buf.Len() < flushThreshold {
		return ""
	}
	return c.drain(false)
}

// Flush forces out everything currently buffered (used at
// end-of-stream), ignoring bracket holdback since there will be no
// more input to close an open marker.
func (c *Chunker) Flush() string {
	if c.buf.Len() == 0 {
		return ""
	}
	return c.drain(true)
}

// drain decides how much of the buffer to emit. When final is false
// and an action marker is still open, it withholds the trailing
// partial marker even past the hard cap, up to a safety multiple,
// to avoid ever truncating a marker in front of the user.
func (c *Chunker) drain(final bool) string {
	text := c.buf.String()

	if !final && c.bracketDepth > 0 {
		if openIdx := strings.LastIndexByte(text, '['); openIdx >= 0 {
			if len(text) < hardCap*4 {
				// give the marker more room to close before force-flushing
				ready := text[:openIdx]
				if len(ready) == 0 {
					return ""
				}
				c.buf.Reset()
				c.buf.WriteString(text[openIdx:])
				return ready
			}
		}
	}

	splitAt := findSplitPoint(text, flushThreshold)
	if final || len(text) <= hardCap {
		splitAt = len(text)
	} else if splitAt <= 0 {
		splitAt = hardCap
	}
	if splitAt > len(text) {
		splitAt = len(text)
	}

	out := text[:splitAt]
	rest := trimLeftSpace(text[splitAt:])
	c.buf.Reset()
	c.buf.WriteString(rest)
	return out
}

// findSplitPoint prefers, in order: paragraph > line > sentence-end >
// space > hard cutoff.
func findSplitPoint(text string, maxLen int) int {
	if maxLen > len(text) {
		maxLen = len(text)
	}
	if idx := lastIndexWithin(text, "\n\n", maxLen); idx >= maxLen/2 {
		return idx
	}
	if idx := lastIndexWithin(text, "\n", maxLen); idx >= maxLen/2 {
		return idx
	}
	if idx := lastIndexOfAnyWithin(text, []string{". ", "! ", "? ", "。", "！", "？"}, maxLen); idx >= maxLen/2 {
		return idx + 1
	}
	if idx := lastIndexWithin(text, " ", maxLen); idx >= maxLen/3 {
		return idx
	}
	return -1
}

func lastIndexWithin(s, substr string, maxPos int) int {
	if maxPos > len(s) {
		maxPos = len(s)
	}
	area := s[:maxPos]
	for i := len(area) - len(substr); i >= 0; i-- {
		if area[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func lastIndexOfAnyWithin(s string, substrs []string, maxPos int) int {
	if maxPos > len(s) {
		maxPos = len(s)
	}
	area := s[:maxPos]
	for i := len(area) - 1; i >= 0; i-- {
		for _, sub := range substrs {
			if i+len(sub) <= len(area) && area[i:i+len(sub)] == sub {
				return i
			}
		}
	}
	return -1
}

func trimLeftSpace(s string) string {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
		} else {
			break
		}
	}
	return s[i:]
}
