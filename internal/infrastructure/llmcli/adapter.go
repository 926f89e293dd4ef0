// Package llmcli implements the LLM Adapter: it spawns
// and manages the local LLM CLI subprocess, parses its
// newline-delimited streaming event format, enforces the absolute and
// inactivity timeouts, chunks output for delivery, and extracts action
// markers from the final text.
//
// Subprocesses are launched with argv-array invocation and
// process-group isolation, same as sandbox.ProcessSandbox
// (internal/infrastructure/sandbox).
package llmcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/intent"
	"github.com/kestrelrun/kestrel/internal/domain/service"
)

// Config controls how the LLM CLI binary is invoked.
type Config struct {
	Command           string        // absolute or PATH-resolved binary name
	BaseArgs          []string      // flags prepended to every invocation
	WorkDir           string        // subprocess working directory
	AbsoluteTimeout   time.Duration // default 900s
	InactivityTimeout time.Duration // default 120s
	MaxRetries        int           // default 3
	RetryBaseWait      time.Duration // default 2s, exponential
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.AbsoluteTimeout == 0 {
		cfg.AbsoluteTimeout = 900 * time.Second
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseWait == 0 {
		cfg.RetryBaseWait = 2 * time.Second
	}
	return cfg
}

// Request is one turn sent to the LLM.
type Request struct {
	Prompt       string
	SystemPrompt string // only meaningful on session start/compress
	SessionID    string // externally-managed session id (one-shot / cron use)
	Model        string
}

// StreamOptions carries the per-call streaming callbacks.
type StreamOptions struct {
	OnTextChunk func(chunk string)
	OnToolUse   func(toolName string)
	// AbortCh is the cascade-abort channel (cron's composing watchdog
	// or a workflow cancel action); closing it terminates the
	// subprocess and fails the in-flight call.
	AbortCh <-chan struct{}
}

// Usage is the terminal `result` event's accounting fields.
type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64
	CostUSD         float64
	WallClockMs     int64
	APIMs           int64
}

// Result is what one completed call produces.
type Result struct {
	FinalText    string // marker-stripped, ready for the user
	RawText      string // before marker stripping
	Actions      []intent.Action
	ToolCalls    []entity.ToolCallInfo
	Usage        Usage
	SessionID    string
	ChunksSent   int
}

// Adapter owns a single LLM CLI subprocess lifecycle. One adapter
// handles at most one in-flight call at a time —,
// "the adapter rejects overlapping calls rather than queuing
// silently" — enforced by callMu.
type Adapter struct {
	cfg        Config
	logger     *zap.Logger
	persistent bool

	callMu sync.Mutex

	procMu    sync.Mutex
	cmd       *exec.Cmd
	stdin     *os.File
	stdout    *bufio.Reader
	sessionID string
}

// NewPersistent creates an adapter that keeps one subprocess alive
// across turns, feeding each new user turn to its open stdin.
func NewPersistent(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{cfg: cfg.withDefaults(), logger: logger, persistent: true}
}

// NewOneShot creates an adapter that spawns a fresh subprocess per
// call (crons and workflow `llm` steps, each accumulating their own
// continuity via an externally supplied session id).
func NewOneShot(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{cfg: cfg.withDefaults(), logger: logger, persistent: false}
}

// ErrOverlappingCall is returned by Call when another call is already
// in flight on this adapter.
var ErrOverlappingCall = fmt.Errorf("llmcli: a call is already in flight on this adapter")

// Call runs one turn to completion, retrying only if zero chunks have
// been delivered so far.
func (a *Adapter) Call(ctx context.Context, req Request, opts StreamOptions) (*Result, error) {
	if !a.callMu.TryLock() {
		return nil, ErrOverlappingCall
	}
	defer a.callMu.Unlock()

	var lastErr error
	wait := a.cfg.RetryBaseWait
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		result, chunksSent, err := a.callOnce(ctx, req, opts)
		if err == nil {
			return result, nil
		}

		classified := service.ClassifyError(err, "llmcli", req.Model)
		lastErr = classified

		if classified.Kind == service.ErrKindResumeFailed && attempt == 0 {
			a.discardSession()
			req.SessionID = ""
			continue // retry once immediately with a fresh session, not counted against backoff
		}

		if chunksSent > 0 || !classified.IsRetryable() || attempt == a.cfg.MaxRetries {
			return nil, classified
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		wait *= 2
	}
	return nil, lastErr
}

func (a *Adapter) discardSession() {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	if a.cmd != nil && a.cmd.Process != nil {
		_ = syscall.Kill(-a.cmd.Process.Pid, syscall.SIGTERM)
	}
	a.cmd = nil
	a.stdin = nil
	a.stdout = nil
	a.sessionID = ""
}

// callOnce performs exactly one subprocess round-trip and returns how
// many text chunks were forwarded, so the caller can decide whether a
// retry is still safe.
func (a *Adapter) callOnce(ctx context.Context, req Request, opts StreamOptions) (*Result, int, error) {
	absCtx, cancelAbs := context.WithTimeout(ctx, a.cfg.AbsoluteTimeout)
	defer cancelAbs()

	stdout, stdin, cmd, err := a.acquireProcess(absCtx, req)
	if err != nil {
		return nil, 0, err
	}
	if !a.persistent {
		defer func() {
			_ = stdin.Close()
			_, _ = cmd.Process.Wait()
		}()
	}

	if _, err := stdin.WriteString(req.Prompt + "\n"); err != nil {
		return nil, 0, fmt.Errorf("llmcli: write prompt: %w", err)
	}

	return a.readStream(absCtx, stdout, opts)
}

func (a *Adapter) acquireProcess(ctx context.Context, req Request) (*bufio.Reader, *stdinWriter, *exec.Cmd, error) {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	if a.persistent && a.cmd != nil {
		return a.stdout, &stdinWriter{a.stdin}, a.cmd, nil
	}

	args := append([]string{}, a.cfg.BaseArgs...)
	if req.SessionID != "" {
		args = append(args, "--session", req.SessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system", req.SystemPrompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if a.persistent {
		args = append(args, "--stream", "--stdin")
	}

	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = buildEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("llmcli: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("llmcli: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("llmcli: start: %w", err)
	}

	stdinFile, _ := stdinPipe.(*os.File)
	reader := bufio.NewReaderSize(stdoutPipe, 64*1024)

	if a.persistent {
		a.cmd = cmd
		a.stdout = reader
		a.stdin = stdinFile
	}

	return reader, &stdinWriter{stdinFile}, cmd, nil
}

// stdinWriter wraps the subprocess's stdin pipe; its WriteString helper
// keeps callOnce's happy path free of (*os.File).Write's byte-slice
// ceremony.
type stdinWriter struct{ f *os.File }

func (w *stdinWriter) WriteString(s string) (int, error) {
	if w.f == nil {
		return 0, fmt.Errorf("llmcli: stdin unavailable")
	}
	return w.f.WriteString(s)
}
func (w *stdinWriter) Close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

func buildEnv() []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "LANG", "USER", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// readStream drives the inactivity watchdog and the abort channel
// alongside the absolute-timeout ctx, decoding NDJSON events as they
// arrive and feeding text deltas through the Chunker.
func (a *Adapter) readStream(ctx context.Context, r *bufio.Reader, opts StreamOptions) (*Result, int, error) {
	lineCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				select {
				case lineCh <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	inactivity := time.NewTimer(a.cfg.InactivityTimeout)
	defer inactivity.Stop()

	chunker := NewChunker()
	res := &Result{}
	var rawText strings.Builder
	chunksSent := 0

	for {
		select {
		case <-ctx.Done():
			return nil, chunksSent, ctx.Err()
		case <-inactivity.C:
			return nil, chunksSent, fmt.Errorf("llmcli: inactivity watchdog fired after %s", a.cfg.InactivityTimeout)
		case <-opts.AbortCh:
			return nil, chunksSent, fmt.Errorf("llmcli: call aborted by cascade signal")
		case err := <-errCh:
			if err != nil && chunksSent == 0 && res.Usage == (Usage{}) {
				return nil, chunksSent, fmt.Errorf("llmcli: stream ended without a result event: %w", err)
			}
			if tail := chunker.Flush(); tail != "" {
				chunksSent++
				if opts.OnTextChunk != nil {
					opts.OnTextChunk(tail)
				}
			}
			return a.finalize(res, rawText.String(), chunksSent), chunksSent, nil
		case line := <-lineCh:
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(a.cfg.InactivityTimeout)

			var evt rawEvent
			if err := json.Unmarshal([]byte(line), &evt); err != nil {
				continue // tolerate non-JSON noise lines
			}

			switch evt.Type {
			case eventContentBlockDelta:
				if evt.Delta != nil && evt.Delta.Text != "" {
					rawText.WriteString(evt.Delta.Text)
					if out := chunker.Push(evt.Delta.Text); out != "" {
						chunksSent++
						if opts.OnTextChunk != nil {
							opts.OnTextChunk(out)
						}
					}
				}
			case eventContentBlockStart:
				// tool-use content blocks are reported inline on the
				// content block start event in the upstream format
				if opts.OnToolUse != nil {
					opts.OnToolUse(toolNameFromStart(line))
				}
			case eventMessage:
				if evt.Message != nil {
					for _, blk := range evt.Message.Content {
						if blk.Type == "tool_use" {
							var args map[string]interface{}
							if len(blk.Input) > 0 {
								_ = json.Unmarshal(blk.Input, &args)
							}
							res.ToolCalls = append(res.ToolCalls, entity.ToolCallInfo{
								ID:        blk.ID,
								Name:      blk.Name,
								Arguments: args,
							})
						}
					}
				}
			case eventResult:
				if evt.IsError {
					// The model itself reported failure — never retried.
					return nil, chunksSent, &service.LLMError{
						Kind:    service.ErrKindPermanent,
						Message: "model reported error",
						Cause:   fmt.Errorf("llmcli: %s", evt.Error),
					}
				}
				if evt.Usage != nil {
					res.Usage = Usage{
						InputTokens:     evt.Usage.InputTokens,
						OutputTokens:    evt.Usage.OutputTokens,
						CacheReadTokens: evt.Usage.CacheReadTokens,
						CostUSD:         evt.Usage.CostUSD,
						WallClockMs:     evt.Usage.DurationMs,
						APIMs:           evt.Usage.DurationAPIMs,
					}
				}
			}
		}
	}
}

func (a *Adapter) finalize(res *Result, rawText string, chunksSent int) *Result {
	extracted := intent.Extract(rawText)
	res.RawText = rawText
	res.FinalText = extracted.Stripped
	res.Actions = extracted.Actions
	res.ChunksSent = chunksSent
	res.SessionID = a.sessionID
	return res
}

// Compress replaces the persistent subprocess with a fresh one seeded
// with systemPrompt and the previous session's summary.1's "On compress" clause.
func (a *Adapter) Compress(ctx context.Context, newSessionID, systemPrompt, summary string) error {
	if !a.persistent {
		return fmt.Errorf("llmcli: Compress only applies to persistent adapters")
	}
	a.discardSession()

	seed := systemPrompt
	if summary != "" {
		seed = systemPrompt + "\n\n" + summary
	}
	req := Request{
		SystemPrompt: seed,
		SessionID:    newSessionID,
	}
	_, _, _, err := a.acquireProcess(ctx, req)
	if err != nil {
		return err
	}
	a.procMu.Lock()
	a.sessionID = newSessionID
	a.procMu.Unlock()
	return nil
}

// Close terminates any live subprocess, used at shutdown drain.
func (a *Adapter) Close() {
	a.discardSession()
}

func toolNameFromStart(line string) string {
	var partial struct {
		ContentBlock struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal([]byte(line), &partial); err != nil {
		return ""
	}
	return partial.ContentBlock.Name
}
