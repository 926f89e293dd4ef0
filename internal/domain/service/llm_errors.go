package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// LLMErrorKind classifies LLM subprocess failures for retry and
// reporting decisions. Only transient errors are retried, and only
// before any output chunk has been delivered.
type LLMErrorKind int

const (
	// ErrKindTransient: timeout, network reset, 5xx, rate limit —
	// retrying may succeed.
	ErrKindTransient LLMErrorKind = iota
	// ErrKindPermanent: the subprocess reported is_error, the request
	// was malformed, or auth/content policy rejected it. Never retried.
	ErrKindPermanent
	// ErrKindCancelled: the abort signal or context fired.
	ErrKindCancelled
	// ErrKindResumeFailed: the persistent session id was rejected on
	// resume. The caller discards the session, starts fresh, and
	// retries once.
	ErrKindResumeFailed
)

func (k LLMErrorKind) String() string {
	switch k {
	case ErrKindPermanent:
		return "permanent"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindResumeFailed:
		return "resume_failed"
	default:
		return "transient"
	}
}

// IsRetryable reports whether a failure of this kind may be retried.
func (k LLMErrorKind) IsRetryable() bool {
	return k == ErrKindTransient
}

// LLMError wraps a subprocess failure with its classification.
type LLMError struct {
	Kind     LLMErrorKind
	Message  string
	Provider string // component that made the call, e.g. "llmcli"
	Model    string
	Cause    error
}

func (e *LLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *LLMError) Unwrap() error { return e.Cause }

func (e *LLMError) IsRetryable() bool { return e.Kind.IsRetryable() }

// classRule maps error-text markers to a kind and message. Rules are
// checked in order; the first marker hit wins.
type classRule struct {
	kind    LLMErrorKind
	message string
	markers []string
}

var classRules = []classRule{
	{ErrKindResumeFailed, "session resume failed", []string{
		"session not found", "invalid session", "unknown session", "no longer valid", "session id",
	}},
	{ErrKindPermanent, "authentication failed", []string{
		"unauthorized", "invalid api key", "authentication", "permission denied", "401", "403",
	}},
	{ErrKindPermanent, "content filtered", []string{
		"content filter", "content policy", "safety", "blocked",
	}},
	{ErrKindPermanent, "invalid request", []string{
		"bad request", "invalid argument", "model not found", "invalid_request", "400",
	}},
	{ErrKindPermanent, "budget or quota exceeded", []string{
		"quota", "insufficient", "billing",
	}},
}

// ClassifyError wraps err as an *LLMError. An already-classified
// error passes through; otherwise the error text is matched against
// the rules table, defaulting to transient (retryable) — an unknown
// failure is cheaper to retry once than to misreport as permanent.
func ClassifyError(err error, provider, model string) *LLMError {
	if err == nil {
		return nil
	}
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr
	}

	wrap := func(kind LLMErrorKind, message string) *LLMError {
		return &LLMError{Kind: kind, Message: message, Provider: provider, Model: model, Cause: err}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrKindCancelled, "request cancelled")
	}

	text := strings.ToLower(err.Error())
	if strings.Contains(text, "context canceled") || strings.Contains(text, "context deadline exceeded") {
		return wrap(ErrKindCancelled, "request cancelled")
	}
	for _, rule := range classRules {
		for _, marker := range rule.markers {
			if strings.Contains(text, marker) {
				return wrap(rule.kind, rule.message)
			}
		}
	}
	return wrap(ErrKindTransient, "transient error")
}
