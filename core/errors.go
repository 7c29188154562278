package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures so the orchestrator can decide between
// credential rotation, model fallback and terminal reporting.
type ErrorKind string

const (
	// ErrKindAuth marks a rejected credential: cooldown + next profile on the
	// same model.
	ErrKindAuth ErrorKind = "auth"
	// ErrKindRateLimit marks provider throttling: cooldown with backoff, then
	// retry on the same or next model.
	ErrKindRateLimit ErrorKind = "rate_limit"
	// ErrKindTransient marks network/5xx failures: bounded retry, then failover.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindFatalModel marks a model permanently unusable in this chain: skip
	// to the next chain entry without penalizing the credential.
	ErrKindFatalModel ErrorKind = "fatal_model"
	// ErrKindTool marks a tool execution failure captured as an error tool
	// result; the turn continues.
	ErrKindTool ErrorKind = "tool_execution"
	// ErrKindPolicy marks a tool step refused by the policy engine.
	ErrKindPolicy ErrorKind = "policy_violation"
	// ErrKindQueueTimeout marks an admission lease that could not be acquired
	// before the caller's deadline. Terminal.
	ErrKindQueueTimeout ErrorKind = "queue_timeout"
	// ErrKindMaxIterations marks a turn stopped by the tool-call round cap.
	// Terminal.
	ErrKindMaxIterations ErrorKind = "max_iterations_exceeded"
	// ErrKindChainExhausted marks a turn that failed every (model, credential)
	// pair of its fallback chain. Terminal.
	ErrKindChainExhausted ErrorKind = "chain_exhausted"
)

// Error is the orchestration error type carrying a taxonomy kind. Provider and
// credential errors stay internal to the failover loop; only terminal kinds
// (queue timeout, iteration cap, chain exhaustion) reach the caller.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error // wrapped cause, may be nil
}

// NewError builds an Error of the given kind wrapping an optional cause.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from err, defaulting to transient for
// unclassified failures so they stay retryable.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ErrKindTransient
}

// IsTerminal reports whether the kind must surface to the caller as a Failed
// event rather than being absorbed by the failover loop.
func (k ErrorKind) IsTerminal() bool {
	switch k {
	case ErrKindQueueTimeout, ErrKindMaxIterations, ErrKindChainExhausted:
		return true
	}
	return false
}

// Classify maps a raw provider error onto the taxonomy. Vendor adapters may
// return *Error directly for precise classification; this fallback inspects
// the message for the common HTTP status spellings, and treats context
// deadline expiry as transient so a per-call timeout advances the chain.
func Classify(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return ErrKindAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded"):
		return ErrKindRateLimit
	case strings.Contains(msg, "404") || strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "unsupported model"):
		return ErrKindFatalModel
	}
	return ErrKindTransient
}
