package logextract

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyPrompt        = errors.New("prompt is empty")
	ErrModelMissing       = errors.New("model not specified")
	ErrInvalidTemperature = errors.New("temperature must be between 0 and 2")
	ErrInvalidMaxTokens   = errors.New("max tokens must not be negative")
	ErrEmptyResponse      = errors.New("backend returned no text")
	ErrNoEmbedder         = errors.New("embedder not configured")
	ErrEmptyCorpus        = errors.New("retrieval corpus is empty")
	ErrIndexNotReady      = errors.New("retrieval index not loaded")
	ErrIndexNotFound      = errors.New("retrieval index not found")
)

// BackendError reports a non-success status or a connection failure from the
// generative backend. Status is 0 when no HTTP response was received.
type BackendError struct {
	Backend string
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s backend unreachable: %s", e.Backend, e.Message)
	}
	return fmt.Sprintf("%s backend status %d: %s", e.Backend, e.Status, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TimeoutError reports a call that exceeded its configured duration.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return context.DeadlineExceeded
}

// RecoveryError is returned when no structured value could be recovered from
// generated text. Raw keeps the original text for diagnostics.
type RecoveryError struct {
	Raw string
	Err error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recover json from %d bytes: %v", len(e.Raw), e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a backend or timeout failure.
func IsTransport(err error) bool {
	var be *BackendError
	var te *TimeoutError
	return errors.As(err, &be) || errors.As(err, &te)
}

// FailureKind classifies why an entry produced no record.
type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureTimeout   FailureKind = "timeout"
	FailureRecovery  FailureKind = "recovery"
	FailureMissing   FailureKind = "missing"
	FailurePrompt    FailureKind = "prompt"
	FailureInternal  FailureKind = "internal"
)

func classifyFailure(err error) FailureKind {
	var te *TimeoutError
	var re *RecoveryError
	var be *BackendError
	switch {
	case errors.As(err, &te):
		return FailureTimeout
	case errors.As(err, &be):
		return FailureTransport
	case errors.As(err, &re):
		return FailureRecovery
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrModelMissing), errors.Is(err, ErrEmptyPrompt),
		errors.Is(err, ErrInvalidTemperature), errors.Is(err, ErrInvalidMaxTokens):
		return FailurePrompt
	default:
		return FailureInternal
	}
}
