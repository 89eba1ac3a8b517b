package core

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrDuplicateSession = errors.New("session already exists for call")
	ErrSessionNotFound  = errors.New("no session for call")
)

// ErrRateLimited marks an upstream 429. Wrapped by service clients so the
// orchestrator's decision table can tell throttling from outages.
var ErrRateLimited = errors.New("rate limited")

// DecodeError reports a malformed inbound audio frame. The frame is dropped
// and the session continues.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UpstreamUnavailable reports that an upstream service (recognizer, language
// model, synthesizer) could not be reached or timed out. Recoverable; the
// caller decides retry or degrade.
type UpstreamUnavailable struct {
	Service string
	Err     error
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamUnavailable) Unwrap() error { return e.Err }

// DialogueErrorKind classifies language-model call failures.
type DialogueErrorKind string

const (
	DialogueErrTimeout   DialogueErrorKind = "timeout"
	DialogueErrRateLimit DialogueErrorKind = "rate_limit"
	DialogueErrUpstream  DialogueErrorKind = "upstream"
	DialogueErrEmpty     DialogueErrorKind = "empty_reply"
)

// DialogueError reports a failed language-model exchange. The user turn that
// triggered it has been rolled back; history is unchanged.
type DialogueError struct {
	Kind DialogueErrorKind
	Err  error
}

func (e *DialogueError) Error() string {
	return fmt.Sprintf("dialogue %s: %v", e.Kind, e.Err)
}

func (e *DialogueError) Unwrap() error { return e.Err }

// SynthesisError reports a failed text-to-speech request.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return fmt.Sprintf("synthesis: %v", e.Err) }

func (e *SynthesisError) Unwrap() error { return e.Err }
