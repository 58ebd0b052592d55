package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures for retry decisions
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindCycle      ErrorKind = "cycle"
	ErrorKindNoAgent    ErrorKind = "no_agent"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindInternal   ErrorKind = "internal"
	ErrorKindAuth       ErrorKind = "auth"
)

// Retryable reports whether failures of this kind are retried with backoff
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindNetwork, ErrorKindInternal:
		return true
	}
	return false
}

// Error is a classified coordination error
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error from a format string
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ErrNoAgentAvailable is returned by the selector when no agent can take a task
var ErrNoAgentAvailable = &Error{Kind: ErrorKindNoAgent, Err: errors.New("no agent available")}

// CycleError is returned when a dependency cycle is detected
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

// KindOf classifies an arbitrary error
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var cerr *CycleError
	if errors.As(err, &cerr) {
		return ErrorKindCycle
	}
	var merr *Error
	if errors.As(err, &merr) {
		return merr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindInternal
}

// IsRetryable reports whether an error should be retried
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
