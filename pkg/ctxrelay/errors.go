package ctxrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dan-solli/ctxrelay/pkg/embeddings"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// Kind classifies an engine failure. The string values double as error codes
// in error events, HTTP bodies and metric labels.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindConflict           Kind = "conflict"
	KindVersionConflict    Kind = "version_conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrVersionConflict    = &Error{Kind: KindVersionConflict}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is the typed failure returned by every Engine operation.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	ContextID string

	// MissingIDs lists the context IDs that were not found (merge).
	MissingIDs []string
	// CurrentVersion is set on version conflicts.
	CurrentVersion *int

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Message, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of err, classifying foreign errors.
func KindOf(err error) Kind {
	return ClassifyError(err)
}

func newError(kind Kind, op, contextID, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ContextID: contextID, Message: fmt.Sprintf(format, args...)}
}

func invalidInput(op, contextID, format string, args ...any) *Error {
	return newError(KindInvalidInput, op, contextID, format, args...)
}

// ClassifyError inspects an error and returns its kind. Typed errors from
// the store and the embedding capability are matched first; untyped errors
// fall back to message heuristics.
func ClassifyError(err error) Kind {
	if err == nil {
		return ""
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	var vc *store.VersionConflictError
	switch {
	case errors.As(err, &vc):
		return KindVersionConflict
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, embeddings.ErrUnavailable), errors.Is(err, store.ErrClosed):
		return KindServiceUnavailable
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return KindServiceUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "rate limit"):
		return KindServiceUnavailable
	case strings.Contains(msg, "validation") ||
		strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "required") ||
		strings.Contains(msg, "must be"):
		return KindInvalidInput
	}

	return KindInternal
}

// asError converts any failure into an *Error for op, preserving an existing
// *Error and lifting store details such as the current version.
func asError(op, contextID string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Op == "" {
			typed.Op = op
		}
		if typed.ContextID == "" {
			typed.ContextID = contextID
		}
		return typed
	}

	out := &Error{Kind: ClassifyError(err), Op: op, ContextID: contextID, Err: err}
	var vc *store.VersionConflictError
	if errors.As(err, &vc) {
		current := vc.Current
		out.CurrentVersion = &current
		out.Message = fmt.Sprintf("expected version %d, current version is %d", vc.Expected, vc.Current)
	}
	if errors.Is(err, context.Canceled) {
		out.Kind = KindTimeout
		out.Message = "operation cancelled"
	}
	return out
}
