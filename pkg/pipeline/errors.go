package pipeline

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindSchemaViolation      ErrorKind = "SchemaViolation"
	KindMalformedOutput      ErrorKind = "MalformedReasoningOutput"
	KindUnknownDataSource    ErrorKind = "UnknownDataSource"
	KindUnselectedSource     ErrorKind = "PlanReferencesUnselectedSource"
	KindQueryRejected        ErrorKind = "QueryRejected"
	KindQueryTimeout         ErrorKind = "QueryTimeout"
	KindQueryExecution       ErrorKind = "QueryExecutionError"
	KindInvalidState         ErrorKind = "InvalidState"
	KindAllQueriesFailed     ErrorKind = "AllQueriesFailed"
	KindReasoningTimeout     ErrorKind = "ReasoningTimeout"
	KindReasoningUnavailable ErrorKind = "ReasoningUnavailable"
	KindConfiguration        ErrorKind = "ConfigurationError"
	KindInternal             ErrorKind = "InternalError"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrSchemaViolation   = &Error{Kind: KindSchemaViolation}
	ErrMalformedOutput   = &Error{Kind: KindMalformedOutput}
	ErrUnknownDataSource = &Error{Kind: KindUnknownDataSource}
	ErrUnselectedSource  = &Error{Kind: KindUnselectedSource}
	ErrQueryRejected     = &Error{Kind: KindQueryRejected}
	ErrQueryTimeout      = &Error{Kind: KindQueryTimeout}
	ErrQueryExecution    = &Error{Kind: KindQueryExecution}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrAllQueriesFailed  = &Error{Kind: KindAllQueriesFailed}
	ErrNoRoute           = &Error{Kind: KindConfiguration}
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrConflict    = errors.New("snapshot version conflict")
)

// Error is the error record carried in state and returned to callers.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Stage   StageName `json:"stage,omitempty"`
	Message string    `json:"message"`
	// Raw keeps the offending reasoning output for diagnosis.
	Raw string `json:"raw,omitempty"`

	cause error
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Stage == ""
}

func (e *Error) WithRaw(raw string) *Error {
	c := *e
	c.Raw = truncate(raw, maxRawLength)
	return &c
}

func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

func (e *Error) withStage(stage StageName) *Error {
	c := *e
	if c.Stage == "" {
		c.Stage = stage
	}
	return &c
}

func (e *Error) clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// AsError converts any error into an *Error, wrapping foreign errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(KindInternal, "%s", err.Error()).WithCause(err)
}

const maxRawLength = 2000

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
