// Package errs defines the error taxonomy shared by the query resolution pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	UnknownColumn     Kind = "unknown_column"
	NoMatch           Kind = "no_match"
	Unclassifiable    Kind = "unclassifiable"
	Forbidden         Kind = "forbidden"
	UnsupportedFilter Kind = "unsupported_filter"
	Timeout           Kind = "timeout"
	ConnectionLost    Kind = "connection_lost"
	SyntaxRejected    Kind = "syntax_rejected"
	SessionExpired    Kind = "session_expired"
	InvalidInput      Kind = "invalid_input"
	Internal          Kind = "internal"
)

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownColumn     = &Error{Kind: UnknownColumn}
	ErrNoMatch           = &Error{Kind: NoMatch}
	ErrUnclassifiable    = &Error{Kind: Unclassifiable}
	ErrForbidden         = &Error{Kind: Forbidden}
	ErrUnsupportedFilter = &Error{Kind: UnsupportedFilter}
	ErrTimeout           = &Error{Kind: Timeout}
	ErrConnectionLost    = &Error{Kind: ConnectionLost}
	ErrSyntaxRejected    = &Error{Kind: SyntaxRejected}
	ErrSessionExpired    = &Error{Kind: SessionExpired}
	ErrInvalidInput      = &Error{Kind: InvalidInput}
	ErrInternal          = &Error{Kind: Internal}
)

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Message returns the user-facing message for err. Unclassified errors are reported generically.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return defaultMessages[e.Kind]
	}
	return defaultMessages[Internal]
}

// Transient reports whether err is a storage failure worth one retry.
func Transient(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == Timeout || kind == ConnectionLost)
}

var defaultMessages = map[Kind]string{
	UnknownColumn:     "that field is not known",
	NoMatch:           "could not understand the request",
	Unclassifiable:    "could not work out what you are asking for",
	Forbidden:         "you are not allowed to view that record",
	UnsupportedFilter: "that filter cannot be answered efficiently",
	Timeout:           "the records database took too long to answer, please try again",
	ConnectionLost:    "the records database is unavailable, please try again",
	SyntaxRejected:    "the generated query was rejected by the records database",
	SessionExpired:    "that clarification has expired, please ask your question again",
	InvalidInput:      "the request was malformed",
	Internal:          "something went wrong while answering",
}
