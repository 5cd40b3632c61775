// Package errs names the pipeline's error taxonomy by behavior, not by
// call site, so every stage classifies failures with errors.Is/As rather
// than string matching.
package errs

import "fmt"

// Kind identifies one of the named error-handling policies the pipeline
// distinguishes between.
type Kind string

const (
	KindMalformedPayload    Kind = "malformed_payload"
	KindUnknownMessageType  Kind = "unknown_message_type"
	KindUnsupportedDatatype Kind = "unsupported_datatype"
	KindUnknownAlias        Kind = "unknown_alias"
	KindConstraintViolation Kind = "constraint_violation"
	KindInvalidPath         Kind = "invalid_path"
	KindDatasetNotFound     Kind = "dataset_not_found"
	KindSessionInvalid      Kind = "session_invalid"
	KindValidation          Kind = "validation"
	KindTransientNetwork    Kind = "transient_network"
	KindUnrecoverable       Kind = "unrecoverable"
	KindQueueFull           Kind = "queue_full"
)

// Error wraps an underlying cause with a taxonomy Kind and optional
// context (e.g. the offending natural key or metric name).
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind so errors.Is(err, errs.New(KindX, "", nil)) works
// without comparing Context or Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

var (
	ErrMalformedPayload    = Sentinel(KindMalformedPayload)
	ErrUnknownMessageType  = Sentinel(KindUnknownMessageType)
	ErrUnsupportedDatatype = Sentinel(KindUnsupportedDatatype)
	ErrUnknownAlias        = Sentinel(KindUnknownAlias)
	ErrConstraintViolation = Sentinel(KindConstraintViolation)
	ErrInvalidPath         = Sentinel(KindInvalidPath)
	ErrDatasetNotFound     = Sentinel(KindDatasetNotFound)
	ErrSessionInvalid      = Sentinel(KindSessionInvalid)
	ErrValidation          = Sentinel(KindValidation)
	ErrTransientNetwork    = Sentinel(KindTransientNetwork)
	ErrUnrecoverable       = Sentinel(KindUnrecoverable)
	ErrQueueFull           = Sentinel(KindQueueFull)
)
