package ir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode categorizes protocol errors.
type ErrorCode string

const (
	// Caller-input errors: rejected synchronously, nothing mutated.
	CodeDuplicateRequestID       ErrorCode = "DUPLICATE_REQUEST_ID"
	CodeUnknownComputationKind   ErrorCode = "UNKNOWN_COMPUTATION_KIND"
	CodeInvalidArgumentReference ErrorCode = "INVALID_ARGUMENT_REFERENCE"
	CodeInvalidRequiredSigners   ErrorCode = "INVALID_REQUIRED_SIGNERS"
	CodeRecordInFlight           ErrorCode = "RECORD_IN_FLIGHT"
	CodeMalformedRecord          ErrorCode = "MALFORMED_RECORD"

	// Transient: the executor channel refused the handoff.
	CodeExternalChannelUnavailable ErrorCode = "EXTERNAL_CHANNEL_UNAVAILABLE"

	// Trust/authentication: rejected before any decode or apply.
	CodeInsufficientOrInvalidSignatures ErrorCode = "INSUFFICIENT_OR_INVALID_SIGNATURES"

	// Executor-reported failure: consumes the pending computation, no effect.
	CodeAbortedComputation ErrorCode = "ABORTED_COMPUTATION"

	// Protocol-invariant violations.
	CodeUnknownOrAlreadyConsumedRequest ErrorCode = "UNKNOWN_OR_ALREADY_CONSUMED_REQUEST"
	CodeMalformedOutput                 ErrorCode = "MALFORMED_OUTPUT"
	CodeStaleNonce                      ErrorCode = "STALE_NONCE"
)

// Category groups codes the way operators need to tell them apart.
type Category string

const (
	CategoryCallerInput       Category = "caller_input"
	CategoryTransient         Category = "transient"
	CategoryAuthentication    Category = "authentication"
	CategoryExecutorAbort     Category = "executor_abort"
	CategoryProtocolViolation Category = "protocol_violation"
)

var categories = map[ErrorCode]Category{
	CodeDuplicateRequestID:              CategoryCallerInput,
	CodeUnknownComputationKind:          CategoryCallerInput,
	CodeInvalidArgumentReference:        CategoryCallerInput,
	CodeInvalidRequiredSigners:          CategoryCallerInput,
	CodeRecordInFlight:                  CategoryCallerInput,
	CodeMalformedRecord:                 CategoryCallerInput,
	CodeExternalChannelUnavailable:      CategoryTransient,
	CodeInsufficientOrInvalidSignatures: CategoryAuthentication,
	CodeAbortedComputation:              CategoryExecutorAbort,
	CodeUnknownOrAlreadyConsumedRequest: CategoryProtocolViolation,
	CodeMalformedOutput:                 CategoryProtocolViolation,
	CodeStaleNonce:                      CategoryProtocolViolation,
}

// Error is a protocol error with structured fields for diagnostics.
//
// Two Errors match under errors.Is when their codes are equal, so the
// sentinel values below can be used as targets:
//
//	if errors.Is(err, ir.ErrDuplicateRequestID) { ... }
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Kind and RequestID identify the affected computation, when known.
	Kind      Kind
	RequestID *RequestID

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Kind != "" && e.RequestID != nil {
		fmt.Fprintf(&b, " (kind=%s, request=%s)", e.Kind, e.RequestID)
	} else if e.Kind != "" {
		fmt.Fprintf(&b, " (kind=%s)", e.Kind)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Details[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Category returns the taxonomy bucket of the error's code.
func (e *Error) Category() Category {
	return categories[e.Code]
}

// With returns a copy scoped to a computation.
func (e *Error) With(kind Kind, id RequestID) *Error {
	c := *e
	c.Kind = kind
	c.RequestID = &id
	return &c
}

// Sentinel errors for errors.Is.
var (
	ErrDuplicateRequestID              = &Error{Code: CodeDuplicateRequestID}
	ErrUnknownComputationKind          = &Error{Code: CodeUnknownComputationKind}
	ErrInvalidArgumentReference        = &Error{Code: CodeInvalidArgumentReference}
	ErrInvalidRequiredSigners          = &Error{Code: CodeInvalidRequiredSigners}
	ErrRecordInFlight                  = &Error{Code: CodeRecordInFlight}
	ErrMalformedRecord                 = &Error{Code: CodeMalformedRecord}
	ErrExternalChannelUnavailable      = &Error{Code: CodeExternalChannelUnavailable}
	ErrInsufficientOrInvalidSignatures = &Error{Code: CodeInsufficientOrInvalidSignatures}
	ErrAbortedComputation              = &Error{Code: CodeAbortedComputation}
	ErrUnknownOrAlreadyConsumedRequest = &Error{Code: CodeUnknownOrAlreadyConsumedRequest}
	ErrMalformedOutput                 = &Error{Code: CodeMalformedOutput}
	ErrStaleNonce                      = &Error{Code: CodeStaleNonce}
)

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error around an underlying cause.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// CategoryOf returns the taxonomy bucket of err, or "" for non-protocol errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category()
	}
	return ""
}
