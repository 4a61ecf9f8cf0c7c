// Package errs provides structured error types shared across strikeline services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category from the pipeline's closed taxonomy.
type Code string

const (
	// CodeTransientIO indicates a retryable transport or store failure.
	CodeTransientIO Code = "transient_io"
	// CodeAuth indicates authentication or authorization failure; never retried.
	CodeAuth Code = "auth_error"
	// CodeRateLimited indicates the upstream asked us to slow down.
	CodeRateLimited Code = "rate_limited"
	// CodeParse indicates an event or payload that does not match its schema.
	CodeParse Code = "parse_error"
	// CodePersist indicates a raw insert or projection write failed after rollback.
	CodePersist Code = "persist_error"
	// CodeValidation indicates a domain invariant violation.
	CodeValidation Code = "validation_error"
	// CodeConfig indicates missing or malformed settings at startup; fatal.
	CodeConfig Code = "config_error"
)

// E captures structured error information produced across the strikeline stack.
type E struct {
	Service string
	Code    Code
	Message string
	Context map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the service and error code.
func New(service string, code Code, opts ...Option) *E {
	e := &E{
		Service: strings.TrimSpace(service),
		Code:    code,
		Message: "",
		Context: nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithContext appends a single context key/value pair.
func WithContext(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, 1)
		}
		e.Context[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	service := strings.TrimSpace(e.Service)
	if service == "" {
		service = "unknown"
	}
	parts = append(parts, "service="+service)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Unclassified errors report CodeTransientIO, the retryable default.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransientIO
}

// Retryable reports whether the error category permits another attempt.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransientIO, CodeRateLimited:
		return true
	default:
		return false
	}
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
