// Package errs defines the error taxonomy shared by the escrow engine.
//
// Every error that crosses a package boundary carries a Kind so callers can
// decide, without string matching, whether to retry, surface, or escalate:
//
//   - validation:      bad input, never retried
//   - state_conflict:  illegal transition or on-/off-chain disagreement
//   - chain_transient: nonce, gas price, timeout, rate limit, network; retried
//   - chain_fatal:     revert, insufficient balance, invalid on-chain state
//   - not_found:       missing record
//   - internal:        anything else
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindStateConflict  Kind = "state_conflict"
	KindChainTransient Kind = "chain_transient"
	KindChainFatal     Kind = "chain_fatal"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is a typed, machine-checkable error. Two Errors are equal under
// errors.Is when their Codes match, so Detail can vary per occurrence.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Detail  string
	Err     error
}

// New creates a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg = msg + ": " + e.Detail
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of e carrying a formatted detail string.
func (e *Error) WithDetail(format string, args ...any) *Error {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// E builds an ad-hoc error of the given kind around cause.
func E(kind Kind, code string, cause error) *Error {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf reports the Kind of the outermost *Error in err's chain.
// Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the Code of the outermost *Error in err's chain, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// Retryable reports whether err may be retried. Only chain_transient is.
func Retryable(err error) bool {
	return KindOf(err) == KindChainTransient
}

// DetailOf returns a human-readable description without the cause chain.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Detail != "" {
			return e.Message + ": " + e.Detail
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindChainTransient:
		return http.StatusServiceUnavailable
	case KindChainFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
