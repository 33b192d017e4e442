package service

import (
	"errors"

	"artmarket/pos/internal/audit"
	"artmarket/pos/internal/fiscal"
	"artmarket/pos/internal/payment"
)

const (
	KindValidation = "validation"
	KindConflict   = "conflict"
	KindNotFound   = "not_found"
	KindExternal   = "external"
	KindAudit      = "audit"
)

var ErrAgentUnauthorized = errors.New("agent unauthorized")

// Error is a classified failure with a stable machine-readable code.
type Error struct {
	Kind     string
	Code     string
	Fallback string
	Fields   []string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(code string) *Error {
	return &Error{Kind: KindValidation, Code: code}
}

func conflictError(code string) *Error {
	return &Error{Kind: KindConflict, Code: code}
}

func notFoundError(code string) *Error {
	return &Error{Kind: KindNotFound, Code: code}
}

// externalError keeps the provider's namespaced code when there is one.
func externalError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var fe *fiscal.Error
	if errors.As(err, &fe) {
		return &Error{Kind: KindExternal, Code: fe.Code, Err: err}
	}
	var pe *payment.Error
	if errors.As(err, &pe) {
		return &Error{Kind: KindExternal, Code: pe.Code, Err: err}
	}
	if errors.Is(err, audit.ErrAppendFailed) {
		return &Error{Kind: KindAudit, Code: audit.ErrAppendFailed.Error(), Err: err}
	}
	return &Error{Kind: KindExternal, Code: "external_error", Err: err}
}
