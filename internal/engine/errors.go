package engine

import (
	"errors"
	"fmt"

	"custodyline/internal/engine/auth"
	"custodyline/internal/ledger"
	"custodyline/internal/repo"
)

// Kind classifies engine failures for callers; the HTTP layer maps each kind to
// one status code.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
	KindConflict    Kind = "conflict"
	KindUnreachable Kind = "unreachable"
	KindInternal    Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	// Signature is set on unreachable errors so the caller can look the
	// transaction up later.
	Signature string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func validationf(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

func notFoundf(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// KindOf returns the kind of err, treating unknown errors as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return KindForbidden
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, repo.ErrConflict) {
		return KindConflict
	}
	return KindInternal
}

// fromLedger classifies a ledger rejection.
func fromLedger(op string, err error) error {
	var unknown *ledger.UnknownOutcomeError
	switch {
	case errors.As(err, &unknown):
		return &Error{Kind: KindUnreachable, Message: op + ": ledger outcome unknown", Signature: unknown.Signature, Err: err}
	case errors.Is(err, ledger.ErrUnreachable):
		return newError(KindUnreachable, err, "%s: ledger unreachable", op)
	case errors.Is(err, ledger.ErrUnauthorized):
		return newError(KindForbidden, err, "%s: rejected by ledger", op)
	case errors.Is(err, ledger.ErrBatchFinalized):
		return newError(KindForbidden, err, "%s: batch is finalized", op)
	case errors.Is(err, ledger.ErrStaleState):
		return newError(KindConflict, err, "%s: concurrent update, retry with fresh state", op)
	case errors.Is(err, ledger.ErrDuplicateAddress):
		return newError(KindConflict, err, "%s: account already exists", op)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return newError(KindNotFound, err, "%s: not found on ledger", op)
	case errors.Is(err, ledger.ErrInvalidArgument):
		return newError(KindValidation, err, "%s: rejected by ledger", op)
	default:
		return newError(KindInternal, err, "%s", op)
	}
}

// staleCache reports whether a ledger rejection means the cache row that
// authorized the request was behind the ledger.
func staleCache(err error) bool {
	return errors.Is(err, ledger.ErrUnauthorized) || errors.Is(err, ledger.ErrBatchFinalized) || errors.Is(err, ledger.ErrStaleState)
}
