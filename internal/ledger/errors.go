package ledger

import (
	"github.com/pkg/errors"
)

var (
	ErrUnauthorized     = errors.New("ledger: unauthorized actor")
	ErrBatchFinalized   = errors.New("ledger: batch is finalized")
	ErrStaleState       = errors.New("ledger: account does not match current state")
	ErrDuplicateAddress = errors.New("ledger: account already in use")
	ErrAccountNotFound  = errors.New("ledger: account not found")
	ErrInvalidArgument  = errors.New("ledger: invalid argument")
	ErrInvalidSignature = errors.New("ledger: invalid transaction signature")
	ErrUnreachable      = errors.New("ledger: unreachable")
)

var errorCodes = map[string]error{
	"UnauthorizedActor":     ErrUnauthorized,
	"BatchIsFinalized":      ErrBatchFinalized,
	"ConstraintSeeds":       ErrStaleState,
	"AccountAlreadyInUse":   ErrDuplicateAddress,
	"AccountNotInitialized": ErrAccountNotFound,
	"InvalidArgument":       ErrInvalidArgument,
	"SignatureVerification": ErrInvalidSignature,
}

// Code returns the program error code recorded for err.
func Code(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "Unknown"
}

// FromCode maps a recorded program error code back to its sentinel.
func FromCode(code string) error {
	if err, ok := errorCodes[code]; ok {
		return err
	}
	return errors.Errorf("ledger: program error %s", code)
}

// IsUnreachable reports whether the outcome of a submission is unknown.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
