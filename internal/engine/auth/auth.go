// Package auth holds the custody authorization rules evaluated against a batch
// snapshot (cache row or decoded ledger account) before anything is submitted.
package auth

import (
	"fmt"

	"custodyline/internal/domain"
)

// ForbiddenError indicates the caller may not perform Action on the batch.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s not allowed: %s", e.Action, e.Reason)
}

const (
	ActionAddStage = "add stage"
	ActionTransfer = "transfer custody"
	ActionFinalize = "finalize batch"
)

// RequireInProgress rejects any mutation of a completed batch.
func RequireInProgress(action string, b domain.Batch) error {
	if b.Status != domain.StatusInProgress {
		return ForbiddenError{Action: action, Reason: "batch is finalized"}
	}
	return nil
}

// RequireHolder checks that key currently holds the batch.
func RequireHolder(action string, b domain.Batch, key string) error {
	if b.CurrentHolderKey != key {
		return ForbiddenError{Action: action, Reason: "caller is not the current holder"}
	}
	return nil
}

// RequireOwner checks that key is the batch's brand owner.
func RequireOwner(action string, b domain.Batch, key string) error {
	if b.BrandOwnerKey != key {
		return ForbiddenError{Action: action, Reason: "caller is not the brand owner"}
	}
	return nil
}

// CanAddStage: the batch is in progress and key holds it.
func CanAddStage(b domain.Batch, key string) error {
	if err := RequireInProgress(ActionAddStage, b); err != nil {
		return err
	}
	return RequireHolder(ActionAddStage, b, key)
}

// CanTransfer: the batch is in progress and key holds it. Cast membership of
// the receiver is checked separately since it lives only in the cache.
func CanTransfer(b domain.Batch, key string) error {
	if err := RequireInProgress(ActionTransfer, b); err != nil {
		return err
	}
	return RequireHolder(ActionTransfer, b, key)
}

// CanFinalize: key owns the batch and it is not already completed.
func CanFinalize(b domain.Batch, key string) error {
	if err := RequireOwner(ActionFinalize, b, key); err != nil {
		return err
	}
	if b.Status == domain.StatusCompleted {
		return ForbiddenError{Action: ActionFinalize, Reason: "batch is already finalized"}
	}
	return nil
}
