package controller

import (
	"github.com/google/uuid"

	"PerpEngine/internal/errs"
)

// ActionKind names an executable request.
type ActionKind string

const (
	ActionDeposit        ActionKind = "deposit"
	ActionWithdrawal     ActionKind = "withdrawal"
	ActionSwap           ActionKind = "swap"
	ActionIncrease       ActionKind = "increase"
	ActionDecrease       ActionKind = "decrease"
	ActionLiquidation    ActionKind = "liquidation"
	ActionAutoDeleverage ActionKind = "adl"
)

// Valid reports whether the kind is one the engine executes.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionDeposit, ActionWithdrawal, ActionSwap,
		ActionIncrease, ActionDecrease, ActionLiquidation, ActionAutoDeleverage:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a record. Terminal states are
// write-once: an executed or cancelled record never changes again.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusExecuted  ActionStatus = "executed"
	StatusCancelled ActionStatus = "cancelled"
)

// ActionRecord tracks one request through the engine.
type ActionRecord struct {
	ID          uuid.UUID
	Kind        ActionKind
	Owner       string
	MarketToken string
	Status      ActionStatus
	CreatedAt   int64
	FinishedAt  int64
	// Reason names the cancellation cause; empty on success.
	Reason string
}

// NewActionRecord opens a pending record for a request.
func NewActionRecord(id uuid.UUID, kind ActionKind, owner, marketToken string, createdAt int64) *ActionRecord {
	return &ActionRecord{
		ID:          id,
		Kind:        kind,
		Owner:       owner,
		MarketToken: marketToken,
		Status:      StatusPending,
		CreatedAt:   createdAt,
	}
}

// Terminal reports whether the record has reached a final status.
func (r *ActionRecord) Terminal() bool {
	return r.Status != StatusPending
}

// Expired reports whether the record outlived the request expiration window.
func (r *ActionRecord) Expired(now, expirationSeconds int64) bool {
	return expirationSeconds > 0 && now-r.CreatedAt > expirationSeconds
}

// MarkExecuted moves a pending record to executed.
func (r *ActionRecord) MarkExecuted(now int64) error {
	if r.Terminal() {
		return errs.E(errs.KindPreconditionsNotMet,
			"record %s is already %s", r.ID, r.Status)
	}
	r.Status = StatusExecuted
	r.FinishedAt = now
	return nil
}

// MarkCancelled moves a pending record to cancelled with a reason.
func (r *ActionRecord) MarkCancelled(now int64, reason string) error {
	if r.Terminal() {
		return errs.E(errs.KindPreconditionsNotMet,
			"record %s is already %s", r.ID, r.Status)
	}
	r.Status = StatusCancelled
	r.FinishedAt = now
	r.Reason = reason
	return nil
}
