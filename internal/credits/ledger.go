// Package credits provides the per-user credit ledger used to bill
// generation stages.
package credits

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientBalance is returned when a charge or sufficiency check
// exceeds the user's balance.
var ErrInsufficientBalance = errors.New("insufficient credit balance")

// Receipt records one settled charge. Charges are per stage, made only
// after the stage succeeds, and are never refunded.
type Receipt struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	RunID     string    `json:"run_id"`
	StageID   string    `json:"stage_id"`
	Amount    int64     `json:"amount"`
	ChargedAt time.Time `json:"charged_at"`
}

// Ledger tracks user credit balances. Implementations must make Charge
// atomic: the balance check and the debit happen as one operation.
type Ledger interface {
	// Balance returns the user's current credit balance.
	Balance(ctx context.Context, userID string) (int64, error)

	// CheckSufficient returns ErrInsufficientBalance if the user cannot
	// cover the given amount. Advisory only; Charge re-checks.
	CheckSufficient(ctx context.Context, userID string, amount int64) error

	// Charge atomically debits the user's balance and records a receipt.
	// Returns ErrInsufficientBalance without debiting if the balance
	// does not cover the amount. A zero amount produces no receipt.
	Charge(ctx context.Context, userID, runID, stageID string, amount int64) (*Receipt, error)

	// Grant adds credits to a user's balance.
	Grant(ctx context.Context, userID string, amount int64) (int64, error)

	// Receipts returns the user's charge history, newest first.
	Receipts(ctx context.Context, userID string) ([]*Receipt, error)

	Close() error
}
