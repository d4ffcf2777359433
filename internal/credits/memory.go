package credits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Ledger for development and testing.
// Balances are lost on restart.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	receipts map[string][]*Receipt

	// DefaultBalance seeds unseen users on first access, so local
	// development does not require an explicit grant step.
	defaultBalance int64
}

// NewMemoryLedger creates an in-memory ledger. Users start with
// defaultBalance credits on first access.
func NewMemoryLedger(defaultBalance int64) *MemoryLedger {
	return &MemoryLedger{
		balances:       make(map[string]int64),
		receipts:       make(map[string][]*Receipt),
		defaultBalance: defaultBalance,
	}
}

// balanceLocked returns the user's balance, seeding it on first access.
// Caller must hold mu.
func (l *MemoryLedger) balanceLocked(userID string) int64 {
	if _, ok := l.balances[userID]; !ok {
		l.balances[userID] = l.defaultBalance
	}
	return l.balances[userID]
}

func (l *MemoryLedger) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID), nil
}

func (l *MemoryLedger) CheckSufficient(ctx context.Context, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balanceLocked(userID) < amount {
		return fmt.Errorf("%w: user %s needs %d", ErrInsufficientBalance, userID, amount)
	}
	return nil
}

func (l *MemoryLedger) Charge(ctx context.Context, userID, runID, stageID string, amount int64) (*Receipt, error) {
	if amount == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(userID)
	if balance < amount {
		return nil, fmt.Errorf("%w: user %s has %d, needs %d", ErrInsufficientBalance, userID, balance, amount)
	}

	l.balances[userID] = balance - amount
	receipt := &Receipt{
		ID:        uuid.New().String(),
		UserID:    userID,
		RunID:     runID,
		StageID:   stageID,
		Amount:    amount,
		ChargedAt: time.Now().UTC(),
	}
	l.receipts[userID] = append([]*Receipt{receipt}, l.receipts[userID]...)
	return receipt, nil
}

func (l *MemoryLedger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[userID] = l.balanceLocked(userID) + amount
	return l.balances[userID], nil
}

func (l *MemoryLedger) Receipts(ctx context.Context, userID string) ([]*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Receipt, len(l.receipts[userID]))
	copy(out, l.receipts[userID])
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }

var _ Ledger = (*MemoryLedger)(nil)
