package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryLedgerBalance(t *testing.T) {
	ledger := NewMemoryLedger(100)
	ctx := context.Background()

	t.Run("unseen user gets default balance", func(t *testing.T) {
		balance, err := ledger.Balance(ctx, "alice")
		if err != nil {
			t.Fatalf("Balance: %v", err)
		}
		if balance != 100 {
			t.Errorf("balance = %d, want 100", balance)
		}
	})

	t.Run("grant increases balance", func(t *testing.T) {
		balance, err := ledger.Grant(ctx, "alice", 50)
		if err != nil {
			t.Fatalf("Grant: %v", err)
		}
		if balance != 150 {
			t.Errorf("balance = %d, want 150", balance)
		}
	})
}

func TestMemoryLedgerCharge(t *testing.T) {
	ctx := context.Background()

	t.Run("successful charge debits and records a receipt", func(t *testing.T) {
		ledger := NewMemoryLedger(10)

		receipt, err := ledger.Charge(ctx, "alice", "run-1", "image", 8)
		if err != nil {
			t.Fatalf("Charge: %v", err)
		}
		if receipt == nil {
			t.Fatal("receipt is nil")
		}
		if receipt.Amount != 8 || receipt.RunID != "run-1" || receipt.StageID != "image" {
			t.Errorf("receipt = %+v", receipt)
		}

		balance, _ := ledger.Balance(ctx, "alice")
		if balance != 2 {
			t.Errorf("balance = %d, want 2", balance)
		}

		receipts, err := ledger.Receipts(ctx, "alice")
		if err != nil {
			t.Fatalf("Receipts: %v", err)
		}
		if len(receipts) != 1 {
			t.Errorf("receipts = %d, want 1", len(receipts))
		}
	})

	t.Run("insufficient balance leaves state untouched", func(t *testing.T) {
		ledger := NewMemoryLedger(5)

		_, err := ledger.Charge(ctx, "bob", "run-1", "video", 16)
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("err = %v, want ErrInsufficientBalance", err)
		}

		balance, _ := ledger.Balance(ctx, "bob")
		if balance != 5 {
			t.Errorf("balance = %d, want 5 after failed charge", balance)
		}
		receipts, _ := ledger.Receipts(ctx, "bob")
		if len(receipts) != 0 {
			t.Errorf("receipts = %d, want 0", len(receipts))
		}
	})

	t.Run("zero amount is a no-op", func(t *testing.T) {
		ledger := NewMemoryLedger(5)

		receipt, err := ledger.Charge(ctx, "carol", "run-1", "prompt", 0)
		if err != nil {
			t.Fatalf("Charge: %v", err)
		}
		if receipt != nil {
			t.Errorf("receipt = %+v, want nil for zero charge", receipt)
		}
	})
}

func TestMemoryLedgerCheckSufficient(t *testing.T) {
	ledger := NewMemoryLedger(10)
	ctx := context.Background()

	if err := ledger.CheckSufficient(ctx, "alice", 10); err != nil {
		t.Errorf("CheckSufficient(10) = %v, want nil", err)
	}
	if err := ledger.CheckSufficient(ctx, "alice", 11); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("CheckSufficient(11) = %v, want ErrInsufficientBalance", err)
	}
}

func TestMemoryLedgerConcurrentCharges(t *testing.T) {
	// 20 concurrent unit charges against a balance of 10 must settle
	// exactly 10 of them.
	ledger := NewMemoryLedger(10)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Charge(ctx, "alice", "run-1", "enhance", 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if ok != 10 || rejected != 10 {
		t.Errorf("settled = %d, rejected = %d, want 10/10", ok, rejected)
	}

	balance, _ := ledger.Balance(ctx, "alice")
	if balance != 0 {
		t.Errorf("final balance = %d, want 0", balance)
	}
}
