package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// chargeScript atomically checks the balance and debits it. Returns the
// new balance, or -1 when the balance does not cover the amount.
var chargeScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or ARGV[2])
local amount = tonumber(ARGV[1])
if balance < amount then
  return -1
end
redis.call('SET', KEYS[1], balance - amount)
return balance - amount
`)

// RedisLedger is a Redis-backed Ledger. Balances live in plain keys and
// receipts in per-user lists.
type RedisLedger struct {
	client *redis.Client
	prefix string

	// defaultBalance seeds unseen users, matching MemoryLedger.
	defaultBalance int64
}

// NewRedisLedger creates a Redis-backed ledger on an existing client.
func NewRedisLedger(client *redis.Client, prefix string, defaultBalance int64) *RedisLedger {
	if prefix == "" {
		prefix = "credits"
	}
	return &RedisLedger{
		client:         client,
		prefix:         prefix,
		defaultBalance: defaultBalance,
	}
}

func (l *RedisLedger) keyBalance(userID string) string {
	return fmt.Sprintf("%s:%s:balance", l.prefix, userID)
}

func (l *RedisLedger) keyReceipts(userID string) string {
	return fmt.Sprintf("%s:%s:receipts", l.prefix, userID)
}

func (l *RedisLedger) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := l.client.Get(ctx, l.keyBalance(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return l.defaultBalance, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (l *RedisLedger) CheckSufficient(ctx context.Context, userID string, amount int64) error {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: user %s has %d, needs %d", ErrInsufficientBalance, userID, balance, amount)
	}
	return nil
}

func (l *RedisLedger) Charge(ctx context.Context, userID, runID, stageID string, amount int64) (*Receipt, error) {
	if amount == 0 {
		return nil, nil
	}

	result, err := chargeScript.Run(ctx, l.client,
		[]string{l.keyBalance(userID)},
		amount, l.defaultBalance,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("charge script: %w", err)
	}
	if result < 0 {
		return nil, fmt.Errorf("%w: user %s needs %d", ErrInsufficientBalance, userID, amount)
	}

	receipt := &Receipt{
		ID:        uuid.New().String(),
		UserID:    userID,
		RunID:     runID,
		StageID:   stageID,
		Amount:    amount,
		ChargedAt: time.Now().UTC(),
	}

	receiptJSON, _ := json.Marshal(receipt)
	if err := l.client.LPush(ctx, l.keyReceipts(userID), string(receiptJSON)).Err(); err != nil {
		// The debit settled; a lost receipt is log-worthy but not fatal.
		return receipt, fmt.Errorf("record receipt: %w", err)
	}
	return receipt, nil
}

func (l *RedisLedger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	key := l.keyBalance(userID)

	// Seed the default before incrementing so unseen users end up with
	// defaultBalance + amount, same as the memory ledger.
	if err := l.client.SetNX(ctx, key, l.defaultBalance, 0).Err(); err != nil {
		return 0, fmt.Errorf("seed balance: %w", err)
	}
	balance, err := l.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("grant: %w", err)
	}
	return balance, nil
}

func (l *RedisLedger) Receipts(ctx context.Context, userID string) ([]*Receipt, error) {
	entries, err := l.client.LRange(ctx, l.keyReceipts(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}

	receipts := make([]*Receipt, 0, len(entries))
	for _, entry := range entries {
		var r Receipt
		if json.Unmarshal([]byte(entry), &r) == nil {
			receipts = append(receipts, &r)
		}
	}
	return receipts, nil
}

// Close is a no-op; the client is owned by the caller.
func (l *RedisLedger) Close() error { return nil }

var _ Ledger = (*RedisLedger)(nil)
