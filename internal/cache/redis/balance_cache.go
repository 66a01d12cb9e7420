package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// addLua applies Add atomically: when the cached round matches the
// requested one the balance field is replaced with the caller's new
// value, guarded by a compare on the old value; any mismatch deletes
// the key so the next read recomputes.
const addLua = `
local round = redis.call('HGET', KEYS[1], 'round')
if round == false then
    return 0
end
if round ~= ARGV[1] or redis.call('HGET', KEYS[1], 'balance') ~= ARGV[2] then
    redis.call('DEL', KEYS[1])
    return 0
end
redis.call('HSET', KEYS[1], 'balance', ARGV[3])
return 1
`

// BalanceCache implements domain.BalanceCache using Redis hashes. Each
// (asset, wallet) entry is a hash at key "balance:{asset}:{wallet}" with
// fields "round" and "balance" (canonical decimal string).
type BalanceCache struct {
	rdb   *redis.Client
	addSc *redis.Script
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying(), addSc: redis.NewScript(addLua)}
}

func balanceKey(asset, wallet common.Address) string {
	return "balance:" + asset.Hex() + ":" + wallet.Hex()
}

// Get retrieves the cached entry for (asset, wallet).
func (bc *BalanceCache) Get(ctx context.Context, asset, wallet common.Address) (domain.CachedBalance, bool, error) {
	vals, err := bc.rdb.HGetAll(ctx, balanceKey(asset, wallet)).Result()
	if err != nil {
		return domain.CachedBalance{}, false, fmt.Errorf("redis: get balance %s/%s: %w", asset.Hex(), wallet.Hex(), err)
	}
	if len(vals) == 0 {
		return domain.CachedBalance{}, false, nil
	}

	round, err := strconv.ParseUint(vals["round"], 10, 64)
	if err != nil {
		return domain.CachedBalance{}, false, fmt.Errorf("redis: parse round: %w", err)
	}
	balance, err := decimal.NewFromString(vals["balance"])
	if err != nil {
		return domain.CachedBalance{}, false, fmt.Errorf("redis: parse balance: %w", err)
	}
	return domain.CachedBalance{Round: round, Balance: balance}, true, nil
}

// Put stores the entry for (asset, wallet), replacing any previous one.
func (bc *BalanceCache) Put(ctx context.Context, asset, wallet common.Address, entry domain.CachedBalance) error {
	fields := map[string]interface{}{
		"round":   strconv.FormatUint(entry.Round, 10),
		"balance": entry.Balance.String(),
	}
	if err := bc.rdb.HSet(ctx, balanceKey(asset, wallet), fields).Err(); err != nil {
		return fmt.Errorf("redis: put balance %s/%s: %w", asset.Hex(), wallet.Hex(), err)
	}
	return nil
}

// Add applies a delta when the cached entry exists for the given round
// and invalidates the entry otherwise. The swap is compare-and-set on
// the previous balance; a concurrent writer loses the entry rather than
// the update.
func (bc *BalanceCache) Add(ctx context.Context, asset, wallet common.Address, round uint64, delta decimal.Decimal) error {
	entry, ok, err := bc.Get(ctx, asset, wallet)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if entry.Round != round {
		return bc.Invalidate(ctx, asset, wallet)
	}

	err = bc.addSc.Run(ctx, bc.rdb, []string{balanceKey(asset, wallet)},
		strconv.FormatUint(round, 10),
		entry.Balance.String(),
		entry.Balance.Add(delta).String(),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis: add balance %s/%s: %w", asset.Hex(), wallet.Hex(), err)
	}
	return nil
}

// Invalidate drops the entry for (asset, wallet).
func (bc *BalanceCache) Invalidate(ctx context.Context, asset, wallet common.Address) error {
	if err := bc.rdb.Del(ctx, balanceKey(asset, wallet)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate balance %s/%s: %w", asset.Hex(), wallet.Hex(), err)
	}
	return nil
}

var _ domain.BalanceCache = (*BalanceCache)(nil)
