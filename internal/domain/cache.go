package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CachedBalance is one balance cache entry. A hit is only valid when the
// cached Round equals the round being queried; otherwise the caller must
// recompute by full re-aggregation and replace the entry.
type CachedBalance struct {
	Round   uint64
	Balance decimal.Decimal
}

// BalanceCache caches the current balance per (asset, wallet). Every
// mutation of the underlying accounts updates the cache in the same
// critical section, so stale reads cannot straddle a lock boundary.
type BalanceCache interface {
	Get(ctx context.Context, asset, wallet common.Address) (CachedBalance, bool, error)
	Put(ctx context.Context, asset, wallet common.Address, entry CachedBalance) error
	// Add applies a delta in place when the cached entry exists for the
	// given round, and invalidates the entry otherwise.
	Add(ctx context.Context, asset, wallet common.Address, round uint64, delta decimal.Decimal) error
	Invalidate(ctx context.Context, asset, wallet common.Address) error
}

// LeaseManager grants an exclusive, expiring lease. It keeps a second
// operator replica from entering the block-processing loop.
type LeaseManager interface {
	// Acquire returns a release function on success and ErrLockHeld when
	// the lease is held by another party.
	Acquire(ctx context.Context, key string, ttlSeconds int) (func(), error)
}
