package memory

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// BalanceCache is a map-backed domain.BalanceCache. The redis package
// provides the shared-deployment equivalent.
type BalanceCache struct {
	mu      sync.Mutex
	entries map[assetWallet]domain.CachedBalance
}

// NewBalanceCache creates an empty cache.
func NewBalanceCache() *BalanceCache {
	return &BalanceCache{entries: make(map[assetWallet]domain.CachedBalance)}
}

var _ domain.BalanceCache = (*BalanceCache)(nil)

func (c *BalanceCache) Get(_ context.Context, asset, wallet common.Address) (domain.CachedBalance, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[assetWallet{asset, wallet}]
	return e, ok, nil
}

func (c *BalanceCache) Put(_ context.Context, asset, wallet common.Address, entry domain.CachedBalance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[assetWallet{asset, wallet}] = entry
	return nil
}

func (c *BalanceCache) Add(_ context.Context, asset, wallet common.Address, round uint64, delta decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := assetWallet{asset, wallet}
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.Round != round {
		delete(c.entries, key)
		return nil
	}
	e.Balance = e.Balance.Add(delta)
	c.entries[key] = e
	return nil
}

func (c *BalanceCache) Invalidate(_ context.Context, asset, wallet common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, assetWallet{asset, wallet})
	return nil
}
