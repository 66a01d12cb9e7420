package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// unlockLua deletes a lease key only if its value matches the caller's
// unique token, so one holder cannot release another holder's lease.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LeaseManager implements domain.LeaseManager using Redis SETNX with a
// TTL and a Lua-based conditional release. It fences the operator's
// block loop to one replica.
type LeaseManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewLeaseManager creates a LeaseManager backed by the given Client.
func NewLeaseManager(c *Client) *LeaseManager {
	return &LeaseManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func leaseKey(key string) string {
	return "lease:" + key
}

// Acquire attempts to obtain the lease for the given key. On success it
// returns a release function that is safe to call more than once. It
// returns domain.ErrLockHeld when another party holds the lease.
func (lm *LeaseManager) Acquire(ctx context.Context, key string, ttlSeconds int) (func(), error) {
	token := uuid.New().String()
	lk := leaseKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// Background context so release succeeds even if the caller's
		// context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = lm.unlockSc.Run(releaseCtx, lm.rdb, []string{lk}, token).Err()
	}

	return release, nil
}

var _ domain.LeaseManager = (*LeaseManager)(nil)
