package ledger

import "context"

// Guard is an exclusive lock whose acquire honors context cancellation.
// It serializes every balance mutation, keeping "check balance, commit,
// update cache" atomic with respect to concurrent mutations and cached
// balance recomputes.
type Guard struct {
	sem chan struct{}
}

// NewGuard returns an unheld guard.
func NewGuard() *Guard {
	return &Guard{sem: make(chan struct{}, 1)}
}

// Lock blocks until the guard is acquired or ctx is done. Waiters are
// served in no guaranteed order.
func (g *Guard) Lock(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the guard. Unlocking a guard that is not held is a
// contract violation and panics.
func (g *Guard) Unlock() {
	select {
	case <-g.sem:
	default:
		panic("ledger: unlock of unheld guard")
	}
}
