// Package ledger implements the round-scoped settlement ledger: deposits,
// locked and filled approvals, fills, withdrawals, disputes, and recovery
// flags, plus the balance queries and solvency proofs derived from them.
// Every multi-entity operation runs inside one store transaction, and
// every balance mutation holds an exclusive guard across the commit and
// the cache update that follows it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// Ledger is the settlement accounting engine. All balance-mutating
// operations are transactional; the zero value is not usable, construct
// with New.
type Ledger struct {
	stores domain.Stores
	cache  domain.BalanceCache
	guard  *Guard
	logger *slog.Logger

	assets   []common.Address
	assetSet map[common.Address]bool
}

// Config configures the ledger.
type Config struct {
	Stores domain.Stores
	Cache  domain.BalanceCache
	Logger *slog.Logger
}

// New creates a ledger. Assets must be set from the anchor contract's
// registry before approvals are admitted.
func New(cfg Config) *Ledger {
	return &Ledger{
		stores:   cfg.Stores,
		cache:    cfg.Cache,
		guard:    NewGuard(),
		logger:   cfg.Logger.With(slog.String("component", "ledger")),
		assetSet: make(map[common.Address]bool),
	}
}

// SetAssets installs the registered asset list, in the anchor contract's
// order. Approvals referencing assets outside this set are rejected.
func (l *Ledger) SetAssets(assets []common.Address) {
	l.assets = append([]common.Address(nil), assets...)
	l.assetSet = make(map[common.Address]bool, len(assets))
	for _, a := range assets {
		l.assetSet[a] = true
	}
}

// Assets returns the registered asset list in contract order.
func (l *Ledger) Assets() []common.Address {
	return append([]common.Address(nil), l.assets...)
}

// Register admits a wallet into the ledger. It is idempotent; a repeat
// registration keeps the original roundJoined.
func (l *Ledger) Register(ctx context.Context, wallet common.Address, round uint64) error {
	created, err := l.stores.Wallets.Register(ctx, wallet, round)
	if err != nil {
		return fmt.Errorf("register wallet %s: %w", wallet.Hex(), err)
	}
	if created {
		l.logger.Info("wallet registered",
			slog.String("wallet", wallet.Hex()),
			slog.Uint64("round", round),
		)
	}
	return nil
}

// IsRegistered reports whether the wallet has been admitted.
func (l *Ledger) IsRegistered(ctx context.Context, wallet common.Address) (bool, error) {
	_, err := l.stores.Wallets.Get(ctx, wallet)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// CreditDeposit adds a confirmed on-chain deposit to the wallet's
// account for the deposit's round. The store commit and the cache delta
// happen under the guard, so a concurrent Balance recompute cannot land
// between them.
func (l *Ledger) CreditDeposit(ctx context.Context, asset, wallet common.Address, amount decimal.Decimal, round uint64) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("deposit of %s %s: %w", amount, asset.Hex(), domain.ErrInvalidAmount)
	}
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	if ok, err := l.IsRegistered(ctx, wallet); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("deposit for %s: %w", wallet.Hex(), domain.ErrWalletNotRegistered)
	}

	err := l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		return l.credit(ctx, asset, wallet, amount, round)
	})
	if err != nil {
		return fmt.Errorf("credit deposit: %w", err)
	}
	return l.cache.Add(ctx, asset, wallet, round, amount)
}

// ApplyDeposit ingests one confirmed on-chain deposit as a unit: the
// transaction-hash idempotency record, the wallet registration, and the
// balance credit land in a single transaction. Replaying the same
// transaction hash fails with ErrAlreadyExists and changes nothing.
func (l *Ledger) ApplyDeposit(ctx context.Context, d domain.Deposit) error {
	if d.Amount.Sign() <= 0 {
		return fmt.Errorf("deposit of %s %s: %w", d.Amount, d.Asset.Hex(), domain.ErrInvalidAmount)
	}
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	var created bool
	err := l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := l.stores.Deposits.Record(ctx, d); err != nil {
			return fmt.Errorf("record deposit %s: %w", d.TxHash.Hex(), err)
		}
		var err error
		created, err = l.stores.Wallets.Register(ctx, d.Wallet, d.Round)
		if err != nil {
			return fmt.Errorf("register wallet %s: %w", d.Wallet.Hex(), err)
		}
		return l.credit(ctx, d.Asset, d.Wallet, d.Amount, d.Round)
	})
	if err != nil {
		return err
	}
	if created {
		l.logger.Info("wallet registered",
			slog.String("wallet", d.Wallet.Hex()),
			slog.Uint64("round", d.Round),
		)
	}
	return l.cache.Add(ctx, d.Asset, d.Wallet, d.Round, d.Amount)
}

// credit adds the deposit amount to the account. Callers supply the
// enclosing transaction.
func (l *Ledger) credit(ctx context.Context, asset, wallet common.Address, amount decimal.Decimal, round uint64) error {
	acct, err := l.touchAccount(ctx, asset, wallet, round)
	if err != nil {
		return err
	}
	acct.Deposited = acct.Deposited.Add(amount)
	return l.stores.Accounts.Update(ctx, acct)
}

// InsertApproval admits a single trade approval, locking its sell amount.
// Admission is serialized by the guard so two concurrent approvals cannot
// both lock the same funds.
func (l *Ledger) InsertApproval(ctx context.Context, a domain.Approval) error {
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	err := l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		return l.admit(ctx, a, false)
	})
	if err != nil {
		return err
	}
	return l.cache.Add(ctx, a.Sell.Asset, a.Owner, a.Round, a.Sell.Amount.Neg())
}

// InsertOrder admits a trade approval together with its fee approval as
// one atomic unit. Either both lock or neither does.
func (l *Ledger) InsertOrder(ctx context.Context, order, fee domain.Approval) error {
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	err := l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := l.admit(ctx, order, false); err != nil {
			return err
		}
		return l.admit(ctx, fee, true)
	})
	if err != nil {
		return err
	}
	if err := l.cache.Add(ctx, order.Sell.Asset, order.Owner, order.Round, order.Sell.Amount.Neg()); err != nil {
		return err
	}
	return l.cache.Add(ctx, fee.Sell.Asset, fee.Owner, fee.Round, fee.Sell.Amount.Neg())
}

// admit validates and persists one approval, locking its sell amount.
// Callers hold the guard and an enclosing transaction; the cache is the
// caller's responsibility since the transaction may still roll back. The
// balance check reads the stores directly so that a sibling admission in
// the same transaction is visible.
func (l *Ledger) admit(ctx context.Context, a domain.Approval, fee bool) error {
	if err := a.Validate(fee); err != nil {
		return err
	}
	if !fee && !l.assetSet[a.Buy.Asset] {
		return fmt.Errorf("approval %s: buy asset %s: %w", a.ID, a.Buy.Asset.Hex(), domain.ErrAssetNotRegistered)
	}
	if !l.assetSet[a.Sell.Asset] {
		return fmt.Errorf("approval %s: sell asset %s: %w", a.ID, a.Sell.Asset.Hex(), domain.ErrAssetNotRegistered)
	}
	if ok, err := l.IsRegistered(ctx, a.Owner); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("approval %s: owner %s: %w", a.ID, a.Owner.Hex(), domain.ErrWalletNotRegistered)
	}

	available, err := l.computeBalance(ctx, a.Sell.Asset, a.Owner, a.Round)
	if err != nil {
		return err
	}
	if available.LessThan(a.Sell.Amount) {
		return fmt.Errorf("approval %s: need %s, have %s: %w",
			a.ID, a.Sell.Amount, available, domain.ErrInsufficientBalance)
	}

	a.FilledBuy = decimal.Zero
	a.FilledSell = decimal.Zero
	a.Status = domain.ApprovalStatusOpen

	if err := l.stores.Approvals.Create(ctx, a); err != nil {
		return fmt.Errorf("insert approval %s: %w", a.ID, err)
	}
	acct, err := l.touchAccount(ctx, a.Sell.Asset, a.Owner, a.Round)
	if err != nil {
		return err
	}
	acct.Locked = acct.Locked.Add(a.Sell.Amount)
	return l.stores.Accounts.Update(ctx, acct)
}

// CancelApproval cancels an open approval and unlocks its unfilled sell
// remainder.
func (l *Ledger) CancelApproval(ctx context.Context, id string) error {
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	a, err := l.stores.Approvals.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel approval %s: %w", id, err)
	}
	remainder := a.RemainingSell()
	if err := a.Cancel(); err != nil {
		return err
	}

	err = l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := l.stores.Approvals.Update(ctx, a); err != nil {
			return err
		}
		acct, err := l.stores.Accounts.Get(ctx, a.Sell.Asset, a.Owner, a.Round)
		if err != nil {
			return err
		}
		acct.Locked = acct.Locked.Sub(remainder)
		return l.stores.Accounts.Update(ctx, acct)
	})
	if err != nil {
		return fmt.Errorf("cancel approval %s: %w", id, err)
	}
	return l.cache.Add(ctx, a.Sell.Asset, a.Owner, a.Round, remainder)
}

// InsertFill applies one fill against its backing approval: the sell
// amount moves from locked to sold, the buy amount is credited, and the
// approval's fill totals advance. The fill ID is assigned here from the
// total fill count.
func (l *Ledger) InsertFill(ctx context.Context, f domain.Fill) (domain.Fill, error) {
	if err := l.guard.Lock(ctx); err != nil {
		return domain.Fill{}, err
	}
	defer l.guard.Unlock()

	a, err := l.stores.Approvals.Get(ctx, f.ApprovalID)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fill: approval %s: %w", f.ApprovalID, err)
	}
	if err := f.BackedBy(a); err != nil {
		return domain.Fill{}, err
	}
	if err := a.ApplyFill(f); err != nil {
		return domain.Fill{}, err
	}

	err = l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		count, err := l.stores.Fills.Count(ctx)
		if err != nil {
			return err
		}
		f.ID = count + 1

		seller, err := l.stores.Accounts.Get(ctx, f.SellAsset, f.Wallet, f.Round)
		if err != nil {
			return err
		}
		if seller.Locked.LessThan(f.SellAmount) {
			return fmt.Errorf("fill %d: locked %s < sell %s: %w",
				f.ID, seller.Locked, f.SellAmount, domain.ErrInsufficientBalance)
		}
		seller.Locked = seller.Locked.Sub(f.SellAmount)
		seller.Sold = seller.Sold.Add(f.SellAmount)
		if err := l.stores.Accounts.Update(ctx, seller); err != nil {
			return err
		}

		buyer, err := l.touchAccount(ctx, f.BuyAsset, f.Wallet, f.Round)
		if err != nil {
			return err
		}
		buyer.Bought = buyer.Bought.Add(f.BuyAmount)
		if err := l.stores.Accounts.Update(ctx, buyer); err != nil {
			return err
		}

		if err := l.stores.Fills.Create(ctx, f); err != nil {
			return err
		}
		return l.stores.Approvals.Update(ctx, a)
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("insert fill for approval %s: %w", f.ApprovalID, err)
	}

	// Unlocking and selling the same amount cancel out on the sell
	// asset; only the buy side shifts the balance.
	if err := l.cache.Add(ctx, f.BuyAsset, f.Wallet, f.Round, f.BuyAmount); err != nil {
		return domain.Fill{}, err
	}
	return f, nil
}

// Balance returns the wallet's spendable balance at a round: the
// cumulative net of all rounds up to and including it, minus the funds
// locked in that exact round. Results are cached per (asset, wallet) and
// trusted only when the cached round matches.
func (l *Ledger) Balance(ctx context.Context, asset, wallet common.Address, round uint64) (decimal.Decimal, error) {
	if entry, ok, err := l.cache.Get(ctx, asset, wallet); err != nil {
		return decimal.Zero, err
	} else if ok && entry.Round == round {
		return entry.Balance, nil
	}

	// Mutators commit and apply their cache delta while holding the
	// guard. Recomputing under the same guard keeps the Put from landing
	// between a commit and its still-pending delta.
	if err := l.guard.Lock(ctx); err != nil {
		return decimal.Zero, err
	}
	defer l.guard.Unlock()

	if entry, ok, err := l.cache.Get(ctx, asset, wallet); err != nil {
		return decimal.Zero, err
	} else if ok && entry.Round == round {
		return entry.Balance, nil
	}

	balance, err := l.computeBalance(ctx, asset, wallet, round)
	if err != nil {
		return decimal.Zero, err
	}
	if err := l.cache.Put(ctx, asset, wallet, domain.CachedBalance{Round: round, Balance: balance}); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// computeBalance derives the spendable balance from the account stores,
// bypassing the cache.
func (l *Ledger) computeBalance(ctx context.Context, asset, wallet common.Address, round uint64) (decimal.Decimal, error) {
	accounts, err := l.stores.Accounts.List(ctx, domain.AccountQuery{
		Asset:    &asset,
		Wallet:   &wallet,
		Round:    &round,
		RoundCmp: domain.CmpLeq,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s/%s: %w", asset.Hex(), wallet.Hex(), err)
	}

	balance := decimal.Zero
	for _, a := range accounts {
		balance = balance.Add(a.Net())
		if a.Round == round {
			balance = balance.Sub(a.Locked)
		}
	}
	return balance, nil
}

// Locked returns the amount locked by open approvals in the exact round.
func (l *Ledger) Locked(ctx context.Context, asset, wallet common.Address, round uint64) (decimal.Decimal, error) {
	acct, err := l.stores.Accounts.Get(ctx, asset, wallet, round)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Locked, nil
}

// OpeningBalance returns the cumulative net of all rounds strictly
// before the given round. Locked amounts are excluded entirely; this is
// the value the solvency tree commits to.
func (l *Ledger) OpeningBalance(ctx context.Context, asset, wallet common.Address, round uint64) (decimal.Decimal, error) {
	accounts, err := l.stores.Accounts.List(ctx, domain.AccountQuery{
		Asset:    &asset,
		Wallet:   &wallet,
		Round:    &round,
		RoundCmp: domain.CmpLt,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("opening balance %s/%s: %w", asset.Hex(), wallet.Hex(), err)
	}
	balance := decimal.Zero
	for _, a := range accounts {
		balance = balance.Add(a.Net())
	}
	return balance, nil
}

// touchAccount returns the account for the key, creating the zero-valued
// account on first touch.
func (l *Ledger) touchAccount(ctx context.Context, asset, wallet common.Address, round uint64) (domain.Account, error) {
	acct, err := l.stores.Accounts.Get(ctx, asset, wallet, round)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, err
	}
	acct = domain.NewAccount(asset, wallet, round)
	if err := l.stores.Accounts.Create(ctx, acct); err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}
