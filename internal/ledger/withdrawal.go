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

// InsertWithdrawal records a chain-observed withdrawal initiation in the
// unchecked state, awaiting operator moderation. It does not touch
// balances, but it does enforce at most one non-terminal withdrawal per
// (asset, wallet): a second initiation fails with ErrDoubleWithdrawal
// and is not recorded.
func (l *Ledger) InsertWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	if open, err := l.hasOtherNonTerminal(ctx, w); err != nil {
		return err
	} else if open {
		return fmt.Errorf("insert withdrawal %s: wallet %s already has an open withdrawal: %w",
			w.TxHash.Hex(), w.Wallet.Hex(), domain.ErrDoubleWithdrawal)
	}
	w.Status = domain.WithdrawalStatusUnchecked
	if err := l.stores.Withdrawals.Create(ctx, w); err != nil {
		return fmt.Errorf("insert withdrawal %s: %w", w.TxHash.Hex(), err)
	}
	return nil
}

// Withdraw validates and applies a withdrawal in one step, persisting it
// as pending. It enforces a positive amount, a positive round, a
// sufficient balance, and at most one non-terminal withdrawal per
// (asset, wallet).
func (l *Ledger) Withdraw(ctx context.Context, w domain.Withdrawal) error {
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	if err := l.validateWithdrawal(ctx, w); err != nil {
		return err
	}
	err := l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		w.Status = domain.WithdrawalStatusPending
		if err := l.stores.Withdrawals.Create(ctx, w); err != nil {
			return err
		}
		return l.debitWithdrawn(ctx, w)
	})
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", w.TxHash.Hex(), err)
	}
	return l.cache.Add(ctx, w.Asset, w.Wallet, w.Round, w.Amount.Neg())
}

// ApproveWithdrawal promotes an unchecked withdrawal to pending after
// re-validating it against current ledger state, debiting the withdrawn
// amount.
func (l *Ledger) ApproveWithdrawal(ctx context.Context, txHash common.Hash) error {
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	w, err := l.stores.Withdrawals.GetByTxHash(ctx, txHash)
	if err != nil {
		return fmt.Errorf("approve withdrawal %s: %w", txHash.Hex(), err)
	}
	if w.Status != domain.WithdrawalStatusUnchecked {
		return fmt.Errorf("approve withdrawal %s: status %s: %w", txHash.Hex(), w.Status, domain.ErrOrderClosed)
	}
	if err := l.validateWithdrawal(ctx, w); err != nil {
		return err
	}

	err = l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		w.Status = domain.WithdrawalStatusPending
		if err := l.stores.Withdrawals.Update(ctx, w); err != nil {
			return err
		}
		return l.debitWithdrawn(ctx, w)
	})
	if err != nil {
		return fmt.Errorf("approve withdrawal %s: %w", txHash.Hex(), err)
	}
	return l.cache.Add(ctx, w.Asset, w.Wallet, w.Round, w.Amount.Neg())
}

// CancelWithdrawal moves a non-terminal withdrawal to canceled. A
// pending withdrawal had already debited withdrawn, so the debit is
// reversed; an unchecked one never touched balances.
func (l *Ledger) CancelWithdrawal(ctx context.Context, txHash common.Hash) error {
	if err := l.guard.Lock(ctx); err != nil {
		return err
	}
	defer l.guard.Unlock()

	w, err := l.stores.Withdrawals.GetByTxHash(ctx, txHash)
	if err != nil {
		return fmt.Errorf("cancel withdrawal %s: %w", txHash.Hex(), err)
	}
	if w.Status.Terminal() {
		return fmt.Errorf("cancel withdrawal %s: status %s: %w", txHash.Hex(), w.Status, domain.ErrOrderClosed)
	}
	wasPending := w.Status == domain.WithdrawalStatusPending

	err = l.stores.Tx.RunInTx(ctx, func(ctx context.Context) error {
		w.Status = domain.WithdrawalStatusCanceled
		if err := l.stores.Withdrawals.Update(ctx, w); err != nil {
			return err
		}
		if !wasPending {
			return nil
		}
		acct, err := l.stores.Accounts.Get(ctx, w.Asset, w.Wallet, w.Round)
		if err != nil {
			return err
		}
		acct.Withdrawn = acct.Withdrawn.Sub(w.Amount)
		return l.stores.Accounts.Update(ctx, acct)
	})
	if err != nil {
		return fmt.Errorf("cancel withdrawal %s: %w", txHash.Hex(), err)
	}
	l.logger.Info("withdrawal canceled",
		slog.String("tx_hash", txHash.Hex()),
		slog.String("wallet", w.Wallet.Hex()),
	)
	if !wasPending {
		return nil
	}
	return l.cache.Add(ctx, w.Asset, w.Wallet, w.Round, w.Amount)
}

// ConfirmWithdrawal moves a pending withdrawal to its confirmed terminal
// state once the anchor contract reports it settled.
func (l *Ledger) ConfirmWithdrawal(ctx context.Context, txHash common.Hash) error {
	w, err := l.stores.Withdrawals.GetByTxHash(ctx, txHash)
	if err != nil {
		return fmt.Errorf("confirm withdrawal %s: %w", txHash.Hex(), err)
	}
	if w.Status != domain.WithdrawalStatusPending {
		return fmt.Errorf("confirm withdrawal %s: status %s: %w", txHash.Hex(), w.Status, domain.ErrOrderClosed)
	}
	w.Status = domain.WithdrawalStatusConfirmed
	if err := l.stores.Withdrawals.Update(ctx, w); err != nil {
		return fmt.Errorf("confirm withdrawal %s: %w", txHash.Hex(), err)
	}
	return nil
}

// UncheckedWithdrawals lists withdrawals awaiting moderation.
func (l *Ledger) UncheckedWithdrawals(ctx context.Context) ([]domain.Withdrawal, error) {
	return l.stores.Withdrawals.List(ctx, domain.WithdrawalQuery{
		Status: domain.Ptr(domain.WithdrawalStatusUnchecked),
	})
}

// hasOtherNonTerminal reports whether the (asset, wallet) pair has a
// non-terminal withdrawal other than w itself.
func (l *Ledger) hasOtherNonTerminal(ctx context.Context, w domain.Withdrawal) (bool, error) {
	existing, err := l.stores.Withdrawals.List(ctx, domain.WithdrawalQuery{
		Asset:  &w.Asset,
		Wallet: &w.Wallet,
	})
	if err != nil {
		return false, err
	}
	for _, other := range existing {
		if other.TxHash != w.TxHash && !other.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// validateWithdrawal runs under the guard; the balance check reads the
// stores directly so it cannot consume a cache entry written before the
// guard was taken.
func (l *Ledger) validateWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if w.Amount.Sign() <= 0 {
		return fmt.Errorf("withdrawal %s: amount %s: %w", w.TxHash.Hex(), w.Amount, domain.ErrInvalidAmount)
	}
	if w.Round == 0 {
		return fmt.Errorf("withdrawal %s: round 0: %w", w.TxHash.Hex(), domain.ErrRoundMismatch)
	}
	if open, err := l.hasOtherNonTerminal(ctx, w); err != nil {
		return err
	} else if open {
		return fmt.Errorf("withdrawal %s: wallet %s already has an open withdrawal: %w",
			w.TxHash.Hex(), w.Wallet.Hex(), domain.ErrDoubleWithdrawal)
	}
	balance, err := l.computeBalance(ctx, w.Asset, w.Wallet, w.Round)
	if err != nil {
		return err
	}
	if balance.LessThan(w.Amount) {
		return fmt.Errorf("withdrawal %s: need %s, have %s: %w",
			w.TxHash.Hex(), w.Amount, balance, domain.ErrInsufficientBalance)
	}
	return nil
}

func (l *Ledger) debitWithdrawn(ctx context.Context, w domain.Withdrawal) error {
	acct, err := l.touchAccount(ctx, w.Asset, w.Wallet, w.Round)
	if err != nil {
		return err
	}
	acct.Withdrawn = acct.Withdrawn.Add(w.Amount)
	return l.stores.Accounts.Update(ctx, acct)
}

// Withdrawn returns the cumulative withdrawn amount for an exact round,
// zero when the account was never touched.
func (l *Ledger) Withdrawn(ctx context.Context, asset, wallet common.Address, round uint64) (decimal.Decimal, error) {
	acct, err := l.stores.Accounts.Get(ctx, asset, wallet, round)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Withdrawn, nil
}
