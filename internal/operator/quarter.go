package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/anchorhub/internal/chain"
	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/solvency"
)

// onNewQuarter runs the staggered per-quarter duties: withdrawal
// moderation, dispute resolution, and at quarter zero the per-asset
// solvency commit for the new round.
func (o *Operator) onNewQuarter(ctx context.Context, round uint64, quarter int) error {
	o.logger.Info("quarter transition",
		slog.Uint64("round", round),
		slog.Int("quarter", quarter),
	)

	if err := o.processWithdrawalRequests(ctx); err != nil {
		return err
	}
	if err := o.processOpenDisputes(ctx, round); err != nil {
		return err
	}
	if quarter == 0 {
		if err := o.goToRound(ctx, round); err != nil {
			return err
		}
	}
	return nil
}

// processWithdrawalRequests moderates every unchecked withdrawal:
// validate it against current ledger state and approve, or submit a
// cancellation with signed approvals as evidence and mark it canceled.
func (o *Operator) processWithdrawalRequests(ctx context.Context) error {
	unchecked, err := o.ledger.UncheckedWithdrawals(ctx)
	if err != nil {
		return fmt.Errorf("list unchecked withdrawals: %w", err)
	}

	for _, w := range unchecked {
		err := o.ledger.ApproveWithdrawal(ctx, w.TxHash)
		if err == nil {
			o.logger.Info("withdrawal approved",
				slog.String("tx_hash", w.TxHash.Hex()),
				slog.String("wallet", w.Wallet.Hex()),
			)
			o.notify(Notice{Kind: NoticeWithdrawalDecided, Wallet: w.Wallet, TxHash: w.TxHash})
			continue
		}
		if !isValidationError(err) {
			return err
		}

		o.logger.Warn("withdrawal rejected",
			slog.String("tx_hash", w.TxHash.Hex()),
			slog.String("wallet", w.Wallet.Hex()),
			slog.String("reason", err.Error()),
		)
		if err := o.rejectWithdrawal(ctx, w); err != nil {
			return err
		}
		o.notify(Notice{Kind: NoticeWithdrawalDecided, Wallet: w.Wallet, TxHash: w.TxHash})
	}
	return nil
}

// rejectWithdrawal submits the on-chain cancellation for an overdrawn
// request, then cancels the local record.
func (o *Operator) rejectWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if err := o.submitCancellation(ctx, w.Asset, w.Wallet, w.Round, w.TxHash); err != nil {
		return err
	}
	return o.ledger.CancelWithdrawal(ctx, w.TxHash)
}

// submitCancellation sends the wallet's signed open approvals to the
// anchor as evidence that the withdrawal cannot be honored.
func (o *Operator) submitCancellation(ctx context.Context, asset, wallet common.Address, round uint64, txHash common.Hash) error {
	approvals, err := o.ledger.OpenApprovals(ctx, asset, wallet, round)
	if err != nil {
		return fmt.Errorf("reject withdrawal %s: %w", txHash.Hex(), err)
	}
	sigs := make([][]byte, 0, len(approvals))
	for _, a := range approvals {
		sig, err := o.SignApproval(a)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}
	if _, err := o.anchor.CancelWithdrawal(ctx, approvals, sigs, asset, wallet); err != nil {
		return fmt.Errorf("reject withdrawal %s: %w", txHash.Hex(), err)
	}
	return nil
}

// processOpenDisputes resolves every open dispute by submitting the
// ordered per-asset proofs plus every fill, with its backing approval,
// the wallet received in the prior round.
func (o *Operator) processOpenDisputes(ctx context.Context, round uint64) error {
	disputes, err := o.ledger.OpenDisputes(ctx)
	if err != nil {
		return fmt.Errorf("list open disputes: %w", err)
	}

	prior := round
	if prior > 0 {
		prior--
	}
	for _, d := range disputes {
		bundle, err := o.disputeBundle(ctx, d.Wallet, round, prior)
		if err != nil {
			return fmt.Errorf("dispute %s: %w", d.TxHash.Hex(), err)
		}
		if _, err := o.anchor.CloseDispute(ctx, bundle); err != nil {
			return fmt.Errorf("close dispute %s: %w", d.TxHash.Hex(), err)
		}
		if err := o.ledger.CloseDispute(ctx, d); err != nil {
			return err
		}
		o.logger.Info("dispute resolved",
			slog.String("tx_hash", d.TxHash.Hex()),
			slog.String("wallet", d.Wallet.Hex()),
		)
		o.notify(Notice{Kind: NoticeDisputeResolved, Round: round, Wallet: d.Wallet, TxHash: d.TxHash})
	}
	return nil
}

func (o *Operator) disputeBundle(ctx context.Context, wallet common.Address, round, fillRound uint64) (chain.DisputeBundle, error) {
	proofs := make([]solvency.Proof, 0, len(o.ledger.Assets()))
	for _, asset := range o.ledger.Assets() {
		p, err := o.ledger.CompleteProof(ctx, asset, round, wallet)
		if err != nil {
			return chain.DisputeBundle{}, err
		}
		proofs = append(proofs, p)
	}

	fills, approvals, err := o.ledger.FillsReceived(ctx, wallet, fillRound)
	if err != nil {
		return chain.DisputeBundle{}, err
	}
	fillSigs := make([][]byte, 0, len(fills))
	for _, f := range fills {
		sig, err := o.SignFill(f)
		if err != nil {
			return chain.DisputeBundle{}, err
		}
		fillSigs = append(fillSigs, sig)
	}
	approvalSigs := make([][]byte, 0, len(approvals))
	for _, a := range approvals {
		sig, err := o.SignApproval(a)
		if err != nil {
			return chain.DisputeBundle{}, err
		}
		approvalSigs = append(approvalSigs, sig)
	}

	return chain.DisputeBundle{
		Wallet:       wallet,
		Proofs:       proofs,
		Approvals:    approvals,
		ApprovalSigs: approvalSigs,
		Fills:        fills,
		FillSigs:     fillSigs,
	}, nil
}

// goToRound commits the solvency root for every registered asset at the
// start of a new round. Assets whose root is already on chain are
// skipped.
func (o *Operator) goToRound(ctx context.Context, round uint64) error {
	for _, asset := range o.ledger.Assets() {
		if err := o.commit(ctx, round, asset); err != nil {
			return err
		}
	}
	return nil
}

// commit computes and submits one asset's solvency root, with bounded
// retries. Exhausting the retries propagates the failure, which the
// block loop treats as the trigger for a halted-state check.
func (o *Operator) commit(ctx context.Context, round uint64, asset common.Address) error {
	existing, err := o.anchor.GetCommit(ctx, round, asset)
	if err != nil {
		return fmt.Errorf("commit %s round %d: read existing: %w", asset.Hex(), round, err)
	}
	if existing != ([32]byte{}) {
		o.logger.Debug("root already committed",
			slog.String("asset", asset.Hex()),
			slog.Uint64("round", round),
		)
		return nil
	}

	tree, err := o.ledger.SolvencyTree(ctx, asset, round)
	if err != nil {
		return err
	}
	root := tree.Root()

	var lastErr error
	for attempt := 1; attempt <= o.commitRetries; attempt++ {
		txHash, err := o.anchor.Commit(ctx, root, asset)
		if err == nil {
			o.logger.Info("round committed",
				slog.String("asset", asset.Hex()),
				slog.Uint64("round", round),
				slog.String("tx_hash", txHash.Hex()),
			)
			o.notify(Notice{Kind: NoticeRoundCommitted, Round: round, Asset: asset, TxHash: txHash})
			return nil
		}
		lastErr = err
		o.logger.Warn("commit attempt failed",
			slog.String("asset", asset.Hex()),
			slog.Uint64("round", round),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("commit %s round %d: retries exhausted: %w", asset.Hex(), round, lastErr)
}

// isValidationError reports whether the error is a typed ledger
// validation failure rather than an infrastructure fault. Validation
// failures turn a withdrawal into a rejection; everything else aborts
// the pass.
func isValidationError(err error) bool {
	for _, target := range []error{
		domain.ErrInsufficientBalance,
		domain.ErrInvalidAmount,
		domain.ErrDoubleWithdrawal,
		domain.ErrRoundMismatch,
		domain.ErrOrderClosed,
		domain.ErrWalletNotRegistered,
		domain.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
