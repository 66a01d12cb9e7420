package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/anchorhub/internal/chain"
	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// ErrHalted is returned by Run when the anchor contract reports the
// halted terminal state. Processing stops entirely; clients recover
// funds unilaterally from that point on.
var ErrHalted = domain.ErrHalted

// Run follows the chain head until ctx is canceled or the anchor halts.
// Blocks are processed strictly in order, resuming from the persisted
// cursor; a failed block is retried on the next tick, which is safe
// because event application is idempotent.
func (o *Operator) Run(ctx context.Context) error {
	if o.lease != nil {
		release, err := o.lease.Acquire(ctx, o.leaseKey, o.leaseTTL)
		if err != nil {
			return fmt.Errorf("operator: acquire lease: %w", err)
		}
		defer release()
	}

	assets, err := o.anchor.RegisteredAssets(ctx)
	if err != nil {
		return fmt.Errorf("operator: load assets: %w", err)
	}
	o.ledger.SetAssets(assets)

	o.logger.Info("operator started", slog.Int("assets", len(assets)))
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				if errors.Is(err, ErrHalted) {
					o.logger.Error("anchor halted, stopping")
					o.notify(Notice{Kind: NoticeHalted})
					return ErrHalted
				}
				o.logger.Warn("tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick processes every block between the cursor and the chain head. It
// is exclusive: a tick that overlaps a still-running quarter transition
// waits for it.
func (o *Operator) Tick(ctx context.Context) error {
	if err := o.processing.Lock(ctx); err != nil {
		return err
	}
	defer o.processing.Unlock()

	halted, err := o.anchor.IsHalted(ctx)
	if err != nil {
		return fmt.Errorf("halted check: %w", err)
	}
	if halted {
		return ErrHalted
	}

	head, err := o.anchor.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("chain head: %w", err)
	}
	last, ok, err := o.stores.Cursor.Last(ctx)
	if err != nil {
		return fmt.Errorf("cursor: %w", err)
	}
	next := head
	if ok {
		if last >= head {
			return nil
		}
		next = last + 1
	}

	for block := next; block <= head; block++ {
		if err := o.processBlock(ctx, block); err != nil {
			// Any failure while applying a block triggers a halted-state
			// refresh; the same block is retried on the next tick.
			if herr := o.anchor.UpdateHaltedState(ctx); herr != nil {
				o.logger.Warn("halted-state update failed", slog.String("error", herr.Error()))
			}
			if halted, herr := o.anchor.IsHalted(ctx); herr == nil && halted {
				return ErrHalted
			}
			return fmt.Errorf("block %d: %w", block, err)
		}
		if err := o.stores.Cursor.Save(ctx, block); err != nil {
			return fmt.Errorf("save cursor at %d: %w", block, err)
		}
	}
	return nil
}

// processBlock applies the block's events in a fixed per-kind order and
// runs the quarter transition when the block crosses a quarter boundary.
func (o *Operator) processBlock(ctx context.Context, block uint64) error {
	events, err := o.anchor.FilterEvents(ctx, block, block)
	if err != nil {
		return fmt.Errorf("filter events: %w", err)
	}
	sortEvents(events)
	for _, ev := range events {
		if err := o.applyEvent(ctx, ev); err != nil {
			return err
		}
	}

	round, err := o.rounds.Round(ctx, block)
	if err != nil {
		return err
	}
	quarter, err := o.rounds.Quarter(ctx, block)
	if err != nil {
		return err
	}
	if !o.hasQuarter {
		o.hasQuarter = true
		o.lastQuarter = quarter
	} else if quarter != o.lastQuarter {
		o.lastQuarter = quarter
		if err := o.onNewQuarter(ctx, round, quarter); err != nil {
			return err
		}
	}

	o.notify(Notice{Kind: NoticeBlockProcessed, Block: block, Round: round, Quarter: quarter})
	return nil
}

// eventOrder fixes the within-block application sequence.
var eventOrder = map[chain.EventKind]int{
	chain.EventDepositCompleted:    0,
	chain.EventWithdrawalInitiated: 1,
	chain.EventWithdrawalConfirmed: 2,
	chain.EventDisputeOpened:       3,
}

func sortEvents(events []chain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return eventOrder[events[i].Kind] < eventOrder[events[j].Kind]
	})
}

// applyEvent ingests one chain event. Every kind carries an idempotency
// guard; a replayed event is logged and skipped.
func (o *Operator) applyEvent(ctx context.Context, ev chain.Event) error {
	switch ev.Kind {
	case chain.EventDepositCompleted:
		err := o.ledger.ApplyDeposit(ctx, domain.Deposit{
			TxHash: ev.TxHash,
			Asset:  ev.Asset,
			Wallet: ev.Wallet,
			Amount: ev.Amount,
			Round:  ev.Round,
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			o.logSkip(ev)
			return nil
		}
		return err

	case chain.EventWithdrawalInitiated:
		err := o.ledger.InsertWithdrawal(ctx, domain.Withdrawal{
			Asset:  ev.Asset,
			Wallet: ev.Wallet,
			Amount: ev.Amount,
			Round:  ev.Round,
			TxHash: ev.TxHash,
		})
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			o.logSkip(ev)
			return nil
		case errors.Is(err, domain.ErrDoubleWithdrawal):
			// A second initiation while one is still open never enters
			// the local ledger; it is rejected on chain directly.
			o.logger.Warn("duplicate withdrawal initiation",
				slog.String("tx_hash", ev.TxHash.Hex()),
				slog.String("wallet", ev.Wallet.Hex()),
			)
			return o.submitCancellation(ctx, ev.Asset, ev.Wallet, ev.Round, ev.TxHash)
		}
		return err

	case chain.EventWithdrawalConfirmed:
		err := o.ledger.ConfirmWithdrawal(ctx, ev.TxHash)
		if errors.Is(err, domain.ErrOrderClosed) {
			o.logSkip(ev)
			return nil
		}
		return err

	case chain.EventDisputeOpened:
		err := o.ledger.InsertDispute(ctx, domain.Dispute{
			Round:  ev.Round,
			Wallet: ev.Wallet,
			TxHash: ev.TxHash,
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			o.logSkip(ev)
			return nil
		}
		return err

	default:
		o.logger.Warn("unknown event kind", slog.String("kind", string(ev.Kind)))
		return nil
	}
}

func (o *Operator) logSkip(ev chain.Event) {
	o.logger.Debug("event already processed",
		slog.String("kind", string(ev.Kind)),
		slog.String("tx_hash", ev.TxHash.Hex()),
	)
}
