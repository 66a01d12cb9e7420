package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/anchorhub/internal/operator"
)

// Event type names used to filter settlement notifications.
const (
	EventRoundCommitted    = "round_committed"
	EventDisputeResolved   = "dispute_resolved"
	EventWithdrawalDecided = "withdrawal_decided"
	EventHalted            = "halted"
)

// Relay consumes the operator's notice channel and forwards each notice
// to the notifier with a settlement-specific title and body. Block
// notices are too chatty to forward and are dropped.
type Relay struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay over the given notifier.
func NewRelay(n *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		notifier: n,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run forwards notices until the channel closes or ctx is done.
func (r *Relay) Run(ctx context.Context, notices <-chan operator.Notice) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notices:
			if !ok {
				return nil
			}
			r.forward(ctx, n)
		}
	}
}

func (r *Relay) forward(ctx context.Context, n operator.Notice) {
	var event, title, message string
	switch n.Kind {
	case operator.NoticeRoundCommitted:
		event = EventRoundCommitted
		title = "Round committed"
		message = fmt.Sprintf("Solvency root for asset %s committed at round %d (tx %s).",
			n.Asset.Hex(), n.Round, n.TxHash.Hex())
	case operator.NoticeDisputeResolved:
		event = EventDisputeResolved
		title = "Dispute resolved"
		message = fmt.Sprintf("Dispute by %s resolved at round %d (tx %s).",
			n.Wallet.Hex(), n.Round, n.TxHash.Hex())
	case operator.NoticeWithdrawalDecided:
		event = EventWithdrawalDecided
		title = "Withdrawal moderated"
		message = fmt.Sprintf("Withdrawal %s for wallet %s decided.",
			n.TxHash.Hex(), n.Wallet.Hex())
	case operator.NoticeHalted:
		event = EventHalted
		title = "ANCHOR HALTED"
		message = "The anchor contract reports the halted state. Settlement has stopped; clients recover unilaterally."
	default:
		return
	}

	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notice delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
