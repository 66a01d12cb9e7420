package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// InsertDispute records a chain-observed dispute as open.
func (l *Ledger) InsertDispute(ctx context.Context, d domain.Dispute) error {
	d.Status = domain.DisputeStatusOpen
	if err := l.stores.Disputes.Create(ctx, d); err != nil {
		return fmt.Errorf("insert dispute %s: %w", d.TxHash.Hex(), err)
	}
	return nil
}

// CloseDispute moves a dispute to closed after the reconciling bundle
// has been submitted on chain.
func (l *Ledger) CloseDispute(ctx context.Context, d domain.Dispute) error {
	d.Status = domain.DisputeStatusClosed
	if err := l.stores.Disputes.Update(ctx, d); err != nil {
		return fmt.Errorf("close dispute %s: %w", d.TxHash.Hex(), err)
	}
	return nil
}

// OpenDisputes lists every dispute still awaiting resolution.
func (l *Ledger) OpenDisputes(ctx context.Context) ([]domain.Dispute, error) {
	return l.stores.Disputes.ListOpen(ctx)
}

// HasOpenDispute reports whether the wallet has an unresolved dispute.
func (l *Ledger) HasOpenDispute(ctx context.Context, wallet common.Address) (bool, error) {
	_, err := l.stores.Disputes.GetOpenByWallet(ctx, wallet)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// IsRecovered reports whether the wallet already recovered its funds for
// the asset.
func (l *Ledger) IsRecovered(ctx context.Context, asset, wallet common.Address) (bool, error) {
	return l.stores.Recoveries.IsRecovered(ctx, asset, wallet)
}

// SetRecovered marks the (asset, wallet) pair as recovered. The flag is
// write-once; a second write fails with ErrAlreadyRecovered.
func (l *Ledger) SetRecovered(ctx context.Context, asset, wallet common.Address) error {
	if err := l.stores.Recoveries.SetRecovered(ctx, asset, wallet); err != nil {
		return fmt.Errorf("set recovered %s/%s: %w", asset.Hex(), wallet.Hex(), err)
	}
	return nil
}
