package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Fill is an immutable record of value actually transferred against an
// approval: the owner sold SellAmount of SellAsset and received
// BuyAmount of BuyAsset. Fill IDs are strictly increasing, derived from
// the total fill count at insertion time.
type Fill struct {
	ID         uint64
	ApprovalID string
	Round      uint64
	BuyAsset   common.Address
	BuyAmount  decimal.Decimal
	SellAsset  common.Address
	SellAmount decimal.Decimal
	Wallet     common.Address
	InstanceID common.Address
	Signature  []byte
}

// BackedBy verifies that the fill is backed by the given approval: the
// asset pair, round, instance, and owner must all match exactly. A fill
// with no backing approval is never applied to the ledger.
func (f Fill) BackedBy(a Approval) error {
	if f.ApprovalID != a.ID {
		return fmt.Errorf("fill %d references approval %s, got %s: %w", f.ID, f.ApprovalID, a.ID, ErrNotFound)
	}
	if f.BuyAsset != a.Buy.Asset || f.SellAsset != a.Sell.Asset {
		return fmt.Errorf("fill %d assets do not match approval %s: %w", f.ID, a.ID, ErrAssetMismatch)
	}
	if f.Round != a.Round {
		return fmt.Errorf("fill %d round %d != approval round %d: %w", f.ID, f.Round, a.Round, ErrRoundMismatch)
	}
	if f.InstanceID != a.InstanceID {
		return fmt.Errorf("fill %d instance %s != approval instance %s: %w",
			f.ID, f.InstanceID.Hex(), a.InstanceID.Hex(), ErrInstanceMismatch)
	}
	if f.Wallet != a.Owner {
		return fmt.Errorf("fill %d wallet %s != approval owner %s: %w",
			f.ID, f.Wallet.Hex(), a.Owner.Hex(), ErrOwnerMismatch)
	}
	if f.SellAmount.Sign() < 0 || f.BuyAmount.Sign() < 0 {
		return fmt.Errorf("fill %d: %w", f.ID, ErrInvalidAmount)
	}
	return nil
}
