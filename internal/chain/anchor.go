// Package chain defines the anchor contract collaborator: the on-chain
// side of the two-layer protocol, consumed through a fixed
// commit/dispute/withdrawal contract and block-range event retrieval.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/solvency"
)

// EventKind discriminates the anchor contract log events the operator
// ingests.
type EventKind string

const (
	EventDepositCompleted    EventKind = "DepositCompleted"
	EventWithdrawalInitiated EventKind = "WithdrawalInitiated"
	EventWithdrawalConfirmed EventKind = "WithdrawalConfirmed"
	EventDisputeOpened       EventKind = "DisputeOpened"
)

// Event is one decoded anchor contract log entry.
type Event struct {
	Kind   EventKind
	Block  uint64
	Round  uint64
	Asset  common.Address
	Wallet common.Address
	Amount decimal.Decimal
	TxHash common.Hash
}

// DisputeBundle is the reconciling evidence the operator submits to
// close a dispute: one proof per asset plus every fill (and its backing
// approval, both operator-signed) the wallet received in the prior round.
type DisputeBundle struct {
	Wallet       common.Address
	Proofs       []solvency.Proof
	Approvals    []domain.Approval
	ApprovalSigs [][]byte
	Fills        []domain.Fill
	FillSigs     [][]byte
}

// Anchor is the trust-minimized contract the operator reconciles
// against. Implementations must be safe for concurrent use.
type Anchor interface {
	// CurrentBlock returns the chain head block number.
	CurrentBlock(ctx context.Context) (uint64, error)

	// RoundSize is the fixed number of blocks per round, divisible by 4.
	// Read once at deployment.
	RoundSize(ctx context.Context) (uint64, error)

	// CreationBlock is the contract's deployment block.
	CreationBlock(ctx context.Context) (uint64, error)

	CurrentRound(ctx context.Context) (uint64, error)
	CurrentQuarter(ctx context.Context) (int, error)

	IsHalted(ctx context.Context) (bool, error)
	UpdateHaltedState(ctx context.Context) error

	// RegisteredAssets lists the asset contracts the anchor settles.
	RegisteredAssets(ctx context.Context) ([]common.Address, error)

	// GetCommit returns the solvency root committed for (round, asset);
	// the zero digest means no commit yet.
	GetCommit(ctx context.Context, round uint64, asset common.Address) ([32]byte, error)

	// Commit submits a solvency root for the asset's current round.
	Commit(ctx context.Context, root [32]byte, asset common.Address) (common.Hash, error)

	// TotalDeposits returns the on-chain deposit total for (round, asset).
	TotalDeposits(ctx context.Context, round uint64, asset common.Address) (decimal.Decimal, error)

	CloseDispute(ctx context.Context, bundle DisputeBundle) (common.Hash, error)

	// CancelWithdrawal submits signed approvals as evidence that a
	// withdrawal request overdraws the wallet's provable balance.
	CancelWithdrawal(ctx context.Context, approvals []domain.Approval, sigs [][]byte, asset, wallet common.Address) (common.Hash, error)

	// FilterEvents returns the decoded logs in [from, to], ordered by
	// block then log index.
	FilterEvents(ctx context.Context, from, to uint64) ([]Event, error)
}
