package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// TxRunner executes fn inside one store-level transaction. Every store
// call made with the ctx passed to fn joins that transaction; if fn
// returns an error the whole transaction rolls back. Multi-entity ledger
// operations are always wrapped this way.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AccountStore persists round-scoped ledger accounts.
type AccountStore interface {
	Get(ctx context.Context, asset, wallet common.Address, round uint64) (Account, error)
	Create(ctx context.Context, a Account) error
	Update(ctx context.Context, a Account) error
	List(ctx context.Context, q AccountQuery) ([]Account, error)
}

// WalletStore persists registered wallets in registration order.
type WalletStore interface {
	// Register inserts the wallet if absent. It is idempotent; a repeat
	// registration is a no-op and reports created=false.
	Register(ctx context.Context, addr common.Address, round uint64) (created bool, err error)
	Get(ctx context.Context, addr common.Address) (Wallet, error)
	// ListJoinedBefore returns wallets with RoundJoined < round, ordered
	// by registration sequence. This ordering fixes solvency tree leaves.
	ListJoinedBefore(ctx context.Context, round uint64) ([]Wallet, error)
}

// ApprovalStore persists approvals.
type ApprovalStore interface {
	Create(ctx context.Context, a Approval) error
	Get(ctx context.Context, id string) (Approval, error)
	Update(ctx context.Context, a Approval) error
}

// FillStore persists fills. Count backs the strictly increasing fill ID.
type FillStore interface {
	Create(ctx context.Context, f Fill) error
	Get(ctx context.Context, id uint64) (Fill, error)
	Count(ctx context.Context) (uint64, error)
	List(ctx context.Context, q FillQuery) ([]Fill, error)
}

// WithdrawalStore persists withdrawals.
type WithdrawalStore interface {
	Create(ctx context.Context, w Withdrawal) error
	GetByTxHash(ctx context.Context, txHash common.Hash) (Withdrawal, error)
	Update(ctx context.Context, w Withdrawal) error
	List(ctx context.Context, q WithdrawalQuery) ([]Withdrawal, error)
}

// DisputeStore persists disputes.
type DisputeStore interface {
	Create(ctx context.Context, d Dispute) error
	Update(ctx context.Context, d Dispute) error
	ListOpen(ctx context.Context) ([]Dispute, error)
	GetOpenByWallet(ctx context.Context, wallet common.Address) (Dispute, error)
}

// DepositStore records processed deposit transaction hashes.
type DepositStore interface {
	// Record inserts the deposit record; ErrAlreadyExists signals a
	// replayed event.
	Record(ctx context.Context, d Deposit) error
	Seen(ctx context.Context, txHash common.Hash) (bool, error)
}

// RecoveryStore persists write-once recovery flags.
type RecoveryStore interface {
	IsRecovered(ctx context.Context, asset, wallet common.Address) (bool, error)
	// SetRecovered fails with ErrAlreadyRecovered on a second write.
	SetRecovered(ctx context.Context, asset, wallet common.Address) error
}

// CursorStore persists the last successfully processed block number,
// the crash-recovery cursor of the operator's block loop.
type CursorStore interface {
	Last(ctx context.Context) (block uint64, ok bool, err error)
	Save(ctx context.Context, block uint64) error
}

// Stores bundles every per-entity collection plus the transaction
// runner. The ledger and operator receive this as one unit.
type Stores struct {
	Tx          TxRunner
	Accounts    AccountStore
	Wallets     WalletStore
	Approvals   ApprovalStore
	Fills       FillStore
	Withdrawals WithdrawalStore
	Disputes    DisputeStore
	Deposits    DepositStore
	Recoveries  RecoveryStore
	Cursor      CursorStore
}
