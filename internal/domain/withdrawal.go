package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// WithdrawalStatus tracks the withdrawal lifecycle. Confirmed and
// canceled are terminal.
//
//	unchecked: observed on chain, awaiting operator moderation
//	pending:   operator-approved, inside the on-chain confirmation window
type WithdrawalStatus string

const (
	WithdrawalStatusUnchecked WithdrawalStatus = "unchecked"
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusConfirmed WithdrawalStatus = "confirmed"
	WithdrawalStatusCanceled  WithdrawalStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalStatusConfirmed || s == WithdrawalStatusCanceled
}

// Withdrawal is a client's request to move funds back on chain. At most
// one non-terminal withdrawal may exist per (asset, wallet).
type Withdrawal struct {
	Asset  common.Address
	Wallet common.Address
	Amount decimal.Decimal
	Round  uint64
	TxHash common.Hash
	Status WithdrawalStatus
}

// DisputeStatus tracks the dispute lifecycle.
type DisputeStatus string

const (
	DisputeStatusOpen   DisputeStatus = "open"
	DisputeStatusClosed DisputeStatus = "closed"
)

// Dispute is a client's on-chain challenge of the operator's committed
// state, opened by a chain event and closed by the operator after
// submitting a reconciling proof/approval/fill bundle.
type Dispute struct {
	Round  uint64
	Wallet common.Address
	TxHash common.Hash
	Status DisputeStatus
}

// Deposit is the idempotency record for a chain deposit event, keyed by
// transaction hash. Replaying the same event is a no-op.
type Deposit struct {
	TxHash common.Hash
	Asset  common.Address
	Wallet common.Address
	Amount decimal.Decimal
	Round  uint64
}

// Recovery is the write-once flag marking that a wallet unilaterally
// recovered its funds for one asset. A second write fails.
type Recovery struct {
	Asset  common.Address
	Wallet common.Address
}
