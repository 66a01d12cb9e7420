package domain

import "github.com/ethereum/go-ethereum/common"

// Cmp selects the comparison operator applied to a query's Round field.
// The zero value CmpEq matches the exact round.
type Cmp int

const (
	CmpEq Cmp = iota
	CmpLt
	CmpLeq
)

// AccountQuery selects ledger accounts. Nil pointer fields are
// unconstrained. RoundCmp applies to Round when Round is set.
type AccountQuery struct {
	Asset    *common.Address
	Wallet   *common.Address
	Round    *uint64
	RoundCmp Cmp
}

// FillQuery selects fills by recipient wallet and/or round.
type FillQuery struct {
	Wallet     *common.Address
	Round      *uint64
	ApprovalID *string
}

// WithdrawalQuery selects withdrawals by key fields and status.
type WithdrawalQuery struct {
	Asset  *common.Address
	Wallet *common.Address
	Status *WithdrawalStatus
}

// Ptr is a small helper for building queries from literals.
func Ptr[T any](v T) *T { return &v }
