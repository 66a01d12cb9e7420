package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Account is one round-scoped ledger account, uniquely keyed by
// (Asset, Wallet, Round). Accounts are created lazily on first touch,
// never deleted, and mutated additively only.
type Account struct {
	Asset     common.Address
	Wallet    common.Address
	Round     uint64
	Deposited decimal.Decimal
	Withdrawn decimal.Decimal
	Bought    decimal.Decimal
	Sold      decimal.Decimal
	Locked    decimal.Decimal
}

// NewAccount returns a zero-valued account for the given key.
func NewAccount(asset, wallet common.Address, round uint64) Account {
	return Account{
		Asset:     asset,
		Wallet:    wallet,
		Round:     round,
		Deposited: decimal.Zero,
		Withdrawn: decimal.Zero,
		Bought:    decimal.Zero,
		Sold:      decimal.Zero,
		Locked:    decimal.Zero,
	}
}

// Net returns deposited + bought - withdrawn - sold, the account's
// contribution to the cumulative balance. Locked is excluded; it only
// applies to the exact round being queried.
func (a Account) Net() decimal.Decimal {
	return a.Deposited.Add(a.Bought).Sub(a.Withdrawn).Sub(a.Sold)
}

// Wallet is a registered client identity. RoundJoined is the round in
// which the wallet was admitted; it determines from which round onward
// the wallet participates in solvency trees. Seq preserves registration
// order, which fixes the leaf ordering of solvency trees.
type Wallet struct {
	Address     common.Address
	RoundJoined uint64
	Seq         uint64
}

// AssetAmount pairs an asset with a decimal amount. Used for the buy
// and sell legs of approvals.
type AssetAmount struct {
	Asset  common.Address
	Amount decimal.Decimal
}
