package solvency

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Liabilities is the inclusion path for one account: the sibling digests
// from the account's leaf to the root, bottom-up.
type Liabilities struct {
	Height   int
	Width    int
	Index    int
	Siblings [][32]byte
}

// Proof couples an account's liability path with its own opening
// balance and the root committed on chain for the (asset, round). It is
// everything a client needs to verify inclusion independently.
type Proof struct {
	Asset          common.Address
	Round          uint64
	Wallet         common.Address
	OpeningBalance decimal.Decimal
	Root           [32]byte
	Liabilities    Liabilities
}

// Verify recomputes the root from the proof's leaf and sibling path and
// compares it against the proof's root.
func (p Proof) Verify() bool {
	return RecomputeRoot(p.Wallet, p.OpeningBalance, p.Liabilities) == p.Root
}

// RecomputeRoot walks the liability path from leaf to root. The bit
// pattern of the leaf index decides on which side each sibling hashes.
func RecomputeRoot(wallet common.Address, balance decimal.Decimal, l Liabilities) [32]byte {
	node := LeafHash(wallet, balance)
	i := l.Index
	for _, sib := range l.Siblings {
		if i%2 == 0 {
			node = nodeHash(node, sib)
		} else {
			node = nodeHash(sib, node)
		}
		i /= 2
	}
	return node
}
