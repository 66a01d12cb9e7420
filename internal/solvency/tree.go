// Package solvency builds the per-(asset, round) liability tree over all
// registered accounts' opening balances and extracts inclusion proofs. The
// tree is a pure function of its inputs and is rebuilt from scratch per
// query; it runs at most once per round per asset, so correctness wins
// over speed.
package solvency

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// AccountBalance is one tree input: a registered wallet and its opening
// balance for the tree's round. Input order must be registration order.
type AccountBalance struct {
	Wallet  common.Address
	Balance decimal.Decimal
}

// Tree is a binary Merkle liability tree. Leaves are padded to the next
// power of two with the empty-leaf digest so every leaf has a full
// sibling path.
type Tree struct {
	asset  common.Address
	round  uint64
	index  map[common.Address]int
	levels [][][32]byte // levels[0] is the padded leaf row
}

// emptyLeaf is the digest used to pad to a power-of-two width.
var emptyLeaf = digest(ethcrypto.Keccak256(nil))

// LeafHash computes keccak256(wallet ‖ balance) with the wallet's 20
// address bytes and the balance's canonical decimal string. The encoding
// is fixed; external verifiers reproduce it byte for byte.
func LeafHash(wallet common.Address, balance decimal.Decimal) [32]byte {
	return digest(ethcrypto.Keccak256(wallet.Bytes(), []byte(balance.String())))
}

func nodeHash(left, right [32]byte) [32]byte {
	return digest(ethcrypto.Keccak256(left[:], right[:]))
}

func digest(b []byte) [32]byte {
	var d [32]byte
	copy(d[:], b)
	return d
}

// NewTree builds the tree for one (asset, round) from accounts in
// registration order. An empty account set yields a single empty leaf.
func NewTree(asset common.Address, round uint64, accounts []AccountBalance) *Tree {
	width := 1
	for width < len(accounts) {
		width *= 2
	}

	leaves := make([][32]byte, width)
	index := make(map[common.Address]int, len(accounts))
	for i, a := range accounts {
		leaves[i] = LeafHash(a.Wallet, a.Balance)
		index[a.Wallet] = i
	}
	for i := len(accounts); i < width; i++ {
		leaves[i] = emptyLeaf
	}

	levels := [][][32]byte{leaves}
	for row := leaves; len(row) > 1; {
		next := make([][32]byte, len(row)/2)
		for i := range next {
			next[i] = nodeHash(row[2*i], row[2*i+1])
		}
		levels = append(levels, next)
		row = next
	}

	return &Tree{asset: asset, round: round, index: index, levels: levels}
}

// Root returns the tree's root digest, the value committed on chain.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Height is the number of hashing levels between a leaf and the root.
func (t *Tree) Height() int {
	return len(t.levels) - 1
}

// Width is the padded leaf count.
func (t *Tree) Width() int {
	return len(t.levels[0])
}

// Liabilities returns the sibling digests on the path from the wallet's
// leaf to the root, bottom-up, together with the leaf index and the
// tree's dimensions. An external verifier recomputes the root from these
// and the account's own opening balance.
func (t *Tree) Liabilities(wallet common.Address) (Liabilities, error) {
	i, ok := t.index[wallet]
	if !ok {
		return Liabilities{}, fmt.Errorf("solvency: wallet %s not in tree: %w", wallet.Hex(), domain.ErrNotFound)
	}

	siblings := make([][32]byte, 0, t.Height())
	for level := 0; level < t.Height(); level++ {
		siblings = append(siblings, t.levels[level][i^1])
		i /= 2
	}

	return Liabilities{
		Height:   t.Height(),
		Width:    t.Width(),
		Index:    t.index[wallet],
		Siblings: siblings,
	}, nil
}
