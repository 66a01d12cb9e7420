package solvency

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

var treeAsset = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func wallet(i int) common.Address {
	return common.HexToAddress(fmt.Sprintf("0x%040x", i+1))
}

func accounts(balances ...string) []AccountBalance {
	out := make([]AccountBalance, len(balances))
	for i, b := range balances {
		d, err := decimal.NewFromString(b)
		if err != nil {
			panic(err)
		}
		out[i] = AccountBalance{Wallet: wallet(i), Balance: d}
	}
	return out
}

func TestTreePadsToPowerOfTwo(t *testing.T) {
	cases := []struct {
		leaves int
		width  int
		height int
	}{
		{1, 1, 0},
		{2, 2, 1},
		{3, 4, 2},
		{5, 8, 3},
		{8, 8, 3},
		{9, 16, 4},
	}
	for _, tc := range cases {
		in := make([]AccountBalance, tc.leaves)
		for i := range in {
			in[i] = AccountBalance{Wallet: wallet(i), Balance: decimal.NewFromInt(int64(i))}
		}
		tree := NewTree(treeAsset, 1, in)
		assert.Equal(t, tc.width, tree.Width(), "leaves=%d", tc.leaves)
		assert.Equal(t, tc.height, tree.Height(), "leaves=%d", tc.leaves)
	}
}

func TestTreeEmptyInput(t *testing.T) {
	tree := NewTree(treeAsset, 1, nil)
	assert.Equal(t, 1, tree.Width())
	assert.Equal(t, 0, tree.Height())
	assert.Equal(t, emptyLeaf, tree.Root())
}

func TestLiabilitiesRecomputeRoot(t *testing.T) {
	in := accounts("100", "0", "42.5", "7", "19")
	tree := NewTree(treeAsset, 3, in)

	for i, a := range in {
		l, err := tree.Liabilities(a.Wallet)
		require.NoError(t, err)
		assert.Equal(t, i, l.Index)
		assert.Len(t, l.Siblings, tree.Height())

		root := RecomputeRoot(a.Wallet, a.Balance, l)
		assert.Equal(t, tree.Root(), root, "leaf %d", i)
	}
}

func TestLiabilitiesUnknownWallet(t *testing.T) {
	tree := NewTree(treeAsset, 1, accounts("1", "2"))
	_, err := tree.Liabilities(wallet(99))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProofVerify(t *testing.T) {
	in := accounts("10", "20", "30")
	tree := NewTree(treeAsset, 2, in)

	l, err := tree.Liabilities(in[1].Wallet)
	require.NoError(t, err)

	p := Proof{
		Asset:          treeAsset,
		Round:          2,
		Wallet:         in[1].Wallet,
		OpeningBalance: in[1].Balance,
		Root:           tree.Root(),
		Liabilities:    l,
	}
	assert.True(t, p.Verify())

	// A tampered balance must not verify.
	p.OpeningBalance = p.OpeningBalance.Add(decimal.NewFromInt(1))
	assert.False(t, p.Verify())
}

func TestRootBindsBalancesAndOrder(t *testing.T) {
	base := NewTree(treeAsset, 1, accounts("10", "20")).Root()

	changed := NewTree(treeAsset, 1, accounts("10", "21")).Root()
	assert.NotEqual(t, base, changed)

	swapped := accounts("10", "20")
	swapped[0].Wallet, swapped[1].Wallet = swapped[1].Wallet, swapped[0].Wallet
	assert.NotEqual(t, base, NewTree(treeAsset, 1, swapped).Root())
}

func TestLeafHashCanonicalEncoding(t *testing.T) {
	w := wallet(0)

	// Equal decimals with different representations hash identically.
	a := decimal.RequireFromString("1.50")
	b := decimal.RequireFromString("1.5")
	assert.Equal(t, LeafHash(w, a), LeafHash(w, b))

	assert.NotEqual(t, LeafHash(w, a), LeafHash(wallet(1), a))
}
