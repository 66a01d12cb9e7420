package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// Well-known test keys, never used on any network.
const (
	testKeyHex  = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	otherKeyHex = "6370fd033278c143179d81c5526140625662b8daa446c22ee2d73db3707e620c"
)

func testApproval() domain.Approval {
	return domain.Approval{
		ID:         "ap-1",
		Round:      7,
		Buy:        domain.AssetAmount{Asset: common.HexToAddress("0xaa"), Amount: decimal.RequireFromString("12.5")},
		Sell:       domain.AssetAmount{Asset: common.HexToAddress("0xbb"), Amount: decimal.RequireFromString("40")},
		Intent:     domain.IntentSellAll,
		Owner:      common.HexToAddress("0x01"),
		InstanceID: common.HexToAddress("0xff"),
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	s, err := NewSigner(testKeyHex)
	require.NoError(t, err)

	d := ApprovalDigest(testApproval())
	sig, err := s.Sign(d)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	assert.True(t, Verify(d, sig, s.Address()))

	// Recovery with the {0,1} convention also verifies.
	raw := make([]byte, 65)
	copy(raw, sig)
	raw[64] -= 27
	assert.True(t, Verify(d, raw, s.Address()))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	s, err := NewSigner(testKeyHex)
	require.NoError(t, err)
	other, err := NewSigner(otherKeyHex)
	require.NoError(t, err)

	d := FillDigest(domain.Fill{
		ID:         3,
		ApprovalID: "ap-1",
		Round:      7,
		BuyAsset:   common.HexToAddress("0xaa"),
		BuyAmount:  decimal.RequireFromString("1"),
		SellAsset:  common.HexToAddress("0xbb"),
		SellAmount: decimal.RequireFromString("2"),
		Wallet:     common.HexToAddress("0x01"),
		InstanceID: common.HexToAddress("0xff"),
	})
	sig, err := s.Sign(d)
	require.NoError(t, err)

	assert.False(t, Verify(d, sig, other.Address()))
	assert.False(t, Verify(d, sig[:64], s.Address()))

	tampered := AuthorizationDigest(common.HexToAddress("0x02"), 7)
	assert.False(t, Verify(tampered, sig, s.Address()))
}

func TestNewSignerAcceptsHexPrefix(t *testing.T) {
	plain, err := NewSigner(testKeyHex)
	require.NoError(t, err)
	prefixed, err := NewSigner("0x" + testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, plain.Address(), prefixed.Address())

	_, err = NewSigner("not-a-key")
	assert.Error(t, err)
}

func TestDigestsAreDeterministicAndDistinct(t *testing.T) {
	a := testApproval()
	assert.Equal(t, ApprovalDigest(a), ApprovalDigest(a))

	// Each signed field is load-bearing.
	mutations := []func(*domain.Approval){
		func(m *domain.Approval) { m.ID = "ap-2" },
		func(m *domain.Approval) { m.Round++ },
		func(m *domain.Approval) { m.Buy.Amount = m.Buy.Amount.Add(decimal.New(1, -18)) },
		func(m *domain.Approval) { m.Sell.Asset = common.HexToAddress("0xcc") },
		func(m *domain.Approval) { m.Intent = domain.IntentBuyAll },
		func(m *domain.Approval) { m.Owner = common.HexToAddress("0x02") },
		func(m *domain.Approval) { m.InstanceID = common.HexToAddress("0xfe") },
	}
	base := ApprovalDigest(a)
	for i, mutate := range mutations {
		m := testApproval()
		mutate(&m)
		assert.NotEqual(t, base, ApprovalDigest(m), "mutation %d", i)
	}

	// Mutable fill state does not affect the digest.
	filled := testApproval()
	filled.FilledSell = decimal.RequireFromString("10")
	filled.Status = domain.ApprovalStatusClosed
	assert.Equal(t, base, ApprovalDigest(filled))

	// Amount encoding is canonical, not positional.
	trailing := testApproval()
	trailing.Buy.Amount = decimal.RequireFromString("12.50")
	assert.Equal(t, base, ApprovalDigest(trailing))

	assert.NotEqual(t, AuthorizationDigest(a.Owner, 7), AuthorizationDigest(a.Owner, 8))
}
