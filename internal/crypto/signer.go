// Package crypto provides the canonical digest encodings for approvals,
// fills, and admission authorizations, plus ECDSA signing and
// verification over those digests and encrypted key storage.
package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// --------------------------------------------------------------------------
// Type hashes (pre-computed keccak256 of the canonical, versioned type
// strings). The field order is fixed; changing it would invalidate every
// previously issued signature.
// --------------------------------------------------------------------------

var (
	// Approval(string id,uint256 round,address buyAsset,string buyAmount,address sellAsset,string sellAmount,bool buyAll,address owner,address instance)v1
	approvalTypeHash = ethcrypto.Keccak256(
		[]byte("Approval(string id,uint256 round,address buyAsset,string buyAmount,address sellAsset,string sellAmount,bool buyAll,address owner,address instance)v1"),
	)

	// Fill(uint256 id,string approvalId,uint256 round,address buyAsset,string buyAmount,address sellAsset,string sellAmount,address wallet,address instance)v1
	fillTypeHash = ethcrypto.Keccak256(
		[]byte("Fill(uint256 id,string approvalId,uint256 round,address buyAsset,string buyAmount,address sellAsset,string sellAmount,address wallet,address instance)v1"),
	)

	// Authorization(address client,uint256 round)v1
	authorizationTypeHash = ethcrypto.Keccak256(
		[]byte("Authorization(address client,uint256 round)v1"),
	)
)

// ApprovalDigest computes the canonical 32-byte digest of an approval's
// immutable fields. Decimal amounts hash through their canonical string
// so arbitrary-precision values survive the encoding exactly.
func ApprovalDigest(a domain.Approval) [32]byte {
	buyAll := big.NewInt(0)
	if a.Intent == domain.IntentBuyAll {
		buyAll = big.NewInt(1)
	}
	return digest32(ethcrypto.Keccak256(concatBytes(
		approvalTypeHash,
		ethcrypto.Keccak256([]byte(a.ID)),
		uint64To32Bytes(a.Round),
		common.LeftPadBytes(a.Buy.Asset.Bytes(), 32),
		amountHash(a.Buy.Amount),
		common.LeftPadBytes(a.Sell.Asset.Bytes(), 32),
		amountHash(a.Sell.Amount),
		bigIntTo32Bytes(buyAll),
		common.LeftPadBytes(a.Owner.Bytes(), 32),
		common.LeftPadBytes(a.InstanceID.Bytes(), 32),
	)))
}

// FillDigest computes the canonical 32-byte digest of a fill.
func FillDigest(f domain.Fill) [32]byte {
	return digest32(ethcrypto.Keccak256(concatBytes(
		fillTypeHash,
		uint64To32Bytes(f.ID),
		ethcrypto.Keccak256([]byte(f.ApprovalID)),
		uint64To32Bytes(f.Round),
		common.LeftPadBytes(f.BuyAsset.Bytes(), 32),
		amountHash(f.BuyAmount),
		common.LeftPadBytes(f.SellAsset.Bytes(), 32),
		amountHash(f.SellAmount),
		common.LeftPadBytes(f.Wallet.Bytes(), 32),
		common.LeftPadBytes(f.InstanceID.Bytes(), 32),
	)))
}

// AuthorizationDigest computes the digest of the admission authorization
// the operator signs over (client, round).
func AuthorizationDigest(client common.Address, round uint64) [32]byte {
	return digest32(ethcrypto.Keccak256(concatBytes(
		authorizationTypeHash,
		common.LeftPadBytes(client.Bytes(), 32),
		uint64To32Bytes(round),
	)))
}

// Signer signs 32-byte digests with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the underlying key for the chain transactor.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// Sign signs a 32-byte digest and returns r || s || v with v in {27,28}.
func (s *Signer) Sign(digest [32]byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest[:], s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: %w: %v", domain.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Verify reports whether sig over digest recovers to addr. It accepts
// both v conventions ({0,1} and {27,28}).
func Verify(digest [32]byte, sig []byte, addr common.Address) bool {
	if len(sig) != 65 {
		return false
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == addr
}

// --------------------------------------------------------------------------
// Encoding helpers
// --------------------------------------------------------------------------

// amountHash encodes a decimal amount as the keccak256 of its canonical
// string representation.
func amountHash(d decimal.Decimal) []byte {
	return ethcrypto.Keccak256([]byte(d.String()))
}

func uint64To32Bytes(n uint64) []byte {
	return bigIntTo32Bytes(new(big.Int).SetUint64(n))
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

func digest32(b []byte) [32]byte {
	var d [32]byte
	copy(d[:], b)
	return d
}
