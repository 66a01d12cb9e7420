package s3blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/solvency"
)

// ---------------------------------------------------------------------------
// Narrow source interfaces required by the archiver.
//
// The archiver only needs the proof and wallet queries it actually calls,
// not the full ledger surface. The ledger satisfies ProofSource implicitly.
// ---------------------------------------------------------------------------

// ProofSource builds solvency trees and extracts per-wallet proofs.
type ProofSource interface {
	SolvencyTree(ctx context.Context, asset common.Address, round uint64) (*solvency.Tree, error)
	PartialProof(ctx context.Context, tree *solvency.Tree, asset common.Address, round uint64, wallet common.Address) (solvency.Proof, error)
}

// WalletSource lists the wallets included in a round's tree.
type WalletSource interface {
	ListJoinedBefore(ctx context.Context, round uint64) ([]domain.Wallet, error)
}

// RoundArchiver uploads the full proof set of a committed round to object
// storage, one JSONL file per (round, asset). Clients that missed the
// commit window can fetch their inclusion proof from the archive instead
// of asking the operator to rebuild the tree.
type RoundArchiver struct {
	writer  *Writer
	reader  *Reader
	proofs  ProofSource
	wallets WalletSource
}

// NewRoundArchiver creates a RoundArchiver over the given client's
// bucket.
func NewRoundArchiver(c *Client, proofs ProofSource, wallets WalletSource) *RoundArchiver {
	return &RoundArchiver{writer: NewWriter(c), reader: NewReader(c), proofs: proofs, wallets: wallets}
}

// archivedProof is the JSONL row format. Digests are hex-encoded.
type archivedProof struct {
	Asset          string   `json:"asset"`
	Round          uint64   `json:"round"`
	Wallet         string   `json:"wallet"`
	OpeningBalance string   `json:"opening_balance"`
	Root           string   `json:"root"`
	Height         int      `json:"height"`
	Width          int      `json:"width"`
	Index          int      `json:"index"`
	Siblings       []string `json:"siblings"`
}

func toArchived(p solvency.Proof) archivedProof {
	siblings := make([]string, len(p.Liabilities.Siblings))
	for i, s := range p.Liabilities.Siblings {
		siblings[i] = hex.EncodeToString(s[:])
	}
	return archivedProof{
		Asset:          p.Asset.Hex(),
		Round:          p.Round,
		Wallet:         p.Wallet.Hex(),
		OpeningBalance: p.OpeningBalance.String(),
		Root:           hex.EncodeToString(p.Root[:]),
		Height:         p.Liabilities.Height,
		Width:          p.Liabilities.Width,
		Index:          p.Liabilities.Index,
		Siblings:       siblings,
	}
}

// ArchiveRound builds the (asset, round) tree once, extracts every
// registered wallet's proof, and uploads them as one JSONL object at
// rounds/{round}/{asset}.jsonl. It returns the number of proofs
// archived. An already-archived round is left untouched; a commit
// notice replayed after a restart archives nothing.
func (a *RoundArchiver) ArchiveRound(ctx context.Context, asset common.Address, round uint64) (int, error) {
	path := archivePath(asset, round)
	if ok, err := a.reader.Exists(ctx, path); err != nil {
		return 0, fmt.Errorf("s3blob: archive round %d: head: %w", round, err)
	} else if ok {
		return 0, nil
	}

	wallets, err := a.wallets.ListJoinedBefore(ctx, round)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive round %d: list wallets: %w", round, err)
	}
	if len(wallets) == 0 {
		return 0, nil
	}

	tree, err := a.proofs.SolvencyTree(ctx, asset, round)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive round %d: build tree: %w", round, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, w := range wallets {
		p, err := a.proofs.PartialProof(ctx, tree, asset, round, w.Address)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive round %d: proof for %s: %w", round, w.Address.Hex(), err)
		}
		if err := enc.Encode(toArchived(p)); err != nil {
			return 0, fmt.Errorf("s3blob: archive round %d: marshal: %w", round, err)
		}
	}

	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive round %d: upload: %w", round, err)
	}
	return len(wallets), nil
}

func archivePath(asset common.Address, round uint64) string {
	return fmt.Sprintf("rounds/%d/%s.jsonl", round, asset.Hex())
}

func fromArchived(row archivedProof) (solvency.Proof, error) {
	balance, err := decimal.NewFromString(row.OpeningBalance)
	if err != nil {
		return solvency.Proof{}, fmt.Errorf("s3blob: archived proof: balance %q: %w", row.OpeningBalance, err)
	}
	root, err := digestFromHex(row.Root)
	if err != nil {
		return solvency.Proof{}, err
	}
	siblings := make([][32]byte, len(row.Siblings))
	for i, s := range row.Siblings {
		if siblings[i], err = digestFromHex(s); err != nil {
			return solvency.Proof{}, err
		}
	}
	return solvency.Proof{
		Asset:          common.HexToAddress(row.Asset),
		Round:          row.Round,
		Wallet:         common.HexToAddress(row.Wallet),
		OpeningBalance: balance,
		Root:           root,
		Liabilities: solvency.Liabilities{
			Height:   row.Height,
			Width:    row.Width,
			Index:    row.Index,
			Siblings: siblings,
		},
	}, nil
}

func digestFromHex(s string) ([32]byte, error) {
	var d [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(d) {
		return d, fmt.Errorf("s3blob: archived proof: bad digest %q", s)
	}
	copy(d[:], b)
	return d, nil
}

// ProofFetcher is the read side of the round archive. It serves a
// wallet's inclusion proof back out of object storage without rebuilding
// the tree.
type ProofFetcher struct {
	reader *Reader
}

// NewProofFetcher creates a ProofFetcher over the given reader.
func NewProofFetcher(r *Reader) *ProofFetcher {
	return &ProofFetcher{reader: r}
}

// FetchProof scans the archived (asset, round) object for the wallet's
// row. A missing object or an absent wallet both surface as
// domain.ErrNotFound.
func (f *ProofFetcher) FetchProof(ctx context.Context, asset common.Address, round uint64, wallet common.Address) (solvency.Proof, error) {
	body, err := f.reader.Get(ctx, archivePath(asset, round))
	if err != nil {
		return solvency.Proof{}, err
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var row archivedProof
		if err := dec.Decode(&row); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return solvency.Proof{}, fmt.Errorf("s3blob: archive round %d: decode: %w", round, err)
		}
		if common.HexToAddress(row.Wallet) == wallet {
			return fromArchived(row)
		}
	}
	return solvency.Proof{}, fmt.Errorf("s3blob: proof for %s in round %d: %w", wallet.Hex(), round, domain.ErrNotFound)
}
