package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/solvency"
)

// SolvencyTree builds the liability tree for one (asset, round) over
// every wallet registered strictly before the round, leaves in
// registration order, each carrying the wallet's opening balance.
func (l *Ledger) SolvencyTree(ctx context.Context, asset common.Address, round uint64) (*solvency.Tree, error) {
	wallets, err := l.stores.Wallets.ListJoinedBefore(ctx, round)
	if err != nil {
		return nil, fmt.Errorf("solvency tree %s/%d: %w", asset.Hex(), round, err)
	}

	balances := make([]solvency.AccountBalance, 0, len(wallets))
	for _, w := range wallets {
		opening, err := l.OpeningBalance(ctx, asset, w.Address, round)
		if err != nil {
			return nil, err
		}
		balances = append(balances, solvency.AccountBalance{
			Wallet:  w.Address,
			Balance: opening,
		})
	}
	return solvency.NewTree(asset, round, balances), nil
}

// CompleteProof builds the tree for the (asset, round) and extracts the
// full inclusion proof for one wallet, root included.
func (l *Ledger) CompleteProof(ctx context.Context, asset common.Address, round uint64, wallet common.Address) (solvency.Proof, error) {
	tree, err := l.SolvencyTree(ctx, asset, round)
	if err != nil {
		return solvency.Proof{}, err
	}
	return l.PartialProof(ctx, tree, asset, round, wallet)
}

// PartialProof extracts one wallet's proof from an already built tree.
// Callers proving several wallets against the same (asset, round) build
// the tree once and call this per wallet.
func (l *Ledger) PartialProof(ctx context.Context, tree *solvency.Tree, asset common.Address, round uint64, wallet common.Address) (solvency.Proof, error) {
	liabilities, err := tree.Liabilities(wallet)
	if err != nil {
		return solvency.Proof{}, err
	}
	opening, err := l.OpeningBalance(ctx, asset, wallet, round)
	if err != nil {
		return solvency.Proof{}, err
	}
	return solvency.Proof{
		Asset:          asset,
		Round:          round,
		Wallet:         wallet,
		OpeningBalance: opening,
		Root:           tree.Root(),
		Liabilities:    liabilities,
	}, nil
}

// FillsReceived returns every fill the wallet received in the round,
// each with its backing approval. This is the evidence bundle submitted
// when resolving a dispute.
func (l *Ledger) FillsReceived(ctx context.Context, wallet common.Address, round uint64) ([]domain.Fill, []domain.Approval, error) {
	fills, err := l.stores.Fills.List(ctx, domain.FillQuery{
		Wallet: &wallet,
		Round:  &round,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fills for %s round %d: %w", wallet.Hex(), round, err)
	}

	approvals := make([]domain.Approval, 0, len(fills))
	for _, f := range fills {
		a, err := l.stores.Approvals.Get(ctx, f.ApprovalID)
		if err != nil {
			return nil, nil, fmt.Errorf("backing approval %s: %w", f.ApprovalID, err)
		}
		approvals = append(approvals, a)
	}
	return fills, approvals, nil
}

// OpenApprovals returns the signed approvals still open for a wallet and
// asset, the evidence submitted when canceling an invalid withdrawal.
func (l *Ledger) OpenApprovals(ctx context.Context, asset, wallet common.Address, round uint64) ([]domain.Approval, error) {
	fills, err := l.stores.Fills.List(ctx, domain.FillQuery{Wallet: &wallet, Round: &round})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []domain.Approval
	for _, f := range fills {
		if seen[f.ApprovalID] {
			continue
		}
		seen[f.ApprovalID] = true
		a, err := l.stores.Approvals.Get(ctx, f.ApprovalID)
		if err != nil {
			return nil, err
		}
		if a.Sell.Asset == asset {
			out = append(out, a)
		}
	}
	return out, nil
}
