package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// WalletStore implements domain.WalletStore using PostgreSQL. The serial
// seq column preserves registration order for solvency tree leaves.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a new WalletStore backed by the given pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

// Register inserts the wallet if absent; a repeat registration is a
// no-op.
func (s *WalletStore) Register(ctx context.Context, addr common.Address, round uint64) (bool, error) {
	tag, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO wallets (address, round_joined) VALUES ($1, $2)
		 ON CONFLICT (address) DO NOTHING`,
		addr.Hex(), round,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: register wallet %s: %w", addr.Hex(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves a registered wallet.
func (s *WalletStore) Get(ctx context.Context, addr common.Address) (domain.Wallet, error) {
	var w domain.Wallet
	var address string
	err := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT address, round_joined, seq FROM wallets WHERE address = $1`,
		addr.Hex(),
	).Scan(&address, &w.RoundJoined, &w.Seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Wallet{}, domain.ErrNotFound
		}
		return domain.Wallet{}, fmt.Errorf("postgres: get wallet %s: %w", addr.Hex(), err)
	}
	w.Address = common.HexToAddress(address)
	return w, nil
}

// ListJoinedBefore returns wallets with round_joined < round in
// registration order.
func (s *WalletStore) ListJoinedBefore(ctx context.Context, round uint64) ([]domain.Wallet, error) {
	rows, err := dbFrom(ctx, s.pool).Query(ctx,
		`SELECT address, round_joined, seq FROM wallets
		 WHERE round_joined < $1 ORDER BY seq ASC`,
		round,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wallets before round %d: %w", round, err)
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		var address string
		if err := rows.Scan(&address, &w.RoundJoined, &w.Seq); err != nil {
			return nil, fmt.Errorf("postgres: scan wallet: %w", err)
		}
		w.Address = common.HexToAddress(address)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// Compile-time interface check.
var _ domain.WalletStore = (*WalletStore)(nil)
