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

// DisputeStore implements domain.DisputeStore using PostgreSQL.
type DisputeStore struct {
	pool *pgxpool.Pool
}

// NewDisputeStore creates a new DisputeStore backed by the given pool.
func NewDisputeStore(pool *pgxpool.Pool) *DisputeStore {
	return &DisputeStore{pool: pool}
}

func scanDisputeFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Dispute, error) {
	var d domain.Dispute
	var txHash, wallet, status string
	if err := scanner.Scan(&txHash, &d.Round, &wallet, &status); err != nil {
		return domain.Dispute{}, err
	}
	d.TxHash = common.HexToHash(txHash)
	d.Wallet = common.HexToAddress(wallet)
	d.Status = domain.DisputeStatus(status)
	return d, nil
}

// Create inserts a dispute keyed by the opening transaction hash.
func (s *DisputeStore) Create(ctx context.Context, d domain.Dispute) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO disputes (tx_hash, round, wallet, status) VALUES ($1, $2, $3, $4)`,
		d.TxHash.Hex(), d.Round, d.Wallet.Hex(), string(d.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: create dispute %s: %w", d.TxHash.Hex(), err)
	}
	return nil
}

// Update rewrites a dispute's status.
func (s *DisputeStore) Update(ctx context.Context, d domain.Dispute) error {
	tag, err := dbFrom(ctx, s.pool).Exec(ctx,
		`UPDATE disputes SET status = $2, updated_at = NOW() WHERE tx_hash = $1`,
		d.TxHash.Hex(), string(d.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update dispute %s: %w", d.TxHash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpen returns all open disputes in creation order.
func (s *DisputeStore) ListOpen(ctx context.Context) ([]domain.Dispute, error) {
	rows, err := dbFrom(ctx, s.pool).Query(ctx,
		`SELECT tx_hash, round, wallet, status FROM disputes
		 WHERE status = 'open' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open disputes: %w", err)
	}
	defer rows.Close()

	var disputes []domain.Dispute
	for rows.Next() {
		d, err := scanDisputeFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan dispute: %w", err)
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// GetOpenByWallet returns the wallet's open dispute, if any.
func (s *DisputeStore) GetOpenByWallet(ctx context.Context, wallet common.Address) (domain.Dispute, error) {
	row := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT tx_hash, round, wallet, status FROM disputes
		 WHERE wallet = $1 AND status = 'open'`,
		wallet.Hex())

	d, err := scanDisputeFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrNotFound
		}
		return domain.Dispute{}, fmt.Errorf("postgres: get open dispute for %s: %w", wallet.Hex(), err)
	}
	return d, nil
}

// Compile-time interface check.
var _ domain.DisputeStore = (*DisputeStore)(nil)
