package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// DepositStore implements domain.DepositStore using PostgreSQL.
type DepositStore struct {
	pool *pgxpool.Pool
}

// NewDepositStore creates a new DepositStore backed by the given pool.
func NewDepositStore(pool *pgxpool.Pool) *DepositStore {
	return &DepositStore{pool: pool}
}

// Record inserts the deposit idempotency record; a duplicate transaction
// hash reports domain.ErrAlreadyExists.
func (s *DepositStore) Record(ctx context.Context, d domain.Deposit) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO deposits (tx_hash, asset, wallet, amount, round)
		 VALUES ($1, $2, $3, $4, $5)`,
		d.TxHash.Hex(), d.Asset.Hex(), d.Wallet.Hex(), d.Amount.String(), d.Round,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: record deposit %s: %w", d.TxHash.Hex(), err)
	}
	return nil
}

// Seen reports whether the deposit transaction hash was already applied.
func (s *DepositStore) Seen(ctx context.Context, txHash common.Hash) (bool, error) {
	var exists bool
	err := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deposits WHERE tx_hash = $1)`,
		txHash.Hex(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check deposit %s: %w", txHash.Hex(), err)
	}
	return exists, nil
}

// RecoveryStore implements domain.RecoveryStore using PostgreSQL.
type RecoveryStore struct {
	pool *pgxpool.Pool
}

// NewRecoveryStore creates a new RecoveryStore backed by the given pool.
func NewRecoveryStore(pool *pgxpool.Pool) *RecoveryStore {
	return &RecoveryStore{pool: pool}
}

// IsRecovered reports whether the (asset, wallet) recovery flag is set.
func (s *RecoveryStore) IsRecovered(ctx context.Context, asset, wallet common.Address) (bool, error) {
	var exists bool
	err := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM recoveries WHERE asset = $1 AND wallet = $2)`,
		asset.Hex(), wallet.Hex(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check recovery (%s,%s): %w", asset.Hex(), wallet.Hex(), err)
	}
	return exists, nil
}

// SetRecovered sets the write-once recovery flag; a second write fails
// with domain.ErrAlreadyRecovered.
func (s *RecoveryStore) SetRecovered(ctx context.Context, asset, wallet common.Address) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO recoveries (asset, wallet) VALUES ($1, $2)`,
		asset.Hex(), wallet.Hex(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyRecovered
		}
		return fmt.Errorf("postgres: set recovery (%s,%s): %w", asset.Hex(), wallet.Hex(), err)
	}
	return nil
}

// CursorStore implements domain.CursorStore using PostgreSQL.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a new CursorStore backed by the given pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Last returns the last successfully processed block number.
func (s *CursorStore) Last(ctx context.Context) (uint64, bool, error) {
	var block uint64
	err := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT last_block FROM block_cursor WHERE id = TRUE`,
	).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("postgres: read block cursor: %w", err)
	}
	return block, true, nil
}

// Save advances the block cursor.
func (s *CursorStore) Save(ctx context.Context, block uint64) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO block_cursor (id, last_block) VALUES (TRUE, $1)
		 ON CONFLICT (id) DO UPDATE SET last_block = $1, updated_at = NOW()`,
		block,
	)
	if err != nil {
		return fmt.Errorf("postgres: save block cursor %d: %w", block, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.DepositStore  = (*DepositStore)(nil)
	_ domain.RecoveryStore = (*RecoveryStore)(nil)
	_ domain.CursorStore   = (*CursorStore)(nil)
)
