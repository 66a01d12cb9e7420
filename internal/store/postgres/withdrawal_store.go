package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// WithdrawalStore implements domain.WithdrawalStore using PostgreSQL.
type WithdrawalStore struct {
	pool *pgxpool.Pool
}

// NewWithdrawalStore creates a new WithdrawalStore backed by the pool.
func NewWithdrawalStore(pool *pgxpool.Pool) *WithdrawalStore {
	return &WithdrawalStore{pool: pool}
}

const withdrawalSelectCols = `tx_hash, asset, wallet, amount::text, round, status`

func scanWithdrawalFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	var txHash, asset, wallet, amount, status string

	err := scanner.Scan(&txHash, &asset, &wallet, &amount, &w.Round, &status)
	if err != nil {
		return domain.Withdrawal{}, err
	}

	w.TxHash = common.HexToHash(txHash)
	w.Asset = common.HexToAddress(asset)
	w.Wallet = common.HexToAddress(wallet)
	w.Status = domain.WithdrawalStatus(status)

	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Withdrawal{}, fmt.Errorf("parse numeric %q: %w", amount, err)
	}
	return w, nil
}

// Create inserts a new withdrawal keyed by its chain transaction hash.
func (s *WithdrawalStore) Create(ctx context.Context, w domain.Withdrawal) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO withdrawals (tx_hash, asset, wallet, amount, round, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.TxHash.Hex(), w.Asset.Hex(), w.Wallet.Hex(),
		w.Amount.String(), w.Round, string(w.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: create withdrawal %s: %w", w.TxHash.Hex(), err)
	}
	return nil
}

// GetByTxHash retrieves a withdrawal by its transaction hash.
func (s *WithdrawalStore) GetByTxHash(ctx context.Context, txHash common.Hash) (domain.Withdrawal, error) {
	row := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT `+withdrawalSelectCols+` FROM withdrawals WHERE tx_hash = $1`,
		txHash.Hex())

	w, err := scanWithdrawalFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Withdrawal{}, domain.ErrNotFound
		}
		return domain.Withdrawal{}, fmt.Errorf("postgres: get withdrawal %s: %w", txHash.Hex(), err)
	}
	return w, nil
}

// Update rewrites a withdrawal's status.
func (s *WithdrawalStore) Update(ctx context.Context, w domain.Withdrawal) error {
	tag, err := dbFrom(ctx, s.pool).Exec(ctx,
		`UPDATE withdrawals SET status = $2, updated_at = NOW() WHERE tx_hash = $1`,
		w.TxHash.Hex(), string(w.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update withdrawal %s: %w", w.TxHash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns withdrawals matching the typed query in creation
// order.
func (s *WithdrawalStore) List(ctx context.Context, q domain.WithdrawalQuery) ([]domain.Withdrawal, error) {
	query := `SELECT ` + withdrawalSelectCols + ` FROM withdrawals WHERE TRUE`
	var args []any
	argIdx := 1

	if q.Asset != nil {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, q.Asset.Hex())
		argIdx++
	}
	if q.Wallet != nil {
		query += fmt.Sprintf(" AND wallet = $%d", argIdx)
		args = append(args, q.Wallet.Hex())
		argIdx++
	}
	if q.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*q.Status))
	}

	query += " ORDER BY created_at ASC"

	rows, err := dbFrom(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawalFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

// Compile-time interface check.
var _ domain.WithdrawalStore = (*WithdrawalStore)(nil)
