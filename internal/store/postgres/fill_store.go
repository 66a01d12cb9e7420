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

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `id, approval_id, round, buy_asset, buy_amount::text,
	sell_asset, sell_amount::text, wallet, instance_id, signature`

func scanFillFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Fill, error) {
	var f domain.Fill
	var buyAsset, buyAmount, sellAsset, sellAmount, wallet, instance string

	err := scanner.Scan(&f.ID, &f.ApprovalID, &f.Round, &buyAsset, &buyAmount,
		&sellAsset, &sellAmount, &wallet, &instance, &f.Signature)
	if err != nil {
		return domain.Fill{}, err
	}

	f.BuyAsset = common.HexToAddress(buyAsset)
	f.SellAsset = common.HexToAddress(sellAsset)
	f.Wallet = common.HexToAddress(wallet)
	f.InstanceID = common.HexToAddress(instance)

	if f.BuyAmount, err = decimal.NewFromString(buyAmount); err != nil {
		return domain.Fill{}, fmt.Errorf("parse numeric %q: %w", buyAmount, err)
	}
	if f.SellAmount, err = decimal.NewFromString(sellAmount); err != nil {
		return domain.Fill{}, fmt.Errorf("parse numeric %q: %w", sellAmount, err)
	}
	return f, nil
}

// Create inserts a new immutable fill record.
func (s *FillStore) Create(ctx context.Context, f domain.Fill) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO fills (
			id, approval_id, round, buy_asset, buy_amount,
			sell_asset, sell_amount, wallet, instance_id, signature
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.ApprovalID, f.Round,
		f.BuyAsset.Hex(), f.BuyAmount.String(),
		f.SellAsset.Hex(), f.SellAmount.String(),
		f.Wallet.Hex(), f.InstanceID.Hex(), f.Signature,
	)
	if err != nil {
		return fmt.Errorf("postgres: create fill %d: %w", f.ID, err)
	}
	return nil
}

// Get retrieves a fill by ID.
func (s *FillStore) Get(ctx context.Context, id uint64) (domain.Fill, error) {
	row := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE id = $1`, id)

	f, err := scanFillFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Fill{}, domain.ErrNotFound
		}
		return domain.Fill{}, fmt.Errorf("postgres: get fill %d: %w", id, err)
	}
	return f, nil
}

// Count returns the total number of fills ever inserted.
func (s *FillStore) Count(ctx context.Context) (uint64, error) {
	var count uint64
	err := dbFrom(ctx, s.pool).QueryRow(ctx, `SELECT COUNT(*) FROM fills`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count fills: %w", err)
	}
	return count, nil
}

// List returns fills matching the typed query, ordered by ID.
func (s *FillStore) List(ctx context.Context, q domain.FillQuery) ([]domain.Fill, error) {
	query := `SELECT ` + fillSelectCols + ` FROM fills WHERE TRUE`
	var args []any
	argIdx := 1

	if q.Wallet != nil {
		query += fmt.Sprintf(" AND wallet = $%d", argIdx)
		args = append(args, q.Wallet.Hex())
		argIdx++
	}
	if q.Round != nil {
		query += fmt.Sprintf(" AND round = $%d", argIdx)
		args = append(args, *q.Round)
		argIdx++
	}
	if q.ApprovalID != nil {
		query += fmt.Sprintf(" AND approval_id = $%d", argIdx)
		args = append(args, *q.ApprovalID)
	}

	query += " ORDER BY id ASC"

	rows, err := dbFrom(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		f, err := scanFillFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Compile-time interface check.
var _ domain.FillStore = (*FillStore)(nil)
