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

// ApprovalStore implements domain.ApprovalStore using PostgreSQL.
type ApprovalStore struct {
	pool *pgxpool.Pool
}

// NewApprovalStore creates a new ApprovalStore backed by the given pool.
func NewApprovalStore(pool *pgxpool.Pool) *ApprovalStore {
	return &ApprovalStore{pool: pool}
}

const approvalSelectCols = `id, round, buy_asset, buy_amount::text,
	sell_asset, sell_amount::text, intent, owner, instance_id, signature,
	filled_buy::text, filled_sell::text, status`

func scanApprovalFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Approval, error) {
	var a domain.Approval
	var buyAsset, buyAmount, sellAsset, sellAmount string
	var intent, owner, instance, filledBuy, filledSell, status string

	err := scanner.Scan(&a.ID, &a.Round, &buyAsset, &buyAmount,
		&sellAsset, &sellAmount, &intent, &owner, &instance, &a.Signature,
		&filledBuy, &filledSell, &status)
	if err != nil {
		return domain.Approval{}, err
	}

	a.Buy.Asset = common.HexToAddress(buyAsset)
	a.Sell.Asset = common.HexToAddress(sellAsset)
	a.Owner = common.HexToAddress(owner)
	a.InstanceID = common.HexToAddress(instance)
	a.Intent = domain.Intent(intent)
	a.Status = domain.ApprovalStatus(status)

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.Buy.Amount, buyAmount},
		{&a.Sell.Amount, sellAmount},
		{&a.FilledBuy, filledBuy},
		{&a.FilledSell, filledSell},
	} {
		d, err := decimal.NewFromString(field.src)
		if err != nil {
			return domain.Approval{}, fmt.Errorf("parse numeric %q: %w", field.src, err)
		}
		*field.dst = d
	}

	return a, nil
}

// Create inserts a new approval.
func (s *ApprovalStore) Create(ctx context.Context, a domain.Approval) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO approvals (
			id, round, buy_asset, buy_amount, sell_asset, sell_amount,
			intent, owner, instance_id, signature, filled_buy, filled_sell, status
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.Round,
		a.Buy.Asset.Hex(), a.Buy.Amount.String(),
		a.Sell.Asset.Hex(), a.Sell.Amount.String(),
		string(a.Intent), a.Owner.Hex(), a.InstanceID.Hex(), a.Signature,
		a.FilledBuy.String(), a.FilledSell.String(), string(a.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: create approval %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an approval by ID.
func (s *ApprovalStore) Get(ctx context.Context, id string) (domain.Approval, error) {
	row := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT `+approvalSelectCols+` FROM approvals WHERE id = $1`, id)

	a, err := scanApprovalFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Approval{}, domain.ErrNotFound
		}
		return domain.Approval{}, fmt.Errorf("postgres: get approval %s: %w", id, err)
	}
	return a, nil
}

// Update rewrites the mutable fill-progress fields and the status.
func (s *ApprovalStore) Update(ctx context.Context, a domain.Approval) error {
	tag, err := dbFrom(ctx, s.pool).Exec(ctx,
		`UPDATE approvals
		 SET filled_buy = $2, filled_sell = $3, status = $4, updated_at = NOW()
		 WHERE id = $1`,
		a.ID, a.FilledBuy.String(), a.FilledSell.String(), string(a.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update approval %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.ApprovalStore = (*ApprovalStore)(nil)
