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

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountSelectCols = `asset, wallet, round,
	deposited::text, withdrawn::text, bought::text, sold::text, locked::text`

func scanAccountFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Account, error) {
	var a domain.Account
	var asset, wallet string
	var deposited, withdrawn, bought, sold, locked string

	err := scanner.Scan(&asset, &wallet, &a.Round,
		&deposited, &withdrawn, &bought, &sold, &locked)
	if err != nil {
		return domain.Account{}, err
	}

	a.Asset = common.HexToAddress(asset)
	a.Wallet = common.HexToAddress(wallet)

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.Deposited, deposited},
		{&a.Withdrawn, withdrawn},
		{&a.Bought, bought},
		{&a.Sold, sold},
		{&a.Locked, locked},
	} {
		d, err := decimal.NewFromString(field.src)
		if err != nil {
			return domain.Account{}, fmt.Errorf("parse numeric %q: %w", field.src, err)
		}
		*field.dst = d
	}

	return a, nil
}

// Get retrieves one account by its unique (asset, wallet, round) key.
func (s *AccountStore) Get(ctx context.Context, asset, wallet common.Address, round uint64) (domain.Account, error) {
	row := dbFrom(ctx, s.pool).QueryRow(ctx,
		`SELECT `+accountSelectCols+` FROM accounts
		 WHERE asset = $1 AND wallet = $2 AND round = $3`,
		asset.Hex(), wallet.Hex(), round)

	a, err := scanAccountFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account: %w", err)
	}
	return a, nil
}

// Create inserts a new account row.
func (s *AccountStore) Create(ctx context.Context, a domain.Account) error {
	_, err := dbFrom(ctx, s.pool).Exec(ctx,
		`INSERT INTO accounts (asset, wallet, round, deposited, withdrawn, bought, sold, locked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.Asset.Hex(), a.Wallet.Hex(), a.Round,
		a.Deposited.String(), a.Withdrawn.String(),
		a.Bought.String(), a.Sold.String(), a.Locked.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: create account (%s,%s,%d): %w",
			a.Asset.Hex(), a.Wallet.Hex(), a.Round, err)
	}
	return nil
}

// Update rewrites the mutable balance fields of an existing account.
func (s *AccountStore) Update(ctx context.Context, a domain.Account) error {
	tag, err := dbFrom(ctx, s.pool).Exec(ctx,
		`UPDATE accounts
		 SET deposited = $4, withdrawn = $5, bought = $6, sold = $7, locked = $8, updated_at = NOW()
		 WHERE asset = $1 AND wallet = $2 AND round = $3`,
		a.Asset.Hex(), a.Wallet.Hex(), a.Round,
		a.Deposited.String(), a.Withdrawn.String(),
		a.Bought.String(), a.Sold.String(), a.Locked.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: update account (%s,%s,%d): %w",
			a.Asset.Hex(), a.Wallet.Hex(), a.Round, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns the accounts matching the typed query, ordered by
// round ascending.
func (s *AccountStore) List(ctx context.Context, q domain.AccountQuery) ([]domain.Account, error) {
	query := `SELECT ` + accountSelectCols + ` FROM accounts WHERE TRUE`
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
	if q.Round != nil {
		op := "="
		switch q.RoundCmp {
		case domain.CmpLt:
			op = "<"
		case domain.CmpLeq:
			op = "<="
		}
		query += fmt.Sprintf(" AND round %s $%d", op, argIdx)
		args = append(args, *q.Round)
	}

	query += " ORDER BY round ASC"

	rows, err := dbFrom(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccountFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Compile-time interface check.
var _ domain.AccountStore = (*AccountStore)(nil)
