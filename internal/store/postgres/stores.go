package postgres

import "github.com/alanyoungcy/anchorhub/internal/domain"

// NewStores bundles every postgres-backed store over one pool.
func NewStores(c *Client) domain.Stores {
	pool := c.Pool()
	return domain.Stores{
		Tx:          NewTxRunner(pool),
		Accounts:    NewAccountStore(pool),
		Wallets:     NewWalletStore(pool),
		Approvals:   NewApprovalStore(pool),
		Fills:       NewFillStore(pool),
		Withdrawals: NewWithdrawalStore(pool),
		Disputes:    NewDisputeStore(pool),
		Deposits:    NewDepositStore(pool),
		Recoveries:  NewRecoveryStore(pool),
		Cursor:      NewCursorStore(pool),
	}
}
