// Package memory implements the domain store interfaces with in-process
// maps. It backs unit tests and the single-node development mode; the
// production deployment uses the postgres package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/anchorhub/internal/domain"
)

type accountKey struct {
	asset  common.Address
	wallet common.Address
	round  uint64
}

type assetWallet struct {
	asset  common.Address
	wallet common.Address
}

// Store holds every collection behind one mutex. RunInTx snapshots the
// state up front and restores it when fn fails, giving the same
// all-or-nothing semantics as a relational transaction. The snapshot is
// only sound while no other writer runs, so transactions hold txMu
// exclusively and every other access holds it shared.
type Store struct {
	txMu sync.RWMutex
	mu   sync.Mutex

	accounts    map[accountKey]domain.Account
	wallets     map[common.Address]domain.Wallet
	walletOrder []common.Address
	approvals   map[string]domain.Approval
	fills       map[uint64]domain.Fill
	withdrawals map[common.Hash]domain.Withdrawal
	disputes    map[common.Hash]domain.Dispute
	deposits    map[common.Hash]domain.Deposit
	recoveries  map[assetWallet]bool
	cursor      *uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts:    make(map[accountKey]domain.Account),
		wallets:     make(map[common.Address]domain.Wallet),
		approvals:   make(map[string]domain.Approval),
		fills:       make(map[uint64]domain.Fill),
		withdrawals: make(map[common.Hash]domain.Withdrawal),
		disputes:    make(map[common.Hash]domain.Dispute),
		deposits:    make(map[common.Hash]domain.Deposit),
		recoveries:  make(map[assetWallet]bool),
	}
}

// Stores returns the store bundle with every interface backed by s.
func (s *Store) Stores() domain.Stores {
	return domain.Stores{
		Tx:          s,
		Accounts:    (*accountStore)(s),
		Wallets:     (*walletStore)(s),
		Approvals:   (*approvalStore)(s),
		Fills:       (*fillStore)(s),
		Withdrawals: (*withdrawalStore)(s),
		Disputes:    (*disputeStore)(s),
		Deposits:    (*depositStore)(s),
		Recoveries:  (*recoveryStore)(s),
		Cursor:      (*cursorStore)(s),
	}
}

type txKey struct{}

// RunInTx executes fn and rolls the whole store back if it fails. The
// transaction lock is held exclusively from snapshot to restore, so a
// rollback can only undo the failed transaction's own writes. A nested
// call joins the enclosing transaction instead of snapshotting again.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.mu.Lock()
		s.restore(snapshot)
		s.mu.Unlock()
		return err
	}
	return nil
}

// enter takes the transaction lock in shared mode. Calls carrying a
// transaction context skip it; their RunInTx already holds the lock
// exclusively.
func (s *Store) enter(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.txMu.RLock()
	return s.txMu.RUnlock
}

func (s *Store) clone() *Store {
	c := New()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	c.walletOrder = append([]common.Address(nil), s.walletOrder...)
	for k, v := range s.approvals {
		c.approvals[k] = v
	}
	for k, v := range s.fills {
		c.fills[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.deposits {
		c.deposits[k] = v
	}
	for k, v := range s.recoveries {
		c.recoveries[k] = v
	}
	if s.cursor != nil {
		v := *s.cursor
		c.cursor = &v
	}
	return c
}

func (s *Store) restore(from *Store) {
	s.accounts = from.accounts
	s.wallets = from.wallets
	s.walletOrder = from.walletOrder
	s.approvals = from.approvals
	s.fills = from.fills
	s.withdrawals = from.withdrawals
	s.disputes = from.disputes
	s.deposits = from.deposits
	s.recoveries = from.recoveries
	s.cursor = from.cursor
}

// ---------------------------------------------------------------------------
// AccountStore
// ---------------------------------------------------------------------------

type accountStore Store

func (s *accountStore) Get(ctx context.Context, asset, wallet common.Address, round uint64) (domain.Account, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountKey{asset, wallet, round}]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *accountStore) Create(ctx context.Context, a domain.Account) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountKey{a.Asset, a.Wallet, a.Round}
	if _, ok := s.accounts[key]; ok {
		return domain.ErrAlreadyExists
	}
	s.accounts[key] = a
	return nil
}

func (s *accountStore) Update(ctx context.Context, a domain.Account) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountKey{a.Asset, a.Wallet, a.Round}
	if _, ok := s.accounts[key]; !ok {
		return domain.ErrNotFound
	}
	s.accounts[key] = a
	return nil
}

func (s *accountStore) List(ctx context.Context, q domain.AccountQuery) ([]domain.Account, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Account
	for _, a := range s.accounts {
		if q.Asset != nil && a.Asset != *q.Asset {
			continue
		}
		if q.Wallet != nil && a.Wallet != *q.Wallet {
			continue
		}
		if q.Round != nil {
			switch q.RoundCmp {
			case domain.CmpEq:
				if a.Round != *q.Round {
					continue
				}
			case domain.CmpLt:
				if a.Round >= *q.Round {
					continue
				}
			case domain.CmpLeq:
				if a.Round > *q.Round {
					continue
				}
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

// ---------------------------------------------------------------------------
// WalletStore
// ---------------------------------------------------------------------------

type walletStore Store

func (s *walletStore) Register(ctx context.Context, addr common.Address, round uint64) (bool, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[addr]; ok {
		return false, nil
	}
	s.wallets[addr] = domain.Wallet{
		Address:     addr,
		RoundJoined: round,
		Seq:         uint64(len(s.walletOrder) + 1),
	}
	s.walletOrder = append(s.walletOrder, addr)
	return true, nil
}

func (s *walletStore) Get(ctx context.Context, addr common.Address) (domain.Wallet, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[addr]
	if !ok {
		return domain.Wallet{}, domain.ErrNotFound
	}
	return w, nil
}

func (s *walletStore) ListJoinedBefore(ctx context.Context, round uint64) ([]domain.Wallet, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Wallet
	for _, addr := range s.walletOrder {
		w := s.wallets[addr]
		if w.RoundJoined < round {
			out = append(out, w)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// ApprovalStore
// ---------------------------------------------------------------------------

type approvalStore Store

func (s *approvalStore) Create(ctx context.Context, a domain.Approval) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ID]; ok {
		return fmt.Errorf("approval %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	s.approvals[a.ID] = a
	return nil
}

func (s *approvalStore) Get(ctx context.Context, id string) (domain.Approval, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return domain.Approval{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *approvalStore) Update(ctx context.Context, a domain.Approval) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ID]; !ok {
		return domain.ErrNotFound
	}
	s.approvals[a.ID] = a
	return nil
}

// ---------------------------------------------------------------------------
// FillStore
// ---------------------------------------------------------------------------

type fillStore Store

func (s *fillStore) Create(ctx context.Context, f domain.Fill) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fills[f.ID]; ok {
		return fmt.Errorf("fill %d: %w", f.ID, domain.ErrAlreadyExists)
	}
	s.fills[f.ID] = f
	return nil
}

func (s *fillStore) Get(ctx context.Context, id uint64) (domain.Fill, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fills[id]
	if !ok {
		return domain.Fill{}, domain.ErrNotFound
	}
	return f, nil
}

func (s *fillStore) Count(ctx context.Context) (uint64, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.fills)), nil
}

func (s *fillStore) List(ctx context.Context, q domain.FillQuery) ([]domain.Fill, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Fill
	for _, f := range s.fills {
		if q.Wallet != nil && f.Wallet != *q.Wallet {
			continue
		}
		if q.Round != nil && f.Round != *q.Round {
			continue
		}
		if q.ApprovalID != nil && f.ApprovalID != *q.ApprovalID {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// WithdrawalStore
// ---------------------------------------------------------------------------

type withdrawalStore Store

func (s *withdrawalStore) Create(ctx context.Context, w domain.Withdrawal) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.withdrawals[w.TxHash]; ok {
		return fmt.Errorf("withdrawal %s: %w", w.TxHash.Hex(), domain.ErrAlreadyExists)
	}
	s.withdrawals[w.TxHash] = w
	return nil
}

func (s *withdrawalStore) GetByTxHash(ctx context.Context, txHash common.Hash) (domain.Withdrawal, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[txHash]
	if !ok {
		return domain.Withdrawal{}, domain.ErrNotFound
	}
	return w, nil
}

func (s *withdrawalStore) Update(ctx context.Context, w domain.Withdrawal) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.withdrawals[w.TxHash]; !ok {
		return domain.ErrNotFound
	}
	s.withdrawals[w.TxHash] = w
	return nil
}

func (s *withdrawalStore) List(ctx context.Context, q domain.WithdrawalQuery) ([]domain.Withdrawal, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Withdrawal
	for _, w := range s.withdrawals {
		if q.Asset != nil && w.Asset != *q.Asset {
			continue
		}
		if q.Wallet != nil && w.Wallet != *q.Wallet {
			continue
		}
		if q.Status != nil && w.Status != *q.Status {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash.Hex() < out[j].TxHash.Hex() })
	return out, nil
}

// ---------------------------------------------------------------------------
// DisputeStore
// ---------------------------------------------------------------------------

type disputeStore Store

func (s *disputeStore) Create(ctx context.Context, d domain.Dispute) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.TxHash]; ok {
		return fmt.Errorf("dispute %s: %w", d.TxHash.Hex(), domain.ErrAlreadyExists)
	}
	s.disputes[d.TxHash] = d
	return nil
}

func (s *disputeStore) Update(ctx context.Context, d domain.Dispute) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.TxHash]; !ok {
		return domain.ErrNotFound
	}
	s.disputes[d.TxHash] = d
	return nil
}

func (s *disputeStore) ListOpen(ctx context.Context) ([]domain.Dispute, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Dispute
	for _, d := range s.disputes {
		if d.Status == domain.DisputeStatusOpen {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash.Hex() < out[j].TxHash.Hex() })
	return out, nil
}

func (s *disputeStore) GetOpenByWallet(ctx context.Context, wallet common.Address) (domain.Dispute, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.disputes {
		if d.Wallet == wallet && d.Status == domain.DisputeStatusOpen {
			return d, nil
		}
	}
	return domain.Dispute{}, domain.ErrNotFound
}

// ---------------------------------------------------------------------------
// DepositStore / RecoveryStore / CursorStore
// ---------------------------------------------------------------------------

type depositStore Store

func (s *depositStore) Record(ctx context.Context, d domain.Deposit) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deposits[d.TxHash]; ok {
		return domain.ErrAlreadyExists
	}
	s.deposits[d.TxHash] = d
	return nil
}

func (s *depositStore) Seen(ctx context.Context, txHash common.Hash) (bool, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deposits[txHash]
	return ok, nil
}

type recoveryStore Store

func (s *recoveryStore) IsRecovered(ctx context.Context, asset, wallet common.Address) (bool, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveries[assetWallet{asset, wallet}], nil
}

func (s *recoveryStore) SetRecovered(ctx context.Context, asset, wallet common.Address) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assetWallet{asset, wallet}
	if s.recoveries[key] {
		return domain.ErrAlreadyRecovered
	}
	s.recoveries[key] = true
	return nil
}

type cursorStore Store

func (s *cursorStore) Last(ctx context.Context) (uint64, bool, error) {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return 0, false, nil
	}
	return *s.cursor, true, nil
}

func (s *cursorStore) Save(ctx context.Context, block uint64) error {
	defer (*Store)(s).enter(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &block
	return nil
}
