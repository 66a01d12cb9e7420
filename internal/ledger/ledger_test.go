package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/store/memory"
)

var (
	assetX   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assetY   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	walletA  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	walletB  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	instance = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(Config{
		Stores: memory.New().Stores(),
		Cache:  memory.NewBalanceCache(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	l.SetAssets([]common.Address{assetX, assetY})
	return l
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func sellApproval(id string, round uint64, owner common.Address, sellAsset string, sellAmt, buyAmt string) domain.Approval {
	sa := assetX
	if sellAsset == "Y" {
		sa = assetY
	}
	ba := assetY
	if sellAsset == "Y" {
		ba = assetX
	}
	return domain.Approval{
		ID:         id,
		Round:      round,
		Buy:        domain.AssetAmount{Asset: ba, Amount: dec(buyAmt)},
		Sell:       domain.AssetAmount{Asset: sa, Amount: dec(sellAmt)},
		Intent:     domain.IntentSellAll,
		Owner:      owner,
		InstanceID: instance,
	}
}

func TestDepositThenTradeScenario(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("100"), 1))

	b, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("100")), "balance after deposit: %s", b)

	require.NoError(t, l.InsertApproval(ctx, sellApproval("ap-1", 1, walletA, "X", "40", "40")))

	locked, err := l.Locked(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, locked.Equal(dec("40")))

	b, err = l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("60")))

	fill, err := l.InsertFill(ctx, domain.Fill{
		ApprovalID: "ap-1",
		Round:      1,
		BuyAsset:   assetY,
		BuyAmount:  dec("40"),
		SellAsset:  assetX,
		SellAmount: dec("40"),
		Wallet:     walletA,
		InstanceID: instance,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fill.ID)

	a, err := l.stores.Approvals.Get(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusClosed, a.Status)

	bx, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, bx.Equal(dec("60")), "X balance: %s", bx)

	by, err := l.Balance(ctx, assetY, walletA, 1)
	require.NoError(t, err)
	assert.True(t, by.Equal(dec("40")), "Y balance: %s", by)
}

func TestInsertApprovalInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("30"), 1))

	err := l.InsertApproval(ctx, sellApproval("ap-big", 1, walletA, "X", "50", "50"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Nothing was partially locked.
	locked, err := l.Locked(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, locked.IsZero())

	b, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("30")))
}

func TestInsertOrderAtomicity(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("50"), 1))

	order := sellApproval("ap-order", 1, walletA, "X", "40", "40")
	fee := domain.Approval{
		ID:         "ap-fee",
		Round:      1,
		Buy:        domain.AssetAmount{Asset: assetY, Amount: decimal.Zero},
		Sell:       domain.AssetAmount{Asset: assetX, Amount: dec("20")},
		Intent:     domain.IntentSellAll,
		Owner:      walletA,
		InstanceID: instance,
	}

	// 40 + 20 > 50: the fee leg fails, so the order leg must roll back.
	err := l.InsertOrder(ctx, order, fee)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	locked, err := l.Locked(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, locked.IsZero(), "locked after rollback: %s", locked)

	b, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("50")))

	_, err = l.stores.Approvals.Get(ctx, "ap-order")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInsertFillRejectsUnbackedFill(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("100"), 1))
	require.NoError(t, l.InsertApproval(ctx, sellApproval("ap-1", 1, walletA, "X", "40", "40")))

	cases := []struct {
		name string
		fill domain.Fill
		want error
	}{
		{
			name: "missing approval",
			fill: domain.Fill{ApprovalID: "no-such", Round: 1, BuyAsset: assetY, SellAsset: assetX,
				BuyAmount: dec("1"), SellAmount: dec("1"), Wallet: walletA, InstanceID: instance},
			want: domain.ErrNotFound,
		},
		{
			name: "asset mismatch",
			fill: domain.Fill{ApprovalID: "ap-1", Round: 1, BuyAsset: assetX, SellAsset: assetY,
				BuyAmount: dec("1"), SellAmount: dec("1"), Wallet: walletA, InstanceID: instance},
			want: domain.ErrAssetMismatch,
		},
		{
			name: "round mismatch",
			fill: domain.Fill{ApprovalID: "ap-1", Round: 2, BuyAsset: assetY, SellAsset: assetX,
				BuyAmount: dec("1"), SellAmount: dec("1"), Wallet: walletA, InstanceID: instance},
			want: domain.ErrRoundMismatch,
		},
		{
			name: "owner mismatch",
			fill: domain.Fill{ApprovalID: "ap-1", Round: 1, BuyAsset: assetY, SellAsset: assetX,
				BuyAmount: dec("1"), SellAmount: dec("1"), Wallet: walletB, InstanceID: instance},
			want: domain.ErrOwnerMismatch,
		},
		{
			name: "instance mismatch",
			fill: domain.Fill{ApprovalID: "ap-1", Round: 1, BuyAsset: assetY, SellAsset: assetX,
				BuyAmount: dec("1"), SellAmount: dec("1"), Wallet: walletA, InstanceID: walletB},
			want: domain.ErrInstanceMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.InsertFill(ctx, tc.fill)
			require.ErrorIs(t, err, tc.want)

			// Balances stay untouched.
			b, err := l.Balance(ctx, assetX, walletA, 1)
			require.NoError(t, err)
			assert.True(t, b.Equal(dec("60")))
			by, err := l.Balance(ctx, assetY, walletA, 1)
			require.NoError(t, err)
			assert.True(t, by.IsZero())
		})
	}
}

func TestConcurrentAdmissionLocksOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("100"), 1))

	// Two admissions of 70 each cannot both fit into 100.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"ap-a", "ap-b"}[i]
			errs[i] = l.InsertApproval(ctx, sellApproval(id, 1, walletA, "X", "70", "70"))
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, domain.ErrInsufficientBalance)
			failed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	locked, err := l.Locked(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, locked.Equal(dec("70")))
}

func TestCancelApprovalUnlocksRemainder(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("100"), 1))
	require.NoError(t, l.InsertApproval(ctx, sellApproval("ap-1", 1, walletA, "X", "40", "40")))

	// Partially fill 15 of the 40, then cancel; 25 must unlock.
	_, err := l.InsertFill(ctx, domain.Fill{
		ApprovalID: "ap-1", Round: 1,
		BuyAsset: assetY, BuyAmount: dec("15"),
		SellAsset: assetX, SellAmount: dec("15"),
		Wallet: walletA, InstanceID: instance,
	})
	require.NoError(t, err)

	require.NoError(t, l.CancelApproval(ctx, "ap-1"))

	locked, err := l.Locked(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, locked.IsZero(), "locked after cancel: %s", locked)

	// 100 - 15 sold = 85 spendable.
	b, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("85")))

	// Terminal approvals reject a second cancel.
	err = l.CancelApproval(ctx, "ap-1")
	assert.ErrorIs(t, err, domain.ErrOrderClosed)
}

func TestBalanceAcrossRoundsAndOpeningBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("100"), 1))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("50"), 2))
	require.NoError(t, l.InsertApproval(ctx, sellApproval("ap-r2", 2, walletA, "X", "30", "30")))

	// Round 2 balance: 100 + 50 - 30 locked.
	b, err := l.Balance(ctx, assetX, walletA, 2)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("120")))

	// Round 1 balance ignores the round 2 deposit and lock.
	b, err = l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("100")))

	// Opening balance at round 2 excludes round 2 entirely, and the
	// round 1 locked amount is not subtracted.
	open, err := l.OpeningBalance(ctx, assetX, walletA, 2)
	require.NoError(t, err)
	assert.True(t, open.Equal(dec("100")))

	open, err = l.OpeningBalance(ctx, assetX, walletA, 3)
	require.NoError(t, err)
	assert.True(t, open.Equal(dec("150")), "locked is excluded from opening balances: %s", open)
}

func TestCacheCoherenceAfterMutations(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("10"), 1))

	// Prime the cache.
	b, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("10")))

	// Every subsequent mutation must be visible through the cache.
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("5"), 1))
	b, err = l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("15")))

	require.NoError(t, l.InsertApproval(ctx, sellApproval("ap-c", 1, walletA, "X", "4", "4")))
	b, err = l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("11")))

	// A different round query invalidates and recomputes.
	b, err = l.Balance(ctx, assetX, walletA, 2)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("15")), "round 2 carries the full net, lock applies to round 1 only")
}

func TestWithdrawValidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletB, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletB, dec("30"), 1))

	// Insufficient balance leaves withdrawn unchanged.
	err := l.Withdraw(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("50"), Round: 2,
		TxHash: common.HexToHash("0x01"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	withdrawn, err := l.Withdrawn(ctx, assetX, walletB, 2)
	require.NoError(t, err)
	assert.True(t, withdrawn.IsZero())

	// A valid withdrawal goes pending and debits withdrawn.
	require.NoError(t, l.Withdraw(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("20"), Round: 2,
		TxHash: common.HexToHash("0x02"),
	}))
	b, err := l.Balance(ctx, assetX, walletB, 2)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("10")))

	// A second withdrawal while one is pending is rejected.
	err = l.Withdraw(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("5"), Round: 2,
		TxHash: common.HexToHash("0x03"),
	})
	require.ErrorIs(t, err, domain.ErrDoubleWithdrawal)

	// Zero amounts and round zero never pass validation.
	err = l.Withdraw(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: decimal.Zero, Round: 2,
		TxHash: common.HexToHash("0x04"),
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	err = l.Withdraw(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("1"), Round: 0,
		TxHash: common.HexToHash("0x05"),
	})
	require.ErrorIs(t, err, domain.ErrRoundMismatch)
}

func TestCancelPendingWithdrawalReversesDebit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletB, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletB, dec("30"), 1))

	tx := common.HexToHash("0x10")
	require.NoError(t, l.Withdraw(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("20"), Round: 2, TxHash: tx,
	}))
	require.NoError(t, l.CancelWithdrawal(ctx, tx))

	b, err := l.Balance(ctx, assetX, walletB, 2)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("30")), "cancel reverses the withdrawn debit: %s", b)

	// Terminal: cannot cancel twice or confirm afterwards.
	assert.ErrorIs(t, l.CancelWithdrawal(ctx, tx), domain.ErrOrderClosed)
	assert.ErrorIs(t, l.ConfirmWithdrawal(ctx, tx), domain.ErrOrderClosed)
}

func TestUncheckedWithdrawalLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletB, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletB, dec("30"), 1))

	tx := common.HexToHash("0x20")
	require.NoError(t, l.InsertWithdrawal(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("25"), Round: 2, TxHash: tx,
	}))

	// Unchecked withdrawals do not debit until approved.
	b, err := l.Balance(ctx, assetX, walletB, 2)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("30")))

	require.NoError(t, l.ApproveWithdrawal(ctx, tx))
	b, err = l.Balance(ctx, assetX, walletB, 2)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("5")))

	require.NoError(t, l.ConfirmWithdrawal(ctx, tx))
	got, err := l.stores.Withdrawals.GetByTxHash(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusConfirmed, got.Status)
}

// gatedCache blocks one Add call until released, holding a mutation
// open at the point where its store commit is visible but its cache
// delta is not yet applied.
type gatedCache struct {
	domain.BalanceCache
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCache) Add(ctx context.Context, asset, wallet common.Address, round uint64, delta decimal.Decimal) error {
	if c.gate.CompareAndSwap(true, false) {
		close(c.entered)
		<-c.release
	}
	return c.BalanceCache.Add(ctx, asset, wallet, round, delta)
}

func TestBalanceReadSerializedWithMutation(t *testing.T) {
	ctx := context.Background()
	cache := &gatedCache{
		BalanceCache: memory.NewBalanceCache(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	l := New(Config{
		Stores: memory.New().Stores(),
		Cache:  cache,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	l.SetAssets([]common.Address{assetX, assetY})

	require.NoError(t, l.Register(ctx, walletA, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletA, dec("100"), 1))

	// Hold the next deposit open between its commit and its cache delta.
	cache.gate.Store(true)
	depositDone := make(chan error, 1)
	go func() {
		depositDone <- l.CreditDeposit(ctx, assetX, walletA, dec("5"), 1)
	}()
	<-cache.entered

	// A balance read in that window must wait for the mutation to
	// finish instead of recomputing and caching a value the pending
	// delta would then double-count.
	type read struct {
		balance decimal.Decimal
		err     error
	}
	readDone := make(chan read, 1)
	go func() {
		b, err := l.Balance(ctx, assetX, walletA, 1)
		readDone <- read{balance: b, err: err}
	}()
	select {
	case <-readDone:
		t.Fatal("balance read completed inside a mutation's commit window")
	case <-time.After(50 * time.Millisecond):
	}

	close(cache.release)
	require.NoError(t, <-depositDone)

	r := <-readDone
	require.NoError(t, r.err)
	assert.True(t, r.balance.Equal(dec("105")), "balance after racy deposit: %s", r.balance)

	b, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("105")), "cached balance after racy deposit: %s", b)
}

func TestApplyDepositRecordsOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	d := domain.Deposit{
		TxHash: common.HexToHash("0x40"),
		Asset:  assetX,
		Wallet: walletA,
		Amount: dec("60"),
		Round:  1,
	}

	// First application registers the wallet and credits the balance.
	require.NoError(t, l.ApplyDeposit(ctx, d))

	ok, err := l.IsRegistered(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("60")))

	// A replayed transaction hash changes nothing.
	err = l.ApplyDeposit(ctx, d)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	b, err = l.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("60")), "replay must not double-credit: %s", b)
}

func TestInsertWithdrawalRejectsSecondOpenRequest(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Register(ctx, walletB, 0))
	require.NoError(t, l.CreditDeposit(ctx, assetX, walletB, dec("30"), 1))

	tx1 := common.HexToHash("0x30")
	tx2 := common.HexToHash("0x31")
	require.NoError(t, l.InsertWithdrawal(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("10"), Round: 2, TxHash: tx1,
	}))

	// The second request is rejected outright, not parked as unchecked.
	err := l.InsertWithdrawal(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("5"), Round: 2, TxHash: tx2,
	})
	require.ErrorIs(t, err, domain.ErrDoubleWithdrawal)
	_, err = l.stores.Withdrawals.GetByTxHash(ctx, tx2)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Canceling the first frees the slot, and approval re-validation
	// does not trip over the request itself.
	require.NoError(t, l.CancelWithdrawal(ctx, tx1))
	require.NoError(t, l.InsertWithdrawal(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletB, Amount: dec("5"), Round: 2, TxHash: tx2,
	}))
	require.NoError(t, l.ApproveWithdrawal(ctx, tx2))
}

func TestRecoveryFlagIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	ok, err := l.IsRecovered(ctx, assetX, walletA)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.SetRecovered(ctx, assetX, walletA))

	ok, err = l.IsRecovered(ctx, assetX, walletA)
	require.NoError(t, err)
	assert.True(t, ok)

	err = l.SetRecovered(ctx, assetX, walletA)
	assert.ErrorIs(t, err, domain.ErrAlreadyRecovered)
}

func TestApprovalRejectsUnregisteredParties(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	// Owner never registered.
	err := l.InsertApproval(ctx, sellApproval("ap-x", 1, walletA, "X", "10", "10"))
	require.ErrorIs(t, err, domain.ErrWalletNotRegistered)

	// Unknown asset.
	require.NoError(t, l.Register(ctx, walletA, 0))
	bad := sellApproval("ap-y", 1, walletA, "X", "10", "10")
	bad.Sell.Asset = common.HexToAddress("0xdead")
	err = l.InsertApproval(ctx, bad)
	require.ErrorIs(t, err, domain.ErrAssetNotRegistered)
}
