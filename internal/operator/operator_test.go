package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/anchorhub/internal/chain"
	"github.com/alanyoungcy/anchorhub/internal/crypto"
	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/ledger"
	"github.com/alanyoungcy/anchorhub/internal/store/memory"
)

var (
	assetX  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assetY  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	walletA = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

// Test key only, never used on any network.
const operatorKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type commitKey struct {
	round uint64
	asset common.Address
}

// fakeAnchor is an in-memory anchor contract for operator tests.
type fakeAnchor struct {
	mu sync.Mutex

	head          uint64
	creation      uint64
	roundSize     uint64
	halted        bool
	haltOnFailure bool
	assets        []common.Address
	events        map[uint64][]chain.Event

	commits     map[commitKey][32]byte
	failCommits int
	commitCalls int

	closedDisputes []chain.DisputeBundle
	cancellations  []common.Address
}

func newFakeAnchor() *fakeAnchor {
	return &fakeAnchor{
		roundSize: 8,
		assets:    []common.Address{assetX, assetY},
		events:    make(map[uint64][]chain.Event),
		commits:   make(map[commitKey][32]byte),
	}
}

func (f *fakeAnchor) CurrentBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeAnchor) RoundSize(context.Context) (uint64, error)     { return f.roundSize, nil }
func (f *fakeAnchor) CreationBlock(context.Context) (uint64, error) { return f.creation, nil }

func (f *fakeAnchor) CurrentRound(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (f.head - f.creation) / f.roundSize, nil
}

func (f *fakeAnchor) CurrentQuarter(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offset := (f.head - f.creation) % f.roundSize
	return int(offset / (f.roundSize / 4)), nil
}

func (f *fakeAnchor) IsHalted(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted, nil
}

func (f *fakeAnchor) UpdateHaltedState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.haltOnFailure {
		f.halted = true
	}
	return nil
}

func (f *fakeAnchor) RegisteredAssets(context.Context) ([]common.Address, error) {
	return f.assets, nil
}

func (f *fakeAnchor) GetCommit(_ context.Context, round uint64, asset common.Address) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[commitKey{round, asset}], nil
}

func (f *fakeAnchor) Commit(ctx context.Context, root [32]byte, asset common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	if f.commitCalls <= f.failCommits {
		return common.Hash{}, errors.New("rpc: transaction underpriced")
	}
	round := (f.head - f.creation) / f.roundSize
	f.commits[commitKey{round, asset}] = root
	return common.HexToHash(fmt.Sprintf("0x%02x", f.commitCalls)), nil
}

func (f *fakeAnchor) TotalDeposits(context.Context, uint64, common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeAnchor) CloseDispute(_ context.Context, bundle chain.DisputeBundle) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedDisputes = append(f.closedDisputes, bundle)
	return common.HexToHash("0xd1"), nil
}

func (f *fakeAnchor) CancelWithdrawal(_ context.Context, _ []domain.Approval, _ [][]byte, _, wallet common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancellations = append(f.cancellations, wallet)
	return common.HexToHash("0xc1"), nil
}

func (f *fakeAnchor) FilterEvents(_ context.Context, from, to uint64) ([]chain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.Event
	for b := from; b <= to; b++ {
		out = append(out, f.events[b]...)
	}
	return out, nil
}

var _ chain.Anchor = (*fakeAnchor)(nil)

type fixture struct {
	op     *Operator
	ledger *ledger.Ledger
	stores domain.Stores
	anchor *fakeAnchor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	anchor := newFakeAnchor()
	stores := memory.New().Stores()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(ledger.Config{
		Stores: stores,
		Cache:  memory.NewBalanceCache(),
		Logger: logger,
	})
	led.SetAssets(anchor.assets)
	signer, err := crypto.NewSigner(operatorKeyHex)
	require.NoError(t, err)

	op := New(Config{
		Ledger:        led,
		Anchor:        anchor,
		Signer:        signer,
		Stores:        stores,
		Rounds:        &BlockRoundCalculator{CreationBlock: 0, RoundSize: anchor.roundSize},
		Logger:        logger,
		PollInterval:  10 * time.Millisecond,
		CommitRetries: 2,
	})
	return &fixture{op: op, ledger: led, stores: stores, anchor: anchor}
}

func depositEvent(block uint64, wallet common.Address, amount string, tx byte) chain.Event {
	return chain.Event{
		Kind:   chain.EventDepositCompleted,
		Block:  block,
		Round:  block / 8,
		Asset:  assetX,
		Wallet: wallet,
		Amount: decimal.RequireFromString(amount),
		TxHash: common.HexToHash(fmt.Sprintf("0x%02x", tx)),
	}
}

func (fx *fixture) drainNotices() []Notice {
	var out []Notice
	for {
		select {
		case n := <-fx.op.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestTickIngestsDepositAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.anchor.head = 1
	fx.anchor.events[1] = []chain.Event{depositEvent(1, walletA, "100", 0x01)}

	require.NoError(t, fx.op.Tick(ctx))

	b, err := fx.ledger.Balance(ctx, assetX, walletA, 0)
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("100")))

	ok, err := fx.ledger.IsRegistered(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, ok)

	last, found, err := fx.stores.Cursor.Last(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), last)

	notices := fx.drainNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeBlockProcessed, notices[0].Kind)
	assert.Equal(t, uint64(1), notices[0].Block)

	// A tick with no new blocks is a no-op.
	require.NoError(t, fx.op.Tick(ctx))
	assert.Empty(t, fx.drainNotices())
}

func TestReplayedDepositIsSkipped(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.anchor.head = 1
	fx.anchor.events[1] = []chain.Event{depositEvent(1, walletA, "100", 0x01)}
	require.NoError(t, fx.op.Tick(ctx))

	// The same transaction surfaces again in a later block.
	replay := depositEvent(2, walletA, "100", 0x01)
	fx.anchor.events[2] = []chain.Event{replay}
	fx.anchor.head = 2
	require.NoError(t, fx.op.Tick(ctx))

	b, err := fx.ledger.Balance(ctx, assetX, walletA, 0)
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("100")), "replay must not double-credit: %s", b)
}

func TestSortEventsFixesWithinBlockOrder(t *testing.T) {
	events := []chain.Event{
		{Kind: chain.EventDisputeOpened},
		{Kind: chain.EventWithdrawalConfirmed},
		{Kind: chain.EventDepositCompleted},
		{Kind: chain.EventWithdrawalInitiated},
	}
	sortEvents(events)
	kinds := make([]chain.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []chain.EventKind{
		chain.EventDepositCompleted,
		chain.EventWithdrawalInitiated,
		chain.EventWithdrawalConfirmed,
		chain.EventDisputeOpened,
	}, kinds)
}

func TestWithdrawalLifecycleThroughEvents(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Blocks 8 and 9 both sit in round 1 quarter 0, so no quarter
	// transition fires while the withdrawal is staged.
	fx.anchor.head = 8
	fx.anchor.events[8] = []chain.Event{depositEvent(8, walletA, "100", 0x01)}
	require.NoError(t, fx.op.Tick(ctx))

	// Initiation lands as unchecked and leaves the balance alone.
	fx.anchor.head = 9
	fx.anchor.events[9] = []chain.Event{{
		Kind:   chain.EventWithdrawalInitiated,
		Block:  9,
		Round:  1,
		Asset:  assetX,
		Wallet: walletA,
		Amount: decimal.RequireFromString("40"),
		TxHash: common.HexToHash("0x02"),
	}}
	require.NoError(t, fx.op.Tick(ctx))

	unchecked, err := fx.ledger.UncheckedWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, unchecked, 1)

	b, err := fx.ledger.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("100")))

	// Moderation approves it and debits the balance.
	fx.drainNotices()
	require.NoError(t, fx.op.processWithdrawalRequests(ctx))

	b, err = fx.ledger.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("60")))

	notices := fx.drainNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeWithdrawalDecided, notices[0].Kind)

	// Confirmation closes it out. Block 10 also crosses into quarter 1,
	// where moderation finds nothing left to decide.
	fx.anchor.head = 10
	fx.anchor.events[10] = []chain.Event{{
		Kind:   chain.EventWithdrawalConfirmed,
		Block:  10,
		TxHash: common.HexToHash("0x02"),
	}}
	require.NoError(t, fx.op.Tick(ctx))

	w, err := fx.stores.Withdrawals.GetByTxHash(ctx, common.HexToHash("0x02"))
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusConfirmed, w.Status)
}

func TestSecondInitiationWhileOneOpenIsRejectedOnChain(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Blocks 8 and 9 both sit in round 1 quarter 0.
	fx.anchor.head = 8
	fx.anchor.events[8] = []chain.Event{
		depositEvent(8, walletA, "100", 0x01),
		{
			Kind:   chain.EventWithdrawalInitiated,
			Block:  8,
			Round:  1,
			Asset:  assetX,
			Wallet: walletA,
			Amount: decimal.RequireFromString("40"),
			TxHash: common.HexToHash("0x02"),
		},
	}
	require.NoError(t, fx.op.Tick(ctx))

	// A second initiation while the first is still open never enters
	// the ledger; it is canceled on chain directly.
	fx.anchor.head = 9
	fx.anchor.events[9] = []chain.Event{{
		Kind:   chain.EventWithdrawalInitiated,
		Block:  9,
		Round:  1,
		Asset:  assetX,
		Wallet: walletA,
		Amount: decimal.RequireFromString("10"),
		TxHash: common.HexToHash("0x03"),
	}}
	require.NoError(t, fx.op.Tick(ctx))

	assert.Equal(t, []common.Address{walletA}, fx.anchor.cancellations)

	unchecked, err := fx.ledger.UncheckedWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, unchecked, 1)
	assert.Equal(t, common.HexToHash("0x02"), unchecked[0].TxHash)

	_, err = fx.stores.Withdrawals.GetByTxHash(ctx, common.HexToHash("0x03"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOverdrawnWithdrawalIsRejectedOnChain(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.ledger.Register(ctx, walletA, 0))
	require.NoError(t, fx.ledger.CreditDeposit(ctx, assetX, walletA, decimal.RequireFromString("30"), 1))

	tx := common.HexToHash("0x05")
	require.NoError(t, fx.ledger.InsertWithdrawal(ctx, domain.Withdrawal{
		Asset: assetX, Wallet: walletA, Amount: decimal.RequireFromString("50"), Round: 1, TxHash: tx,
	}))

	require.NoError(t, fx.op.processWithdrawalRequests(ctx))

	assert.Equal(t, []common.Address{walletA}, fx.anchor.cancellations)

	w, err := fx.stores.Withdrawals.GetByTxHash(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusCanceled, w.Status)

	b, err := fx.ledger.Balance(ctx, assetX, walletA, 1)
	require.NoError(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("30")))
}

func TestQuarterTransitionCommitsNewRound(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Seed some liability for the tree, then anchor the quarter clock at
	// the last quarter of round 0.
	require.NoError(t, fx.ledger.Register(ctx, walletA, 0))
	require.NoError(t, fx.ledger.CreditDeposit(ctx, assetX, walletA, decimal.RequireFromString("100"), 0))

	fx.anchor.head = 7
	require.NoError(t, fx.op.Tick(ctx))
	fx.drainNotices()

	// Crossing into round 1 quarter 0 commits a root per asset.
	fx.anchor.head = 8
	require.NoError(t, fx.op.Tick(ctx))

	for _, asset := range fx.anchor.assets {
		root, err := fx.anchor.GetCommit(ctx, 1, asset)
		require.NoError(t, err)
		assert.NotEqual(t, [32]byte{}, root, "asset %s", asset.Hex())
	}

	tree, err := fx.ledger.SolvencyTree(ctx, assetX, 1)
	require.NoError(t, err)
	got, err := fx.anchor.GetCommit(ctx, 1, assetX)
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), got)

	var committed int
	for _, n := range fx.drainNotices() {
		if n.Kind == NoticeRoundCommitted {
			committed++
			assert.Equal(t, uint64(1), n.Round)
		}
	}
	assert.Equal(t, len(fx.anchor.assets), committed)
}

func TestCommitSkipsExistingRoot(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	fx.anchor.commits[commitKey{1, assetX}] = [32]byte{0xab}
	fx.anchor.commits[commitKey{1, assetY}] = [32]byte{0xcd}

	require.NoError(t, fx.op.goToRound(ctx, 1))
	assert.Zero(t, fx.anchor.commitCalls)
}

func TestCommitRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.anchor.failCommits = 1

	require.NoError(t, fx.op.commit(ctx, 1, assetX))
	assert.Equal(t, 2, fx.anchor.commitCalls)
}

func TestCommitExhaustionTriggersHaltedCheck(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.anchor.failCommits = 1000
	fx.anchor.haltOnFailure = true

	fx.anchor.head = 7
	require.NoError(t, fx.op.Tick(ctx))

	fx.anchor.head = 8
	err := fx.op.Tick(ctx)
	require.ErrorIs(t, err, ErrHalted)

	// The failed block was not checkpointed; it would be retried.
	last, found, err := fx.stores.Cursor.Last(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(7), last)
}

func TestCommitExhaustionWithoutHaltPropagatesError(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.anchor.failCommits = 1000

	fx.anchor.head = 7
	require.NoError(t, fx.op.Tick(ctx))

	fx.anchor.head = 8
	err := fx.op.Tick(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHalted)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestDisputeResolution(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.ledger.Register(ctx, walletA, 0))
	require.NoError(t, fx.ledger.CreditDeposit(ctx, assetX, walletA, decimal.RequireFromString("100"), 0))

	tx := common.HexToHash("0x0d")
	require.NoError(t, fx.ledger.InsertDispute(ctx, domain.Dispute{Round: 1, Wallet: walletA, TxHash: tx}))

	require.NoError(t, fx.op.processOpenDisputes(ctx, 1))

	require.Len(t, fx.anchor.closedDisputes, 1)
	bundle := fx.anchor.closedDisputes[0]
	assert.Equal(t, walletA, bundle.Wallet)
	assert.Len(t, bundle.Proofs, len(fx.anchor.assets))
	for _, p := range bundle.Proofs {
		assert.True(t, p.Verify(), "asset %s", p.Asset.Hex())
	}

	open, err := fx.ledger.OpenDisputes(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Resolution is idempotent from the contract's point of view.
	require.NoError(t, fx.op.processOpenDisputes(ctx, 1))
	assert.Len(t, fx.anchor.closedDisputes, 1)
}

func TestAdmitSignsAuthorization(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.anchor.head = 12 // round 1

	auth, err := fx.op.Admit(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, walletA, auth.Wallet)
	assert.Equal(t, uint64(1), auth.Round)
	assert.True(t, crypto.Verify(crypto.AuthorizationDigest(walletA, 1), auth.Signature, fx.op.signer.Address()))

	ok, err := fx.ledger.IsRegistered(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunStopsWhenHalted(t *testing.T) {
	fx := newFixture(t)
	fx.anchor.halted = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := fx.op.Run(ctx)
	require.ErrorIs(t, err, ErrHalted)

	var halted bool
	for _, n := range fx.drainNotices() {
		if n.Kind == NoticeHalted {
			halted = true
		}
	}
	assert.True(t, halted)
}

func TestBlockRoundCalculator(t *testing.T) {
	calc := &BlockRoundCalculator{CreationBlock: 100, RoundSize: 8}
	ctx := context.Background()

	cases := []struct {
		block   uint64
		round   uint64
		quarter int
	}{
		{100, 0, 0},
		{101, 0, 0},
		{102, 0, 1},
		{107, 0, 3},
		{108, 1, 0},
		{50, 0, 0}, // pre-deployment blocks clamp to zero
	}
	for _, tc := range cases {
		r, err := calc.Round(ctx, tc.block)
		require.NoError(t, err)
		assert.Equal(t, tc.round, r, "block %d", tc.block)
		q, err := calc.Quarter(ctx, tc.block)
		require.NoError(t, err)
		assert.Equal(t, tc.quarter, q, "block %d", tc.block)
	}

	anchor := newFakeAnchor()
	anchor.roundSize = 10
	_, err := NewBlockRoundCalculator(ctx, anchor)
	assert.Error(t, err)
}
