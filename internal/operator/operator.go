// Package operator drives the round/quarter state machine: it follows
// the anchor chain block by block, ingests contract events into the
// ledger idempotently, moderates withdrawals, resolves disputes, and
// commits per-asset solvency roots once per round.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/anchorhub/internal/chain"
	"github.com/alanyoungcy/anchorhub/internal/crypto"
	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/ledger"
	"github.com/alanyoungcy/anchorhub/internal/solvency"
)

// NoticeKind labels the observer events the operator publishes after the
// triggering state change is durably committed.
type NoticeKind string

const (
	NoticeBlockProcessed    NoticeKind = "block_processed"
	NoticeRoundCommitted    NoticeKind = "round_committed"
	NoticeDisputeResolved   NoticeKind = "dispute_resolved"
	NoticeWithdrawalDecided NoticeKind = "withdrawal_decided"
	NoticeHalted            NoticeKind = "halted"
)

// Notice is one observer event. Consumers that fall behind miss notices
// rather than stalling the block loop.
type Notice struct {
	Kind    NoticeKind
	Block   uint64
	Round   uint64
	Quarter int
	Asset   common.Address
	Wallet  common.Address
	TxHash  common.Hash
}

// Authorization is the operator's signed admission of a client wallet.
type Authorization struct {
	Wallet    common.Address
	Round     uint64
	Signature []byte
}

// Operator reconciles the off-chain ledger against the anchor contract.
type Operator struct {
	ledger  *ledger.Ledger
	anchor  chain.Anchor
	signer  *crypto.Signer
	stores  domain.Stores
	rounds  RoundCalculator
	lease   domain.LeaseManager
	logger  *slog.Logger
	notices chan Notice

	pollInterval  time.Duration
	commitRetries int
	leaseKey      string
	leaseTTL      int

	// processing serializes block handling so a slow quarter transition
	// cannot overlap the next block's events.
	processing *ledger.Guard

	lastQuarter int
	hasQuarter  bool
}

// Config configures the operator.
type Config struct {
	Ledger *ledger.Ledger
	Anchor chain.Anchor
	Signer *crypto.Signer
	Stores domain.Stores
	Rounds RoundCalculator
	Lease  domain.LeaseManager // optional; nil disables replica fencing
	Logger *slog.Logger

	PollInterval  time.Duration // default 5s
	CommitRetries int           // default 5
	LeaseKey      string
	LeaseTTLSecs  int
}

// New creates an operator.
func New(cfg Config) *Operator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 5
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "anchorhub:operator"
	}
	if cfg.LeaseTTLSecs <= 0 {
		cfg.LeaseTTLSecs = 60
	}
	return &Operator{
		ledger:        cfg.Ledger,
		anchor:        cfg.Anchor,
		signer:        cfg.Signer,
		stores:        cfg.Stores,
		rounds:        cfg.Rounds,
		lease:         cfg.Lease,
		logger:        cfg.Logger.With(slog.String("component", "operator")),
		notices:       make(chan Notice, 64),
		pollInterval:  cfg.PollInterval,
		commitRetries: cfg.CommitRetries,
		leaseKey:      cfg.LeaseKey,
		leaseTTL:      cfg.LeaseTTLSecs,
		processing:    ledger.NewGuard(),
	}
}

// Notices returns the observer channel. Sends are non-blocking; slow
// consumers drop notices.
func (o *Operator) Notices() <-chan Notice {
	return o.notices
}

func (o *Operator) notify(n Notice) {
	select {
	case o.notices <- n:
	default:
	}
}

// Admit registers the client wallet at the current round and returns an
// authorization signed over (wallet, round).
func (o *Operator) Admit(ctx context.Context, client common.Address) (Authorization, error) {
	block, err := o.anchor.CurrentBlock(ctx)
	if err != nil {
		return Authorization{}, fmt.Errorf("admit %s: %w", client.Hex(), err)
	}
	round, err := o.rounds.Round(ctx, block)
	if err != nil {
		return Authorization{}, err
	}
	if err := o.ledger.Register(ctx, client, round); err != nil {
		return Authorization{}, err
	}
	sig, err := o.signer.Sign(crypto.AuthorizationDigest(client, round))
	if err != nil {
		return Authorization{}, fmt.Errorf("admit %s: %w", client.Hex(), err)
	}
	return Authorization{Wallet: client, Round: round, Signature: sig}, nil
}

// Audit returns one solvency proof per registered asset for the client
// at the given round.
func (o *Operator) Audit(ctx context.Context, client common.Address, round uint64) ([]solvency.Proof, error) {
	assets := o.ledger.Assets()
	proofs := make([]solvency.Proof, 0, len(assets))
	for _, asset := range assets {
		p, err := o.ledger.CompleteProof(ctx, asset, round, client)
		if err != nil {
			return nil, fmt.Errorf("audit %s round %d: %w", client.Hex(), round, err)
		}
		proofs = append(proofs, p)
	}
	return proofs, nil
}

// SignApproval produces the operator signature over the approval's
// canonical digest.
func (o *Operator) SignApproval(a domain.Approval) ([]byte, error) {
	sig, err := o.signer.Sign(crypto.ApprovalDigest(a))
	if err != nil {
		return nil, fmt.Errorf("sign approval %s: %w", a.ID, err)
	}
	return sig, nil
}

// SignFill produces the operator signature over the fill's canonical
// digest.
func (o *Operator) SignFill(f domain.Fill) ([]byte, error) {
	sig, err := o.signer.Sign(crypto.FillDigest(f))
	if err != nil {
		return nil, fmt.Errorf("sign fill %d: %w", f.ID, err)
	}
	return sig, nil
}
