package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/anchorhub/internal/crypto"
	"github.com/alanyoungcy/anchorhub/internal/domain"
)

// anchorABI is the fixed interface of the anchor contract. Dispute and
// withdrawal evidence travels as opaque byte blobs; the canonical
// encoding of each blob is defined by the contract, not by this client.
const anchorABI = `[
	{"type":"function","name":"roundSize","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"creationBlock","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"getCurrentRound","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"getCurrentQuarter","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"type":"function","name":"isHalted","stateMutability":"view","inputs":[],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"updateHaltedState","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"registeredAssets","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
	{"type":"function","name":"getCommit","stateMutability":"view","inputs":[{"type":"uint256"},{"type":"address"}],"outputs":[{"type":"bytes32"}]},
	{"type":"function","name":"commit","stateMutability":"nonpayable","inputs":[{"type":"bytes32"},{"type":"address"}],"outputs":[]},
	{"type":"function","name":"totalDeposits","stateMutability":"view","inputs":[{"type":"uint256"},{"type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"closeDispute","stateMutability":"nonpayable","inputs":[{"type":"bytes[]"},{"type":"bytes[]"},{"type":"bytes[]"},{"type":"bytes[]"},{"type":"bytes[]"},{"type":"address"}],"outputs":[]},
	{"type":"function","name":"cancelWithdrawal","stateMutability":"nonpayable","inputs":[{"type":"bytes[]"},{"type":"bytes[]"},{"type":"address"},{"type":"address"}],"outputs":[]},
	{"type":"event","name":"DepositCompleted","inputs":[{"type":"address","indexed":true,"name":"asset"},{"type":"address","indexed":true,"name":"wallet"},{"type":"uint256","name":"amount"},{"type":"uint256","name":"round"}]},
	{"type":"event","name":"WithdrawalInitiated","inputs":[{"type":"address","indexed":true,"name":"asset"},{"type":"address","indexed":true,"name":"wallet"},{"type":"uint256","name":"amount"},{"type":"uint256","name":"round"}]},
	{"type":"event","name":"WithdrawalConfirmed","inputs":[{"type":"address","indexed":true,"name":"asset"},{"type":"address","indexed":true,"name":"wallet"},{"type":"uint256","name":"amount"},{"type":"uint256","name":"round"}]},
	{"type":"event","name":"DisputeOpened","inputs":[{"type":"address","indexed":true,"name":"wallet"},{"type":"uint256","name":"round"}]}
]`

// EthAnchor is the go-ethereum backed Anchor implementation.
type EthAnchor struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	parsed   abi.ABI
	address  common.Address
	signer   *crypto.Signer
	chainID  *big.Int
}

// NewEthAnchor dials the RPC endpoint and binds the anchor contract at
// the given address. The signer's key funds and signs every mutating
// call.
func NewEthAnchor(ctx context.Context, rpcURL string, address common.Address, signer *crypto.Signer, chainID int64) (*EthAnchor, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(anchorABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: parse anchor abi: %w", err)
	}

	return &EthAnchor{
		client:   client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		parsed:   parsed,
		address:  address,
		signer:   signer,
		chainID:  big.NewInt(chainID),
	}, nil
}

// Close releases the underlying RPC connection.
func (e *EthAnchor) Close() {
	e.client.Close()
}

func (e *EthAnchor) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

func (e *EthAnchor) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: call %s: unexpected output %T", method, out[0])
	}
	return n, nil
}

func (e *EthAnchor) RoundSize(ctx context.Context) (uint64, error) {
	n, err := e.callUint(ctx, "roundSize")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (e *EthAnchor) CreationBlock(ctx context.Context) (uint64, error) {
	n, err := e.callUint(ctx, "creationBlock")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (e *EthAnchor) CurrentRound(ctx context.Context) (uint64, error) {
	n, err := e.callUint(ctx, "getCurrentRound")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (e *EthAnchor) CurrentQuarter(ctx context.Context) (int, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getCurrentQuarter"); err != nil {
		return 0, fmt.Errorf("chain: call getCurrentQuarter: %w", err)
	}
	q, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: getCurrentQuarter: unexpected output %T", out[0])
	}
	return int(q), nil
}

func (e *EthAnchor) IsHalted(ctx context.Context) (bool, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isHalted"); err != nil {
		return false, fmt.Errorf("chain: call isHalted: %w", err)
	}
	halted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: isHalted: unexpected output %T", out[0])
	}
	return halted, nil
}

func (e *EthAnchor) UpdateHaltedState(ctx context.Context) error {
	_, err := e.transact(ctx, "updateHaltedState")
	return err
}

func (e *EthAnchor) RegisteredAssets(ctx context.Context) ([]common.Address, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "registeredAssets"); err != nil {
		return nil, fmt.Errorf("chain: call registeredAssets: %w", err)
	}
	assets, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("chain: registeredAssets: unexpected output %T", out[0])
	}
	return assets, nil
}

func (e *EthAnchor) GetCommit(ctx context.Context, round uint64, asset common.Address) ([32]byte, error) {
	var out []any
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getCommit",
		new(big.Int).SetUint64(round), asset); err != nil {
		return [32]byte{}, fmt.Errorf("chain: call getCommit: %w", err)
	}
	root, ok := out[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("chain: getCommit: unexpected output %T", out[0])
	}
	return root, nil
}

func (e *EthAnchor) Commit(ctx context.Context, root [32]byte, asset common.Address) (common.Hash, error) {
	tx, err := e.transact(ctx, "commit", root, asset)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (e *EthAnchor) TotalDeposits(ctx context.Context, round uint64, asset common.Address) (decimal.Decimal, error) {
	n, err := e.callUint(ctx, "totalDeposits", new(big.Int).SetUint64(round), asset)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(n, 0), nil
}

func (e *EthAnchor) CloseDispute(ctx context.Context, bundle DisputeBundle) (common.Hash, error) {
	proofs, err := marshalEach(bundle.Proofs)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: encode dispute proofs: %w", err)
	}
	approvals, err := marshalEach(bundle.Approvals)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: encode dispute approvals: %w", err)
	}
	fills, err := marshalEach(bundle.Fills)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: encode dispute fills: %w", err)
	}

	tx, err := e.transact(ctx, "closeDispute",
		proofs, approvals, bundle.ApprovalSigs, fills, bundle.FillSigs, bundle.Wallet)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (e *EthAnchor) CancelWithdrawal(ctx context.Context, approvals []domain.Approval, sigs [][]byte, asset, wallet common.Address) (common.Hash, error) {
	encoded, err := marshalEach(approvals)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: encode withdrawal approvals: %w", err)
	}
	tx, err := e.transact(ctx, "cancelWithdrawal", encoded, sigs, asset, wallet)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// FilterEvents retrieves and decodes the anchor's logs for [from, to].
func (e *EthAnchor) FilterEvents(ctx context.Context, from, to uint64) ([]Event, error) {
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{e.address},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs [%d,%d]: %w", from, to, err)
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		ev, ok, err := e.decodeLog(lg)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (e *EthAnchor) decodeLog(lg types.Log) (Event, bool, error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}
	evABI, err := e.parsed.EventByID(lg.Topics[0])
	if err != nil {
		// Not one of ours; the contract may emit events we do not ingest.
		return Event{}, false, nil
	}

	out := Event{
		Kind:   EventKind(evABI.Name),
		Block:  lg.BlockNumber,
		TxHash: lg.TxHash,
	}

	fields := make(map[string]any)
	if err := e.parsed.UnpackIntoMap(fields, evABI.Name, lg.Data); err != nil {
		return Event{}, false, fmt.Errorf("chain: unpack %s: %w", evABI.Name, err)
	}

	switch EventKind(evABI.Name) {
	case EventDepositCompleted, EventWithdrawalInitiated, EventWithdrawalConfirmed:
		out.Asset = common.BytesToAddress(lg.Topics[1].Bytes())
		out.Wallet = common.BytesToAddress(lg.Topics[2].Bytes())
		if amount, ok := fields["amount"].(*big.Int); ok {
			out.Amount = decimal.NewFromBigInt(amount, 0)
		}
		if round, ok := fields["round"].(*big.Int); ok {
			out.Round = round.Uint64()
		}
	case EventDisputeOpened:
		out.Wallet = common.BytesToAddress(lg.Topics[1].Bytes())
		if round, ok := fields["round"].(*big.Int); ok {
			out.Round = round.Uint64()
		}
	default:
		return Event{}, false, nil
	}

	return out, true, nil
}

// transact builds a keyed transactor from the operator's signer and
// submits a state-changing call.
func (e *EthAnchor) transact(ctx context.Context, method string, args ...any) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(e.signer.PrivateKey(), e.chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := e.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: transact %s: %w", method, err)
	}
	return tx, nil
}

// marshalEach JSON-encodes each element into the opaque byte blobs the
// anchor contract accepts as evidence.
func marshalEach[T any](items []T) ([][]byte, error) {
	out := make([][]byte, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Topic hashes are computed once so callers can pre-filter if needed.
var (
	TopicDepositCompleted    = common.Hash(digestOf("DepositCompleted(address,address,uint256,uint256)"))
	TopicWithdrawalInitiated = common.Hash(digestOf("WithdrawalInitiated(address,address,uint256,uint256)"))
	TopicWithdrawalConfirmed = common.Hash(digestOf("WithdrawalConfirmed(address,address,uint256,uint256)"))
	TopicDisputeOpened       = common.Hash(digestOf("DisputeOpened(address,uint256)"))
)

func digestOf(sig string) [32]byte {
	var d [32]byte
	copy(d[:], ethcrypto.Keccak256([]byte(sig)))
	return d
}

// Compile-time interface check.
var _ Anchor = (*EthAnchor)(nil)
