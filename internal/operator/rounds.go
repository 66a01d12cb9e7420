package operator

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/anchorhub/internal/chain"
)

// RoundCalculator derives the round and quarter a block belongs to.
// The default derives both from the block number against the anchor's
// deployment constants; the contract-backed variant asks the anchor
// directly and is useful when the local clock must follow the contract
// exactly.
type RoundCalculator interface {
	Round(ctx context.Context, block uint64) (uint64, error)
	Quarter(ctx context.Context, block uint64) (int, error)
}

// BlockRoundCalculator computes round and quarter from the block number:
// round = (block - creationBlock) / roundSize, quarter = the elapsed
// quarter-size slices within the round. RoundSize is divisible by 4.
type BlockRoundCalculator struct {
	CreationBlock uint64
	RoundSize     uint64
}

// NewBlockRoundCalculator reads the deployment constants from the
// anchor once.
func NewBlockRoundCalculator(ctx context.Context, anchor chain.Anchor) (*BlockRoundCalculator, error) {
	creation, err := anchor.CreationBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("round calculator: creation block: %w", err)
	}
	size, err := anchor.RoundSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("round calculator: round size: %w", err)
	}
	if size == 0 || size%4 != 0 {
		return nil, fmt.Errorf("round calculator: round size %d not divisible by 4", size)
	}
	return &BlockRoundCalculator{CreationBlock: creation, RoundSize: size}, nil
}

func (c *BlockRoundCalculator) Round(_ context.Context, block uint64) (uint64, error) {
	if block < c.CreationBlock {
		return 0, nil
	}
	return (block - c.CreationBlock) / c.RoundSize, nil
}

func (c *BlockRoundCalculator) Quarter(_ context.Context, block uint64) (int, error) {
	if block < c.CreationBlock {
		return 0, nil
	}
	offset := (block - c.CreationBlock) % c.RoundSize
	return int(offset / (c.RoundSize / 4)), nil
}

// ContractRoundCalculator reads round and quarter straight from the
// anchor contract, ignoring the block number.
type ContractRoundCalculator struct {
	Anchor chain.Anchor
}

func (c *ContractRoundCalculator) Round(ctx context.Context, _ uint64) (uint64, error) {
	return c.Anchor.CurrentRound(ctx)
}

func (c *ContractRoundCalculator) Quarter(ctx context.Context, _ uint64) (int, error) {
	return c.Anchor.CurrentQuarter(ctx)
}

var (
	_ RoundCalculator = (*BlockRoundCalculator)(nil)
	_ RoundCalculator = (*ContractRoundCalculator)(nil)
)
