// Package oracle reads BTC/USD prices for the settlement engine and enforces
// the freshness policy applied to every reading.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// aggregatorV3ABI is the subset of Chainlink's AggregatorV3Interface we call.
const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// ContractCaller is the read-only slice of an Ethereum client the feed
// needs; *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Chainlink reads an AggregatorV3 price feed.
type Chainlink struct {
	caller ContractCaller
	feed   common.Address
	abi    abi.ABI

	mu       sync.Mutex
	decimals uint8
	haveDec  bool
}

// NewChainlink creates a reader for the aggregator at feed.
func NewChainlink(caller ContractCaller, feed common.Address) (*Chainlink, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse aggregator abi: %w", err)
	}
	return &Chainlink{caller: caller, feed: feed, abi: parsed}, nil
}

// Feed returns the aggregator address.
func (c *Chainlink) Feed() common.Address {
	return c.feed
}

// Read calls latestRoundData and returns the answer with the feed's own
// update time. Answers outside the int64 range are rejected.
func (c *Chainlink) Read(ctx context.Context) (domain.PriceReading, error) {
	decimals, err := c.Decimals(ctx)
	if err != nil {
		return domain.PriceReading{}, err
	}

	vals, err := c.call(ctx, "latestRoundData")
	if err != nil {
		return domain.PriceReading{}, err
	}
	if len(vals) != 5 {
		return domain.PriceReading{}, fmt.Errorf("oracle: latestRoundData returned %d values", len(vals))
	}
	roundID, ok1 := vals[0].(*big.Int)
	answer, ok2 := vals[1].(*big.Int)
	updatedAt, ok3 := vals[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return domain.PriceReading{}, fmt.Errorf("oracle: latestRoundData: unexpected value types")
	}
	if !answer.IsInt64() {
		return domain.PriceReading{}, fmt.Errorf("oracle: answer %s out of range", answer)
	}
	if !updatedAt.IsInt64() {
		return domain.PriceReading{}, fmt.Errorf("oracle: updatedAt %s out of range", updatedAt)
	}

	return domain.PriceReading{
		Price:     answer.Int64(),
		Decimals:  decimals,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
		FeedRound: roundID.String(),
	}, nil
}

// Decimals returns the feed's decimal places. A successful answer is cached
// for the life of the reader; a failed call is retried on the next Read.
func (c *Chainlink) Decimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveDec {
		return c.decimals, nil
	}
	vals, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: decimals: unexpected type %T", vals[0])
	}
	c.decimals, c.haveDec = d, true
	return d, nil
}

func (c *Chainlink) call(ctx context.Context, method string) ([]any, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s on %s: %w", method, c.feed.Hex(), err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("oracle: %s returned no values", method)
	}
	return vals, nil
}

// Compile-time interface check.
var _ domain.PriceOracle = (*Chainlink)(nil)
