// Package oracle reads USD prices from Chainlink-style aggregator
// feeds and guards them with divergence and movement sanity checks.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"talon"
	"talon/pkg/logging"
)

const aggregatorABIJSON = `[
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],
	 "stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid aggregator abi: %v", err))
	}
	aggregatorABI = parsed
}

// ContractCaller is the read-only chain dependency.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// FeedConfig maps an asset to its price feeds. Secondary is optional.
type FeedConfig struct {
	Primary   common.Address
	Secondary *common.Address
}

// Gateway fetches and sanity-checks prices. Calls for one asset are
// serialized so the previous-price memory stays coherent under the
// scanner's parallelism.
type Gateway struct {
	caller ContractCaller
	feeds  map[common.Address]FeedConfig
	log    *logging.Logger

	maxDivergencePct decimal.Decimal
	maxMovementPct   decimal.Decimal

	decMu        sync.Mutex
	feedDecimals map[common.Address]int32

	prevMu sync.Mutex
	prev   map[common.Address]decimal.Decimal

	assetMu sync.Mutex
	locks   map[common.Address]*sync.Mutex
}

// New creates a Gateway. Divergence and movement bounds are percents
// (5 means 5%).
func New(caller ContractCaller, feeds map[common.Address]FeedConfig, maxDivergencePct, maxMovementPct decimal.Decimal, log *logging.Logger) *Gateway {
	return &Gateway{
		caller:           caller,
		feeds:            feeds,
		log:              log,
		maxDivergencePct: maxDivergencePct,
		maxMovementPct:   maxMovementPct,
		feedDecimals:     make(map[common.Address]int32),
		prev:             make(map[common.Address]decimal.Decimal),
		locks:            make(map[common.Address]*sync.Mutex),
	}
}

func (g *Gateway) assetLock(asset common.Address) *sync.Mutex {
	g.assetMu.Lock()
	defer g.assetMu.Unlock()
	mu, ok := g.locks[asset]
	if !ok {
		mu = &sync.Mutex{}
		g.locks[asset] = mu
	}
	return mu
}

// Price returns the primary-feed USD price for the asset. The second
// return is false when no feed is configured or the feed call fails;
// callers treat that as "cannot evaluate".
func (g *Gateway) Price(ctx context.Context, asset common.Address) (decimal.Decimal, bool) {
	cfg, ok := g.feeds[asset]
	if !ok {
		return decimal.Zero, false
	}

	mu := g.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()

	price, err := g.readFeed(ctx, cfg.Primary)
	if err != nil {
		g.log.Event(map[string]interface{}{"asset": asset.Hex(), "error": err.Error()}).
			Warn("oracle_price_failed")
		return decimal.Zero, false
	}
	return price, true
}

// SecondaryPrice returns the secondary-feed price when one exists.
func (g *Gateway) SecondaryPrice(ctx context.Context, asset common.Address) (decimal.Decimal, bool) {
	cfg, ok := g.feeds[asset]
	if !ok || cfg.Secondary == nil {
		return decimal.Zero, false
	}
	price, err := g.readFeed(ctx, *cfg.Secondary)
	if err != nil {
		g.log.Event(map[string]interface{}{"asset": asset.Hex(), "error": err.Error()}).
			Warn("oracle_secondary_failed")
		return decimal.Zero, false
	}
	return price, true
}

// readFeed calls latestRoundData and scales by the feed's decimals.
func (g *Gateway) readFeed(ctx context.Context, feed common.Address) (decimal.Decimal, error) {
	data, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Zero, err
	}
	out, err := g.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: latestRoundData on %s: %v", talon.ErrRPC, feed.Hex(), err)
	}
	values, err := aggregatorABI.Unpack("latestRoundData", out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	answer, ok := values[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("feed %s returned non-positive answer", feed.Hex())
	}

	decimals, err := g.decimals(ctx, feed)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(answer, -decimals), nil
}

// decimals reads and caches the feed's decimals.
func (g *Gateway) decimals(ctx context.Context, feed common.Address) (int32, error) {
	g.decMu.Lock()
	if d, ok := g.feedDecimals[feed]; ok {
		g.decMu.Unlock()
		return d, nil
	}
	g.decMu.Unlock()

	data, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := g.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data})
	if err != nil {
		return 0, fmt.Errorf("%w: decimals on %s: %v", talon.ErrRPC, feed.Hex(), err)
	}
	values, err := aggregatorABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	d := int32(values[0].(uint8))

	g.decMu.Lock()
	g.feedDecimals[feed] = d
	g.decMu.Unlock()
	return d, nil
}

// SanityCheck verifies both prices against the secondary feed (where
// configured) and against this engine's previous observation. The
// previous-price memory advances only when the whole check passes, so
// a rejected flash price cannot become the next baseline.
func (g *Gateway) SanityCheck(ctx context.Context, assetA common.Address, priceA decimal.Decimal, assetB common.Address, priceB decimal.Decimal) bool {
	if !g.checkDivergence(ctx, assetA, priceA) || !g.checkDivergence(ctx, assetB, priceB) {
		return false
	}
	if !g.checkMovement(assetA, priceA) || !g.checkMovement(assetB, priceB) {
		return false
	}

	g.prevMu.Lock()
	g.prev[assetA] = priceA
	g.prev[assetB] = priceB
	g.prevMu.Unlock()
	return true
}

func (g *Gateway) checkDivergence(ctx context.Context, asset common.Address, primary decimal.Decimal) bool {
	secondary, ok := g.SecondaryPrice(ctx, asset)
	if !ok {
		return true
	}
	divergencePct := primary.Sub(secondary).Abs().Div(primary).Mul(decimal.NewFromInt(100))
	if divergencePct.GreaterThan(g.maxDivergencePct) {
		g.log.Event(map[string]interface{}{
			"asset":          asset.Hex(),
			"primary":        primary.String(),
			"secondary":      secondary.String(),
			"divergence_pct": divergencePct.String(),
		}).Warn("oracle_divergence_exceeded")
		return false
	}
	return true
}

func (g *Gateway) checkMovement(asset common.Address, current decimal.Decimal) bool {
	g.prevMu.Lock()
	previous, ok := g.prev[asset]
	g.prevMu.Unlock()
	if !ok || previous.Sign() == 0 {
		return true
	}
	movementPct := current.Sub(previous).Abs().Div(previous).Mul(decimal.NewFromInt(100))
	if movementPct.GreaterThan(g.maxMovementPct) {
		g.log.Event(map[string]interface{}{
			"asset":        asset.Hex(),
			"previous":     previous.String(),
			"current":      current.String(),
			"movement_pct": movementPct.String(),
		}).Warn("oracle_movement_exceeded")
		return false
	}
	return true
}
