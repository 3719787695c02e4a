// Package stateengine mirrors on-chain lending positions in real time:
// it ingests block headers, streams receipt logs through the event
// decoder, applies mutations to the position cache, and reconciles the
// cache against canonical state through the archive endpoint.
package stateengine

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"talon"
	"talon/internal/cache"
	"talon/pkg/logging"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	reconcileInterval = 10 // blocks
	divergenceHaltBps = 10
	oraclePriceTTL    = 5 * time.Minute
	processingBudget  = 500 * time.Millisecond
)

// lensABIJSON is the position view every supported protocol exposes to
// the engine, answering both latest and historical queries.
const lensABIJSON = `[
	{"inputs":[{"name":"user","type":"address"}],"name":"getPosition","outputs":[
		{"name":"collateralAsset","type":"address"},
		{"name":"collateralAmount","type":"uint256"},
		{"name":"debtAsset","type":"address"},
		{"name":"debtAmount","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"liquidationsPaused","outputs":[{"name":"","type":"bool"}],
	 "stateMutability":"view","type":"function"}
]`

var lensABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(lensABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid lens abi: %v", err))
	}
	lensABI = parsed
}

// ChainReader is the engine's chain dependency.
type ChainReader interface {
	BlockWithTxs(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	ArchiveCall(ctx context.Context, msg ethereum.CallMsg, block uint64) ([]byte, error)
}

// DivergenceSink receives reconciliation findings.
type DivergenceSink interface {
	RecordDivergence(d talon.StateDivergence)
}

// Protocol describes one supported lending market.
type Protocol struct {
	Name                 string
	Pool                 common.Address
	Lens                 common.Address
	LiquidationThreshold decimal.Decimal
	LiquidationBonus     decimal.Decimal
	AaveStyle            bool
}

// Engine drives one block-processing step per header.
type Engine struct {
	chain ChainReader
	cache *cache.Store
	sink  DivergenceSink
	log   *logging.Logger

	byPool map[common.Address]Protocol
	byName map[string]Protocol

	halt             func(reason string)
	onDivergenceWarn func()

	prevBlock uint64
	prevTS    uint64

	lastBlockAt atomic.Int64
}

// New wires the engine. halt is invoked for sequencer anomalies and
// reconciliation divergences; onDivergenceWarn counts sub-threshold
// divergences for trend alerting.
func New(
	chain ChainReader,
	store *cache.Store,
	sink DivergenceSink,
	protocols []Protocol,
	halt func(reason string),
	onDivergenceWarn func(),
	log *logging.Logger,
) *Engine {
	e := &Engine{
		chain:            chain,
		cache:            store,
		sink:             sink,
		log:              log,
		byPool:           make(map[common.Address]Protocol, len(protocols)),
		byName:           make(map[string]Protocol, len(protocols)),
		halt:             halt,
		onDivergenceWarn: onDivergenceWarn,
	}
	for _, p := range protocols {
		e.byPool[p.Pool] = p
		e.byName[p.Name] = p
	}
	e.lastBlockAt.Store(time.Now().UnixNano())
	store.SetRebuild(e.Rebuild)
	return e
}

// LastBlockAt is read by the 5s watchdog; >10s without a block halts.
func (e *Engine) LastBlockAt() time.Time {
	return time.Unix(0, e.lastBlockAt.Load())
}

// Protocols returns the configured markets keyed by name.
func (e *Engine) Protocols() map[string]Protocol { return e.byName }

// ProcessBlock runs one block-processing step. Serialized by the
// caller; expected to finish within 500ms on the median path.
func (e *Engine) ProcessBlock(ctx context.Context, number, ts uint64) error {
	started := time.Now()
	e.lastBlockAt.Store(started.UnixNano())

	guard := CheckSequencer(e.prevBlock, e.prevTS, number, ts)
	switch guard.Verdict {
	case GuardHalt:
		e.log.Event(map[string]interface{}{
			"block": number, "prev_block": e.prevBlock, "reason": guard.Reason,
		}).Error("sequencer_anomaly")
		e.halt("sequencer guard: " + guard.Reason)
		e.prevBlock, e.prevTS = number, ts
		return fmt.Errorf("%w: %s", talon.ErrState, guard.Reason)
	case GuardWarn:
		e.log.Event(map[string]interface{}{
			"block": number, "prev_block": e.prevBlock, "reason": guard.Reason,
		}).Warn("sequencer_warning")
	}
	e.prevBlock, e.prevTS = number, ts

	if err := e.processEvents(ctx, number); err != nil {
		// Event-processing failures are logged but never fatal to the
		// block step; the next reconciliation pass repairs the cache.
		e.log.Event(map[string]interface{}{"block": number, "error": err.Error()}).
			Warn("event_processing_failed")
	}

	if number%reconcileInterval == 0 {
		if err := e.Reconcile(ctx, number); err != nil {
			return err
		}
	}

	e.cache.SetCurrentBlock(number)
	e.cache.Checkpoint(ctx, number)

	elapsed := time.Since(started)
	if elapsed > processingBudget {
		e.log.Event(map[string]interface{}{
			"block": number, "elapsed_ms": elapsed.Milliseconds(),
		}).Warn("block_processing_slow")
	}
	return nil
}

// processEvents fetches the block's receipts and applies every
// recognized log to the cache.
func (e *Engine) processEvents(ctx context.Context, number uint64) error {
	block, err := e.chain.BlockWithTxs(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", number, err)
	}

	for _, tx := range block.Transactions() {
		receipt, err := e.chain.Receipt(ctx, tx.Hash())
		if err != nil {
			e.log.Event(map[string]interface{}{
				"tx": tx.Hash().Hex(), "error": err.Error(),
			}).Warn("receipt_fetch_failed")
			continue
		}
		for _, lg := range receipt.Logs {
			event, ok, err := DecodeLog(lg)
			if err != nil {
				e.log.Event(map[string]interface{}{"tx": tx.Hash().Hex(), "error": err.Error()}).
					Warn("event_decode_failed")
				continue
			}
			if !ok {
				continue
			}
			e.ApplyEvent(ctx, event, number)
		}
	}
	return nil
}

// ApplyEvent mutates the position cache for one decoded event. Events
// from unknown contract addresses are ignored.
func (e *Engine) ApplyEvent(ctx context.Context, ev Event, block uint64) {
	if ev.Kind == EventPriceUpdated {
		e.cache.SetOraclePrice(ctx, ev.Emitter.Hex(), []byte(ev.Price.String()), oraclePriceTTL)
		return
	}

	proto, known := e.byPool[ev.Emitter]
	if !known {
		return
	}

	switch ev.Kind {
	case EventBorrow:
		e.adjustDebt(ctx, proto, ev.User, ev.Amount, block, true)
	case EventRepay:
		e.adjustDebt(ctx, proto, ev.User, ev.Amount, block, false)
	case EventLiquidation:
		e.cache.Remove(ctx, proto.Name, ev.User.Hex())
		e.log.Event(map[string]interface{}{
			"protocol": proto.Name, "user": ev.User.Hex(), "block": block,
		}).Info("position_liquidated")
	}
}

func (e *Engine) adjustDebt(ctx context.Context, proto Protocol, user common.Address, amount *big.Int, block uint64, increase bool) {
	pos, ok := e.cache.Get(ctx, proto.Name, user.Hex())
	if !ok {
		// First sighting of this borrower: pull the full canonical
		// position instead of applying a bare delta.
		if err := e.fetchAndCache(ctx, proto, user, block); err != nil {
			e.log.Event(map[string]interface{}{
				"protocol": proto.Name, "user": user.Hex(), "error": err.Error(),
			}).Warn("position_fetch_failed")
		}
		return
	}

	if increase {
		pos.DebtAmount = new(big.Int).Add(pos.DebtAmount, amount)
	} else {
		pos.DebtAmount = new(big.Int).Sub(pos.DebtAmount, amount)
		if pos.DebtAmount.Sign() < 0 {
			pos.DebtAmount = big.NewInt(0)
		}
	}
	if block > pos.LastUpdateBlock {
		pos.LastUpdateBlock = block
	}

	if pos.DebtAmount.Sign() == 0 {
		e.cache.Remove(ctx, proto.Name, user.Hex())
		return
	}
	if err := e.cache.Upsert(ctx, pos); err != nil {
		e.log.Event(map[string]interface{}{"error": err.Error()}).Warn("position_update_failed")
	}
}

// fetchAndCache reads the canonical position through the protocol lens
// at the latest block and stores it.
func (e *Engine) fetchAndCache(ctx context.Context, proto Protocol, user common.Address, block uint64) error {
	collateralAsset, collateral, debtAsset, debt, err := e.queryLens(ctx, proto, user, 0)
	if err != nil {
		return err
	}
	if debt.Sign() == 0 {
		return nil
	}
	pos, err := talon.NewPosition(
		proto.Name, user, collateralAsset, debtAsset,
		collateral, debt, proto.LiquidationThreshold, block,
	)
	if err != nil {
		return err
	}
	return e.cache.Upsert(ctx, pos)
}

// queryLens calls getPosition on the protocol lens. block==0 queries
// latest via the regular pool; otherwise the archive endpoint answers
// at the given height.
func (e *Engine) queryLens(ctx context.Context, proto Protocol, user common.Address, block uint64) (common.Address, *big.Int, common.Address, *big.Int, error) {
	data, err := lensABI.Pack("getPosition", user)
	if err != nil {
		return common.Address{}, nil, common.Address{}, nil, err
	}
	msg := ethereum.CallMsg{To: &proto.Lens, Data: data}

	var out []byte
	if block == 0 {
		out, err = e.chain.CallContract(ctx, msg)
	} else {
		out, err = e.chain.ArchiveCall(ctx, msg, block)
	}
	if err != nil {
		return common.Address{}, nil, common.Address{}, nil, err
	}

	values, err := lensABI.Unpack("getPosition", out)
	if err != nil {
		return common.Address{}, nil, common.Address{}, nil, fmt.Errorf("unpack getPosition: %w", err)
	}
	return values[0].(common.Address), values[1].(*big.Int),
		values[2].(common.Address), values[3].(*big.Int), nil
}

// Rebuild repopulates canonical amounts for every cached position.
// Installed as the cache's post-reconnect hook.
func (e *Engine) Rebuild(ctx context.Context) error {
	positions := e.cache.ListAll(ctx)
	for i := range positions {
		pos := positions[i]
		proto, ok := e.byName[pos.Protocol]
		if !ok {
			continue
		}
		_, collateral, _, debt, err := e.queryLens(ctx, proto, pos.User, 0)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", pos.Key(), err)
		}
		if debt.Sign() == 0 {
			e.cache.Remove(ctx, pos.Protocol, pos.User.Hex())
			continue
		}
		pos.CollateralAmount = collateral
		pos.DebtAmount = debt
		if err := e.cache.Upsert(ctx, &pos); err != nil {
			return err
		}
	}
	e.log.Event(map[string]interface{}{"positions": len(positions)}).Info("cache_rebuilt")
	return nil
}

// LiquidationsPaused queries the protocol-level pause flag.
func (e *Engine) LiquidationsPaused(ctx context.Context, protocol string) (bool, error) {
	proto, ok := e.byName[protocol]
	if !ok {
		return false, fmt.Errorf("%w: unknown protocol %s", talon.ErrConfiguration, protocol)
	}
	data, err := lensABI.Pack("liquidationsPaused")
	if err != nil {
		return false, err
	}
	out, err := e.chain.CallContract(ctx, ethereum.CallMsg{To: &proto.Lens, Data: data})
	if err != nil {
		return false, fmt.Errorf("%w: liquidationsPaused on %s: %v", talon.ErrRPC, protocol, err)
	}
	values, err := lensABI.Unpack("liquidationsPaused", out)
	if err != nil {
		return false, fmt.Errorf("unpack liquidationsPaused: %w", err)
	}
	return values[0].(bool), nil
}
