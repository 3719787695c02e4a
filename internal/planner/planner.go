// Package planner turns validated opportunities into signed, costed,
// simulation-proven bundles and submits them along the path with the
// best expected value.
//
// Simulation is mandatory: no bundle is ever produced without the
// treasury balance-delta check around eth_call.
package planner

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"talon"
	"talon/pkg/logging"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	conservativeGasLimit = 500_000
	priorityFeeGwei      = 2
	submitRetries        = 3
)

const executorABIJSON = `[
	{"inputs":[
		{"name":"lendingProtocol","type":"address"},
		{"name":"borrower","type":"address"},
		{"name":"collateralAsset","type":"address"},
		{"name":"debtAsset","type":"address"},
		{"name":"debtAmount","type":"uint256"},
		{"name":"minProfit","type":"uint256"},
		{"name":"isAaveStyle","type":"bool"}],
	 "name":"executeLiquidation","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"treasury","outputs":[{"name":"","type":"address"}],
	 "stateMutability":"view","type":"function"}
]`

const erc20ABIJSON = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf",
	 "outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const l1OracleABIJSON = `[
	{"inputs":[{"name":"_data","type":"bytes"}],"name":"getL1Fee",
	 "outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	executorABI abi.ABI
	erc20ABI    abi.ABI
	l1OracleABI abi.ABI
)

func init() {
	for _, pair := range []struct {
		dst  *abi.ABI
		json string
	}{
		{&executorABI, executorABIJSON},
		{&erc20ABI, erc20ABIJSON},
		{&l1OracleABI, l1OracleABIJSON},
	} {
		parsed, err := abi.JSON(strings.NewReader(pair.json))
		if err != nil {
			panic(fmt.Sprintf("invalid abi: %v", err))
		}
		*pair.dst = parsed
	}
}

// Chain is the planner's chain dependency.
type Chain interface {
	Broadcaster
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// ProtocolInfo is what transaction construction needs per market.
type ProtocolInfo struct {
	Pool      common.Address
	AaveStyle bool
}

// Config is the planner's tunable surface.
type Config struct {
	ChainID     uint64
	Executor    common.Address
	L1GasOracle common.Address

	MinProfitUSD decimal.Decimal

	BaselineBribePct decimal.Decimal
	BribeIncreasePct decimal.Decimal
	BribeDecreasePct decimal.Decimal
	MaxBribePct      decimal.Decimal

	FlashLoanPremiumPct decimal.Decimal
	MaxSlippagePct      decimal.Decimal

	AssetDecimals map[common.Address]int32
	Protocols     map[string]ProtocolInfo
}

// Planner assembles, simulates, costs and submits bundles.
type Planner struct {
	cfg   Config
	chain Chain
	log   *logging.Logger

	key      *ecdsa.PrivateKey
	operator common.Address

	treasuryMu sync.Mutex
	treasury   *common.Address

	bribeMu         sync.Mutex
	bribePct        decimal.Decimal
	lastWindowPrint string

	adapters map[talon.SubmissionPath]*adapter

	pendingMu sync.Mutex
	pending   map[string]string // position key -> idempotency key

	sleep func(time.Duration)
}

// New creates a Planner signing as the given operator key.
func New(cfg Config, chain Chain, key *ecdsa.PrivateKey, log *logging.Logger) *Planner {
	return &Planner{
		cfg:      cfg,
		chain:    chain,
		log:      log,
		key:      key,
		operator: crypto.PubkeyToAddress(key.PublicKey),
		bribePct: cfg.BaselineBribePct,
		adapters: newAdapters(chain),
		pending:  make(map[string]string),
		sleep:    time.Sleep,
	}
}

// Operator returns the signing address.
func (p *Planner) Operator() common.Address { return p.operator }

// BribePct returns the current bribe percentage.
func (p *Planner) BribePct() decimal.Decimal {
	p.bribeMu.Lock()
	defer p.bribeMu.Unlock()
	return p.bribePct
}

// Plan runs the full pipeline for one opportunity: build, simulate,
// cost, select a path, and assemble the bundle. A nil bundle with a
// nil error never happens; every drop is an error the caller can
// classify with errors.Is.
func (p *Planner) Plan(ctx context.Context, opp *talon.Opportunity, ethUSD decimal.Decimal) (*talon.Bundle, error) {
	posKey := opp.Position.Key()

	p.pendingMu.Lock()
	if idem, exists := p.pending[posKey]; exists {
		p.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: submission %s still pending for %s", talon.ErrSafety, idem, posKey)
	}
	p.pendingMu.Unlock()

	tx, err := p.BuildTransaction(ctx, opp)
	if err != nil {
		return nil, err
	}

	profitWei, gasEstimate, err := p.Simulate(ctx, opp, tx)
	if err != nil {
		return nil, err
	}

	header, err := p.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: base fee fetch: %v", talon.ErrRPC, err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	costs, err := ComputeCosts(CostInputs{
		SimulatedProfitWei: profitWei,
		DebtDecimals:       p.assetDecimals(opp.Position.DebtAsset),
		DebtPriceUSD:       opp.DebtPriceUSD,
		CollateralValueUSD: p.assetUnits(opp.Position.CollateralAsset, opp.Position.CollateralAmount).Mul(opp.CollateralPriceUSD),
		DebtValueUSD:       p.assetUnits(opp.Position.DebtAsset, opp.Position.DebtAmount).Mul(opp.DebtPriceUSD),
		GasEstimate:        gasEstimate,
		BaseFeeWei:         baseFee,
		PriorityFeeWei:     tx.MaxPriorityFeePerGas,
		L1FeeWei:           p.l1Fee(ctx, tx.Data),
		CalldataBytes:      len(tx.Data),
		EthUSD:             ethUSD,
		BribePct:           p.BribePct(),
		MaxBribePct:        p.cfg.MaxBribePct,
		FlashPremiumPct:    p.cfg.FlashLoanPremiumPct,
		MaxSlippagePct:     p.cfg.MaxSlippagePct,
	})
	if err != nil {
		return nil, err
	}

	if costs.NetProfitUSD.LessThan(p.cfg.MinProfitUSD) {
		return nil, fmt.Errorf("%w: net profit %s below minimum %s",
			talon.ErrSafety, costs.NetProfitUSD, p.cfg.MinProfitUSD)
	}

	path := p.selectPath(costs.SimulatedProfitUSD, costs.BribeUSD)

	bundle, err := talon.NewBundle(*opp, *tx, uuid.NewString(), profitWei, gasEstimate, costs, path)
	if err != nil {
		return nil, err
	}

	p.log.Event(map[string]interface{}{
		"position":        posKey,
		"net_profit_usd":  costs.NetProfitUSD.String(),
		"submission_path": string(path),
		"idempotency_key": bundle.IdempotencyKey,
	}).Info("bundle_planned")
	return bundle, nil
}

// BuildTransaction constructs the executeLiquidation envelope. The
// on-chain minProfit floor is ~50% of the estimated gross, denominated
// in the debt asset at the snapshot price.
func (p *Planner) BuildTransaction(ctx context.Context, opp *talon.Opportunity) (*talon.Transaction, error) {
	proto, ok := p.cfg.Protocols[opp.Position.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: unknown protocol %s", talon.ErrConfiguration, opp.Position.Protocol)
	}

	minProfitWei := p.minProfitWei(opp)

	data, err := executorABI.Pack("executeLiquidation",
		proto.Pool,
		opp.Position.User,
		opp.Position.CollateralAsset,
		opp.Position.DebtAsset,
		opp.Position.DebtAmount,
		minProfitWei,
		proto.AaveStyle,
	)
	if err != nil {
		return nil, fmt.Errorf("pack executeLiquidation: %w", err)
	}

	header, err := p.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: latest header: %v", talon.ErrRPC, err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	priorityFee := new(big.Int).Mul(big.NewInt(priorityFeeGwei), big.NewInt(1e9))
	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), priorityFee)

	nonce, err := p.chain.NonceAt(ctx, p.operator)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce fetch: %v", talon.ErrRPC, err)
	}

	return &talon.Transaction{
		To:                   p.cfg.Executor,
		Data:                 data,
		Value:                big.NewInt(0),
		GasLimit:             conservativeGasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priorityFee,
		Nonce:                nonce,
		ChainID:              p.cfg.ChainID,
	}, nil
}

// minProfitWei converts 50% of the estimated gross profit into the
// debt asset's smallest unit at the snapshot debt price.
func (p *Planner) minProfitWei(opp *talon.Opportunity) *big.Int {
	if opp.DebtPriceUSD.Sign() <= 0 {
		return big.NewInt(0)
	}
	decimals := p.assetDecimals(opp.Position.DebtAsset)
	units := opp.EstimatedGrossUSD.Div(decimal.NewFromInt(2)).Div(opp.DebtPriceUSD)
	return units.Mul(decimal.New(1, decimals)).Truncate(0).BigInt()
}

// Simulate runs the mandatory on-chain simulation: treasury debt-asset
// balance before, eth_call, balance after. A revert or a non-positive
// delta drops the opportunity.
func (p *Planner) Simulate(ctx context.Context, opp *talon.Opportunity, tx *talon.Transaction) (*big.Int, uint64, error) {
	treasury, err := p.treasuryAddress(ctx)
	if err != nil {
		return nil, 0, err
	}

	before, err := p.tokenBalance(ctx, opp.Position.DebtAsset, treasury)
	if err != nil {
		return nil, 0, err
	}

	msg := ethereum.CallMsg{
		From:      p.operator,
		To:        &tx.To,
		Data:      tx.Data,
		Value:     tx.Value,
		Gas:       tx.GasLimit,
		GasFeeCap: tx.MaxFeePerGas,
		GasTipCap: tx.MaxPriorityFeePerGas,
	}

	if _, err := p.chain.CallContract(ctx, msg); err != nil {
		return nil, 0, fmt.Errorf("%w: revert: %v", talon.ErrSimulation, err)
	}

	after, err := p.tokenBalance(ctx, opp.Position.DebtAsset, treasury)
	if err != nil {
		return nil, 0, err
	}

	profit := new(big.Int).Sub(after, before)
	if profit.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%w: zero or negative simulated profit %s", talon.ErrSimulation, profit)
	}

	gasEstimate, err := p.chain.EstimateGas(ctx, msg)
	if err != nil {
		p.log.Event(map[string]interface{}{
			"position": opp.Position.Key(), "error": err.Error(),
		}).Warn("gas_estimate_failed")
		gasEstimate = tx.GasLimit
	}

	return profit, gasEstimate, nil
}

// treasuryAddress reads and caches the executor's treasury address.
func (p *Planner) treasuryAddress(ctx context.Context) (common.Address, error) {
	p.treasuryMu.Lock()
	defer p.treasuryMu.Unlock()
	if p.treasury != nil {
		return *p.treasury, nil
	}

	data, err := executorABI.Pack("treasury")
	if err != nil {
		return common.Address{}, err
	}
	out, err := p.chain.CallContract(ctx, ethereum.CallMsg{To: &p.cfg.Executor, Data: data})
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: treasury(): %v", talon.ErrRPC, err)
	}
	values, err := executorABI.Unpack("treasury", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack treasury: %w", err)
	}
	addr := values[0].(common.Address)
	p.treasury = &addr
	return addr, nil
}

func (p *Planner) tokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := p.chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf on %s: %v", talon.ErrRPC, token.Hex(), err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return values[0].(*big.Int), nil
}

// l1Fee quotes the calldata posting fee from the L1 gas oracle; nil
// signals the caller to use the per-byte fallback.
func (p *Planner) l1Fee(ctx context.Context, calldata []byte) *big.Int {
	data, err := l1OracleABI.Pack("getL1Fee", calldata)
	if err != nil {
		return nil
	}
	out, err := p.chain.CallContract(ctx, ethereum.CallMsg{To: &p.cfg.L1GasOracle, Data: data})
	if err != nil {
		p.log.Event(map[string]interface{}{"error": err.Error()}).Warn("l1_fee_quote_failed")
		return nil
	}
	values, err := l1OracleABI.Unpack("getL1Fee", out)
	if err != nil {
		return nil
	}
	return values[0].(*big.Int)
}

// selectPath picks the argmax of
// EV = simulated_profit × inclusion_rate − (bribe if builder).
// Strict comparison keeps the earlier path on ties, giving the
// mempool > builder > private_rpc tie order.
func (p *Planner) selectPath(simulatedProfitUSD, bribeUSD decimal.Decimal) talon.SubmissionPath {
	best := talon.PathMempool
	bestEV := decimal.New(0, 0)
	first := true

	for _, path := range talon.SubmissionPaths {
		rate := p.adapters[path].inclusionRate()
		ev := simulatedProfitUSD.Mul(rate)
		if path == talon.PathBuilder {
			ev = ev.Sub(bribeUSD)
		}
		if first || ev.GreaterThan(bestEV) {
			best, bestEV, first = path, ev, false
		}
	}
	return best
}

// Submit signs the bundle as an EIP-1559 type-2 transaction and pushes
// it through the chosen adapter with up to three retries on transient
// failure (1s, 2s, 4s backoff).
func (p *Planner) Submit(ctx context.Context, bundle *talon.Bundle) (common.Hash, error) {
	signed, err := p.signTransaction(&bundle.Tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	ad := p.adapters[bundle.Path]
	ad.recordSubmission()

	delay := time.Second
	var lastErr error
	for attempt := 0; attempt <= submitRetries; attempt++ {
		if attempt > 0 {
			p.sleep(delay)
			delay *= 2
		}
		if err := ad.submit(ctx, signed); err != nil {
			lastErr = err
			p.log.Event(map[string]interface{}{
				"path":    string(bundle.Path),
				"attempt": attempt + 1,
				"error":   err.Error(),
			}).Warn("submission_attempt_failed")
			continue
		}

		hash := signed.Hash()
		p.pendingMu.Lock()
		p.pending[bundle.Opportunity.Position.Key()] = bundle.IdempotencyKey
		p.pendingMu.Unlock()

		p.log.Event(map[string]interface{}{
			"tx_hash":         hash.Hex(),
			"path":            string(bundle.Path),
			"idempotency_key": bundle.IdempotencyKey,
		}).Info("bundle_submitted")
		return hash, nil
	}

	return common.Hash{}, fmt.Errorf("%w: submission failed after %d attempts: %v",
		talon.ErrRPC, submitRetries+1, lastErr)
}

func (p *Planner) signTransaction(tx *talon.Transaction) (*gethtypes.Transaction, error) {
	chainID := new(big.Int).SetUint64(tx.ChainID)
	return gethtypes.SignNewTx(p.key, gethtypes.LatestSignerForChainID(chainID), &gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     tx.Nonce,
		GasTipCap: tx.MaxPriorityFeePerGas,
		GasFeeCap: tx.MaxFeePerGas,
		Gas:       tx.GasLimit,
		To:        &tx.To,
		Value:     tx.Value,
		Data:      tx.Data,
	})
}

// RecordOutcome resolves a pending submission: updates the path's
// lifetime statistics and releases the position's idempotency hold.
func (p *Planner) RecordOutcome(positionKey string, path talon.SubmissionPath, included bool) {
	if ad, ok := p.adapters[path]; ok {
		ad.recordOutcome(included)
	}
	p.pendingMu.Lock()
	delete(p.pending, positionKey)
	p.pendingMu.Unlock()
}

// UpdateBribeModel applies the bribe ladder to one 100-submission
// window. Applying it twice to the same window is a no-op the second
// time, so the update is idempotent per window.
func (p *Planner) UpdateBribeModel(records []talon.ExecutionRecord) {
	if len(records) < 100 {
		return
	}
	window := records[len(records)-100:]

	included := 0
	for _, r := range window {
		if r.Included {
			included++
		}
	}
	print := fmt.Sprintf("%d:%d:%s", len(window), included, windowTail(window))

	p.bribeMu.Lock()
	defer p.bribeMu.Unlock()
	if print == p.lastWindowPrint {
		return
	}
	p.lastWindowPrint = print

	rate := decimal.NewFromInt(int64(included)).Div(decimal.NewFromInt(int64(len(window))))
	old := p.bribePct

	switch {
	case rate.LessThan(decimal.RequireFromString("0.60")):
		p.bribePct = decimal.Min(p.bribePct.Add(p.cfg.BribeIncreasePct), p.cfg.MaxBribePct)
	case rate.GreaterThan(decimal.RequireFromString("0.90")):
		p.bribePct = decimal.Max(p.bribePct.Sub(p.cfg.BribeDecreasePct), p.cfg.BaselineBribePct)
	}

	if !old.Equal(p.bribePct) {
		p.log.Event(map[string]interface{}{
			"inclusion_rate": rate.String(),
			"old_pct":        old.String(),
			"new_pct":        p.bribePct.String(),
		}).Info("bribe_model_updated")
	}
}

func windowTail(window []talon.ExecutionRecord) string {
	last := window[len(window)-1]
	if last.TxHash != nil {
		return last.TxHash.Hex()
	}
	return last.Timestamp.UTC().Format(time.RFC3339Nano)
}

func (p *Planner) assetDecimals(asset common.Address) int32 {
	if d, ok := p.cfg.AssetDecimals[asset]; ok {
		return d
	}
	return 18
}

func (p *Planner) assetUnits(asset common.Address, amount *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -p.assetDecimals(asset))
}
