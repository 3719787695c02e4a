package planner

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talon"
	"talon/pkg/logging"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	executorAddr = common.HexToAddress("0x00000000000000000000000000000000000Ec5e1")
	l1OracleAddr = common.HexToAddress("0x4200000000000000000000000000000000000015")
	treasuryAddr = common.HexToAddress("0x00000000000000000000000000000000007EA5e1")
	poolAddr     = common.HexToAddress("0x8F44Fd754285aa6A2b8B9B97739B79746e0475a7")
	weth         = common.HexToAddress("0x4200000000000000000000000000000000000006")
	dai          = common.HexToAddress("0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb")
	borrower     = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// fakeChain scripts the planner's chain interactions.
type fakeChain struct {
	mu sync.Mutex

	baseFee *big.Int
	nonce   uint64

	// treasury debt-asset balances returned in order.
	balances []*big.Int

	execRevert  error
	gasEstimate uint64
	gasErr      error
	l1Fee       *big.Int
	l1Err       error

	sendErrs []error
	sent     []*gethtypes.Transaction
	sentLane []string
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(1000), BaseFee: f.baseFee}, nil
}

func (f *fakeChain) NonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.gasErr != nil {
		return 0, f.gasErr
	}
	return f.gasEstimate, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch *msg.To {
	case executorAddr:
		if len(msg.Data) >= 4 {
			if method, err := executorABI.MethodById(msg.Data[:4]); err == nil && method.Name == "treasury" {
				return method.Outputs.Pack(treasuryAddr)
			}
		}
		if f.execRevert != nil {
			return nil, f.execRevert
		}
		return nil, nil
	case l1OracleAddr:
		if f.l1Err != nil {
			return nil, f.l1Err
		}
		method, _ := l1OracleABI.MethodById(msg.Data[:4])
		return method.Outputs.Pack(f.l1Fee)
	default:
		// balanceOf on the debt asset.
		if len(f.balances) == 0 {
			return nil, errors.New("no scripted balance")
		}
		bal := f.balances[0]
		f.balances = f.balances[1:]
		method, _ := erc20ABI.MethodById(msg.Data[:4])
		return method.Outputs.Pack(bal)
	}
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	f.sentLane = append(f.sentLane, "public")
	return nil
}

func (f *fakeChain) SendTransactionBackup(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.sentLane = append(f.sentLane, "backup")
	return nil
}

func testConfig() Config {
	return Config{
		ChainID:             8453,
		Executor:            executorAddr,
		L1GasOracle:         l1OracleAddr,
		MinProfitUSD:        decimal.RequireFromString("50"),
		BaselineBribePct:    decimal.RequireFromString("15"),
		BribeIncreasePct:    decimal.RequireFromString("5"),
		BribeDecreasePct:    decimal.RequireFromString("2"),
		MaxBribePct:         decimal.RequireFromString("40"),
		FlashLoanPremiumPct: decimal.RequireFromString("0.09"),
		MaxSlippagePct:      decimal.RequireFromString("1.0"),
		AssetDecimals:       map[common.Address]int32{weth: 18, dai: 18},
		Protocols: map[string]ProtocolInfo{
			"seamless": {Pool: poolAddr, AaveStyle: true},
		},
	}
}

func testPlanner(t *testing.T, chain *fakeChain) *Planner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	log := logging.New("planner", "error")
	log.SetOutput(io.Discard)
	p := New(testConfig(), chain, key, log)
	p.sleep = func(time.Duration) {}
	return p
}

func testOpportunity(t *testing.T) *talon.Opportunity {
	t.Helper()
	pos, err := talon.NewPosition(
		"seamless", borrower, weth, dai,
		big.NewInt(1e18),                                      // 1 WETH collateral
		new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)), // 1000 DAI debt
		decimal.RequireFromString("0.80"),
		999,
	)
	require.NoError(t, err)
	pos.BlocksUnhealthy = 2

	opp, err := talon.NewOpportunity(
		*pos,
		decimal.RequireFromString("0.8"),
		decimal.NewFromInt(2000),
		decimal.NewFromInt(1),
		decimal.RequireFromString("0.05"),
		decimal.NewFromInt(160),
		decimal.NewFromInt(90),
		1000,
		time.Now(),
	)
	require.NoError(t, err)
	return opp
}

func gwei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9)) }

func TestComputeCostsScenario(t *testing.T) {
	in := CostInputs{
		SimulatedProfitWei: new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
		DebtDecimals:       18,
		DebtPriceUSD:       decimal.NewFromInt(1),
		CollateralValueUSD: decimal.NewFromInt(2000),
		DebtValueUSD:       decimal.NewFromInt(1000),
		GasEstimate:        350_000,
		BaseFeeWei:         gwei(1),
		PriorityFeeWei:     gwei(2),
		L1FeeWei:           nil,
		CalldataBytes:      260,
		EthUSD:             decimal.NewFromInt(2000),
		BribePct:           decimal.RequireFromString("15"),
		MaxBribePct:        decimal.RequireFromString("40"),
		FlashPremiumPct:    decimal.RequireFromString("0.09"),
		MaxSlippagePct:     decimal.RequireFromString("1.0"),
	}

	costs, err := ComputeCosts(in)
	require.NoError(t, err)

	assert.True(t, costs.SimulatedProfitUSD.Equal(decimal.NewFromInt(100)), "sim=%s", costs.SimulatedProfitUSD)
	// 350000 × 3 gwei = 1.05e15 wei = 0.00105 ETH → $2.10
	assert.True(t, costs.L2CostUSD.Equal(decimal.RequireFromString("2.1")), "l2=%s", costs.L2CostUSD)
	// fallback: 260 bytes × $0.001
	assert.True(t, costs.L1CostUSD.Equal(decimal.RequireFromString("0.26")), "l1=%s", costs.L1CostUSD)
	assert.True(t, costs.BribeUSD.Equal(decimal.NewFromInt(15)), "bribe=%s", costs.BribeUSD)
	assert.True(t, costs.FlashLoanCostUSD.Equal(decimal.RequireFromString("0.9")), "flash=%s", costs.FlashLoanCostUSD)
	assert.True(t, costs.SlippageCostUSD.Equal(decimal.NewFromInt(20)), "slip=%s", costs.SlippageCostUSD)

	expectedTotal := decimal.RequireFromString("38.26")
	assert.True(t, costs.TotalCostUSD.Equal(expectedTotal), "total=%s", costs.TotalCostUSD)
	assert.True(t, costs.NetProfitUSD.Equal(decimal.RequireFromString("61.74")), "net=%s", costs.NetProfitUSD)
}

func TestComputeCostsDeterministic(t *testing.T) {
	in := CostInputs{
		SimulatedProfitWei: big.NewInt(5e18),
		DebtDecimals:       18,
		DebtPriceUSD:       decimal.NewFromInt(1),
		CollateralValueUSD: decimal.NewFromInt(100),
		DebtValueUSD:       decimal.NewFromInt(50),
		GasEstimate:        400_000,
		BaseFeeWei:         gwei(1),
		PriorityFeeWei:     gwei(2),
		L1FeeWei:           big.NewInt(2e14),
		EthUSD:             decimal.NewFromInt(1800),
		BribePct:           decimal.RequireFromString("15"),
		MaxBribePct:        decimal.RequireFromString("40"),
		FlashPremiumPct:    decimal.RequireFromString("0.09"),
		MaxSlippagePct:     decimal.RequireFromString("1.0"),
	}
	a, err := ComputeCosts(in)
	require.NoError(t, err)
	b, err := ComputeCosts(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeCostsMonotonicInGas(t *testing.T) {
	base := CostInputs{
		SimulatedProfitWei: big.NewInt(5e18),
		DebtDecimals:       18,
		DebtPriceUSD:       decimal.NewFromInt(1),
		CollateralValueUSD: decimal.NewFromInt(100),
		DebtValueUSD:       decimal.NewFromInt(50),
		GasEstimate:        300_000,
		BaseFeeWei:         gwei(1),
		PriorityFeeWei:     gwei(2),
		L1FeeWei:           big.NewInt(2e14),
		EthUSD:             decimal.NewFromInt(1800),
		BribePct:           decimal.RequireFromString("15"),
		MaxBribePct:        decimal.RequireFromString("40"),
		FlashPremiumPct:    decimal.RequireFromString("0.09"),
		MaxSlippagePct:     decimal.RequireFromString("1.0"),
	}
	low, err := ComputeCosts(base)
	require.NoError(t, err)

	base.GasEstimate = 600_000
	high, err := ComputeCosts(base)
	require.NoError(t, err)

	assert.True(t, high.TotalCostUSD.GreaterThan(low.TotalCostUSD))
	assert.True(t, high.NetProfitUSD.LessThanOrEqual(low.NetProfitUSD))
}

func TestComputeCostsBribeCap(t *testing.T) {
	in := CostInputs{
		SimulatedProfitWei: big.NewInt(5e18),
		DebtDecimals:       18,
		DebtPriceUSD:       decimal.NewFromInt(1),
		GasEstimate:        1,
		BaseFeeWei:         big.NewInt(0),
		PriorityFeeWei:     big.NewInt(0),
		L1FeeWei:           big.NewInt(0),
		EthUSD:             decimal.NewFromInt(1800),
		BribePct:           decimal.RequireFromString("45"),
		MaxBribePct:        decimal.RequireFromString("40"),
		FlashPremiumPct:    decimal.Zero,
		MaxSlippagePct:     decimal.Zero,
	}
	_, err := ComputeCosts(in)
	assert.ErrorIs(t, err, talon.ErrSafety)
}

func TestBuildTransaction(t *testing.T) {
	chain := &fakeChain{baseFee: gwei(1), nonce: 7}
	p := testPlanner(t, chain)
	opp := testOpportunity(t)

	tx, err := p.BuildTransaction(t.Context(), opp)
	require.NoError(t, err)

	assert.Equal(t, executorAddr, tx.To)
	assert.Equal(t, uint64(7), tx.Nonce)
	assert.Equal(t, uint64(8453), tx.ChainID)
	assert.Equal(t, uint64(conservativeGasLimit), tx.GasLimit)
	assert.Equal(t, gwei(2), tx.MaxPriorityFeePerGas)
	// max fee = 2×base + priority = 4 gwei
	assert.Equal(t, gwei(4), tx.MaxFeePerGas)

	// minProfit = 160/2 / $1 = 80 DAI = 80e18.
	values, err := executorABI.Methods["executeLiquidation"].Inputs.Unpack(tx.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, poolAddr, values[0].(common.Address))
	assert.Equal(t, borrower, values[1].(common.Address))
	minProfit := values[5].(*big.Int)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(80), big.NewInt(1e18)), minProfit)
	assert.True(t, values[6].(bool))
}

func TestSimulateProfit(t *testing.T) {
	before := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))
	after := new(big.Int).Add(before, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)))
	chain := &fakeChain{
		baseFee:     gwei(1),
		balances:    []*big.Int{before, after},
		gasEstimate: 350_000,
	}
	p := testPlanner(t, chain)
	opp := testOpportunity(t)

	tx, err := p.BuildTransaction(t.Context(), opp)
	require.NoError(t, err)

	profit, gas, err := p.Simulate(t.Context(), opp, tx)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)), profit)
	assert.Equal(t, uint64(350_000), gas)
}

func TestSimulateRevertDrops(t *testing.T) {
	chain := &fakeChain{
		baseFee:    gwei(1),
		balances:   []*big.Int{big.NewInt(500)},
		execRevert: errors.New("execution reverted: HealthFactorNotBelowThreshold"),
	}
	p := testPlanner(t, chain)
	opp := testOpportunity(t)

	tx, err := p.BuildTransaction(t.Context(), opp)
	require.NoError(t, err)

	_, _, err = p.Simulate(t.Context(), opp, tx)
	require.ErrorIs(t, err, talon.ErrSimulation)
	assert.Contains(t, err.Error(), "revert")
}

func TestSimulateZeroProfitDrops(t *testing.T) {
	bal := big.NewInt(500)
	chain := &fakeChain{baseFee: gwei(1), balances: []*big.Int{bal, bal}}
	p := testPlanner(t, chain)
	opp := testOpportunity(t)

	tx, err := p.BuildTransaction(t.Context(), opp)
	require.NoError(t, err)

	_, _, err = p.Simulate(t.Context(), opp, tx)
	assert.ErrorIs(t, err, talon.ErrSimulation)
}

func TestSimulateGasEstimateFallback(t *testing.T) {
	before := big.NewInt(0)
	after := big.NewInt(1e18)
	chain := &fakeChain{
		baseFee:  gwei(1),
		balances: []*big.Int{before, after},
		gasErr:   errors.New("gas estimation failed"),
	}
	p := testPlanner(t, chain)
	opp := testOpportunity(t)

	tx, err := p.BuildTransaction(t.Context(), opp)
	require.NoError(t, err)

	_, gas, err := p.Simulate(t.Context(), opp, tx)
	require.NoError(t, err)
	assert.Equal(t, uint64(conservativeGasLimit), gas)
}

func TestPlanEndToEnd(t *testing.T) {
	before := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))
	after := new(big.Int).Add(before, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)))
	chain := &fakeChain{
		baseFee:     gwei(1),
		balances:    []*big.Int{before, after},
		gasEstimate: 350_000,
		l1Fee:       big.NewInt(1e14), // 0.0001 ETH → $0.20
	}
	p := testPlanner(t, chain)
	opp := testOpportunity(t)

	bundle, err := p.Plan(t.Context(), opp, decimal.NewFromInt(2000))
	require.NoError(t, err)

	assert.True(t, bundle.Costs.NetProfitUSD.Sign() > 0)
	assert.True(t, bundle.Costs.NetProfitUSD.Equal(
		bundle.Costs.SimulatedProfitUSD.Sub(bundle.Costs.TotalCostUSD)))
	assert.NotEmpty(t, bundle.IdempotencyKey)
	assert.Equal(t, talon.PathMempool, bundle.Path, "tie between mempool and private_rpc keeps mempool")
}

func TestPlanSuppressedWhilePending(t *testing.T) {
	before := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))
	after := new(big.Int).Add(before, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)))
	chain := &fakeChain{
		baseFee:     gwei(1),
		balances:    []*big.Int{before, after, before, after},
		gasEstimate: 350_000,
		l1Fee:       big.NewInt(1e14),
	}
	p := testPlanner(t, chain)
	opp := testOpportunity(t)

	bundle, err := p.Plan(t.Context(), opp, decimal.NewFromInt(2000))
	require.NoError(t, err)
	_, err = p.Submit(t.Context(), bundle)
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, chain.sentLane)

	_, err = p.Plan(t.Context(), opp, decimal.NewFromInt(2000))
	require.ErrorIs(t, err, talon.ErrSafety, "resubmission while pending is suppressed")

	p.RecordOutcome(opp.Position.Key(), bundle.Path, true)
	_, err = p.Plan(t.Context(), opp, decimal.NewFromInt(2000))
	assert.NoError(t, err, "resolved outcome releases the idempotency hold")
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	before := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))
	after := new(big.Int).Add(before, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)))
	chain := &fakeChain{
		baseFee:     gwei(1),
		balances:    []*big.Int{before, after},
		gasEstimate: 350_000,
		l1Fee:       big.NewInt(1e14),
		sendErrs:    []error{errors.New("connection reset"), errors.New("timeout")},
	}
	p := testPlanner(t, chain)

	bundle, err := p.Plan(t.Context(), testOpportunity(t), decimal.NewFromInt(2000))
	require.NoError(t, err)

	hash, err := p.Submit(t.Context(), bundle)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Len(t, chain.sent, 1)
}

func TestSubmitExhaustsRetries(t *testing.T) {
	before := new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18))
	after := new(big.Int).Add(before, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)))
	chain := &fakeChain{
		baseFee:     gwei(1),
		balances:    []*big.Int{before, after},
		gasEstimate: 350_000,
		l1Fee:       big.NewInt(1e14),
		sendErrs: []error{
			errors.New("down"), errors.New("down"),
			errors.New("down"), errors.New("down"),
		},
	}
	p := testPlanner(t, chain)

	bundle, err := p.Plan(t.Context(), testOpportunity(t), decimal.NewFromInt(2000))
	require.NoError(t, err)

	_, err = p.Submit(t.Context(), bundle)
	assert.ErrorIs(t, err, talon.ErrRPC)
}

func TestSelectPathPrefersHistory(t *testing.T) {
	p := testPlanner(t, &fakeChain{})

	// private_rpc has perfect history; mempool has poor history.
	p.adapters[talon.PathPrivateRPC].submissionCount = 10
	p.adapters[talon.PathPrivateRPC].successCount = 10
	p.adapters[talon.PathMempool].submissionCount = 10
	p.adapters[talon.PathMempool].successCount = 3

	path := p.selectPath(decimal.NewFromInt(100), decimal.NewFromInt(15))
	assert.Equal(t, talon.PathPrivateRPC, path)
}

func TestSelectPathBribeReducesBuilderEV(t *testing.T) {
	p := testPlanner(t, &fakeChain{})

	p.adapters[talon.PathBuilder].submissionCount = 10
	p.adapters[talon.PathBuilder].successCount = 10
	p.adapters[talon.PathMempool].submissionCount = 10
	p.adapters[talon.PathMempool].successCount = 9

	// builder EV = 100 − 15 = 85; mempool EV = 90.
	path := p.selectPath(decimal.NewFromInt(100), decimal.NewFromInt(15))
	assert.Equal(t, talon.PathMempool, path)

	// With a tiny bribe the builder's perfect record wins.
	path = p.selectPath(decimal.NewFromInt(100), decimal.NewFromInt(1))
	assert.Equal(t, talon.PathBuilder, path)
}

// Scenario: 40/100 inclusion raises the bribe by 5; a following 95/100
// window lowers it by 2.
func TestBribeLadder(t *testing.T) {
	p := testPlanner(t, &fakeChain{})

	window := func(included, total int, tag byte) []talon.ExecutionRecord {
		records := make([]talon.ExecutionRecord, total)
		for i := range records {
			h := common.Hash{tag, byte(i)}
			records[i] = talon.ExecutionRecord{
				Timestamp: time.Unix(int64(1_700_000_000+i), 0),
				TxHash:    &h,
				Included:  i < included,
			}
		}
		return records
	}

	p.UpdateBribeModel(window(40, 100, 1))
	assert.True(t, p.BribePct().Equal(decimal.NewFromInt(20)), "got %s", p.BribePct())

	p.UpdateBribeModel(window(95, 100, 2))
	assert.True(t, p.BribePct().Equal(decimal.NewFromInt(18)), "got %s", p.BribePct())
}

func TestBribeLadderIdempotentPerWindow(t *testing.T) {
	p := testPlanner(t, &fakeChain{})

	records := make([]talon.ExecutionRecord, 100)
	for i := range records {
		h := common.Hash{9, byte(i)}
		records[i] = talon.ExecutionRecord{
			Timestamp: time.Unix(int64(1_700_000_000+i), 0),
			TxHash:    &h,
			Included:  i < 40,
		}
	}

	p.UpdateBribeModel(records)
	first := p.BribePct()
	p.UpdateBribeModel(records)
	assert.True(t, p.BribePct().Equal(first), "same window applied twice must not move the bribe again")
}

func TestBribeLadderCapAndFloor(t *testing.T) {
	p := testPlanner(t, &fakeChain{})

	lowWindow := func(tag byte) []talon.ExecutionRecord {
		records := make([]talon.ExecutionRecord, 100)
		for i := range records {
			h := common.Hash{tag, byte(i)}
			records[i] = talon.ExecutionRecord{TxHash: &h, Included: i < 10}
		}
		return records
	}

	for tag := byte(0); tag < 10; tag++ {
		p.UpdateBribeModel(lowWindow(tag))
	}
	assert.True(t, p.BribePct().Equal(decimal.NewFromInt(40)), "capped at max: %s", p.BribePct())

	highWindow := func(tag byte) []talon.ExecutionRecord {
		records := make([]talon.ExecutionRecord, 100)
		for i := range records {
			h := common.Hash{tag, byte(i), 1}
			records[i] = talon.ExecutionRecord{TxHash: &h, Included: i < 95}
		}
		return records
	}

	for tag := byte(0); tag < 30; tag++ {
		p.UpdateBribeModel(highWindow(tag))
	}
	assert.True(t, p.BribePct().Equal(decimal.NewFromInt(15)), "floored at baseline: %s", p.BribePct())
}

func TestBribeLadderNeedsFullWindow(t *testing.T) {
	p := testPlanner(t, &fakeChain{})
	p.UpdateBribeModel(make([]talon.ExecutionRecord, 99))
	assert.True(t, p.BribePct().Equal(decimal.NewFromInt(15)))
}
