package talon

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	user = common.HexToAddress("0x1111111111111111111111111111111111111111")
	weth = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
)

func validPosition(t *testing.T) *Position {
	t.Helper()
	pos, err := NewPosition("seamless", user, weth, usdc,
		big.NewInt(1e18), big.NewInt(4e17),
		decimal.RequireFromString("0.80"), 100)
	require.NoError(t, err)
	return pos
}

func TestNewPositionValidation(t *testing.T) {
	threshold := decimal.RequireFromString("0.80")

	_, err := NewPosition("", user, weth, usdc, big.NewInt(1), big.NewInt(1), threshold, 1)
	assert.ErrorIs(t, err, ErrConfiguration, "empty protocol")

	_, err = NewPosition("seamless", common.Address{}, weth, usdc, big.NewInt(1), big.NewInt(1), threshold, 1)
	assert.ErrorIs(t, err, ErrConfiguration, "zero user")

	_, err = NewPosition("seamless", user, weth, usdc, big.NewInt(-1), big.NewInt(1), threshold, 1)
	assert.ErrorIs(t, err, ErrConfiguration, "negative collateral")

	_, err = NewPosition("seamless", user, weth, usdc, big.NewInt(1), nil, threshold, 1)
	assert.ErrorIs(t, err, ErrConfiguration, "nil debt")

	_, err = NewPosition("seamless", user, weth, usdc, big.NewInt(1), big.NewInt(1),
		decimal.RequireFromString("1.5"), 1)
	assert.ErrorIs(t, err, ErrConfiguration, "threshold above one")
}

func TestPositionJSONRoundTrip(t *testing.T) {
	pos := validPosition(t)
	pos.BlocksUnhealthy = 3

	raw, err := json.Marshal(pos)
	require.NoError(t, err)

	var back Position
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, pos.Protocol, back.Protocol)
	assert.Equal(t, pos.User, back.User)
	assert.Equal(t, pos.CollateralAmount, back.CollateralAmount)
	assert.Equal(t, pos.DebtAmount, back.DebtAmount)
	assert.True(t, pos.LiquidationThreshold.Equal(back.LiquidationThreshold))
	assert.Equal(t, pos.LastUpdateBlock, back.LastUpdateBlock)
	assert.Equal(t, pos.BlocksUnhealthy, back.BlocksUnhealthy)

	// Idempotence: a second round trip produces identical bytes.
	raw2, err := json.Marshal(&back)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(raw2))
}

func TestNewPositionCopiesAmounts(t *testing.T) {
	collateral := big.NewInt(1e18)
	pos, err := NewPosition("seamless", user, weth, usdc,
		collateral, big.NewInt(1), decimal.RequireFromString("0.80"), 1)
	require.NoError(t, err)

	collateral.SetInt64(7)
	assert.Equal(t, big.NewInt(1e18), pos.CollateralAmount, "constructor takes a defensive copy")
}

func TestNewOpportunityBounds(t *testing.T) {
	pos := validPosition(t)
	prices := decimal.NewFromInt(1)

	_, err := NewOpportunity(*pos, decimal.NewFromInt(1), prices, prices,
		prices, prices, prices, 1, time.Now())
	assert.ErrorIs(t, err, ErrSafety, "health factor of exactly 1 is not an opportunity")

	_, err = NewOpportunity(*pos, decimal.Zero, prices, prices,
		prices, prices, prices, 1, time.Now())
	assert.ErrorIs(t, err, ErrSafety, "zero health factor")

	opp, err := NewOpportunity(*pos, decimal.RequireFromString("0.999999"), prices, prices,
		prices, prices, prices, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, opp.HealthFactor.LessThan(decimal.NewFromInt(1)))
	assert.True(t, opp.HealthFactor.Sign() > 0)
}

func validCosts() CostBreakdown {
	return CostBreakdown{
		SimulatedProfitUSD: decimal.NewFromInt(100),
		L2CostUSD:          decimal.NewFromInt(2),
		L1CostUSD:          decimal.NewFromInt(1),
		BribeUSD:           decimal.NewFromInt(15),
		FlashLoanCostUSD:   decimal.NewFromInt(1),
		SlippageCostUSD:    decimal.NewFromInt(20),
		TotalCostUSD:       decimal.NewFromInt(39),
		NetProfitUSD:       decimal.NewFromInt(61),
	}
}

func validBundleParts(t *testing.T) (Opportunity, Transaction) {
	t.Helper()
	pos := validPosition(t)
	opp, err := NewOpportunity(*pos, decimal.RequireFromString("0.8"),
		decimal.NewFromInt(2000), decimal.NewFromInt(1),
		decimal.RequireFromString("0.05"),
		decimal.NewFromInt(160), decimal.NewFromInt(90),
		100, time.Now())
	require.NoError(t, err)
	tx := Transaction{
		Value: big.NewInt(0), MaxFeePerGas: big.NewInt(4e9), MaxPriorityFeePerGas: big.NewInt(2e9),
	}
	return *opp, tx
}

func TestNewBundleIdentity(t *testing.T) {
	opp, tx := validBundleParts(t)

	b, err := NewBundle(opp, tx, "key", big.NewInt(1e18), 350_000, validCosts(), PathMempool)
	require.NoError(t, err)
	assert.True(t, b.Costs.NetProfitUSD.Equal(
		b.Costs.SimulatedProfitUSD.Sub(b.Costs.TotalCostUSD)))
}

func TestNewBundleRejectsBrokenDecomposition(t *testing.T) {
	opp, tx := validBundleParts(t)

	costs := validCosts()
	costs.TotalCostUSD = decimal.NewFromInt(40) // components still sum to 39
	_, err := NewBundle(opp, tx, "key", big.NewInt(1e18), 350_000, costs, PathMempool)
	assert.ErrorIs(t, err, ErrSafety)

	costs = validCosts()
	costs.NetProfitUSD = decimal.NewFromInt(60)
	_, err = NewBundle(opp, tx, "key", big.NewInt(1e18), 350_000, costs, PathMempool)
	assert.ErrorIs(t, err, ErrSafety)
}

func TestNewBundleRejectsNonPositiveNet(t *testing.T) {
	opp, tx := validBundleParts(t)

	costs := validCosts()
	costs.SimulatedProfitUSD = decimal.NewFromInt(39)
	costs.NetProfitUSD = decimal.Zero
	_, err := NewBundle(opp, tx, "key", big.NewInt(1e18), 350_000, costs, PathMempool)
	assert.ErrorIs(t, err, ErrSafety)

	_, err = NewBundle(opp, tx, "key", big.NewInt(0), 350_000, validCosts(), PathMempool)
	assert.ErrorIs(t, err, ErrSimulation, "non-positive simulated profit")
}

func TestExecutionRecordJSONRoundTrip(t *testing.T) {
	h := common.HexToHash("0xabc123")
	sim := decimal.RequireFromString("104.5")
	inclusion := uint64(1012)
	rec := ExecutionRecord{
		Timestamp:          time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		BlockNumber:        1000,
		Protocol:           "seamless",
		Borrower:           user,
		CollateralAsset:    weth,
		DebtAsset:          usdc,
		HealthFactor:       decimal.RequireFromString("0.83"),
		SimulationSuccess:  true,
		SimulatedProfitWei: big.NewInt(1e15),
		SimulatedProfitUSD: &sim,
		BundleSubmitted:    true,
		TxHash:             &h,
		SubmissionPath:     PathBuilder,
		IdempotencyKey:     "11111111-2222-3333-4444-555555555555",
		Status:             StatusIncluded,
		Included:           true,
		InclusionBlock:     &inclusion,
		OperatorAddress:    user,
		StateAtExecution:   StateNormal,
	}

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var back ExecutionRecord
	require.NoError(t, json.Unmarshal(raw, &back))

	raw2, err := json.Marshal(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(raw2))
	assert.Equal(t, rec.Status, back.Status)
	assert.Equal(t, *rec.TxHash, *back.TxHash)
	assert.Equal(t, rec.SimulatedProfitWei, back.SimulatedProfitWei)
}

func TestSystemStateString(t *testing.T) {
	assert.Equal(t, "NORMAL", StateNormal.String())
	assert.Equal(t, "THROTTLED", StateThrottled.String())
	assert.Equal(t, "HALTED", StateHalted.String())
}
