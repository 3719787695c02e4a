package planner

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"talon"
)

var (
	hundred   = decimal.NewFromInt(100)
	weiPerEth = decimal.New(1, 18)

	// Fallback when the L1 gas oracle is unreachable.
	l1FallbackUSDPerByte = decimal.RequireFromString("0.001")
)

// CostInputs are the complete inputs of the cost model. The model is a
// pure function of these values: no clock, no randomness.
type CostInputs struct {
	SimulatedProfitWei *big.Int
	DebtDecimals       int32
	DebtPriceUSD       decimal.Decimal
	CollateralValueUSD decimal.Decimal
	DebtValueUSD       decimal.Decimal

	GasEstimate    uint64
	BaseFeeWei     *big.Int
	PriorityFeeWei *big.Int

	// L1FeeWei is the oracle quote; nil means the oracle call failed
	// and the per-byte fallback applies.
	L1FeeWei      *big.Int
	CalldataBytes int

	EthUSD decimal.Decimal

	BribePct        decimal.Decimal
	MaxBribePct     decimal.Decimal
	FlashPremiumPct decimal.Decimal
	MaxSlippagePct  decimal.Decimal
}

// ComputeCosts produces the full L2+L1 cost decomposition. An error
// means the bundle must be dropped (bribe above its cap).
func ComputeCosts(in CostInputs) (talon.CostBreakdown, error) {
	simulatedUSD := decimal.NewFromBigInt(in.SimulatedProfitWei, -in.DebtDecimals).Mul(in.DebtPriceUSD)

	// L2 execution: gas × (base fee + priority fee), converted via ETH/USD.
	gasPrice := new(big.Int).Add(in.BaseFeeWei, in.PriorityFeeWei)
	l2Wei := new(big.Int).Mul(new(big.Int).SetUint64(in.GasEstimate), gasPrice)
	l2USD := decimal.NewFromBigInt(l2Wei, 0).Div(weiPerEth).Mul(in.EthUSD)

	// L1 data posting.
	var l1USD decimal.Decimal
	if in.L1FeeWei != nil {
		l1USD = decimal.NewFromBigInt(in.L1FeeWei, 0).Div(weiPerEth).Mul(in.EthUSD)
	} else {
		l1USD = decimal.NewFromInt(int64(in.CalldataBytes)).Mul(l1FallbackUSDPerByte)
	}

	bribeUSD := simulatedUSD.Mul(in.BribePct).Div(hundred)
	maxBribeUSD := simulatedUSD.Mul(in.MaxBribePct).Div(hundred)
	if bribeUSD.GreaterThan(maxBribeUSD) {
		return talon.CostBreakdown{}, fmt.Errorf("%w: bribe %s exceeds cap %s",
			talon.ErrSafety, bribeUSD, maxBribeUSD)
	}

	flashUSD := in.DebtValueUSD.Mul(in.FlashPremiumPct).Div(hundred)
	slippageUSD := in.CollateralValueUSD.Mul(in.MaxSlippagePct).Div(hundred)

	total := l2USD.Add(l1USD).Add(bribeUSD).Add(flashUSD).Add(slippageUSD)

	return talon.CostBreakdown{
		SimulatedProfitUSD: simulatedUSD,
		L2CostUSD:          l2USD,
		L1CostUSD:          l1USD,
		BribeUSD:           bribeUSD,
		FlashLoanCostUSD:   flashUSD,
		SlippageCostUSD:    slippageUSD,
		TotalCostUSD:       total,
		NetProfitUSD:       simulatedUSD.Sub(total),
	}, nil
}
