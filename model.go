package talon

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// SystemState is the three-state operating mode gating all outbound
// activity. Exported as 0/1/2 on the metrics endpoint.
type SystemState int

const (
	StateNormal SystemState = iota
	StateThrottled
	StateHalted
)

func (s SystemState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateThrottled:
		return "THROTTLED"
	case StateHalted:
		return "HALTED"
	}
	return fmt.Sprintf("SystemState(%d)", int(s))
}

// ExecutionStatus is the lifecycle status of an audit row.
type ExecutionStatus string

const (
	StatusRejected ExecutionStatus = "REJECTED"
	StatusPending  ExecutionStatus = "PENDING"
	StatusIncluded ExecutionStatus = "INCLUDED"
	StatusFailed   ExecutionStatus = "FAILED"
	StatusReverted ExecutionStatus = "REVERTED"
)

// SubmissionPath identifies one of the three submission adapters.
type SubmissionPath string

const (
	PathMempool    SubmissionPath = "mempool"
	PathBuilder    SubmissionPath = "builder"
	PathPrivateRPC SubmissionPath = "private_rpc"
)

// SubmissionPaths in EV tie-break order.
var SubmissionPaths = []SubmissionPath{PathMempool, PathBuilder, PathPrivateRPC}

// Position is one borrower's obligation inside one market, keyed by
// (protocol, user). The position cache exclusively owns these records.
type Position struct {
	Protocol             string          `json:"protocol"`
	User                 common.Address  `json:"user"`
	CollateralAsset      common.Address  `json:"collateral_asset"`
	CollateralAmount     *big.Int        `json:"collateral_amount"`
	DebtAsset            common.Address  `json:"debt_asset"`
	DebtAmount           *big.Int        `json:"debt_amount"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold"`
	LastUpdateBlock      uint64          `json:"last_update_block"`
	BlocksUnhealthy      int             `json:"blocks_unhealthy"`
}

// NewPosition validates and constructs a Position. Invalid values are
// unrepresentable after construction.
func NewPosition(
	protocol string,
	user, collateralAsset, debtAsset common.Address,
	collateralAmount, debtAmount *big.Int,
	liquidationThreshold decimal.Decimal,
	block uint64,
) (*Position, error) {
	if protocol == "" {
		return nil, fmt.Errorf("%w: empty protocol", ErrConfiguration)
	}
	if user == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero user address", ErrConfiguration)
	}
	if collateralAmount == nil || collateralAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative or nil collateral amount", ErrConfiguration)
	}
	if debtAmount == nil || debtAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative or nil debt amount", ErrConfiguration)
	}
	if liquidationThreshold.IsNegative() || liquidationThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: liquidation threshold %s outside [0,1]", ErrConfiguration, liquidationThreshold)
	}
	return &Position{
		Protocol:             protocol,
		User:                 user,
		CollateralAsset:      collateralAsset,
		CollateralAmount:     new(big.Int).Set(collateralAmount),
		DebtAsset:            debtAsset,
		DebtAmount:           new(big.Int).Set(debtAmount),
		LiquidationThreshold: liquidationThreshold,
		LastUpdateBlock:      block,
	}, nil
}

// Key returns the cache key identity of the position.
func (p *Position) Key() string {
	return p.Protocol + ":" + p.User.Hex()
}

// Opportunity is a validated liquidatable position. Immutable value;
// HealthFactor < 1 is a construction invariant.
type Opportunity struct {
	Position           Position        `json:"position"`
	HealthFactor       decimal.Decimal `json:"health_factor"`
	CollateralPriceUSD decimal.Decimal `json:"collateral_price_usd"`
	DebtPriceUSD       decimal.Decimal `json:"debt_price_usd"`
	LiquidationBonus   decimal.Decimal `json:"liquidation_bonus"`
	EstimatedGrossUSD  decimal.Decimal `json:"estimated_gross_profit_usd"`
	EstimatedNetUSD    decimal.Decimal `json:"estimated_net_profit_usd"`
	DetectedAtBlock    uint64          `json:"detected_at_block"`
	DetectedAt         time.Time       `json:"detected_at"`
}

// NewOpportunity enforces 0 < healthFactor < 1.
func NewOpportunity(
	pos Position,
	healthFactor, collateralPrice, debtPrice, bonus, gross, net decimal.Decimal,
	block uint64,
	at time.Time,
) (*Opportunity, error) {
	one := decimal.NewFromInt(1)
	if healthFactor.Sign() <= 0 || healthFactor.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: health factor %s not in (0,1)", ErrSafety, healthFactor)
	}
	return &Opportunity{
		Position:           pos,
		HealthFactor:       healthFactor,
		CollateralPriceUSD: collateralPrice,
		DebtPriceUSD:       debtPrice,
		LiquidationBonus:   bonus,
		EstimatedGrossUSD:  gross,
		EstimatedNetUSD:    net,
		DetectedAtBlock:    block,
		DetectedAt:         at.UTC(),
	}, nil
}

// Transaction is a typed EIP-1559 envelope targeting the executor
// contract. Value is carried separately from the signed form so the
// planner can rebuild the calldata for L1 fee quotes.
type Transaction struct {
	To                   common.Address `json:"to"`
	Data                 []byte         `json:"data"`
	Value                *big.Int       `json:"value"`
	GasLimit             uint64         `json:"gas_limit"`
	MaxFeePerGas         *big.Int       `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *big.Int       `json:"max_priority_fee_per_gas"`
	Nonce                uint64         `json:"nonce"`
	ChainID              uint64         `json:"chain_id"`
}

// CostBreakdown is the full USD cost decomposition of a bundle.
type CostBreakdown struct {
	SimulatedProfitUSD decimal.Decimal `json:"simulated_profit_usd"`
	L2CostUSD          decimal.Decimal `json:"l2_gas_cost_usd"`
	L1CostUSD          decimal.Decimal `json:"l1_data_cost_usd"`
	BribeUSD           decimal.Decimal `json:"bribe_usd"`
	FlashLoanCostUSD   decimal.Decimal `json:"flash_loan_cost_usd"`
	SlippageCostUSD    decimal.Decimal `json:"slippage_cost_usd"`
	TotalCostUSD       decimal.Decimal `json:"total_cost_usd"`
	NetProfitUSD       decimal.Decimal `json:"net_profit_usd"`
}

// Bundle is an (Opportunity, Transaction) pair with its simulation
// result and cost decomposition. NetProfitUSD > 0 is a construction
// invariant, as is the decomposition identity
// net = simulated − (l2 + l1 + bribe + flash + slippage).
type Bundle struct {
	Opportunity        Opportunity    `json:"opportunity"`
	Tx                 Transaction    `json:"transaction"`
	IdempotencyKey     string         `json:"idempotency_key"`
	SimulatedProfitWei *big.Int       `json:"simulated_profit_wei"`
	GasEstimate        uint64         `json:"gas_estimate"`
	Costs              CostBreakdown  `json:"costs"`
	Path               SubmissionPath `json:"submission_path"`
}

// NewBundle validates the cost identity and positivity of net profit.
func NewBundle(
	opp Opportunity,
	tx Transaction,
	idempotencyKey string,
	simulatedProfitWei *big.Int,
	gasEstimate uint64,
	costs CostBreakdown,
	path SubmissionPath,
) (*Bundle, error) {
	if simulatedProfitWei == nil || simulatedProfitWei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive simulated profit", ErrSimulation)
	}
	total := costs.L2CostUSD.Add(costs.L1CostUSD).Add(costs.BribeUSD).
		Add(costs.FlashLoanCostUSD).Add(costs.SlippageCostUSD)
	if !total.Equal(costs.TotalCostUSD) {
		return nil, fmt.Errorf("%w: cost total %s does not match components %s", ErrSafety, costs.TotalCostUSD, total)
	}
	if !costs.NetProfitUSD.Equal(costs.SimulatedProfitUSD.Sub(total)) {
		return nil, fmt.Errorf("%w: net profit %s does not match decomposition", ErrSafety, costs.NetProfitUSD)
	}
	if costs.NetProfitUSD.Sign() <= 0 {
		return nil, fmt.Errorf("%w: net profit %s not positive", ErrSafety, costs.NetProfitUSD)
	}
	return &Bundle{
		Opportunity:        opp,
		Tx:                 tx,
		IdempotencyKey:     idempotencyKey,
		SimulatedProfitWei: new(big.Int).Set(simulatedProfitWei),
		GasEstimate:        gasEstimate,
		Costs:              costs,
		Path:               path,
	}, nil
}

// ExecutionRecord is the immutable audit row written for every
// decision worth logging.
type ExecutionRecord struct {
	Timestamp          time.Time        `json:"timestamp"`
	BlockNumber        uint64           `json:"block_number"`
	Protocol           string           `json:"protocol"`
	Borrower           common.Address   `json:"borrower"`
	CollateralAsset    common.Address   `json:"collateral_asset"`
	DebtAsset          common.Address   `json:"debt_asset"`
	HealthFactor       decimal.Decimal  `json:"health_factor"`
	SimulationSuccess  bool             `json:"simulation_success"`
	SimulatedProfitWei *big.Int         `json:"simulated_profit_wei,omitempty"`
	SimulatedProfitUSD *decimal.Decimal `json:"simulated_profit_usd,omitempty"`
	BundleSubmitted    bool             `json:"bundle_submitted"`
	TxHash             *common.Hash     `json:"tx_hash,omitempty"`
	SubmissionPath     SubmissionPath   `json:"submission_path,omitempty"`
	BribeWei           *big.Int         `json:"bribe_wei,omitempty"`
	IdempotencyKey     string           `json:"idempotency_key,omitempty"`
	Status             ExecutionStatus  `json:"status"`
	Included           bool             `json:"included"`
	InclusionBlock     *uint64          `json:"inclusion_block,omitempty"`
	ActualProfitWei    *big.Int         `json:"actual_profit_wei,omitempty"`
	ActualProfitUSD    *decimal.Decimal `json:"actual_profit_usd,omitempty"`
	OperatorAddress    common.Address   `json:"operator_address"`
	StateAtExecution   SystemState      `json:"state_at_execution"`
	RejectionReason    string           `json:"rejection_reason,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
}

// StateDivergence is a cached-vs-canonical mismatch found during
// reconciliation.
type StateDivergence struct {
	Timestamp      time.Time      `json:"timestamp"`
	BlockNumber    uint64         `json:"block_number"`
	Protocol       string         `json:"protocol"`
	User           common.Address `json:"user"`
	Field          string         `json:"field"`
	CachedValue    *big.Int       `json:"cached_value"`
	CanonicalValue *big.Int       `json:"canonical_value"`
	DivergenceBps  uint64         `json:"divergence_bps"`
}

// PerformanceMetrics is the rolling view over the last 100 submissions.
type PerformanceMetrics struct {
	Timestamp            time.Time       `json:"timestamp"`
	WindowSize           int             `json:"window_size"`
	TotalSubmissions     int             `json:"total_submissions"`
	SuccessfulInclusions int             `json:"successful_inclusions"`
	InclusionRate        decimal.Decimal `json:"inclusion_rate"`
	TotalExecutions      int             `json:"total_executions"`
	SimulationAccuracy   decimal.Decimal `json:"simulation_accuracy"`
	TotalProfitUSD       decimal.Decimal `json:"total_profit_usd"`
	AverageProfitUSD     decimal.Decimal `json:"average_profit_usd"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
}

// SystemEvent is a high-severity operational event (state transition,
// limit violation, manual resume).
type SystemEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}
