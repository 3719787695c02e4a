package audit

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"talon"
)

// ExecutionRow is the gorm model for ExecutionRecord. Raw token
// amounts are stored as varchar(78) strings so 256-bit values survive
// the round trip.
type ExecutionRow struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp          time.Time `gorm:"index:idx_executions_ts_status,priority:1;not null"`
	Status             string    `gorm:"index:idx_executions_ts_status,priority:2;type:varchar(16);not null"`
	BlockNumber        uint64    `gorm:"index:idx_executions_block_included,priority:1"`
	Protocol           string    `gorm:"index:idx_executions_protocol_included,priority:1;type:varchar(32);not null"`
	Included           bool      `gorm:"index:idx_executions_protocol_included,priority:2;index:idx_executions_block_included,priority:2"`
	Borrower           string    `gorm:"type:varchar(42);not null"`
	CollateralAsset    string    `gorm:"type:varchar(42)"`
	DebtAsset          string    `gorm:"type:varchar(42)"`
	HealthFactor       string    `gorm:"type:varchar(40)"`
	SimulationSuccess  bool
	SimulatedProfitWei string `gorm:"type:varchar(78)"`
	SimulatedProfitUSD string `gorm:"type:varchar(40)"`
	BundleSubmitted    bool
	TxHash             string `gorm:"type:varchar(66)"`
	SubmissionPath     string `gorm:"type:varchar(16)"`
	BribeWei           string `gorm:"type:varchar(78)"`
	IdempotencyKey     string `gorm:"type:varchar(36);index"`
	InclusionBlock     *uint64
	ActualProfitWei    string `gorm:"type:varchar(78)"`
	ActualProfitUSD    string `gorm:"type:varchar(40)"`
	OperatorAddress    string `gorm:"type:varchar(42)"`
	StateAtExecution   string `gorm:"type:varchar(12)"`
	RejectionReason    string `gorm:"type:text"`
	ErrorMessage       string `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
}

func (ExecutionRow) TableName() string { return "executions" }

// DivergenceRow is the gorm model for StateDivergence.
type DivergenceRow struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp      time.Time `gorm:"index;not null"`
	BlockNumber    uint64    `gorm:"index"`
	Protocol       string    `gorm:"type:varchar(32);not null"`
	User           string    `gorm:"type:varchar(42);not null"`
	Field          string    `gorm:"type:varchar(32);not null"`
	CachedValue    string    `gorm:"type:varchar(78);not null"`
	CanonicalValue string    `gorm:"type:varchar(78);not null"`
	DivergenceBps  uint64    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (DivergenceRow) TableName() string { return "state_divergences" }

// MetricsRow is the gorm model for PerformanceMetrics snapshots.
type MetricsRow struct {
	ID                   uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp            time.Time `gorm:"index;not null"`
	WindowSize           int
	TotalSubmissions     int
	SuccessfulInclusions int
	InclusionRate        string `gorm:"type:varchar(20)"`
	TotalExecutions      int
	SimulationAccuracy   string `gorm:"type:varchar(20)"`
	TotalProfitUSD       string `gorm:"type:varchar(40)"`
	AverageProfitUSD     string `gorm:"type:varchar(40)"`
	ConsecutiveFailures  int
	CreatedAt            time.Time `gorm:"autoCreateTime"`
}

func (MetricsRow) TableName() string { return "performance_metrics" }

// SystemEventRow is the gorm model for SystemEvent.
type SystemEventRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"type:varchar(36);uniqueIndex"`
	Timestamp time.Time `gorm:"index;not null"`
	EventType string    `gorm:"type:varchar(32);not null"`
	Severity  string    `gorm:"type:varchar(12);not null"`
	Message   string    `gorm:"type:text"`
	Context   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (SystemEventRow) TableName() string { return "system_events" }

func bigIntToString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func decimalPtrToString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func executionRowFrom(r talon.ExecutionRecord) *ExecutionRow {
	row := &ExecutionRow{
		Timestamp:          r.Timestamp.UTC(),
		Status:             string(r.Status),
		BlockNumber:        r.BlockNumber,
		Protocol:           r.Protocol,
		Included:           r.Included,
		Borrower:           r.Borrower.Hex(),
		CollateralAsset:    r.CollateralAsset.Hex(),
		DebtAsset:          r.DebtAsset.Hex(),
		HealthFactor:       r.HealthFactor.String(),
		SimulationSuccess:  r.SimulationSuccess,
		SimulatedProfitWei: bigIntToString(r.SimulatedProfitWei),
		SimulatedProfitUSD: decimalPtrToString(r.SimulatedProfitUSD),
		BundleSubmitted:    r.BundleSubmitted,
		SubmissionPath:     string(r.SubmissionPath),
		BribeWei:           bigIntToString(r.BribeWei),
		IdempotencyKey:     r.IdempotencyKey,
		InclusionBlock:     r.InclusionBlock,
		ActualProfitWei:    bigIntToString(r.ActualProfitWei),
		ActualProfitUSD:    decimalPtrToString(r.ActualProfitUSD),
		OperatorAddress:    r.OperatorAddress.Hex(),
		StateAtExecution:   r.StateAtExecution.String(),
		RejectionReason:    r.RejectionReason,
		ErrorMessage:       r.ErrorMessage,
	}
	if r.TxHash != nil {
		row.TxHash = r.TxHash.Hex()
	}
	return row
}

// ToRecord converts a row back to the domain type.
func (row *ExecutionRow) ToRecord() (talon.ExecutionRecord, error) {
	rec := talon.ExecutionRecord{
		Timestamp:         row.Timestamp,
		BlockNumber:       row.BlockNumber,
		Protocol:          row.Protocol,
		Borrower:          common.HexToAddress(row.Borrower),
		CollateralAsset:   common.HexToAddress(row.CollateralAsset),
		DebtAsset:         common.HexToAddress(row.DebtAsset),
		SimulationSuccess: row.SimulationSuccess,
		BundleSubmitted:   row.BundleSubmitted,
		SubmissionPath:    talon.SubmissionPath(row.SubmissionPath),
		IdempotencyKey:    row.IdempotencyKey,
		Status:            talon.ExecutionStatus(row.Status),
		Included:          row.Included,
		InclusionBlock:    row.InclusionBlock,
		OperatorAddress:   common.HexToAddress(row.OperatorAddress),
		RejectionReason:   row.RejectionReason,
		ErrorMessage:      row.ErrorMessage,
	}

	if row.HealthFactor != "" {
		hf, err := decimal.NewFromString(row.HealthFactor)
		if err != nil {
			return rec, fmt.Errorf("bad health factor %q: %w", row.HealthFactor, err)
		}
		rec.HealthFactor = hf
	}
	if row.TxHash != "" {
		h := common.HexToHash(row.TxHash)
		rec.TxHash = &h
	}
	var ok bool
	if row.SimulatedProfitWei != "" {
		if rec.SimulatedProfitWei, ok = new(big.Int).SetString(row.SimulatedProfitWei, 10); !ok {
			return rec, fmt.Errorf("bad simulated profit wei %q", row.SimulatedProfitWei)
		}
	}
	if row.BribeWei != "" {
		if rec.BribeWei, ok = new(big.Int).SetString(row.BribeWei, 10); !ok {
			return rec, fmt.Errorf("bad bribe wei %q", row.BribeWei)
		}
	}
	if row.ActualProfitWei != "" {
		if rec.ActualProfitWei, ok = new(big.Int).SetString(row.ActualProfitWei, 10); !ok {
			return rec, fmt.Errorf("bad actual profit wei %q", row.ActualProfitWei)
		}
	}
	if row.SimulatedProfitUSD != "" {
		d, err := decimal.NewFromString(row.SimulatedProfitUSD)
		if err != nil {
			return rec, fmt.Errorf("bad simulated profit usd %q: %w", row.SimulatedProfitUSD, err)
		}
		rec.SimulatedProfitUSD = &d
	}
	if row.ActualProfitUSD != "" {
		d, err := decimal.NewFromString(row.ActualProfitUSD)
		if err != nil {
			return rec, fmt.Errorf("bad actual profit usd %q: %w", row.ActualProfitUSD, err)
		}
		rec.ActualProfitUSD = &d
	}
	switch row.StateAtExecution {
	case "THROTTLED":
		rec.StateAtExecution = talon.StateThrottled
	case "HALTED":
		rec.StateAtExecution = talon.StateHalted
	default:
		rec.StateAtExecution = talon.StateNormal
	}
	return rec, nil
}

func divergenceRowFrom(d talon.StateDivergence) *DivergenceRow {
	return &DivergenceRow{
		Timestamp:      d.Timestamp.UTC(),
		BlockNumber:    d.BlockNumber,
		Protocol:       d.Protocol,
		User:           d.User.Hex(),
		Field:          d.Field,
		CachedValue:    bigIntToString(d.CachedValue),
		CanonicalValue: bigIntToString(d.CanonicalValue),
		DivergenceBps:  d.DivergenceBps,
	}
}

func metricsRowFrom(m talon.PerformanceMetrics) *MetricsRow {
	return &MetricsRow{
		Timestamp:            m.Timestamp.UTC(),
		WindowSize:           m.WindowSize,
		TotalSubmissions:     m.TotalSubmissions,
		SuccessfulInclusions: m.SuccessfulInclusions,
		InclusionRate:        m.InclusionRate.String(),
		TotalExecutions:      m.TotalExecutions,
		SimulationAccuracy:   m.SimulationAccuracy.String(),
		TotalProfitUSD:       m.TotalProfitUSD.String(),
		AverageProfitUSD:     m.AverageProfitUSD.String(),
		ConsecutiveFailures:  m.ConsecutiveFailures,
	}
}

func systemEventRowFrom(e talon.SystemEvent) *SystemEventRow {
	contextJSON := ""
	if e.Context != nil {
		if raw, err := json.Marshal(e.Context); err == nil {
			contextJSON = string(raw)
		}
	}
	return &SystemEventRow{
		EventID:   e.ID,
		Timestamp: e.Timestamp.UTC(),
		EventType: e.EventType,
		Severity:  e.Severity,
		Message:   e.Message,
		Context:   contextJSON,
	}
}
