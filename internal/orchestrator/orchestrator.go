// Package orchestrator owns the long-lived tasks and the main event
// loop: block processing, position scanning, health monitoring, and
// metrics export. It is the only component that talks to every other
// one; none of them hold a pointer back.
package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"talon"
	"talon/internal/audit"
	"talon/internal/cache"
	"talon/internal/detector"
	"talon/internal/metricsrv"
	"talon/internal/safety"
	"talon/internal/stateengine"
	"talon/pkg/logging"
	"talon/pkg/wsfeed"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	healthTickInterval  = 5 * time.Second
	blockStallLimit     = 10 * time.Second
	backlogLimit        = 2
	backlogStrikeLimit  = 3
	loopErrorLimit      = 10
	receiptPollInterval = 2 * time.Second
	receiptWaitLimit    = 3 * time.Minute
	bribeWindowSize     = 100
)

// fallbackEthUSD is used when the ETH/USD feed cannot be read.
var fallbackEthUSD = decimal.NewFromInt(2000)

// HeaderFeed is the block-header source; satisfied by *wsfeed.Feed.
type HeaderFeed interface {
	Run()
	Stop()
	Headers() <-chan wsfeed.Header
	Fatal() <-chan error
	Backlog() int
	Healthy() bool
}

// ExecutionPlanner is the planner surface the orchestrator drives.
type ExecutionPlanner interface {
	Plan(ctx context.Context, opp *talon.Opportunity, ethUSD decimal.Decimal) (*talon.Bundle, error)
	Submit(ctx context.Context, bundle *talon.Bundle) (common.Hash, error)
	RecordOutcome(positionKey string, path talon.SubmissionPath, included bool)
	UpdateBribeModel(records []talon.ExecutionRecord)
	Operator() common.Address
}

// ChainOps is the subset of the RPC pool the orchestrator itself uses.
type ChainOps interface {
	Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// PriceSource resolves the ETH/USD price for cost accounting.
type PriceSource interface {
	Price(ctx context.Context, asset common.Address) (decimal.Decimal, bool)
}

// Components are the wired subsystems.
type Components struct {
	Feed     HeaderFeed
	Chain    ChainOps
	Cache    *cache.Store
	State    *stateengine.Engine
	Detector *detector.Detector
	Planner  ExecutionPlanner
	Safety   *safety.Controller
	Audit    *audit.Store
	Metrics  *metricsrv.Metrics
	Prices   PriceSource
	Log      *logging.Logger

	EthUsdAsset common.Address
}

// Options are the orchestrator's own knobs. The scan cadence lives on
// the detector; the orchestrator only owns the export interval.
type Options struct {
	DryRun                bool
	MetricsExportInterval time.Duration
}

// Orchestrator runs the engine.
type Orchestrator struct {
	c    Components
	opts Options
	log  *logging.Logger

	running atomic.Bool

	opportunities chan talon.Opportunity

	mu             sync.Mutex
	backlogStrikes int
	loopErrors     int
	submissions    int64

	dryRunSuccess     int64
	dryRunFailed      int64
	dryRunTheoretical decimal.Decimal

	wg sync.WaitGroup
}

// New assembles the orchestrator.
func New(c Components, opts Options) *Orchestrator {
	if opts.MetricsExportInterval == 0 {
		opts.MetricsExportInterval = 60 * time.Second
	}
	return &Orchestrator{
		c:                 c,
		opts:              opts,
		log:               c.Log,
		opportunities:     make(chan talon.Opportunity, 16),
		dryRunTheoretical: decimal.Zero,
	}
}

// Running reports liveness for the /health endpoint.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// ManualResume forwards an operator resume to the safety controller.
func (o *Orchestrator) ManualResume(operator, reason string) error {
	return o.c.Safety.ManualResume(operator, reason)
}

// Run starts every task and blocks until ctx is cancelled. The event
// loop itself never crashes; sustained error bursts flip the system to
// HALTED instead.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.running.Store(true)
	defer o.running.Store(false)

	go o.c.Feed.Run()

	o.wg.Add(4)
	go o.blockLoop(ctx)
	go o.scanLoop(ctx)
	go o.healthLoop(ctx)
	go o.metricsLoop(ctx)

	<-ctx.Done()

	o.c.Feed.Stop()
	o.wg.Wait()

	// Flush in-flight audit rows before reporting shutdown.
	o.c.Audit.Flush()
	o.log.Plain().Info("orchestrator_stopped")
	return nil
}

// blockLoop drains headers serially: step N+1 does not start until
// step N completes.
func (o *Orchestrator) blockLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-o.c.Feed.Fatal():
			o.log.Event(map[string]interface{}{"error": err.Error()}).Error("ws_feed_fatal")
			o.c.Safety.Halt("websocket endpoints exhausted")
		case header := <-o.c.Feed.Headers():
			started := time.Now()
			if err := o.c.State.ProcessBlock(ctx, header.Number, header.Time); err != nil {
				o.log.Event(map[string]interface{}{
					"block": header.Number, "error": err.Error(),
				}).Warn("block_processing_failed")
			}
			o.c.Metrics.BlockProcessingTime.Observe(time.Since(started).Seconds())
			o.c.Metrics.CurrentBlock.Set(float64(header.Number))
		}
	}
}

// scanLoop runs the detector and consumes its opportunities.
func (o *Orchestrator) scanLoop(ctx context.Context) {
	defer o.wg.Done()

	go o.c.Detector.Run(ctx, o.opportunities, o.skipTick)

	for {
		select {
		case <-ctx.Done():
			return
		case opp := <-o.opportunities:
			if err := o.handleOpportunity(ctx, &opp); err != nil {
				o.noteLoopError(err)
			} else {
				o.mu.Lock()
				o.loopErrors = 0
				o.mu.Unlock()
			}
		}
	}
}

// skipTick applies backpressure: a backlog above two pending blocks
// skips the scan tick, and three consecutive backlogged intervals halt
// the system.
func (o *Orchestrator) skipTick() bool {
	backlog := o.c.Feed.Backlog()
	o.mu.Lock()
	defer o.mu.Unlock()

	if backlog <= backlogLimit {
		o.backlogStrikes = 0
		return false
	}
	o.backlogStrikes++
	strikes := o.backlogStrikes
	o.log.Event(map[string]interface{}{"backlog": backlog, "strikes": strikes}).
		Warn("scan_backpressure")
	if strikes >= backlogStrikeLimit {
		o.c.Safety.Halt("block processing backlog persisted for 3 scan intervals")
	}
	return true
}

// noteLoopError counts consecutive event-loop failures; ten in a row
// halt the system and reset the tally.
func (o *Orchestrator) noteLoopError(err error) {
	o.mu.Lock()
	o.loopErrors++
	count := o.loopErrors
	if count >= loopErrorLimit {
		o.loopErrors = 0
	}
	o.mu.Unlock()

	o.log.Event(map[string]interface{}{
		"error": err.Error(), "consecutive": count,
	}).Error("event_loop_error")

	if count >= loopErrorLimit {
		o.c.Safety.Halt("event loop failed 10 consecutive times")
	}
}

// handleOpportunity is one pass of the hot path: gate, plan, validate,
// submit (or account in dry-run), then watch for the outcome.
func (o *Orchestrator) handleOpportunity(ctx context.Context, opp *talon.Opportunity) error {
	if !o.c.Safety.CanExecute() {
		o.log.Event(map[string]interface{}{
			"position": opp.Position.Key(),
			"state":    o.c.Safety.CurrentState().String(),
		}).Debug("execution_gated")
		return nil
	}

	ethUSD := o.ethUsdPrice(ctx)

	// A simulation that outlives its block is stale: cancel the plan
	// when the next header lands and requeue the opportunity.
	planCtx, cancelPlan := context.WithCancel(ctx)
	defer cancelPlan()
	startBlock := o.c.Cache.CurrentBlock()
	go o.cancelOnNewBlock(planCtx, cancelPlan, startBlock)

	bundle, err := o.c.Planner.Plan(planCtx, opp, ethUSD)
	if planCtx.Err() != nil && ctx.Err() == nil {
		o.requeue(*opp)
		return nil
	}
	if err != nil {
		o.recordPlanFailure(opp, err)
		if o.opts.DryRun && errors.Is(err, talon.ErrSimulation) {
			atomic.AddInt64(&o.dryRunFailed, 1)
		}
		// Planner drops are decisions, not loop errors.
		if errors.Is(err, talon.ErrSimulation) || errors.Is(err, talon.ErrSafety) {
			return nil
		}
		return err
	}

	if err := o.c.Safety.ValidateExecution(bundle); err != nil {
		o.recordRejection(bundle, err.Error())
		return nil
	}

	if o.opts.DryRun {
		atomic.AddInt64(&o.dryRunSuccess, 1)
		o.mu.Lock()
		o.dryRunTheoretical = o.dryRunTheoretical.Add(bundle.Costs.NetProfitUSD)
		theoretical := o.dryRunTheoretical
		o.mu.Unlock()

		o.log.Event(map[string]interface{}{
			"protocol":                 bundle.Opportunity.Position.Protocol,
			"borrower":                 bundle.Opportunity.Position.User.Hex(),
			"net_profit_usd":           bundle.Costs.NetProfitUSD.String(),
			"submission_path":          string(bundle.Path),
			"theoretical_profit_total": theoretical.String(),
		}).Info("dry_run_would_submit")
		return nil
	}

	txHash, err := o.c.Planner.Submit(ctx, bundle)
	if err != nil {
		o.recordRejection(bundle, err.Error())
		return nil
	}

	o.c.Metrics.BundlesSubmitted.Inc()
	o.recordSubmission(bundle, txHash)

	o.wg.Add(1)
	go o.watchOutcome(ctx, bundle, txHash)

	if n := atomic.AddInt64(&o.submissions, 1); n%bribeWindowSize == 0 {
		o.updateBribeAndTransitions()
	}
	return nil
}

// cancelOnNewBlock cancels an in-flight plan when the chain advances
// past the block it was planned against.
func (o *Orchestrator) cancelOnNewBlock(ctx context.Context, cancel context.CancelFunc, startBlock uint64) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.c.Cache.CurrentBlock() > startBlock {
				cancel()
				return
			}
		}
	}
}

// requeue puts a stale opportunity back for the next block's pass.
func (o *Orchestrator) requeue(opp talon.Opportunity) {
	select {
	case o.opportunities <- opp:
		o.log.Event(map[string]interface{}{"position": opp.Position.Key()}).
			Debug("opportunity_requeued")
	default:
		o.log.Event(map[string]interface{}{"position": opp.Position.Key()}).
			Warn("requeue_dropped_full_buffer")
	}
}

// ethUsdPrice reads the gas-pricing feed, falling back to a
// conservative constant when the feed is unavailable.
func (o *Orchestrator) ethUsdPrice(ctx context.Context) decimal.Decimal {
	if o.c.EthUsdAsset == (common.Address{}) {
		return fallbackEthUSD
	}
	price, ok := o.c.Prices.Price(ctx, o.c.EthUsdAsset)
	if !ok {
		o.log.Plain().Warn("eth_usd_feed_unavailable")
		return fallbackEthUSD
	}
	return price
}

// watchOutcome polls for the receipt and feeds the learned outcome
// back into the safety controller, planner statistics and audit log.
func (o *Orchestrator) watchOutcome(ctx context.Context, bundle *talon.Bundle, txHash common.Hash) {
	defer o.wg.Done()

	deadline := time.Now().Add(receiptWaitLimit)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			receipt, err := o.c.Chain.Receipt(ctx, txHash)
			if err == nil && receipt != nil {
				o.resolveOutcome(bundle, txHash, receipt)
				return
			}
			if time.Now().After(deadline) {
				o.resolveTimeout(bundle, txHash)
				return
			}
		}
	}
}

func (o *Orchestrator) resolveOutcome(bundle *talon.Bundle, txHash common.Hash, receipt *gethtypes.Receipt) {
	included := receipt.Status == gethtypes.ReceiptStatusSuccessful
	inclusionBlock := receipt.BlockNumber.Uint64()

	record := o.executionRecord(bundle, talon.StatusIncluded)
	record.TxHash = &txHash
	record.BundleSubmitted = true
	record.Included = included
	record.InclusionBlock = &inclusionBlock
	if included {
		// Realized profit is recorded as the simulated wei figure and the
		// planned net USD profit; nothing refines it after inclusion.
		record.ActualProfitWei = bundle.SimulatedProfitWei
		actual := bundle.Costs.NetProfitUSD
		record.ActualProfitUSD = &actual
	} else {
		record.Status = talon.StatusReverted
		record.ErrorMessage = "transaction reverted on-chain"
	}

	o.c.Safety.RecordExecution(record)
	o.c.Planner.RecordOutcome(bundle.Opportunity.Position.Key(), bundle.Path, included)

	o.log.Event(map[string]interface{}{
		"tx_hash":  txHash.Hex(),
		"included": included,
		"block":    inclusionBlock,
	}).Info("outcome_observed")
}

func (o *Orchestrator) resolveTimeout(bundle *talon.Bundle, txHash common.Hash) {
	record := o.executionRecord(bundle, talon.StatusFailed)
	record.TxHash = &txHash
	record.BundleSubmitted = true
	record.ErrorMessage = "no receipt before deadline"

	o.c.Safety.RecordExecution(record)
	o.c.Planner.RecordOutcome(bundle.Opportunity.Position.Key(), bundle.Path, false)

	o.log.Event(map[string]interface{}{"tx_hash": txHash.Hex()}).Warn("outcome_timeout")
}

// recordPlanFailure writes the audit row for a pre-submission drop.
func (o *Orchestrator) recordPlanFailure(opp *talon.Opportunity, planErr error) {
	simulationFailed := errors.Is(planErr, talon.ErrSimulation)
	record := talon.ExecutionRecord{
		Timestamp:        time.Now().UTC(),
		BlockNumber:      opp.DetectedAtBlock,
		Protocol:         opp.Position.Protocol,
		Borrower:         opp.Position.User,
		CollateralAsset:  opp.Position.CollateralAsset,
		DebtAsset:        opp.Position.DebtAsset,
		HealthFactor:     opp.HealthFactor,
		Status:           talon.StatusRejected,
		OperatorAddress:  o.c.Planner.Operator(),
		StateAtExecution: o.c.Safety.CurrentState(),
		RejectionReason:  planErr.Error(),
	}
	record.SimulationSuccess = !simulationFailed

	o.c.Audit.RecordExecution(record)
}

func (o *Orchestrator) recordRejection(bundle *talon.Bundle, reason string) {
	record := o.executionRecord(bundle, talon.StatusRejected)
	record.RejectionReason = reason
	o.c.Audit.RecordExecution(record)
}

func (o *Orchestrator) recordSubmission(bundle *talon.Bundle, txHash common.Hash) {
	record := o.executionRecord(bundle, talon.StatusPending)
	record.TxHash = &txHash
	record.BundleSubmitted = true
	o.c.Audit.RecordExecution(record)
}

// executionRecord builds the common audit row shape for a bundle.
func (o *Orchestrator) executionRecord(bundle *talon.Bundle, status talon.ExecutionStatus) talon.ExecutionRecord {
	simulated := bundle.Costs.SimulatedProfitUSD
	return talon.ExecutionRecord{
		Timestamp:          time.Now().UTC(),
		BlockNumber:        bundle.Opportunity.DetectedAtBlock,
		Protocol:           bundle.Opportunity.Position.Protocol,
		Borrower:           bundle.Opportunity.Position.User,
		CollateralAsset:    bundle.Opportunity.Position.CollateralAsset,
		DebtAsset:          bundle.Opportunity.Position.DebtAsset,
		HealthFactor:       bundle.Opportunity.HealthFactor,
		SimulationSuccess:  true,
		SimulatedProfitWei: bundle.SimulatedProfitWei,
		SimulatedProfitUSD: &simulated,
		SubmissionPath:     bundle.Path,
		IdempotencyKey:     bundle.IdempotencyKey,
		Status:             status,
		OperatorAddress:    o.c.Planner.Operator(),
		StateAtExecution:   o.c.Safety.CurrentState(),
	}
}

// updateBribeAndTransitions runs the 100-submission boundary work.
func (o *Orchestrator) updateBribeAndTransitions() {
	records, err := o.c.Audit.RecentExecutions(bribeWindowSize)
	if err != nil {
		o.log.Event(map[string]interface{}{"error": err.Error()}).Warn("bribe_window_fetch_failed")
		return
	}
	o.c.Planner.UpdateBribeModel(records)
	o.c.Safety.CheckTransitions()
}

// healthLoop is the 5s watchdog: WS staleness, block stalls, cache and
// audit recovery.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(healthTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.c.Feed.Healthy() {
				o.log.Plain().Warn("ws_feed_stale")
			}
			if stall := time.Since(o.c.State.LastBlockAt()); stall > blockStallLimit {
				o.log.Event(map[string]interface{}{
					"stall_seconds": stall.Seconds(),
				}).Error("block_production_stall")
				o.c.Safety.Halt("no new block for more than 10 seconds")
			}
			o.c.Cache.TryRecover(ctx)
			if o.c.Audit.QueueDepth() > 0 && o.c.Audit.Healthy() {
				o.c.Audit.Flush()
			}
		}
	}
}

// metricsLoop exports gauges on the configured interval.
func (o *Orchestrator) metricsLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.MetricsExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.exportMetrics(ctx)
		}
	}
}

func (o *Orchestrator) exportMetrics(ctx context.Context) {
	metrics := o.c.Safety.Metrics(false)
	stats := o.c.Cache.Stats(ctx)

	o.c.Metrics.SystemState.Set(float64(o.c.Safety.CurrentState()))
	o.c.Metrics.InclusionRate.Set(toFloat(metrics.InclusionRate))
	o.c.Metrics.SimulationAccuracy.Set(toFloat(metrics.SimulationAccuracy))
	o.c.Metrics.TotalProfitUSD.Set(toFloat(metrics.TotalProfitUSD))
	o.c.Metrics.DailyVolumeUSD.Set(toFloat(o.c.Safety.DailyVolumeUSD()))
	o.c.Metrics.ConsecutiveFailures.Set(float64(metrics.ConsecutiveFailures))
	o.c.Metrics.PositionsCached.Set(float64(stats.Count))

	if balance, err := o.c.Chain.BalanceAt(ctx, o.c.Planner.Operator()); err == nil {
		eth := decimal.NewFromBigInt(balance, -18)
		o.c.Metrics.OperatorBalanceETH.Set(toFloat(eth))
	}

	snapshot := map[string]interface{}{
		"system_state":         o.c.Safety.CurrentState().String(),
		"inclusion_rate":       metrics.InclusionRate.String(),
		"simulation_accuracy":  metrics.SimulationAccuracy.String(),
		"consecutive_failures": metrics.ConsecutiveFailures,
		"positions_cached":     stats.Count,
		"current_block":        stats.CurrentBlock,
	}
	if o.opts.DryRun {
		snapshot["simulations_success"] = atomic.LoadInt64(&o.dryRunSuccess)
		snapshot["simulations_failed"] = atomic.LoadInt64(&o.dryRunFailed)
		o.mu.Lock()
		snapshot["theoretical_profit_usd"] = o.dryRunTheoretical.String()
		o.mu.Unlock()
	}
	o.log.Event(snapshot).Info("metrics_snapshot")
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// DryRunStats reports the dry-run accounting.
func (o *Orchestrator) DryRunStats() (success, failed int64, theoretical decimal.Decimal) {
	o.mu.Lock()
	theoretical = o.dryRunTheoretical
	o.mu.Unlock()
	return atomic.LoadInt64(&o.dryRunSuccess), atomic.LoadInt64(&o.dryRunFailed), theoretical
}
