// Package safety is the outermost gate: the three-state machine, the
// execution limits, and the rolling performance metrics that drive
// automatic state transitions. No bundle is submitted without its
// approval.
package safety

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"talon"
	"talon/pkg/logging"
)

const (
	historyWindow   = 100
	minSampleSize   = 10
	metricsCacheTTL = 10 * time.Minute
)

// Limits is the operator-controlled risk surface.
type Limits struct {
	MinProfitUSD           decimal.Decimal
	MaxSingleExecutionUSD  decimal.Decimal
	MaxDailyVolumeUSD      decimal.Decimal
	MaxConsecutiveFailures int

	ThrottleInclusionRate decimal.Decimal
	ThrottleAccuracy      decimal.Decimal
	HaltInclusionRate     decimal.Decimal
	HaltAccuracy          decimal.Decimal
}

// EventSink receives system events and execution rows for the audit
// trail.
type EventSink interface {
	RecordEvent(e talon.SystemEvent)
	RecordExecution(r talon.ExecutionRecord)
	RecordMetrics(m talon.PerformanceMetrics)
}

type submissionSample struct {
	included bool
}

type executionSample struct {
	simulatedUSD decimal.Decimal
	actualUSD    decimal.Decimal
}

// Controller owns the state machine and all counters. The RNG behind
// the THROTTLED gate is seeded explicitly so tests are deterministic.
type Controller struct {
	mu sync.Mutex

	limits Limits
	sink   EventSink
	log    *logging.Logger
	alert  func(e talon.SystemEvent)

	state               talon.SystemState
	consecutiveFailures int

	dailyVolumeUSD decimal.Decimal
	dailyReset     time.Time

	submissionHistory []submissionSample
	executionHistory  []executionSample

	cachedMetrics *talon.PerformanceMetrics
	cachedAt      time.Time

	rng *rand.Rand
	now func() time.Time
}

// New creates a Controller in NORMAL state.
func New(limits Limits, sink EventSink, alert func(e talon.SystemEvent), seed int64, log *logging.Logger) *Controller {
	c := &Controller{
		limits:         limits,
		sink:           sink,
		log:            log,
		alert:          alert,
		state:          talon.StateNormal,
		dailyVolumeUSD: decimal.Zero,
		rng:            rand.New(rand.NewSource(seed)),
		now:            time.Now,
	}
	c.dailyReset = nextMidnightUTC(c.now())
	return c
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// CurrentState returns the operating state.
func (c *Controller) CurrentState() talon.SystemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanExecute gates outbound activity: NORMAL always, THROTTLED on a
// 50% coin flip, HALTED never.
func (c *Controller) CanExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case talon.StateHalted:
		return false
	case talon.StateThrottled:
		return c.rng.Float64() > 0.5
	}
	return true
}

// TransitionState moves to a new state, logging a high-severity event
// and alerting on HALTED entry.
func (c *Controller) TransitionState(next talon.SystemState, reason string) {
	c.mu.Lock()
	if next == c.state {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next
	c.mu.Unlock()

	severity := "HIGH"
	if next == talon.StateHalted {
		severity = "CRITICAL"
	}
	event := talon.SystemEvent{
		ID:        uuid.NewString(),
		Timestamp: c.now().UTC(),
		EventType: "state_transition",
		Severity:  severity,
		Message:   fmt.Sprintf("state transition: %s -> %s", prev, next),
		Context: map[string]interface{}{
			"old_state": prev.String(),
			"new_state": next.String(),
			"reason":    reason,
		},
	}
	c.sink.RecordEvent(event)
	c.log.Event(event.Context).Warn("state_transition")

	if next == talon.StateHalted && c.alert != nil {
		c.alert(event)
	}
}

// Halt is the shorthand used by the state engine and orchestrator.
func (c *Controller) Halt(reason string) {
	c.TransitionState(talon.StateHalted, reason)
}

// ManualResume is the only exit from HALTED: an operator-issued resume
// that also clears the failure counter.
func (c *Controller) ManualResume(operator, reason string) error {
	c.mu.Lock()
	if c.state != talon.StateHalted {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: manual resume in state %s", talon.ErrSafety, state)
	}
	c.consecutiveFailures = 0
	c.state = talon.StateNormal
	c.mu.Unlock()

	event := talon.SystemEvent{
		ID:        uuid.NewString(),
		Timestamp: c.now().UTC(),
		EventType: "manual_resume",
		Severity:  "HIGH",
		Message:   fmt.Sprintf("manual resume by %s", operator),
		Context: map[string]interface{}{
			"operator": operator,
			"reason":   reason,
		},
	}
	c.sink.RecordEvent(event)
	c.log.Event(event.Context).Info("manual_resume")
	return nil
}

// ValidateExecution rejects a candidate bundle that violates any limit.
func (c *Controller) ValidateExecution(b *talon.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	net := b.Costs.NetProfitUSD
	if net.LessThan(c.limits.MinProfitUSD) {
		return c.violation("min_profit", fmt.Sprintf("net profit %s below minimum %s", net, c.limits.MinProfitUSD))
	}
	if net.GreaterThan(c.limits.MaxSingleExecutionUSD) {
		return c.violation("max_single_execution", fmt.Sprintf("net profit %s exceeds single-execution limit %s", net, c.limits.MaxSingleExecutionUSD))
	}

	c.resetDailyVolumeLocked()
	projected := c.dailyVolumeUSD.Add(net)
	if projected.GreaterThan(c.limits.MaxDailyVolumeUSD) {
		return c.violation("max_daily_volume", fmt.Sprintf("projected daily volume %s exceeds limit %s", projected, c.limits.MaxDailyVolumeUSD))
	}

	if c.consecutiveFailures >= c.limits.MaxConsecutiveFailures {
		return c.violation("max_consecutive_failures", fmt.Sprintf("consecutive failures at %d", c.consecutiveFailures))
	}
	return nil
}

func (c *Controller) violation(kind, reason string) error {
	c.sink.RecordEvent(talon.SystemEvent{
		ID:        uuid.NewString(),
		Timestamp: c.now().UTC(),
		EventType: "limit_violation",
		Severity:  "MEDIUM",
		Message:   reason,
		Context:   map[string]interface{}{"limit": kind},
	})
	c.log.Event(map[string]interface{}{"limit": kind, "reason": reason}).Info("limit_violation")
	return fmt.Errorf("%w: %s", talon.ErrSafety, reason)
}

func (c *Controller) resetDailyVolumeLocked() {
	if c.now().UTC().Before(c.dailyReset) {
		return
	}
	c.log.Event(map[string]interface{}{"volume_usd": c.dailyVolumeUSD.String()}).Info("daily_volume_reset")
	c.dailyVolumeUSD = decimal.Zero
	c.dailyReset = nextMidnightUTC(c.now())
}

// RecordExecution ingests one outcome, advancing counters and the two
// bounded histories per the deque semantics:
//   - included: failures reset, both deques, daily volume grows;
//   - submitted but not included: failures += 1, submission deque only;
//   - everything else: row only.
func (c *Controller) RecordExecution(record talon.ExecutionRecord) {
	c.mu.Lock()

	if record.Included {
		c.consecutiveFailures = 0
		if record.ActualProfitUSD != nil {
			c.resetDailyVolumeLocked()
			c.dailyVolumeUSD = c.dailyVolumeUSD.Add(*record.ActualProfitUSD)
		}
	} else if record.BundleSubmitted {
		c.consecutiveFailures++
	}

	if record.BundleSubmitted {
		c.submissionHistory = appendBounded(c.submissionHistory, submissionSample{included: record.Included}, historyWindow)
	}
	if record.Included {
		var simulated, actual decimal.Decimal
		if record.SimulatedProfitUSD != nil {
			simulated = *record.SimulatedProfitUSD
		}
		if record.ActualProfitUSD != nil {
			actual = *record.ActualProfitUSD
		}
		c.executionHistory = appendBounded(c.executionHistory, executionSample{
			simulatedUSD: simulated,
			actualUSD:    actual,
		}, historyWindow)
	}
	failures := c.consecutiveFailures
	c.mu.Unlock()

	c.sink.RecordExecution(record)
	c.log.Event(map[string]interface{}{
		"status":               string(record.Status),
		"included":             record.Included,
		"consecutive_failures": failures,
	}).Info("execution_recorded")
}

func appendBounded[T any](history []T, sample T, limit int) []T {
	history = append(history, sample)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// Metrics returns the rolling performance metrics, recomputing when
// the cache is older than ten minutes or force is set.
func (c *Controller) Metrics(force bool) talon.PerformanceMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked(force)
}

func (c *Controller) metricsLocked(force bool) talon.PerformanceMetrics {
	now := c.now()
	if !force && c.cachedMetrics != nil && now.Sub(c.cachedAt) < metricsCacheTTL {
		return *c.cachedMetrics
	}

	totalSubmissions := len(c.submissionHistory)
	included := 0
	for _, s := range c.submissionHistory {
		if s.included {
			included++
		}
	}
	inclusionRate := decimal.Zero
	if totalSubmissions > 0 {
		inclusionRate = decimal.NewFromInt(int64(included)).Div(decimal.NewFromInt(int64(totalSubmissions)))
	}

	totalExecutions := len(c.executionHistory)
	accuracySum := decimal.Zero
	totalProfit := decimal.Zero
	for _, e := range c.executionHistory {
		if e.simulatedUSD.Sign() > 0 {
			accuracySum = accuracySum.Add(e.actualUSD.Div(e.simulatedUSD))
		}
		totalProfit = totalProfit.Add(e.actualUSD)
	}
	accuracy := decimal.Zero
	averageProfit := decimal.Zero
	if totalExecutions > 0 {
		accuracy = accuracySum.Div(decimal.NewFromInt(int64(totalExecutions)))
		averageProfit = totalProfit.Div(decimal.NewFromInt(int64(totalExecutions)))
	}

	metrics := talon.PerformanceMetrics{
		Timestamp:            now.UTC(),
		WindowSize:           historyWindow,
		TotalSubmissions:     totalSubmissions,
		SuccessfulInclusions: included,
		InclusionRate:        inclusionRate,
		TotalExecutions:      totalExecutions,
		SimulationAccuracy:   accuracy,
		TotalProfitUSD:       totalProfit,
		AverageProfitUSD:     averageProfit,
		ConsecutiveFailures:  c.consecutiveFailures,
	}
	c.cachedMetrics = &metrics
	c.cachedAt = now
	c.sink.RecordMetrics(metrics)
	return metrics
}

// CheckTransitions applies the automatic state-transition rules on
// windows of at least ten samples. HALTED only exits via ManualResume.
func (c *Controller) CheckTransitions() {
	c.mu.Lock()
	state := c.state
	metrics := c.metricsLocked(true)
	c.mu.Unlock()

	if state == talon.StateHalted {
		return
	}

	if reason, halt := c.shouldHalt(metrics); halt {
		c.TransitionState(talon.StateHalted, reason)
		return
	}

	switch state {
	case talon.StateNormal:
		if reason, throttle := c.shouldThrottle(metrics); throttle {
			c.TransitionState(talon.StateThrottled, reason)
		}
	case talon.StateThrottled:
		if c.shouldRecover(metrics) {
			c.TransitionState(talon.StateNormal, "performance recovered above both throttle bounds")
		}
	}
}

func (c *Controller) shouldHalt(m talon.PerformanceMetrics) (string, bool) {
	if m.ConsecutiveFailures >= c.limits.MaxConsecutiveFailures {
		return fmt.Sprintf("consecutive failures at %d", m.ConsecutiveFailures), true
	}
	if m.TotalSubmissions >= minSampleSize && m.InclusionRate.LessThan(c.limits.HaltInclusionRate) {
		return fmt.Sprintf("inclusion rate %s below halt bound %s", m.InclusionRate, c.limits.HaltInclusionRate), true
	}
	if m.TotalExecutions >= minSampleSize && m.SimulationAccuracy.LessThan(c.limits.HaltAccuracy) {
		return fmt.Sprintf("simulation accuracy %s below halt bound %s", m.SimulationAccuracy, c.limits.HaltAccuracy), true
	}
	return "", false
}

func (c *Controller) shouldThrottle(m talon.PerformanceMetrics) (string, bool) {
	if m.TotalSubmissions >= minSampleSize &&
		m.InclusionRate.GreaterThanOrEqual(c.limits.HaltInclusionRate) &&
		m.InclusionRate.LessThan(c.limits.ThrottleInclusionRate) {
		return fmt.Sprintf("inclusion rate %s inside throttle band", m.InclusionRate), true
	}
	if m.TotalExecutions >= minSampleSize &&
		m.SimulationAccuracy.GreaterThanOrEqual(c.limits.HaltAccuracy) &&
		m.SimulationAccuracy.LessThan(c.limits.ThrottleAccuracy) {
		return fmt.Sprintf("simulation accuracy %s inside throttle band", m.SimulationAccuracy), true
	}
	return "", false
}

// shouldRecover requires both metrics strictly above the throttle
// bounds (hysteresis).
func (c *Controller) shouldRecover(m talon.PerformanceMetrics) bool {
	if m.TotalSubmissions < minSampleSize || m.TotalExecutions < minSampleSize {
		return false
	}
	return m.InclusionRate.GreaterThan(c.limits.ThrottleInclusionRate) &&
		m.SimulationAccuracy.GreaterThan(c.limits.ThrottleAccuracy)
}

// DailyVolumeUSD reports today's realized volume.
func (c *Controller) DailyVolumeUSD() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetDailyVolumeLocked()
	return c.dailyVolumeUSD
}

// ConsecutiveFailures reports the current failure streak.
func (c *Controller) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}
