// Package metricsrv exposes engine metrics for Prometheus scraping at
// /metrics plus a /health liveness endpoint.
package metricsrv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"talon/pkg/logging"
)

// Metrics holds every collector the engine publishes.
type Metrics struct {
	SystemState           prometheus.Gauge
	OpportunitiesDetected prometheus.Counter
	BundlesSubmitted      prometheus.Counter
	InclusionRate         prometheus.Gauge
	SimulationAccuracy    prometheus.Gauge
	TotalProfitUSD        prometheus.Gauge
	DailyVolumeUSD        prometheus.Gauge
	DailyLimitUSD         prometheus.Gauge
	ConsecutiveFailures   prometheus.Gauge
	OperatorBalanceETH    prometheus.Gauge
	PositionsCached       prometheus.Gauge
	CurrentBlock          prometheus.Gauge
	DivergenceEvents      prometheus.Counter
	DivergenceWarnings    prometheus.Counter
	BlockProcessingTime   prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		SystemState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_system_state",
			Help: "Current system state (0=NORMAL, 1=THROTTLED, 2=HALTED)",
		}),
		OpportunitiesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_opportunities_detected_total",
			Help: "Total liquidation opportunities detected",
		}),
		BundlesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_bundles_submitted_total",
			Help: "Total transaction bundles submitted",
		}),
		InclusionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_inclusion_rate",
			Help: "Rolling transaction inclusion rate (0.0 to 1.0)",
		}),
		SimulationAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_simulation_accuracy",
			Help: "Rolling simulation accuracy (actual/simulated, averaged)",
		}),
		TotalProfitUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_total_profit_usd",
			Help: "Total realized profit in USD over the rolling window",
		}),
		DailyVolumeUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_daily_volume_usd",
			Help: "Realized execution volume today in USD",
		}),
		DailyLimitUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_daily_limit_usd",
			Help: "Configured daily volume limit in USD",
		}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_consecutive_failures",
			Help: "Current consecutive execution failure streak",
		}),
		OperatorBalanceETH: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_operator_balance_eth",
			Help: "Operator wallet balance in ETH",
		}),
		PositionsCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_positions_cached",
			Help: "Number of positions currently cached",
		}),
		CurrentBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talon_current_block",
			Help: "Latest processed block number",
		}),
		DivergenceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_state_divergence_events_total",
			Help: "State divergences above the halt threshold",
		}),
		DivergenceWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talon_state_divergence_warnings_total",
			Help: "Sub-threshold state divergences observed during reconciliation",
		}),
		BlockProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "talon_block_processing_seconds",
			Help:    "Duration of one block-processing step",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5},
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.SystemState, m.OpportunitiesDetected, m.BundlesSubmitted,
		m.InclusionRate, m.SimulationAccuracy, m.TotalProfitUSD,
		m.DailyVolumeUSD, m.DailyLimitUSD, m.ConsecutiveFailures,
		m.OperatorBalanceETH, m.PositionsCached, m.CurrentBlock,
		m.DivergenceEvents, m.DivergenceWarnings, m.BlockProcessingTime,
	)
	return m
}

// Server serves /metrics and /health.
type Server struct {
	srv     *http.Server
	log     *logging.Logger
	healthy func() bool
}

// NewServer builds the HTTP server. healthy reports whether the
// orchestrator is running.
func NewServer(addr string, metrics *Metrics, healthy func() bool, log *logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not running")
			return
		}
		fmt.Fprintln(w, "OK")
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log:     log,
		healthy: healthy,
	}
}

// Start serves in a goroutine until Stop.
func (s *Server) Start() {
	go func() {
		s.log.Event(map[string]interface{}{"addr": s.srv.Addr}).Info("metrics_server_started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Event(map[string]interface{}{"error": err.Error()}).Error("metrics_server_failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
