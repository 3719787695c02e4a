// Command talon runs the liquidation engine.
//
// Exit codes: 0 clean shutdown, 1 fatal initialization failure,
// 2 unrecoverable runtime failure (shut down while HALTED).
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"talon"
	"talon/configs"
	"talon/internal/audit"
	"talon/internal/cache"
	"talon/internal/detector"
	"talon/internal/metricsrv"
	"talon/internal/oracle"
	"talon/internal/orchestrator"
	"talon/internal/planner"
	"talon/internal/safety"
	"talon/internal/stateengine"
	"talon/pkg/logging"
	"talon/pkg/rpcpool"
	"talon/pkg/util"
	"talon/pkg/wsfeed"
)

func main() {
	os.Exit(run())
}

func run() int {
	dryRun := flag.Bool("dry-run", false, "simulate and validate but never submit")
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Local development convenience; absence is not an error.
	_ = godotenv.Load()

	log := logging.NewFromEnv("talon")
	if *dryRun {
		log.SetDryRun(true)
	}

	cfg, err := configs.LoadConfig(*configPath)
	if err != nil {
		log.Event(map[string]interface{}{"error": err.Error()}).Error("configuration_failed")
		return 1
	}

	operatorKey, err := loadOperatorKey()
	if err != nil {
		log.Event(map[string]interface{}{"error": err.Error()}).Error("operator_key_failed")
		return 1
	}

	pool, err := rpcpool.Dial(
		cfg.RPC.PrimaryHTTP, cfg.RPC.BackupHTTP, cfg.RPC.ArchiveHTTP,
		cfg.RPCTimeout(), log.Named("rpcpool"),
	)
	if err != nil {
		log.Event(map[string]interface{}{"error": err.Error()}).Error("rpc_dial_failed")
		return 1
	}
	defer pool.Close()

	// The executor contract must exist before anything is signed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plannerCfg := cfg.ToPlannerConfig()
	code, err := pool.CodeAt(ctx, plannerCfg.Executor)
	if err != nil || len(code) == 0 {
		log.Event(map[string]interface{}{
			"executor": plannerCfg.Executor.Hex(),
		}).Error("executor_contract_missing")
		return 1
	}

	// Redis is optional at boot: a failed ping starts the cache on its
	// in-process layer and the health monitor recovers it later.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Event(map[string]interface{}{"error": err.Error()}).Warn("redis_unreachable_at_boot")
		}
		pingCancel()
	}
	store := cache.New(rdb, cfg.CacheTTL(), log.Named("cache"))

	auditStore, err := audit.Open(cfg.Database.DSN(), log.Named("audit"))
	if err != nil {
		// Durable-store outage queues rows in memory per the database
		// error policy; boot continues.
		log.Event(map[string]interface{}{"error": err.Error()}).Warn("database_unreachable_at_boot")
		auditStore, err = audit.NewWithDB(nil, log.Named("audit"))
		if err != nil {
			return 1
		}
	}
	defer auditStore.Close()

	metrics := metricsrv.NewMetrics()
	metrics.DailyLimitUSD.Set(mustFloat(cfg.Safety.MaxDailyVolumeUSD))

	controller := safety.New(
		cfg.ToSafetyLimits(),
		auditStore,
		func(e talon.SystemEvent) {
			log.Event(e.Context).Error("critical_alert")
		},
		cfg.Safety.ThrottleSeed,
		log.Named("safety"),
	)

	engine := stateengine.New(
		pool, store,
		&divergenceSink{store: auditStore, metrics: metrics},
		cfg.ToStateProtocols(),
		controller.Halt,
		func() { metrics.DivergenceWarnings.Inc() },
		log.Named("stateengine"),
	)

	divergence, movement := cfg.OracleBounds()
	gateway := oracle.New(pool, cfg.ToOracleFeeds(), divergence, movement, log.Named("oracle"))

	det := detector.New(
		cfg.ToDetectorConfig(),
		store, gateway, engine,
		store.CurrentBlock,
		func() { metrics.OpportunitiesDetected.Inc() },
		log.Named("detector"),
	)

	plan := planner.New(plannerCfg, pool, operatorKey, log.Named("planner"))

	feed := wsfeed.New(cfg.RPC.PrimaryWS, cfg.RPC.BackupWS, 8, log.Named("wsfeed"))

	orch := orchestrator.New(orchestrator.Components{
		Feed:        feed,
		Chain:       pool,
		Cache:       store,
		State:       engine,
		Detector:    det,
		Planner:     plan,
		Safety:      controller,
		Audit:       auditStore,
		Metrics:     metrics,
		Prices:      gateway,
		Log:         log.Named("orchestrator"),
		EthUsdAsset: cfg.EthUsdAssetAddress(),
	}, orchestrator.Options{
		DryRun:                *dryRun,
		MetricsExportInterval: time.Duration(cfg.Monitoring.MetricsExportIntervalSec) * time.Second,
	})

	server := metricsrv.NewServer(cfg.Monitoring.MetricsAddr, metrics, orch.Running, log.Named("metrics"))
	server.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Stop(shutdownCtx)
	}()

	// SIGUSR1 is the operator resume channel for a HALTED system.
	resume := make(chan os.Signal, 1)
	signal.Notify(resume, syscall.SIGUSR1)
	go func() {
		for range resume {
			if err := orch.ManualResume("signal-operator", "SIGUSR1 received"); err != nil {
				log.Event(map[string]interface{}{"error": err.Error()}).Warn("manual_resume_rejected")
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Event(map[string]interface{}{"signal": sig.String()}).Info("shutdown_requested")
		cancel()
	}()

	log.Event(map[string]interface{}{
		"network":  cfg.Network,
		"chain_id": cfg.ChainID,
		"operator": plan.Operator().Hex(),
		"dry_run":  *dryRun,
	}).Info("engine_starting")

	if err := orch.Run(ctx); err != nil {
		log.Event(map[string]interface{}{"error": err.Error()}).Error("engine_failed")
		return 2
	}

	if controller.CurrentState() == talon.StateHalted {
		log.Plain().Warn("shutdown_while_halted")
		return 2
	}
	return 0
}

// loadOperatorKey reads the signing key from the environment: either
// OPERATOR_KEY (hex) or ENC_OPERATOR_KEY sealed with KEY. The key is
// never logged and never written to disk.
func loadOperatorKey() (*ecdsa.PrivateKey, error) {
	var err error
	raw := os.Getenv("OPERATOR_KEY")
	if raw == "" {
		sealed := os.Getenv("ENC_OPERATOR_KEY")
		wrapping := os.Getenv("KEY")
		if sealed == "" || wrapping == "" {
			return nil, fmt.Errorf("%w: OPERATOR_KEY or ENC_OPERATOR_KEY+KEY must be set", talon.ErrConfiguration)
		}
		raw, err = util.Decrypt([]byte(wrapping), sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to unseal operator key: %v", talon.ErrConfiguration, err)
		}
	}
	parsed, err := crypto.HexToECDSA(trim0x(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed operator key: %v", talon.ErrConfiguration, err)
	}
	return parsed, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// divergenceSink fans reconciliation findings out to the audit log and
// the divergence counter.
type divergenceSink struct {
	store   *audit.Store
	metrics *metricsrv.Metrics
}

func (d *divergenceSink) RecordDivergence(div talon.StateDivergence) {
	d.metrics.DivergenceEvents.Inc()
	d.store.RecordDivergence(div)
}

func mustFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f
}
