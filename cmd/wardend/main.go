// Package main provides the warden daemon: it wires the anti-cheat
// validator, commitment engine, transaction tracker, and trust facade to a
// ledger client and runs the background services under one lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/oakmont-games/warden/internal/anticheat"
	"github.com/oakmont-games/warden/internal/config"
	"github.com/oakmont-games/warden/internal/game/rules"
	"github.com/oakmont-games/warden/internal/ledger"
	"github.com/oakmont-games/warden/internal/observability"
	"github.com/oakmont-games/warden/internal/server"
	"github.com/oakmont-games/warden/internal/storage/postgres"
	"github.com/oakmont-games/warden/internal/trust"
	"github.com/oakmont-games/warden/internal/txtracker"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	blockTime := flag.Duration("block-time", 2*time.Second, "simulated chain block interval")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	limits := limitsFromConfig(cfg.Validator)
	if cfg.Validator.RulesFile != "" {
		tuning, err := rules.LoadFromFile(cfg.Validator.RulesFile)
		if err != nil {
			logger.Fatal("loading rules file", zap.Error(err))
		}
		limits = tuning.Apply(limits)
		logger.Info("applied rules tuning", zap.String("file", cfg.Validator.RulesFile))
	}

	chain := ledger.NewMemoryLedger(*blockTime)

	var stores anticheat.Stores
	dbStart := time.Now()
	pool, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	if pool != nil {
		defer pool.Close()
		stores.Audits = pool.Audits()
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
	}

	validator := anticheat.New(limits, stores, chain, observability.ComponentLogger(logger, "anticheat"))
	if cfg.Validator.RulesDir != "" {
		denyRules, err := anticheat.LoadRules(cfg.Validator.RulesDir, 0, logger)
		if err != nil {
			logger.Fatal("loading deny rules", zap.Error(err))
		}
		defer denyRules.Close()
		validator.SetRules(denyRules)
	}

	tracker := txtracker.New(chain, observability.ComponentLogger(logger, "txtracker"), txtracker.Config{
		SubmitTimeout:    cfg.Tracker.SubmitTimeout,
		Retention:        cfg.Tracker.Retention,
		SweepInterval:    cfg.Tracker.SweepInterval,
		PollInterval:     cfg.Tracker.PollInterval,
		SubscriberBuffer: cfg.Tracker.SubscriberBuffer,
	})

	facade := trust.New(validator, tracker, chain, nil, nil, observability.ComponentLogger(logger, "trust"))
	unsub := facade.Subscribe(func(ev txtracker.Event) {
		logger.Info("transaction transition",
			zap.String("tx_id", ev.Transaction.ID),
			zap.String("kind", string(ev.Transaction.Kind)),
			zap.String("from", string(ev.Previous)),
			zap.String("to", string(ev.Transaction.Status)),
		)
	})
	defer unsub()

	lc := server.NewLifecycle(logger)

	chainCtx, chainCancel := context.WithCancel(ctx)
	lc.Add("chain", &server.FuncService{
		StartFn: func(context.Context) error { return chain.Run(chainCtx) },
		StopFn:  chainCancel,
	})

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	lc.Add("tx-sweeper", &server.FuncService{
		StartFn: func(context.Context) error { return tracker.RunSweeper(sweepCtx) },
		StopFn:  sweepCancel,
	})

	if pool != nil {
		audits := pool.Audits()
		retention := pool.AuditRetention()
		purgeCtx, purgeCancel := context.WithCancel(ctx)
		lc.Add("audit-purger", &server.FuncService{
			StartFn: func(context.Context) error {
				ticker := time.NewTicker(time.Hour)
				defer ticker.Stop()
				for {
					select {
					case <-purgeCtx.Done():
						return nil
					case <-ticker.C:
						removed, err := audits.PurgeBefore(purgeCtx, time.Now().Add(-retention))
						if err != nil {
							logger.Error("purging audits", zap.Error(err))
							continue
						}
						if removed > 0 {
							logger.Info("purged audits", zap.Int64("removed", removed))
						}
					}
				}
			},
			StopFn: purgeCancel,
		})
	}

	logger.Info("warden started", zap.Duration("elapsed", time.Since(start)))
	if err := lc.Run(ctx); err != nil {
		logger.Fatal("lifecycle failed", zap.Error(err))
	}
}

// limitsFromConfig overlays the server configuration onto the default
// pipeline limits.
func limitsFromConfig(v config.ValidatorConfig) anticheat.Limits {
	limits := anticheat.DefaultLimits()
	if v.MaxActionsPerWindow > 0 {
		limits.MaxActionsPerWindow = v.MaxActionsPerWindow
	}
	if v.RateWindow > 0 {
		limits.RateWindow = v.RateWindow
	}
	if v.MaxFastActions > 0 {
		limits.MaxFastActions = v.MaxFastActions
	}
	if v.MinBlockSpacing > 0 {
		limits.MinBlockSpacing = v.MinBlockSpacing
	}
	if v.TurnTimeout > 0 {
		limits.TurnTimeout = v.TurnTimeout
	}
	if v.BanDuration > 0 {
		limits.BanDuration = v.BanDuration
	}
	return limits
}
