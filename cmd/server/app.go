package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/warp/usage-credits/budget"
	"github.com/warp/usage-credits/config"
	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/metrics"
	"github.com/warp/usage-credits/session"
	"github.com/warp/usage-credits/settlement"
	"github.com/warp/usage-credits/store/sqlite"
)

// app is the dependency graph shared by the server and the operator commands.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *sqlite.Store
	metrics   *metrics.Metrics
	ledger    *credit.Ledger
	sessions  *session.Tracker
	payments  *settlement.Processor
	monitor   *budget.Monitor
	scheduler *budget.Scheduler
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := metrics.New()
	ledger := credit.NewLedger(store,
		credit.WithLogger(log),
		credit.WithMetrics(m),
		credit.WithRetry(cfg.Ledger.MaxAttempts, cfg.Ledger.InitialBackoff, cfg.Ledger.MaxBackoff),
	)

	monitor := budget.NewMonitor(store, store, budget.WithDefaults(budget.Limits{
		SpendLimitSeconds:       cfg.Budget.DefaultLimitSeconds,
		WarningThresholdPercent: cfg.Budget.WarningThresholdPercent,
	}))
	scheduler := budget.NewScheduler(monitor, store, budget.LogNotifier{Log: log}, log)
	scheduler.Metrics = m
	scheduler.CheckInterval = cfg.Budget.CheckInterval
	scheduler.WindowDays = cfg.Budget.WindowDays
	scheduler.Enabled = cfg.Budget.SchedulerEnabled

	payments := settlement.NewProcessor(ledger, settlement.NewHMACVerifier(cfg.Webhook.Secret), store,
		settlement.WithLogger(log),
		settlement.WithMetrics(m),
	)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		metrics:   m,
		ledger:    ledger,
		sessions:  session.NewTracker(ledger, log),
		payments:  payments,
		monitor:   monitor,
		scheduler: scheduler,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// newLogger builds the process logger from log_level and log_format.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log_level: %w", err)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "usage-credits").Logger(), nil
}
