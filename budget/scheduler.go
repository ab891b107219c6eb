/*
scheduler.go - Periodic budget checks

PURPOSE:
  Runs Monitor.Evaluate for every principal that has a BudgetConfig, keeps
  the resulting alerts, and hands new ones to a Notifier.

DESIGN:
  - Background goroutine with a configurable check interval
  - An alert is suppressed when the latest stored alert inside the window
    has the same type (no re-notifying every tick)
  - Persisted alerts are the audit trail (GET /api/budget/alerts)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - WindowDays:    Rolling window for scheduled checks (default: 30)
  - Enabled:       Whether the loop runs at all

USAGE:
  scheduler := budget.NewScheduler(monitor, store, budget.LogNotifier{Log: log}, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - monitor.go: Evaluate / LimitReached
  - api/handlers.go: POST /api/budget/evaluate
*/
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/metrics"
)

// Notifier delivers an alert outside the engine (mail, chat, queue).
type Notifier interface {
	Notify(ctx context.Context, alert credit.BudgetAlert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, a credit.BudgetAlert) error {
	n.Log.Warn().
		Str("principal_id", string(a.PrincipalID)).
		Str("alert_type", string(a.Type)).
		Int64("current_spend", a.CurrentSpend).
		Int64("threshold", a.Threshold).
		Int("window_days", a.WindowDays).
		Str("spend_hms", credit.FormatHMS(a.CurrentSpend)).
		Msg("budget alert")
	return nil
}

// Scheduler handles periodic and on-demand budget checks.
type Scheduler struct {
	Monitor       *Monitor
	Store         credit.BudgetStore
	Notifier      Notifier
	Metrics       *metrics.Metrics
	CheckInterval time.Duration
	WindowDays    int
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(monitor *Monitor, store credit.BudgetStore, notifier Notifier, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Monitor:       monitor,
		Store:         store,
		Notifier:      notifier,
		CheckInterval: time.Hour,
		WindowDays:    DefaultWindowDays,
		Enabled:       true,
		log:           log.With().Str("component", "budget").Logger(),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("budget scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.CheckInterval).Msg("budget scheduler started")
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("budget scheduler stopped")
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow checks every principal with a budget config and returns the number
// of new alerts.
func (s *Scheduler) RunNow(ctx context.Context) int {
	configs, err := s.Store.ListBudgetConfigs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("listing budget configs")
		return 0
	}

	raised := 0
	for _, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		_, recorded, err := s.Check(ctx, cfg.PrincipalID, s.WindowDays)
		if err != nil {
			s.log.Error().Err(err).Str("principal_id", string(cfg.PrincipalID)).Msg("budget check failed")
			continue
		}
		if recorded {
			raised++
		}
	}

	if raised > 0 {
		s.log.Info().Int("checked", len(configs)).Int("raised", raised).Msg("budget check completed")
	}
	return raised
}

// Check evaluates one principal. It returns the current alert (nil when
// within budget) and whether that alert was new and got recorded.
func (s *Scheduler) Check(ctx context.Context, principalID credit.PrincipalID, windowDays int) (*credit.BudgetAlert, bool, error) {
	alert, err := s.Monitor.Evaluate(ctx, principalID, windowDays)
	if err != nil || alert == nil {
		return alert, false, err
	}

	recorded, err := s.RecordOnce(ctx, *alert, windowDays)
	return alert, recorded, err
}

// RecordOnce records alert unless the principal's latest alert within the
// window has the same type. It reports whether the alert was recorded.
func (s *Scheduler) RecordOnce(ctx context.Context, alert credit.BudgetAlert, windowDays int) (bool, error) {
	if windowDays <= 0 {
		windowDays = s.WindowDays
	}
	since := alert.Timestamp.Add(-time.Duration(windowDays) * 24 * time.Hour)
	latest, err := s.Store.LatestAlert(ctx, alert.PrincipalID, since)
	if err != nil {
		return false, err
	}
	if latest != nil && latest.Type == alert.Type {
		return false, nil
	}

	if err := s.Record(ctx, alert); err != nil {
		return false, err
	}
	return true, nil
}

// Record stores alert and notifies. Notification failures are logged only;
// the stored alert is the source of truth.
func (s *Scheduler) Record(ctx context.Context, alert credit.BudgetAlert) error {
	if err := s.Store.SaveAlert(ctx, alert); err != nil {
		return err
	}
	s.Metrics.ObserveAlert(string(alert.Type))
	if s.Notifier == nil {
		return nil
	}
	if err := s.Notifier.Notify(ctx, alert); err != nil {
		s.log.Error().Err(err).
			Str("principal_id", string(alert.PrincipalID)).
			Str("alert_type", string(alert.Type)).
			Msg("alert notification failed")
	}
	return nil
}
