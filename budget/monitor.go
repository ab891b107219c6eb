/*
Package budget raises spend alerts over a rolling window of history.

PURPOSE:
  Spend is the sum of debited seconds in [now - windowDays, now]. Each
  principal has a spend limit and a warning threshold (a percentage of the
  limit), either from its BudgetConfig or from the configured defaults.

ALERT TYPES:
  exceeded: spend >= limit
  warning:  spend >= limit * threshold%
  limit:    a debit was cut short because the balance hit zero
            (built by LimitReached, not by Evaluate)

STATELESS EVALUATION:
  Monitor.Evaluate only reads. Deciding whether an alert is new, storing it
  and notifying someone is the Scheduler's job (scheduler.go).

SEE ALSO:
  - scheduler.go: periodic checks, dedup, persistence, notification
  - credit/types.go: BudgetAlert, BudgetConfig
*/
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/usage-credits/credit"
)

const (
	DefaultWindowDays              = 30
	DefaultWarningThresholdPercent = 80
)

// Limits are the spend limits applied to one principal.
// A non-positive SpendLimitSeconds disables alerting.
type Limits struct {
	SpendLimitSeconds       int64
	WarningThresholdPercent int
}

// Monitor evaluates spend against limits.
type Monitor struct {
	store    credit.Store
	budgets  credit.BudgetStore
	defaults Limits
	now      func() time.Time
}

type MonitorOption func(*Monitor)

// WithDefaults sets the limits used for principals without a BudgetConfig.
func WithDefaults(l Limits) MonitorOption {
	return func(m *Monitor) { m.defaults = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(store credit.Store, budgets credit.BudgetStore, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:    store,
		budgets:  budgets,
		defaults: Limits{WarningThresholdPercent: DefaultWarningThresholdPercent},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the monitor clock in UTC.
func (m *Monitor) Now() time.Time { return m.now().UTC() }

// Defaults returns the limits for principals without a BudgetConfig.
func (m *Monitor) Defaults() Limits { return m.defaults }

// LimitsFor returns the principal's override or the defaults.
func (m *Monitor) LimitsFor(ctx context.Context, principalID credit.PrincipalID) (Limits, error) {
	if m.budgets == nil {
		return m.defaults, nil
	}
	cfg, err := m.budgets.GetBudgetConfig(ctx, principalID)
	if err != nil {
		return Limits{}, err
	}
	if cfg == nil {
		return m.defaults, nil
	}
	return Limits{
		SpendLimitSeconds:       cfg.SpendLimitSeconds,
		WarningThresholdPercent: cfg.WarningThresholdPercent,
	}, nil
}

// Spend sums debited seconds in the window ending now.
func (m *Monitor) Spend(ctx context.Context, principalID credit.PrincipalID, windowDays int) (int64, error) {
	now := m.Now()
	entries, err := m.store.History(ctx, credit.HistoryFilter{
		PrincipalID: principalID,
		From:        now.Add(-time.Duration(windowDays) * 24 * time.Hour),
		To:          now,
	})
	if err != nil {
		return 0, err
	}
	var spend int64
	for _, e := range entries {
		if e.IsDebit() {
			spend -= e.SecondsDelta
		}
	}
	return spend, nil
}

// Evaluate returns the alert the principal's current spend warrants, or nil.
func (m *Monitor) Evaluate(ctx context.Context, principalID credit.PrincipalID, windowDays int) (*credit.BudgetAlert, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("%w: windowDays must be positive (got %d)", credit.ErrInvalidArgument, windowDays)
	}
	if _, err := m.store.GetBalance(ctx, principalID); err != nil {
		return nil, err
	}

	limits, err := m.LimitsFor(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if limits.SpendLimitSeconds <= 0 {
		return nil, nil
	}

	spend, err := m.Spend(ctx, principalID, windowDays)
	if err != nil {
		return nil, err
	}

	alertType, threshold := classify(spend, limits)
	if alertType == "" {
		return nil, nil
	}
	return &credit.BudgetAlert{
		ID:           credit.NewID(credit.PrefixAlert),
		PrincipalID:  principalID,
		Type:         alertType,
		CurrentSpend: spend,
		Threshold:    threshold,
		WindowDays:   windowDays,
		Timestamp:    m.Now(),
	}, nil
}

// classify compares in integer arithmetic: spend*100 >= limit*percent.
func classify(spend int64, l Limits) (credit.AlertType, int64) {
	if spend >= l.SpendLimitSeconds {
		return credit.AlertExceeded, l.SpendLimitSeconds
	}
	if l.WarningThresholdPercent > 0 && spend*100 >= l.SpendLimitSeconds*int64(l.WarningThresholdPercent) {
		return credit.AlertWarning, l.SpendLimitSeconds * int64(l.WarningThresholdPercent) / 100
	}
	return "", 0
}

// LimitReached builds a limit alert when a debit of requested seconds was
// cut short by a zero balance. It returns nil otherwise.
func (m *Monitor) LimitReached(principalID credit.PrincipalID, requested int64, res credit.DebitResult) *credit.BudgetAlert {
	if requested <= 0 || res.Granted >= requested || res.NewBalance > 0 {
		return nil
	}
	return &credit.BudgetAlert{
		ID:           credit.NewID(credit.PrefixAlert),
		PrincipalID:  principalID,
		Type:         credit.AlertLimit,
		CurrentSpend: res.Granted,
		Threshold:    requested,
		Timestamp:    m.Now(),
	}
}
