/*
ledger.go - Atomic debit / credit over the Ledger Store

PURPOSE:
  The Ledger is the only writer of PrincipalBalance. Every mutation is a
  read-modify-write inside Store.WithTx, so the balance check and the write
  commit together or not at all.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: BalanceSeconds never drops below zero
  2. AUDITED: every balance change appends exactly one HistoryEntry in the
     same transaction, and no entry exists without its change
  3. IDEMPOTENT CREDIT: one SettlementEvent per upstream event id; a second
     delivery leaves the balance untouched

DEBIT POLICY (partial debit to zero):
  balance >= requested      -> take all, Granted = requested
  0 < balance < requested   -> take the rest, Granted = balance
  balance == 0              -> Granted = 0, InsufficientCreditsError
                               (unless AllowZero, used by start)
  requested == 0            -> validation only, nothing written

RETRIES:
  Update re-runs the whole transaction function from a fresh read when the
  store reports ErrConcurrentModification, with jittered exponential backoff.
  After the attempt budget the error is wrapped with ErrUnavailable.

EXAMPLE:
  ledger := credit.NewLedger(store, credit.WithLogger(log))
  res, err := ledger.Debit(ctx, credit.DebitRequest{
      PrincipalID: "u-1", Seconds: 60, ServiceType: credit.ServiceTools,
  })
  if errors.Is(err, credit.ErrInsufficientCredits) {
      // prompt a purchase
  }

SEE ALSO:
  - store.go: Store / Tx contract
  - session/tracker.go: composes DebitTx with session writes
  - settlement/processor.go: drives Credit from payment webhooks
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/usage-credits/metrics"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = time.Second
)

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

type DebitRequest struct {
	PrincipalID PrincipalID
	Seconds     int64
	ServiceType ServiceType
	Action      Action
	SessionID   SessionID

	// AllowZero turns a debit against a zero balance into a no-op instead of
	// an InsufficientCreditsError.
	AllowZero bool
}

type DebitResult struct {
	Granted       int64
	BalanceBefore int64
	NewBalance    int64
}

// Clamped reports whether less than the requested amount was taken.
func (r DebitResult) Clamped(requested int64) bool { return r.Granted < requested }

type CreditRequest struct {
	PrincipalID   PrincipalID
	Seconds       int64
	SourceEventID string
	AmountPaid    decimal.Decimal
	Currency      string
}

type CreditResult struct {
	Applied    bool
	NewBalance int64
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store   Store
	log     zerolog.Logger
	now     func() time.Time
	metrics *metrics.Metrics

	maxAttempts    uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log.With().Str("component", "ledger").Logger() }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithRetry sets the conflict retry budget. Zero values keep the defaults.
func WithRetry(attempts int, initial, maxWait time.Duration) Option {
	return func(l *Ledger) {
		if attempts > 0 {
			l.maxAttempts = uint(attempts)
		}
		if initial > 0 {
			l.initialBackoff = initial
		}
		if maxWait > 0 {
			l.maxBackoff = maxWait
		}
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:          store,
		log:            zerolog.Nop(),
		now:            func() time.Time { return time.Now().UTC() },
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store for read paths.
func (l *Ledger) Store() Store { return l.store }

// Now returns the ledger clock in UTC.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// =============================================================================
// TRANSACTIONS WITH RETRY
// =============================================================================

// Update runs fn in a store transaction, retrying lost optimistic races from
// a fresh read. fn must be safe to run more than once.
func (l *Ledger) Update(ctx context.Context, fn func(tx Tx) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := l.store.WithTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrConcurrentModification):
			l.metrics.ObserveConflict()
			l.log.Debug().Err(err).Int("attempt", attempt).Msg("transaction conflict")
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxTries(l.maxAttempts),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, ErrConcurrentModification) {
		l.log.Warn().Err(err).Int("attempts", attempt).Msg("retry budget exhausted")
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (l *Ledger) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialBackoff
	b.MaxInterval = l.maxBackoff
	b.RandomizationFactor = 0.5
	return b
}

// =============================================================================
// DEBIT
// =============================================================================

// Debit takes up to req.Seconds from the principal's balance.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	var res DebitResult
	err := l.Update(ctx, func(tx Tx) error {
		var err error
		res, err = l.DebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			l.ReportDebit(req, DebitResult{BalanceBefore: res.BalanceBefore})
			return DebitResult{BalanceBefore: res.BalanceBefore}, err
		}
		return DebitResult{}, err
	}
	l.ReportDebit(req, res)
	return res, nil
}

// DebitTx applies the debit policy inside an existing transaction.
// Callers composing it with other writes run it through Update.
func (l *Ledger) DebitTx(ctx context.Context, tx Tx, req DebitRequest) (DebitResult, error) {
	if req.PrincipalID == "" {
		return DebitResult{}, fmt.Errorf("%w: principal id is required", ErrInvalidArgument)
	}
	if req.Seconds < 0 {
		return DebitResult{}, fmt.Errorf("%w: seconds must not be negative (got %d)", ErrInvalidArgument, req.Seconds)
	}

	b, err := tx.GetBalance(ctx, req.PrincipalID)
	if err != nil {
		return DebitResult{}, err
	}

	res := DebitResult{BalanceBefore: b.BalanceSeconds, NewBalance: b.BalanceSeconds}
	if req.Seconds == 0 {
		return res, nil
	}
	if b.BalanceSeconds == 0 {
		if req.AllowZero {
			return res, nil
		}
		return res, &InsufficientCreditsError{
			PrincipalID: req.PrincipalID,
			Available:   0,
			Requested:   req.Seconds,
		}
	}

	granted := min(req.Seconds, b.BalanceSeconds)
	now := l.Now()
	b.BalanceSeconds -= granted
	b.LastActivityAt = now
	b.LastUpdatedAt = now
	if err := tx.PutBalance(ctx, *b); err != nil {
		return DebitResult{}, err
	}

	action := req.Action
	if action == "" {
		action = ActionIncrement
	}
	entry := HistoryEntry{
		ID:            NewID(PrefixHistory),
		PrincipalID:   req.PrincipalID,
		ServiceType:   req.ServiceType,
		Action:        action,
		SecondsDelta:  -granted,
		BalanceBefore: res.BalanceBefore,
		BalanceAfter:  b.BalanceSeconds,
		Timestamp:     now,
		SessionID:     req.SessionID,
	}
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return DebitResult{}, err
	}

	res.Granted = granted
	res.NewBalance = b.BalanceSeconds
	return res, nil
}

// ReportDebit logs and counts a committed (or refused) debit.
func (l *Ledger) ReportDebit(req DebitRequest, res DebitResult) {
	l.metrics.ObserveDebit(string(req.ServiceType), req.Seconds, res.Granted)
	if req.Seconds == 0 {
		return
	}
	ev := l.log.Debug()
	if res.Granted < req.Seconds {
		ev = l.log.Info()
	}
	ev.Str("principal_id", string(req.PrincipalID)).
		Str("service", string(req.ServiceType)).
		Str("session_id", string(req.SessionID)).
		Int64("requested", req.Seconds).
		Int64("granted", res.Granted).
		Int64("balance", res.NewBalance).
		Msg("debit")
}

// =============================================================================
// CREDIT
// =============================================================================

// Credit applies a settlement exactly once per SourceEventID.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	var res CreditResult
	err := l.Update(ctx, func(tx Tx) error {
		var err error
		res, err = l.CreditTx(ctx, tx, req)
		return err
	})
	if errors.Is(err, ErrDuplicateEvent) {
		// Lost an insert race to another delivery of the same event.
		bal, perr := l.Peek(ctx, req.PrincipalID)
		if perr != nil {
			return CreditResult{}, perr
		}
		res, err = CreditResult{Applied: false, NewBalance: bal}, nil
	}
	if err != nil {
		return CreditResult{}, err
	}

	l.metrics.ObserveCredit(res.Applied, req.Seconds)
	l.log.Info().
		Str("principal_id", string(req.PrincipalID)).
		Str("event_id", req.SourceEventID).
		Int64("seconds", req.Seconds).
		Bool("applied", res.Applied).
		Int64("balance", res.NewBalance).
		Msg("credit")
	return res, nil
}

// CreditTx applies the credit policy inside an existing transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx Tx, req CreditRequest) (CreditResult, error) {
	if req.PrincipalID == "" {
		return CreditResult{}, fmt.Errorf("%w: principal id is required", ErrInvalidArgument)
	}
	if req.SourceEventID == "" {
		return CreditResult{}, fmt.Errorf("%w: source event id is required", ErrInvalidArgument)
	}
	if req.Seconds <= 0 {
		return CreditResult{}, fmt.Errorf("%w: seconds to credit must be positive (got %d)", ErrInvalidArgument, req.Seconds)
	}

	existing, err := tx.GetSettlement(ctx, req.SourceEventID)
	if err != nil {
		return CreditResult{}, err
	}
	if existing != nil {
		if existing.PrincipalID != req.PrincipalID {
			l.log.Warn().
				Str("event_id", req.SourceEventID).
				Str("applied_to", string(existing.PrincipalID)).
				Str("redelivered_for", string(req.PrincipalID)).
				Msg("duplicate settlement names a different principal")
		}
		b, err := tx.GetBalance(ctx, existing.PrincipalID)
		if err != nil {
			return CreditResult{}, err
		}
		return CreditResult{Applied: false, NewBalance: b.BalanceSeconds}, nil
	}

	now := l.Now()
	b, err := tx.GetBalance(ctx, req.PrincipalID)
	switch {
	case errors.Is(err, ErrPrincipalNotFound):
		// First purchase provisions the balance record.
		b = &PrincipalBalance{PrincipalID: req.PrincipalID, CreatedAt: now}
	case err != nil:
		return CreditResult{}, err
	}

	before := b.BalanceSeconds
	b.BalanceSeconds += req.Seconds
	b.LastUpdatedAt = now
	if err := tx.PutBalance(ctx, *b); err != nil {
		return CreditResult{}, err
	}

	if err := tx.PutSettlement(ctx, SettlementEvent{
		EventID:         req.SourceEventID,
		PrincipalID:     req.PrincipalID,
		SecondsToCredit: req.Seconds,
		AmountPaid:      req.AmountPaid,
		Currency:        req.Currency,
		ProcessedAt:     now,
	}); err != nil {
		return CreditResult{}, err
	}

	if err := tx.AppendHistory(ctx, HistoryEntry{
		ID:            NewID(PrefixHistory),
		PrincipalID:   req.PrincipalID,
		Action:        ActionSettlement,
		SecondsDelta:  req.Seconds,
		BalanceBefore: before,
		BalanceAfter:  b.BalanceSeconds,
		Timestamp:     now,
		SourceEventID: req.SourceEventID,
	}); err != nil {
		return CreditResult{}, err
	}

	return CreditResult{Applied: true, NewBalance: b.BalanceSeconds}, nil
}

// =============================================================================
// READS AND PROVISIONING
// =============================================================================

// Peek returns the current balance without mutating anything.
func (l *Ledger) Peek(ctx context.Context, principalID PrincipalID) (int64, error) {
	b, err := l.store.GetBalance(ctx, principalID)
	if err != nil {
		return 0, err
	}
	return b.BalanceSeconds, nil
}

// Balance returns the full balance record.
func (l *Ledger) Balance(ctx context.Context, principalID PrincipalID) (*PrincipalBalance, error) {
	return l.store.GetBalance(ctx, principalID)
}

// Open provisions a zero balance for a new principal. Existing records are
// returned unchanged.
func (l *Ledger) Open(ctx context.Context, principalID PrincipalID) (*PrincipalBalance, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal id is required", ErrInvalidArgument)
	}
	var out PrincipalBalance
	err := l.Update(ctx, func(tx Tx) error {
		b, err := tx.GetBalance(ctx, principalID)
		if err == nil {
			out = *b
			return nil
		}
		if !errors.Is(err, ErrPrincipalNotFound) {
			return err
		}
		now := l.Now()
		out = PrincipalBalance{PrincipalID: principalID, CreatedAt: now, LastUpdatedAt: now}
		return tx.PutBalance(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the principal's ledger entries in [From, To].
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	if filter.PrincipalID == "" {
		return nil, fmt.Errorf("%w: principal id is required", ErrInvalidArgument)
	}
	return l.store.History(ctx, filter)
}
