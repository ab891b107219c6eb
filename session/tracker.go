/*
Package session tracks bracketed consumption of a billable service.

PURPOSE:
  A session is opened by "start", charged by "increment" and closed by
  "end". Every charge goes through credit.Ledger.DebitTx in the same store
  transaction as the session write, so the session's SecondsConsumed and the
  principal's balance never disagree.

STATE MACHINE:
  none ──start──▶ active ──increment──▶ active
                    │
                    └──end──▶ completed
                           └▶ completed_with_insufficient_credits

  Terminal states accept nothing further (ErrSessionNotActive).

END SEMANTICS:
  Only start is exempt from the zero-balance refusal. End with positive
  seconds on a zero balance fails with ErrInsufficientCredits and leaves the
  session active; end with zero seconds always closes it. If some but not
  all of the reported seconds were granted the session ends as
  completed_with_insufficient_credits.

SEE ALSO:
  - credit/ledger.go: debit policy
  - api/handlers.go: POST /api/usage drives this package
*/
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/usage-credits/credit"
)

// Result is what a session operation reports back to the caller.
type Result struct {
	Session       credit.Session
	BalanceBefore int64
	Remaining     int64
	CreditsUsed   int64
	Status        credit.SessionState
}

// Tracker owns the session lifecycle.
type Tracker struct {
	ledger *credit.Ledger
	log    zerolog.Logger
}

func NewTracker(ledger *credit.Ledger, log zerolog.Logger) *Tracker {
	return &Tracker{
		ledger: ledger,
		log:    log.With().Str("component", "session").Logger(),
	}
}

// =============================================================================
// START
// =============================================================================

// Start opens a session. Starting an id the principal already owns returns
// that session unchanged.
func (t *Tracker) Start(ctx context.Context, principalID credit.PrincipalID, service credit.ServiceType, id credit.SessionID) (Result, error) {
	if !service.Valid() {
		return Result{}, fmt.Errorf("%w: unknown service type %q", credit.ErrInvalidArgument, service)
	}
	if id == "" {
		id = credit.SessionID(credit.NewID(credit.PrefixSession))
	}

	var res Result
	created := false
	err := t.ledger.Update(ctx, func(tx credit.Tx) error {
		created = false
		debit, err := t.ledger.DebitTx(ctx, tx, credit.DebitRequest{
			PrincipalID: principalID,
			ServiceType: service,
			Action:      credit.ActionStart,
			SessionID:   id,
			AllowZero:   true,
		})
		if err != nil {
			return err
		}

		existing, err := tx.GetSession(ctx, id)
		switch {
		case err == nil:
			if existing.PrincipalID != principalID {
				return fmt.Errorf("%w: %s", credit.ErrSessionConflict, id)
			}
			res = result(*existing, debit)
			return nil
		case !errors.Is(err, credit.ErrSessionNotFound):
			return err
		}

		now := t.ledger.Now()
		sess := credit.Session{
			ID:             id,
			PrincipalID:    principalID,
			ServiceType:    service,
			State:          credit.SessionActive,
			StartedAt:      now,
			LastActivityAt: now,
		}
		if err := tx.PutSession(ctx, sess); err != nil {
			return err
		}
		created = true
		res = result(sess, debit)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if created {
		t.log.Info().
			Str("principal_id", string(principalID)).
			Str("session_id", string(id)).
			Str("service", string(service)).
			Int64("balance", res.Remaining).
			Msg("session started")
	}
	return res, nil
}

// =============================================================================
// INCREMENT / END
// =============================================================================

// Increment charges seconds to an active session. A zero balance fails with
// ErrInsufficientCredits and leaves the session as it was.
func (t *Tracker) Increment(ctx context.Context, principalID credit.PrincipalID, id credit.SessionID, seconds int64) (Result, error) {
	if seconds <= 0 {
		return Result{}, fmt.Errorf("%w: secondsUsed must be positive (got %d)", credit.ErrInvalidArgument, seconds)
	}
	return t.charge(ctx, principalID, id, seconds, credit.ActionIncrement)
}

// End charges the final seconds and closes the session. A positive charge
// against a zero balance fails like Increment does.
func (t *Tracker) End(ctx context.Context, principalID credit.PrincipalID, id credit.SessionID, finalSeconds int64) (Result, error) {
	if finalSeconds < 0 {
		return Result{}, fmt.Errorf("%w: secondsUsed must not be negative (got %d)", credit.ErrInvalidArgument, finalSeconds)
	}
	res, err := t.charge(ctx, principalID, id, finalSeconds, credit.ActionEnd)
	if err != nil {
		return Result{}, err
	}
	t.log.Info().
		Str("principal_id", string(principalID)).
		Str("session_id", string(id)).
		Str("status", string(res.Status)).
		Int64("consumed", res.Session.SecondsConsumed).
		Msg("session ended")
	return res, nil
}

func (t *Tracker) charge(ctx context.Context, principalID credit.PrincipalID, id credit.SessionID, seconds int64, action credit.Action) (Result, error) {
	var (
		res Result
		req credit.DebitRequest
	)
	err := t.ledger.Update(ctx, func(tx credit.Tx) error {
		sess, err := ownedSession(ctx, tx, principalID, id)
		if err != nil {
			return err
		}
		if sess.State.Terminal() {
			return fmt.Errorf("%w: session %s is %s", credit.ErrSessionNotActive, id, sess.State)
		}

		req = credit.DebitRequest{
			PrincipalID: principalID,
			Seconds:     seconds,
			ServiceType: sess.ServiceType,
			Action:      action,
			SessionID:   id,
		}
		debit, err := t.ledger.DebitTx(ctx, tx, req)
		if err != nil {
			return err
		}

		now := t.ledger.Now()
		sess.SecondsConsumed += debit.Granted
		sess.LastActivityAt = now
		if action == credit.ActionEnd {
			sess.State = credit.SessionCompleted
			if debit.Granted < seconds {
				sess.State = credit.SessionCompletedInsufficient
			}
			sess.EndedAt = &now
		}
		if err := tx.PutSession(ctx, *sess); err != nil {
			return err
		}
		res = result(*sess, debit)
		return nil
	})
	if err != nil {
		var insufficient *credit.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			t.ledger.ReportDebit(req, credit.DebitResult{})
		}
		return Result{}, err
	}
	t.ledger.ReportDebit(req, credit.DebitResult{
		Granted:       res.CreditsUsed,
		BalanceBefore: res.BalanceBefore,
		NewBalance:    res.Remaining,
	})
	return res, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Resolve returns the most recently started active session of the principal
// on service.
func (t *Tracker) Resolve(ctx context.Context, principalID credit.PrincipalID, service credit.ServiceType) (credit.SessionID, error) {
	sessions, err := t.ledger.Store().ListSessions(ctx, principalID)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.ServiceType == service && s.State == credit.SessionActive {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no active %s session", credit.ErrSessionNotFound, service)
}

// List returns the principal's sessions, newest first.
func (t *Tracker) List(ctx context.Context, principalID credit.PrincipalID) ([]credit.Session, error) {
	return t.ledger.Store().ListSessions(ctx, principalID)
}

// Get returns one session if it belongs to principalID.
func (t *Tracker) Get(ctx context.Context, principalID credit.PrincipalID, id credit.SessionID) (*credit.Session, error) {
	sess, err := t.ledger.Store().GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.PrincipalID != principalID {
		return nil, credit.ErrSessionNotFound
	}
	return sess, nil
}

// ownedSession hides other principals' sessions behind ErrSessionNotFound.
func ownedSession(ctx context.Context, tx credit.Tx, principalID credit.PrincipalID, id credit.SessionID) (*credit.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", credit.ErrInvalidArgument)
	}
	sess, err := tx.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.PrincipalID != principalID {
		return nil, credit.ErrSessionNotFound
	}
	return sess, nil
}

func result(sess credit.Session, debit credit.DebitResult) Result {
	return Result{
		Session:       sess,
		BalanceBefore: debit.BalanceBefore,
		Remaining:     debit.NewBalance,
		CreditsUsed:   debit.Granted,
		Status:        sess.State,
	}
}
