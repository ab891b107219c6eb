package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/metrics"
)

// Outcome status values.
const (
	StatusApplied          = "applied"
	StatusDuplicate        = "duplicate"
	StatusIgnored          = "ignored"
	StatusRejected         = "rejected"
	StatusInvalidSignature = "invalid_signature"
	StatusFailed           = "failed"
)

// Result of applying one Event.
type Result struct {
	Applied    bool
	NewBalance int64
}

// Outcome describes what Handle did with one delivery.
type Outcome struct {
	Status      string
	EventID     string
	PrincipalID credit.PrincipalID
	NewBalance  int64
}

// Processor verifies, parses and settles webhook deliveries.
type Processor struct {
	ledger      *credit.Ledger
	verifier    Verifier
	deadLetters credit.DeadLetterStore
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

type ProcessorOption func(*Processor)

func WithLogger(log zerolog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log.With().Str("component", "settlement").Logger() }
}

func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func NewProcessor(ledger *credit.Ledger, verifier Verifier, deadLetters credit.DeadLetterStore, opts ...ProcessorOption) *Processor {
	p := &Processor{
		ledger:      ledger,
		verifier:    verifier,
		deadLetters: deadLetters,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Settle applies ev. A redelivered event returns Applied=false and no error.
func (p *Processor) Settle(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	res, err := p.ledger.Credit(ctx, ev.CreditRequest())
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: res.Applied, NewBalance: res.NewBalance}, nil
}

// Handle processes one raw delivery end to end.
//
// Errors returned: ErrInvalidSignature and ErrMalformedEvent (the caller
// should answer 400), credit.ErrUnavailable (retry later), anything else is
// internal. Ignored event types are not errors.
func (p *Processor) Handle(ctx context.Context, raw []byte, signature string) (Outcome, error) {
	if err := p.verifier.Verify(raw, signature); err != nil {
		if !errors.Is(err, ErrInvalidSignature) {
			p.metrics.ObserveWebhook(StatusFailed)
			p.log.Error().Err(err).Int("bytes", len(raw)).Msg("webhook cannot be verified")
			return Outcome{Status: StatusFailed}, err
		}
		p.metrics.ObserveWebhook(StatusInvalidSignature)
		p.log.Warn().Err(err).Int("bytes", len(raw)).Msg("webhook signature rejected")
		return Outcome{Status: StatusInvalidSignature}, err
	}

	ev, err := ParseWebhook(raw)
	switch {
	case errors.Is(err, ErrIgnoredEvent):
		p.metrics.ObserveWebhook(StatusIgnored)
		p.log.Debug().Str("event_id", ev.ID).Err(err).Msg("webhook ignored")
		return Outcome{Status: StatusIgnored, EventID: ev.ID}, nil
	case err != nil:
		p.reject(ctx, ev.ID, raw, err)
		return Outcome{Status: StatusRejected, EventID: ev.ID}, err
	}

	res, err := p.Settle(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) || errors.Is(err, credit.ErrInvalidArgument) {
			p.reject(ctx, ev.ID, raw, err)
			return Outcome{Status: StatusRejected, EventID: ev.ID}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		p.metrics.ObserveWebhook(StatusFailed)
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("settlement failed")
		return Outcome{Status: StatusFailed, EventID: ev.ID}, err
	}

	out := Outcome{
		Status:      StatusApplied,
		EventID:     ev.ID,
		PrincipalID: ev.PrincipalID,
		NewBalance:  res.NewBalance,
	}
	if !res.Applied {
		out.Status = StatusDuplicate
	}
	p.metrics.ObserveWebhook(out.Status)
	return out, nil
}

// reject dead-letters a verified payload so it can be inspected and replayed.
func (p *Processor) reject(ctx context.Context, eventID string, raw []byte, cause error) {
	p.metrics.ObserveWebhook(StatusRejected)
	p.log.Error().Err(cause).Str("event_id", eventID).Msg("webhook payload rejected")
	if p.deadLetters == nil {
		return
	}
	err := p.deadLetters.SaveRejectedEvent(ctx, credit.RejectedEvent{
		ID:         credit.NewID(credit.PrefixRejected),
		EventID:    eventID,
		Reason:     cause.Error(),
		Payload:    raw,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		p.log.Error().Err(err).Str("event_id", eventID).Msg("failed to dead-letter webhook payload")
	}
}
