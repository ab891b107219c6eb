/*
Package settlement turns verified payment notifications into ledger credits.

PURPOSE:
  The payment provider calls POST /webhooks/payment once or more per
  completed checkout. This package verifies the delivery, decodes the
  provider envelope into an Event, and hands it to credit.Ledger.Credit,
  which applies each event id at most once.

ENVELOPE (checkout.session.completed):
  {
    "id":   "evt_...",
    "type": "checkout.session.completed",
    "data": {"object": {
      "amount_total":   1999,            // minor units of currency
      "currency":       "usd",
      "payment_status": "paid",
      "metadata": {"principal_id": "u-1", "seconds_to_credit": "3600"}
    }}
  }

  Other event types are acknowledged and ignored (ErrIgnoredEvent).
  A verified payload that cannot be turned into an Event is dead-lettered.

SEE ALSO:
  - processor.go: verify → parse → settle
  - verify.go: signature check
*/
package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/usage-credits/credit"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"
	paymentStatusPaid      = "paid"

	metaPrincipalID     = "principal_id"
	metaSecondsToCredit = "seconds_to_credit"
)

var (
	// ErrMalformedEvent is returned for verified payloads that are not a valid settlement.
	ErrMalformedEvent = errors.New("malformed settlement event")

	// ErrIgnoredEvent marks an event type (or unpaid checkout) that carries no credit.
	ErrIgnoredEvent = errors.New("event ignored")
)

// minorUnitDigits lists currencies whose minor unit is not 1/100.
var minorUnitDigits = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "jpy": 0, "kmf": 0, "krw": 0, "mga": 0,
	"pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0, "xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// FromMinorUnits converts an integer amount in the currency's minor unit
// into a decimal amount. Unlisted currencies use two digits.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	digits, ok := minorUnitDigits[strings.ToLower(currency)]
	if !ok {
		digits = 2
	}
	return decimal.New(amount, -digits)
}

// Event is one payment to be credited.
type Event struct {
	ID              string
	PrincipalID     credit.PrincipalID
	SecondsToCredit int64
	AmountPaid      decimal.Decimal
	Currency        string
}

// Validate checks the fields the ledger relies on.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: event id is required", ErrMalformedEvent)
	case e.PrincipalID == "":
		return fmt.Errorf("%w: %s is required", ErrMalformedEvent, metaPrincipalID)
	case e.SecondsToCredit <= 0:
		return fmt.Errorf("%w: %s must be positive (got %d)", ErrMalformedEvent, metaSecondsToCredit, e.SecondsToCredit)
	case e.AmountPaid.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", ErrMalformedEvent)
	}
	return nil
}

// CreditRequest maps the event onto the ledger's credit input.
func (e Event) CreditRequest() credit.CreditRequest {
	return credit.CreditRequest{
		PrincipalID:   e.PrincipalID,
		Seconds:       e.SecondsToCredit,
		SourceEventID: e.ID,
		AmountPaid:    e.AmountPaid,
		Currency:      e.Currency,
	}
}

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			AmountTotal   *int64            `json:"amount_total"`
			Currency      string            `json:"currency"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook decodes a provider envelope. The returned id is set whenever
// the envelope could be decoded, so callers can log and dead-letter by id.
func ParseWebhook(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := Event{ID: env.ID}
	if env.ID == "" {
		return ev, fmt.Errorf("%w: event id is required", ErrMalformedEvent)
	}
	if env.Type != EventCheckoutCompleted {
		return ev, fmt.Errorf("%w: type %q", ErrIgnoredEvent, env.Type)
	}

	obj := env.Data.Object
	if obj.PaymentStatus != paymentStatusPaid {
		return ev, fmt.Errorf("%w: payment_status %q", ErrIgnoredEvent, obj.PaymentStatus)
	}

	ev.PrincipalID = credit.PrincipalID(strings.TrimSpace(obj.Metadata[metaPrincipalID]))
	raws := strings.TrimSpace(obj.Metadata[metaSecondsToCredit])
	if raws == "" {
		return ev, fmt.Errorf("%w: metadata.%s is required", ErrMalformedEvent, metaSecondsToCredit)
	}
	seconds, err := strconv.ParseInt(raws, 10, 64)
	if err != nil {
		return ev, fmt.Errorf("%w: metadata.%s %q is not an integer", ErrMalformedEvent, metaSecondsToCredit, raws)
	}
	ev.SecondsToCredit = seconds

	ev.Currency = strings.ToLower(obj.Currency)
	if obj.AmountTotal != nil {
		ev.AmountPaid = FromMinorUnits(*obj.AmountTotal, ev.Currency)
	}

	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}
