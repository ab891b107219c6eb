/*
Package credit provides the usage-credit ledger.

PURPOSE:
  A principal buys time (seconds) and spends it on two services, "tools" and
  "chatbot". This package owns the balance record, the append-only history of
  every balance change, and the settlement records that make payment credits
  idempotent. Nothing outside this package writes a balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - PrincipalBalance: current seconds for one principal (never negative)
  - Session: one bracketed period of consumption on a service
  - HistoryEntry: immutable record of one balance mutation
  - SettlementEvent: one applied payment, keyed by the upstream event id
  - BudgetAlert / BudgetConfig: spend-window alerting data

DESIGN PRINCIPLES:
  1. Balances change only inside a store transaction (see store.go)
  2. Every balance change has exactly one HistoryEntry in the same transaction
  3. Seconds are integers; money (AmountPaid) is decimal.Decimal
  4. Type-safe identifiers so principal and session ids cannot be mixed

SEE ALSO:
  - ledger.go: Debit / Credit / Peek
  - store.go: persistence interfaces
  - errors.go: error taxonomy
*/
package credit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.jetify.com/typeid/v2"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PrincipalID string
type SessionID string

// ServiceType identifies the billable service a session consumes.
type ServiceType string

const (
	ServiceTools   ServiceType = "tools"
	ServiceChatbot ServiceType = "chatbot"
)

func (s ServiceType) Valid() bool {
	return s == ServiceTools || s == ServiceChatbot
}

// ParseServiceType validates a client-supplied service type.
func ParseServiceType(s string) (ServiceType, error) {
	st := ServiceType(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown service type %q", ErrInvalidArgument, s)
	}
	return st, nil
}

// ID prefixes for engine-generated identifiers.
const (
	PrefixHistory  = "hist"
	PrefixSession  = "sess"
	PrefixAlert    = "alrt"
	PrefixRejected = "rjct"
)

// NewID returns a K-sortable "prefix_suffix" identifier.
func NewID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("credit: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// =============================================================================
// BALANCE
// =============================================================================

// PrincipalBalance is the single balance record of a principal.
// Version is the optimistic concurrency token; stores bump it on every write.
type PrincipalBalance struct {
	PrincipalID    PrincipalID
	BalanceSeconds int64
	LastActivityAt time.Time
	LastUpdatedAt  time.Time
	CreatedAt      time.Time
	Version        int64
}

// =============================================================================
// SESSIONS
// =============================================================================

type SessionState string

const (
	SessionActive                SessionState = "active"
	SessionCompleted             SessionState = "completed"
	SessionCompletedInsufficient SessionState = "completed_with_insufficient_credits"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionCompletedInsufficient
}

type Session struct {
	ID              SessionID
	PrincipalID     PrincipalID
	ServiceType     ServiceType
	State           SessionState
	StartedAt       time.Time
	EndedAt         *time.Time
	LastActivityAt  time.Time
	SecondsConsumed int64
	Version         int64
}

// =============================================================================
// HISTORY
// =============================================================================

// Action is what caused a history entry.
type Action string

const (
	ActionStart      Action = "start"
	ActionIncrement  Action = "increment"
	ActionEnd        Action = "end"
	ActionSettlement Action = "settlement"
)

// ParseAction validates a client-supplied session action.
// Settlement is not a client action and is rejected here.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionIncrement, ActionEnd:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action type %q", ErrInvalidArgument, s)
}

// HistoryEntry records one balance mutation. Never updated, never deleted.
type HistoryEntry struct {
	ID            string
	PrincipalID   PrincipalID
	ServiceType   ServiceType // empty for settlements
	Action        Action
	SecondsDelta  int64 // negative for debits
	BalanceBefore int64
	BalanceAfter  int64
	Timestamp     time.Time
	SessionID     SessionID
	SourceEventID string
}

// IsDebit reports whether the entry consumed credits.
func (e HistoryEntry) IsDebit() bool { return e.SecondsDelta < 0 }

// HistoryFilter selects entries for one principal in [From, To].
// Zero From/To leave that side open. A positive Limit keeps the newest
// Limit matching entries; results are still oldest first.
type HistoryFilter struct {
	PrincipalID PrincipalID
	From        time.Time
	To          time.Time
	Limit       int
}

// Matches applies the time bounds of the filter to a single entry.
func (f HistoryFilter) Matches(e HistoryEntry) bool {
	if e.PrincipalID != f.PrincipalID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettlementEvent is the dedup record for one applied payment.
type SettlementEvent struct {
	EventID         string
	PrincipalID     PrincipalID
	SecondsToCredit int64
	AmountPaid      decimal.Decimal
	Currency        string
	ProcessedAt     time.Time
}

// RejectedEvent keeps a webhook payload that could not be settled so it can
// be replayed once the cause is fixed.
type RejectedEvent struct {
	ID         string
	EventID    string
	Reason     string
	Payload    []byte
	ReceivedAt time.Time
}

// =============================================================================
// BUDGET
// =============================================================================

type AlertType string

const (
	AlertWarning  AlertType = "warning"
	AlertLimit    AlertType = "limit"
	AlertExceeded AlertType = "exceeded"
)

type BudgetAlert struct {
	ID           string
	PrincipalID  PrincipalID
	Type         AlertType
	CurrentSpend int64
	Threshold    int64
	WindowDays   int
	Timestamp    time.Time
}

// BudgetConfig overrides the default spend limits for one principal.
type BudgetConfig struct {
	PrincipalID             PrincipalID
	SpendLimitSeconds       int64
	WarningThresholdPercent int
	UpdatedAt               time.Time
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatHMS renders seconds as HH:MM:SS. Hours are not capped at 24.
func FormatHMS(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
