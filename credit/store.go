/*
store.go - Persistence interfaces for balances, sessions and history

PURPOSE:
  Defines the boundary between the ledger logic and the database. The store
  is the ONLY shared mutable resource: several process instances may run the
  ledger against the same store, so all coordination goes through WithTx.

KEY INTERFACES:
  Store:           Read paths + the WithTx transaction primitive
  Tx:              Reads and writes visible inside one transaction
  BudgetStore:     Budget configs and persisted alerts
  DeadLetterStore: Webhook payloads that could not be settled

TRANSACTION CONTRACT:
  WithTx(ctx, fn) commits iff fn returns nil. Records carry the Version they
  were read at; a commit whose reads or writes are stale fails with
  ErrConcurrentModification and writes nothing. Inserting a key that a
  concurrent transaction already created fails the same way.

APPEND-ONLY HISTORY:
  Tx.AppendHistory is the only way to write history. There is no update or
  delete; retention is a job outside this package.

IMPLEMENTATIONS:
  - credit/store/memory.go: In-memory, optimistic commits (tests)
  - store/sqlite/sqlite.go: SQLite with immediate transactions

SEE ALSO:
  - ledger.go: Uses Store through Ledger.Update
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Read paths and the transaction primitive
// =============================================================================

type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, nothing is written.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetBalance returns ErrPrincipalNotFound for unknown principals.
	GetBalance(ctx context.Context, principalID PrincipalID) (*PrincipalBalance, error)

	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// ListSessions returns the principal's sessions, newest first.
	ListSessions(ctx context.Context, principalID PrincipalID) ([]Session, error)

	// GetSettlement returns nil, nil when the event was never applied.
	GetSettlement(ctx context.Context, eventID string) (*SettlementEvent, error)

	// History returns matching entries ordered by Timestamp ascending.
	// With a Limit only the newest Limit entries are returned.
	History(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error)
}

// Tx is the view of the store inside one transaction.
type Tx interface {
	GetBalance(ctx context.Context, principalID PrincipalID) (*PrincipalBalance, error)

	// PutBalance writes b. b.Version must be the version that was read
	// (0 when creating the record).
	PutBalance(ctx context.Context, b PrincipalBalance) error

	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// PutSession follows the same versioning rule as PutBalance.
	PutSession(ctx context.Context, s Session) error

	GetSettlement(ctx context.Context, eventID string) (*SettlementEvent, error)

	// PutSettlement returns ErrDuplicateEvent if the event id exists.
	PutSettlement(ctx context.Context, ev SettlementEvent) error

	AppendHistory(ctx context.Context, e HistoryEntry) error
}

// =============================================================================
// BUDGET STORE
// =============================================================================

type BudgetStore interface {
	// GetBudgetConfig returns nil, nil when the principal has no override.
	GetBudgetConfig(ctx context.Context, principalID PrincipalID) (*BudgetConfig, error)
	PutBudgetConfig(ctx context.Context, cfg BudgetConfig) error
	ListBudgetConfigs(ctx context.Context) ([]BudgetConfig, error)

	SaveAlert(ctx context.Context, alert BudgetAlert) error

	// LatestAlert returns the newest alert at or after since, or nil.
	LatestAlert(ctx context.Context, principalID PrincipalID, since time.Time) (*BudgetAlert, error)
	ListAlerts(ctx context.Context, principalID PrincipalID) ([]BudgetAlert, error)
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

type DeadLetterStore interface {
	SaveRejectedEvent(ctx context.Context, ev RejectedEvent) error
	ListRejectedEvents(ctx context.Context, limit int) ([]RejectedEvent, error)
}
