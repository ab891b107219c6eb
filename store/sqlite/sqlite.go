/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements credit.Store, credit.BudgetStore and credit.DeadLetterStore on
  SQLite. Several server processes may share one database file; all write
  coordination happens in the database, not in process memory.

INTERFACES IMPLEMENTED:
  credit.Store:           Balances, sessions, settlements, history
  credit.BudgetStore:     Budget overrides and persisted alerts
  credit.DeadLetterStore: Rejected webhook payloads

APPEND-ONLY ENFORCEMENT:
  The history table has triggers that abort any UPDATE or DELETE. The only
  statement the store issues against it is INSERT.

KEY TABLES:
  balances:          One row per principal, CHECK (balance_seconds >= 0)
  sessions:          Session lifecycle rows
  history:           Immutable ledger of balance changes
  settlement_events: One row per applied payment (event_id is the key)
  budget_configs:    Per-principal budget overrides
  budget_alerts:     Alerts raised by the budget scheduler
  rejected_events:   Dead-lettered webhook payloads

CONCURRENCY:
  Transactions open with BEGIN IMMEDIATE (_txlock=immediate), so a writer
  holds the database write lock from its first read. Rows carry a version
  column; UPDATE ... WHERE version = ? that touches zero rows, a unique
  violation on insert, and SQLITE_BUSY / SQLITE_LOCKED all surface as
  credit.ErrConcurrentModification for the ledger to retry.

WAL MODE:
  File databases are opened with WAL so readers don't block the writer.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (timeLayout) so that string
  comparison in SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := credit.NewLedger(store)

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/usage-credits/credit"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ credit.Store           = (*Store)(nil)
	_ credit.BudgetStore     = (*Store)(nil)
	_ credit.DeadLetterStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		principal_id TEXT PRIMARY KEY,
		balance_seconds INTEGER NOT NULL CHECK (balance_seconds >= 0),
		last_activity_at TEXT,
		last_updated_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		service_type TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		last_activity_at TEXT NOT NULL,
		seconds_consumed INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_principal
		ON sessions(principal_id, started_at DESC);

	-- History (append-only ledger)
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		service_type TEXT,
		action TEXT NOT NULL,
		seconds_delta INTEGER NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		ts TEXT NOT NULL,
		session_id TEXT,
		source_event_id TEXT
	);

	-- Hot path: history and spend-window queries per principal
	CREATE INDEX IF NOT EXISTS idx_history_principal_ts
		ON history(principal_id, ts);

	CREATE TRIGGER IF NOT EXISTS history_no_update
		BEFORE UPDATE ON history
		BEGIN SELECT RAISE(ABORT, 'history is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS history_no_delete
		BEFORE DELETE ON history
		BEGIN SELECT RAISE(ABORT, 'history is append-only'); END;

	CREATE TABLE IF NOT EXISTS settlement_events (
		event_id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		seconds_to_credit INTEGER NOT NULL,
		amount_paid TEXT NOT NULL,
		currency TEXT NOT NULL,
		processed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budget_configs (
		principal_id TEXT PRIMARY KEY,
		spend_limit_seconds INTEGER NOT NULL,
		warning_threshold_percent INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budget_alerts (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		current_spend INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		window_days INTEGER NOT NULL,
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budget_alerts_principal_ts
		ON budget_alerts(principal_id, ts);

	CREATE TABLE IF NOT EXISTS rejected_events (
		id TEXT PRIMARY KEY,
		event_id TEXT,
		reason TEXT NOT NULL,
		payload BLOB,
		received_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx credit.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	q queryer
}

func (ts *txStore) GetBalance(ctx context.Context, id credit.PrincipalID) (*credit.PrincipalBalance, error) {
	return getBalance(ctx, ts.q, id)
}

func (ts *txStore) PutBalance(ctx context.Context, b credit.PrincipalBalance) error {
	if b.Version == 0 {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO balances
			(principal_id, balance_seconds, last_activity_at, last_updated_at, created_at, version)
			VALUES (?, ?, ?, ?, ?, 1)
		`, b.PrincipalID, b.BalanceSeconds, nullTime(b.LastActivityAt),
			formatTime(b.LastUpdatedAt), formatTime(b.CreatedAt))
		if err != nil {
			return mapError(fmt.Errorf("failed to insert balance: %w", err))
		}
		return nil
	}

	res, err := ts.q.ExecContext(ctx, `
		UPDATE balances
		SET balance_seconds = ?, last_activity_at = ?, last_updated_at = ?, version = version + 1
		WHERE principal_id = ? AND version = ?
	`, b.BalanceSeconds, nullTime(b.LastActivityAt), formatTime(b.LastUpdatedAt),
		b.PrincipalID, b.Version)
	if err != nil {
		return mapError(fmt.Errorf("failed to update balance: %w", err))
	}
	return expectOneRow(res, "balance", string(b.PrincipalID))
}

func (ts *txStore) GetSession(ctx context.Context, id credit.SessionID) (*credit.Session, error) {
	return getSession(ctx, ts.q, id)
}

func (ts *txStore) PutSession(ctx context.Context, sess credit.Session) error {
	if sess.Version == 0 {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO sessions
			(id, principal_id, service_type, state, started_at, ended_at,
			 last_activity_at, seconds_consumed, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, sess.ID, sess.PrincipalID, sess.ServiceType, sess.State,
			formatTime(sess.StartedAt), nullTimePtr(sess.EndedAt),
			formatTime(sess.LastActivityAt), sess.SecondsConsumed)
		if err != nil {
			return mapError(fmt.Errorf("failed to insert session: %w", err))
		}
		return nil
	}

	res, err := ts.q.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, ended_at = ?, last_activity_at = ?, seconds_consumed = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, sess.State, nullTimePtr(sess.EndedAt), formatTime(sess.LastActivityAt),
		sess.SecondsConsumed, sess.ID, sess.Version)
	if err != nil {
		return mapError(fmt.Errorf("failed to update session: %w", err))
	}
	return expectOneRow(res, "session", string(sess.ID))
}

func (ts *txStore) GetSettlement(ctx context.Context, eventID string) (*credit.SettlementEvent, error) {
	return getSettlement(ctx, ts.q, eventID)
}

func (ts *txStore) PutSettlement(ctx context.Context, ev credit.SettlementEvent) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO settlement_events
		(event_id, principal_id, seconds_to_credit, amount_paid, currency, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.PrincipalID, ev.SecondsToCredit, ev.AmountPaid.String(),
		ev.Currency, formatTime(ev.ProcessedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateEvent
		}
		return mapError(fmt.Errorf("failed to insert settlement: %w", err))
	}
	return nil
}

func (ts *txStore) AppendHistory(ctx context.Context, e credit.HistoryEntry) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO history
		(id, principal_id, service_type, action, seconds_delta, balance_before,
		 balance_after, ts, session_id, source_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PrincipalID, nullString(string(e.ServiceType)), e.Action, e.SecondsDelta,
		e.BalanceBefore, e.BalanceAfter, formatTime(e.Timestamp),
		nullString(string(e.SessionID)), nullString(e.SourceEventID))
	if err != nil {
		return mapError(fmt.Errorf("failed to append history: %w", err))
	}
	return nil
}

// =============================================================================
// READ PATHS (credit.Store)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, id credit.PrincipalID) (*credit.PrincipalBalance, error) {
	return getBalance(ctx, s.db, id)
}

func (s *Store) GetSession(ctx context.Context, id credit.SessionID) (*credit.Session, error) {
	return getSession(ctx, s.db, id)
}

func (s *Store) GetSettlement(ctx context.Context, eventID string) (*credit.SettlementEvent, error) {
	return getSettlement(ctx, s.db, eventID)
}

func (s *Store) ListSessions(ctx context.Context, principalID credit.PrincipalID) ([]credit.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, service_type, state, started_at, ended_at,
		       last_activity_at, seconds_consumed, version
		FROM sessions
		WHERE principal_id = ?
		ORDER BY started_at DESC, rowid DESC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []credit.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) History(ctx context.Context, filter credit.HistoryFilter) ([]credit.HistoryEntry, error) {
	const columns = `id, principal_id, service_type, action, seconds_delta, balance_before,
		       balance_after, ts, session_id, source_event_id`

	where := "principal_id = ?"
	args := []any{filter.PrincipalID}
	if !filter.From.IsZero() {
		where += " AND ts >= ?"
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where += " AND ts <= ?"
		args = append(args, formatTime(filter.To))
	}

	query := "SELECT " + columns + " FROM history WHERE " + where + " ORDER BY ts ASC, rowid ASC"
	if filter.Limit > 0 {
		// Newest Limit rows, returned oldest first.
		query = "SELECT " + columns + " FROM (SELECT " + columns + ", rowid AS seq FROM history WHERE " + where +
			" ORDER BY ts DESC, rowid DESC LIMIT ?) ORDER BY ts ASC, seq ASC"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []credit.HistoryEntry
	for rows.Next() {
		var (
			e             credit.HistoryEntry
			serviceType   sql.NullString
			ts            string
			sessionID     sql.NullString
			sourceEventID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PrincipalID, &serviceType, &e.Action, &e.SecondsDelta,
			&e.BalanceBefore, &e.BalanceAfter, &ts, &sessionID, &sourceEventID); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.ServiceType = credit.ServiceType(serviceType.String)
		e.Timestamp = parseTime(ts)
		e.SessionID = credit.SessionID(sessionID.String)
		e.SourceEventID = sourceEventID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func getBalance(ctx context.Context, q queryer, id credit.PrincipalID) (*credit.PrincipalBalance, error) {
	var (
		b              credit.PrincipalBalance
		lastActivityAt sql.NullString
		lastUpdatedAt  string
		createdAt      string
	)
	err := q.QueryRowContext(ctx, `
		SELECT principal_id, balance_seconds, last_activity_at, last_updated_at, created_at, version
		FROM balances WHERE principal_id = ?
	`, id).Scan(&b.PrincipalID, &b.BalanceSeconds, &lastActivityAt, &lastUpdatedAt, &createdAt, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credit.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get balance: %w", err))
	}
	if lastActivityAt.Valid {
		b.LastActivityAt = parseTime(lastActivityAt.String)
	}
	b.LastUpdatedAt = parseTime(lastUpdatedAt)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func getSession(ctx context.Context, q queryer, id credit.SessionID) (*credit.Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, principal_id, service_type, state, started_at, ended_at,
		       last_activity_at, seconds_consumed, version
		FROM sessions WHERE id = ?
	`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get session: %w", err))
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, mapError(err)
		}
		return nil, credit.ErrSessionNotFound
	}
	return scanSession(rows)
}

func scanSession(rows *sql.Rows) (*credit.Session, error) {
	var (
		sess           credit.Session
		startedAt      string
		endedAt        sql.NullString
		lastActivityAt string
	)
	if err := rows.Scan(&sess.ID, &sess.PrincipalID, &sess.ServiceType, &sess.State,
		&startedAt, &endedAt, &lastActivityAt, &sess.SecondsConsumed, &sess.Version); err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.StartedAt = parseTime(startedAt)
	sess.LastActivityAt = parseTime(lastActivityAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		sess.EndedAt = &t
	}
	return &sess, nil
}

func getSettlement(ctx context.Context, q queryer, eventID string) (*credit.SettlementEvent, error) {
	var (
		ev          credit.SettlementEvent
		amount      string
		processedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT event_id, principal_id, seconds_to_credit, amount_paid, currency, processed_at
		FROM settlement_events WHERE event_id = ?
	`, eventID).Scan(&ev.EventID, &ev.PrincipalID, &ev.SecondsToCredit, &amount, &ev.Currency, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get settlement: %w", err))
	}
	ev.AmountPaid, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount_paid %q for event %s: %w", amount, eventID, err)
	}
	ev.ProcessedAt = parseTime(processedAt)
	return &ev, nil
}

// =============================================================================
// BUDGET STORE
// =============================================================================

func (s *Store) GetBudgetConfig(ctx context.Context, id credit.PrincipalID) (*credit.BudgetConfig, error) {
	var (
		cfg       credit.BudgetConfig
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id, spend_limit_seconds, warning_threshold_percent, updated_at
		FROM budget_configs WHERE principal_id = ?
	`, id).Scan(&cfg.PrincipalID, &cfg.SpendLimitSeconds, &cfg.WarningThresholdPercent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget config: %w", err)
	}
	cfg.UpdatedAt = parseTime(updatedAt)
	return &cfg, nil
}

func (s *Store) PutBudgetConfig(ctx context.Context, cfg credit.BudgetConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_configs (principal_id, spend_limit_seconds, warning_threshold_percent, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			spend_limit_seconds = excluded.spend_limit_seconds,
			warning_threshold_percent = excluded.warning_threshold_percent,
			updated_at = excluded.updated_at
	`, cfg.PrincipalID, cfg.SpendLimitSeconds, cfg.WarningThresholdPercent, formatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save budget config: %w", err)
	}
	return nil
}

func (s *Store) ListBudgetConfigs(ctx context.Context) ([]credit.BudgetConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal_id, spend_limit_seconds, warning_threshold_percent, updated_at
		FROM budget_configs ORDER BY principal_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget configs: %w", err)
	}
	defer rows.Close()

	var configs []credit.BudgetConfig
	for rows.Next() {
		var (
			cfg       credit.BudgetConfig
			updatedAt string
		)
		if err := rows.Scan(&cfg.PrincipalID, &cfg.SpendLimitSeconds, &cfg.WarningThresholdPercent, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget config: %w", err)
		}
		cfg.UpdatedAt = parseTime(updatedAt)
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *Store) SaveAlert(ctx context.Context, a credit.BudgetAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_alerts (id, principal_id, alert_type, current_spend, threshold, window_days, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PrincipalID, a.Type, a.CurrentSpend, a.Threshold, a.WindowDays, formatTime(a.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (s *Store) LatestAlert(ctx context.Context, id credit.PrincipalID, since time.Time) (*credit.BudgetAlert, error) {
	alerts, err := s.queryAlerts(ctx, `
		SELECT id, principal_id, alert_type, current_spend, threshold, window_days, ts
		FROM budget_alerts
		WHERE principal_id = ? AND ts >= ?
		ORDER BY ts DESC, rowid DESC
		LIMIT 1
	`, id, formatTime(since))
	if err != nil || len(alerts) == 0 {
		return nil, err
	}
	return &alerts[0], nil
}

func (s *Store) ListAlerts(ctx context.Context, id credit.PrincipalID) ([]credit.BudgetAlert, error) {
	return s.queryAlerts(ctx, `
		SELECT id, principal_id, alert_type, current_spend, threshold, window_days, ts
		FROM budget_alerts
		WHERE principal_id = ?
		ORDER BY ts ASC, rowid ASC
	`, id)
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]credit.BudgetAlert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []credit.BudgetAlert
	for rows.Next() {
		var (
			a  credit.BudgetAlert
			ts string
		)
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.Type, &a.CurrentSpend, &a.Threshold, &a.WindowDays, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Timestamp = parseTime(ts)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

func (s *Store) SaveRejectedEvent(ctx context.Context, ev credit.RejectedEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_events (id, event_id, reason, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID, nullString(ev.EventID), ev.Reason, ev.Payload, formatTime(ev.ReceivedAt))
	if err != nil {
		return fmt.Errorf("failed to save rejected event: %w", err)
	}
	return nil
}

// ListRejectedEvents returns newest first; limit <= 0 means no limit.
func (s *Store) ListRejectedEvents(ctx context.Context, limit int) ([]credit.RejectedEvent, error) {
	query := `
		SELECT id, event_id, reason, payload, received_at
		FROM rejected_events
		ORDER BY received_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejected events: %w", err)
	}
	defer rows.Close()

	var events []credit.RejectedEvent
	for rows.Next() {
		var (
			ev         credit.RejectedEvent
			eventID    sql.NullString
			receivedAt string
		)
		if err := rows.Scan(&ev.ID, &eventID, &ev.Reason, &ev.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rejected event: %w", err)
		}
		ev.EventID = eventID.String
		ev.ReceivedAt = parseTime(receivedAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %s changed since read: %w", kind, id, credit.ErrConcurrentModification)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// mapError turns lock contention and lost insert races into
// credit.ErrConcurrentModification; everything else passes through.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked, isUniqueConstraintError(err):
		return fmt.Errorf("%w: %w", credit.ErrConcurrentModification, err)
	}
	return err
}
