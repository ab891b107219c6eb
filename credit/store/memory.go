// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/usage-credits/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. Transactions read
// committed state without holding the lock, buffer their writes, and validate
// the versions they saw when committing, so concurrent writers behave like
// clients of a real optimistic store.
type Memory struct {
	mu          sync.RWMutex
	balances    map[credit.PrincipalID]credit.PrincipalBalance
	sessions    map[credit.SessionID]credit.Session
	settlements map[string]credit.SettlementEvent
	history     []credit.HistoryEntry
	budgets     map[credit.PrincipalID]credit.BudgetConfig
	alerts      []credit.BudgetAlert
	rejected    []credit.RejectedEvent

	failCommits int
}

func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[credit.PrincipalID]credit.PrincipalBalance),
		sessions:    make(map[credit.SessionID]credit.Session),
		settlements: make(map[string]credit.SettlementEvent),
		budgets:     make(map[credit.PrincipalID]credit.BudgetConfig),
	}
}

// FailNextCommits makes the next n commits report a concurrent modification.
func (m *Memory) FailNextCommits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommits = n
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a buffered view and commits if every record it
// read or wrote is still at the version it observed.
func (m *Memory) WithTx(ctx context.Context, fn func(credit.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newMemoryTx(m)
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCommits > 0 {
		m.failCommits--
		return fmt.Errorf("memory: injected conflict: %w", credit.ErrConcurrentModification)
	}
	if err := tx.validateLocked(); err != nil {
		return err
	}
	tx.applyLocked()
	return nil
}

type memoryTx struct {
	parent *Memory

	// Versions observed on read; 0 means the record was absent.
	balanceReads    map[credit.PrincipalID]int64
	sessionReads    map[credit.SessionID]int64
	settlementReads map[string]bool

	balances    map[credit.PrincipalID]credit.PrincipalBalance
	sessions    map[credit.SessionID]credit.Session
	settlements map[string]credit.SettlementEvent
	history     []credit.HistoryEntry
}

func newMemoryTx(m *Memory) *memoryTx {
	return &memoryTx{
		parent:          m,
		balanceReads:    make(map[credit.PrincipalID]int64),
		sessionReads:    make(map[credit.SessionID]int64),
		settlementReads: make(map[string]bool),
		balances:        make(map[credit.PrincipalID]credit.PrincipalBalance),
		sessions:        make(map[credit.SessionID]credit.Session),
		settlements:     make(map[string]credit.SettlementEvent),
	}
}

func (tx *memoryTx) GetBalance(_ context.Context, id credit.PrincipalID) (*credit.PrincipalBalance, error) {
	if b, ok := tx.balances[id]; ok {
		return &b, nil
	}
	tx.parent.mu.RLock()
	b, ok := tx.parent.balances[id]
	tx.parent.mu.RUnlock()
	if !ok {
		tx.balanceReads[id] = 0
		return nil, credit.ErrPrincipalNotFound
	}
	tx.balanceReads[id] = b.Version
	return &b, nil
}

func (tx *memoryTx) PutBalance(_ context.Context, b credit.PrincipalBalance) error {
	if b.BalanceSeconds < 0 {
		return fmt.Errorf("memory: negative balance for %s", b.PrincipalID)
	}
	tx.balances[b.PrincipalID] = b
	return nil
}

func (tx *memoryTx) GetSession(_ context.Context, id credit.SessionID) (*credit.Session, error) {
	if s, ok := tx.sessions[id]; ok {
		return &s, nil
	}
	tx.parent.mu.RLock()
	s, ok := tx.parent.sessions[id]
	tx.parent.mu.RUnlock()
	if !ok {
		tx.sessionReads[id] = 0
		return nil, credit.ErrSessionNotFound
	}
	tx.sessionReads[id] = s.Version
	return &s, nil
}

func (tx *memoryTx) PutSession(_ context.Context, s credit.Session) error {
	tx.sessions[s.ID] = s
	return nil
}

func (tx *memoryTx) GetSettlement(_ context.Context, eventID string) (*credit.SettlementEvent, error) {
	if ev, ok := tx.settlements[eventID]; ok {
		return &ev, nil
	}
	tx.parent.mu.RLock()
	ev, ok := tx.parent.settlements[eventID]
	tx.parent.mu.RUnlock()
	tx.settlementReads[eventID] = ok
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (tx *memoryTx) PutSettlement(_ context.Context, ev credit.SettlementEvent) error {
	if _, ok := tx.settlements[ev.EventID]; ok || tx.settlementReads[ev.EventID] {
		return credit.ErrDuplicateEvent
	}
	tx.settlements[ev.EventID] = ev
	return nil
}

func (tx *memoryTx) AppendHistory(_ context.Context, e credit.HistoryEntry) error {
	tx.history = append(tx.history, e)
	return nil
}

func (tx *memoryTx) validateLocked() error {
	m := tx.parent
	for id, seen := range tx.balanceReads {
		if m.balances[id].Version != seen {
			return conflict("balance", string(id))
		}
	}
	for id, b := range tx.balances {
		if m.balances[id].Version != b.Version {
			return conflict("balance", string(id))
		}
	}
	for id, seen := range tx.sessionReads {
		if m.sessions[id].Version != seen {
			return conflict("session", string(id))
		}
	}
	for id, s := range tx.sessions {
		if m.sessions[id].Version != s.Version {
			return conflict("session", string(id))
		}
	}
	for id, existed := range tx.settlementReads {
		if _, ok := m.settlements[id]; ok != existed {
			return conflict("settlement", id)
		}
	}
	for id := range tx.settlements {
		if _, ok := m.settlements[id]; ok {
			return conflict("settlement", id)
		}
	}
	return nil
}

func (tx *memoryTx) applyLocked() {
	m := tx.parent
	for id, b := range tx.balances {
		b.Version++
		m.balances[id] = b
	}
	for id, s := range tx.sessions {
		s.Version++
		m.sessions[id] = s
	}
	for id, ev := range tx.settlements {
		m.settlements[id] = ev
	}
	for _, e := range tx.history {
		m.appendHistoryLocked(e)
	}
}

// appendHistoryLocked keeps history ordered by Timestamp; equal timestamps
// keep commit order.
func (m *Memory) appendHistoryLocked(e credit.HistoryEntry) {
	i := sort.Search(len(m.history), func(i int) bool {
		return m.history[i].Timestamp.After(e.Timestamp)
	})
	m.history = append(m.history, credit.HistoryEntry{})
	copy(m.history[i+1:], m.history[i:])
	m.history[i] = e
}

func conflict(kind, id string) error {
	return fmt.Errorf("memory: %s %s changed since read: %w", kind, id, credit.ErrConcurrentModification)
}

// =============================================================================
// READ PATHS (credit.Store)
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, id credit.PrincipalID) (*credit.PrincipalBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[id]
	if !ok {
		return nil, credit.ErrPrincipalNotFound
	}
	return &b, nil
}

func (m *Memory) GetSession(_ context.Context, id credit.SessionID) (*credit.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, credit.ErrSessionNotFound
	}
	return &s, nil
}

func (m *Memory) ListSessions(_ context.Context, principalID credit.PrincipalID) ([]credit.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []credit.Session
	for _, s := range m.sessions {
		if s.PrincipalID == principalID {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}

func (m *Memory) GetSettlement(_ context.Context, eventID string) (*credit.SettlementEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.settlements[eventID]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *Memory) History(_ context.Context, filter credit.HistoryFilter) ([]credit.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []credit.HistoryEntry
	for _, e := range m.history {
		if !filter.Matches(e) {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result, nil
}

// =============================================================================
// BUDGET STORE
// =============================================================================

func (m *Memory) GetBudgetConfig(_ context.Context, id credit.PrincipalID) (*credit.BudgetConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.budgets[id]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (m *Memory) PutBudgetConfig(_ context.Context, cfg credit.BudgetConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[cfg.PrincipalID] = cfg
	return nil
}

func (m *Memory) ListBudgetConfigs(_ context.Context) ([]credit.BudgetConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]credit.BudgetConfig, 0, len(m.budgets))
	for _, cfg := range m.budgets {
		result = append(result, cfg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PrincipalID < result[j].PrincipalID })
	return result, nil
}

func (m *Memory) SaveAlert(_ context.Context, alert credit.BudgetAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *Memory) LatestAlert(_ context.Context, id credit.PrincipalID, since time.Time) (*credit.BudgetAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *credit.BudgetAlert
	for i := range m.alerts {
		a := m.alerts[i]
		if a.PrincipalID != id || a.Timestamp.Before(since) {
			continue
		}
		if latest == nil || !a.Timestamp.Before(latest.Timestamp) {
			latest = &a
		}
	}
	return latest, nil
}

func (m *Memory) ListAlerts(_ context.Context, id credit.PrincipalID) ([]credit.BudgetAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []credit.BudgetAlert
	for _, a := range m.alerts {
		if a.PrincipalID == id {
			result = append(result, a)
		}
	}
	return result, nil
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

func (m *Memory) SaveRejectedEvent(_ context.Context, ev credit.RejectedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, ev)
	return nil
}

// ListRejectedEvents returns newest first.
func (m *Memory) ListRejectedEvents(_ context.Context, limit int) ([]credit.RejectedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []credit.RejectedEvent
	for i := len(m.rejected) - 1; i >= 0; i-- {
		result = append(result, m.rejected[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
