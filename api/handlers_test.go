/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Usage lifecycle (start / increment / end) and status codes
- Authentication (principal header, admin token)
- Payment webhook flows
- Budget evaluation and configuration
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/usage-credits/budget"
	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/credit/store"
	"github.com/warp/usage-credits/metrics"
	"github.com/warp/usage-credits/session"
	"github.com/warp/usage-credits/settlement"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testSecret     = "whsec_api"
	testAdminToken = "admin-secret"
)

var testNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router  http.Handler
	handler *Handler
	ledger  *credit.Ledger
	mem     *store.Memory
}

func newTestServer(t *testing.T, opts ...budget.MonitorOption) *testServer {
	t.Helper()
	log := zerolog.Nop()
	mem := store.NewMemory()
	clock := func() time.Time { return testNow }
	ledger := credit.NewLedger(mem,
		credit.WithClock(clock),
		credit.WithRetry(3, time.Millisecond, 5*time.Millisecond),
	)

	monitor := budget.NewMonitor(mem, mem, append([]budget.MonitorOption{budget.WithClock(clock)}, opts...)...)
	scheduler := budget.NewScheduler(monitor, mem, budget.LogNotifier{Log: log}, log)

	h := NewHandler(ledger,
		session.NewTracker(ledger, log),
		settlement.NewProcessor(ledger, settlement.NewHMACVerifier(testSecret), mem),
		log,
	)
	h.Budget = scheduler
	h.Budgets = mem
	h.DeadLetters = mem
	h.Metrics = metrics.New()

	router := NewRouter(h, RouterOptions{AdminToken: testAdminToken, Log: log})
	return &testServer{router: router, handler: h, ledger: ledger, mem: mem}
}

func (s *testServer) fund(t *testing.T, principal string, seconds int64) {
	t.Helper()
	_, err := s.ledger.Credit(context.Background(), credit.CreditRequest{
		PrincipalID:   credit.PrincipalID(principal),
		Seconds:       seconds,
		SourceEventID: "seed-" + principal,
	})
	require.NoError(t, err)
}

func (s *testServer) do(t *testing.T, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("X-Principal-ID", principal)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seconds(n int64) *int64 { return &n }

// =============================================================================
// USAGE TESTS
// =============================================================================

func TestTrackUsage_Lifecycle(t *testing.T) {
	// GIVEN: A principal with 100 seconds
	s := newTestServer(t)
	s.fund(t, "u-1", 100)

	// WHEN: A session is started
	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start"})

	// THEN: The balance is reported untouched
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[UsageResponse](t, rec)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "active", started.Status)
	assert.Equal(t, int64(100), started.RemainingCredits)
	assert.Equal(t, "00:01:40", started.FormattedRemaining)

	// WHEN: 30 seconds are reported
	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
		ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(30), SessionID: started.SessionID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inc := decode[UsageResponse](t, rec)
	assert.Equal(t, int64(30), inc.CreditsUsed)
	assert.Equal(t, int64(100), inc.TotalCreditsBefore)
	assert.Equal(t, int64(70), inc.RemainingCredits)

	// WHEN: The session ends with 20 more seconds, without naming the session
	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
		ServiceType: "tools", ActionType: "end", SecondsUsed: seconds(20),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	end := decode[UsageResponse](t, rec)

	// THEN: The latest active session is closed
	assert.Equal(t, started.SessionID, end.SessionID)
	assert.Equal(t, "completed", end.Status)
	assert.Equal(t, int64(50), end.RemainingCredits)

	rec = s.do(t, http.MethodGet, "/api/credits", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(50), decode[CreditsResponse](t, rec).BalanceSeconds)
}

func TestTrackUsage_IncrementAtZeroIs412(t *testing.T) {
	// GIVEN: An active session whose balance has run out
	s := newTestServer(t)
	s.fund(t, "u-1", 10)
	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "chatbot", ActionType: "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[UsageResponse](t, rec).SessionID

	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
		ServiceType: "chatbot", ActionType: "increment", SecondsUsed: seconds(25), SessionID: id,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(10), decode[UsageResponse](t, rec).CreditsUsed)

	// WHEN: More usage is reported
	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
		ServiceType: "chatbot", ActionType: "increment", SecondsUsed: seconds(5), SessionID: id,
	})

	// THEN: 412 with the error code
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "insufficient_credits", decode[ErrorResponse](t, rec).Code)

	// AND: The clamped debit recorded a limit alert
	alerts, err := s.mem.ListAlerts(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, credit.AlertLimit, alerts[0].Type)
}

func TestTrackUsage_EndAtZeroIs412(t *testing.T) {
	// GIVEN: A session that used up the whole balance
	s := newTestServer(t)
	s.fund(t, "u-1", 10)
	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start"})
	id := decode[UsageResponse](t, rec).SessionID
	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
		ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(10), SessionID: id,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: The session ends reporting more seconds
	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
		ServiceType: "tools", ActionType: "end", SecondsUsed: seconds(5), SessionID: id,
	})

	// THEN: 412 and the session stays active
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "insufficient_credits", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/sessions", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode[[]SessionDTO](t, rec)[0].State)

	// AND: Ending with nothing owed closes it
	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "end", SessionID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decode[UsageResponse](t, rec).Status)
}

func TestTrackUsage_LimitAlertRecordedOnce(t *testing.T) {
	// GIVEN: A principal whose debits are clamped twice in the window
	s := newTestServer(t)
	s.fund(t, "u-1", 10)
	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start"})
	id := decode[UsageResponse](t, rec).SessionID

	for i, event := range []string{"", "top-up-1"} {
		if event != "" {
			_, err := s.ledger.Credit(context.Background(), credit.CreditRequest{PrincipalID: "u-1", Seconds: 10, SourceEventID: event})
			require.NoError(t, err)
		}
		rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
			ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(25), SessionID: id,
		})
		require.Equal(t, http.StatusOK, rec.Code, "debit %d", i)
		assert.Equal(t, int64(10), decode[UsageResponse](t, rec).CreditsUsed)
	}

	// THEN: Only one limit alert is stored
	alerts, err := s.mem.ListAlerts(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, credit.AlertLimit, alerts[0].Type)
}

func TestTrackUsage_ErrorCodes(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u-1", 100)
	s.fund(t, "u-2", 100)

	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start", SessionID: "sess-shared"})
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name      string
		principal string
		req       UsageRequest
		status    int
		code      string
	}{
		{"unknown service", "u-1", UsageRequest{ServiceType: "video", ActionType: "start"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown action", "u-1", UsageRequest{ServiceType: "tools", ActionType: "pause"}, http.StatusBadRequest, "invalid_argument"},
		{"increment without seconds", "u-1", UsageRequest{ServiceType: "tools", ActionType: "increment", SessionID: "sess-shared"}, http.StatusBadRequest, "invalid_argument"},
		{"negative seconds", "u-1", UsageRequest{ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(-1), SessionID: "sess-shared"}, http.StatusBadRequest, "invalid_argument"},
		{"service mismatch", "u-1", UsageRequest{ServiceType: "chatbot", ActionType: "increment", SecondsUsed: seconds(1), SessionID: "sess-shared"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown session", "u-1", UsageRequest{ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(1), SessionID: "sess-nope"}, http.StatusNotFound, "session_not_found"},
		{"foreign session hidden", "u-2", UsageRequest{ServiceType: "tools", ActionType: "end", SessionID: "sess-shared"}, http.StatusNotFound, "session_not_found"},
		{"foreign session id reused", "u-2", UsageRequest{ServiceType: "tools", ActionType: "start", SessionID: "sess-shared"}, http.StatusConflict, "session_conflict"},
		{"no active session", "u-2", UsageRequest{ServiceType: "tools", ActionType: "end"}, http.StatusNotFound, "session_not_found"},
		{"unknown principal", "u-9", UsageRequest{ServiceType: "tools", ActionType: "start"}, http.StatusNotFound, "principal_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/usage", tt.principal, tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestTrackUsage_EndedSessionIs412(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u-1", 100)
	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start"})
	id := decode[UsageResponse](t, rec).SessionID
	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "end", SessionID: id})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{
		ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(5), SessionID: id,
	})

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "session_not_active", decode[ErrorResponse](t, rec).Code)
}

func TestTrackUsage_UnavailableIs503(t *testing.T) {
	// GIVEN: Every commit attempt conflicts
	s := newTestServer(t)
	s.fund(t, "u-1", 100)
	s.mem.FailNextCommits(3)

	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "unavailable", decode[ErrorResponse](t, rec).Code)
}

func TestAPI_RequiresPrincipal(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/credits", "/api/history", "/api/sessions", "/api/budget"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

// =============================================================================
// HISTORY / SESSIONS TESTS
// =============================================================================

func TestGetHistory(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u-1", 100)
	rec := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start"})
	id := decode[UsageResponse](t, rec).SessionID
	s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(40), SessionID: id})

	rec = s.do(t, http.MethodGet, "/api/history", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]HistoryEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "settlement", entries[0].Action)
	assert.Equal(t, int64(100), entries[0].SecondsDelta)
	assert.Equal(t, int64(-40), entries[1].SecondsDelta)
	assert.Equal(t, id, entries[1].SessionID)

	rec = s.do(t, http.MethodGet, "/api/history?limit=1", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decode[[]HistoryEntryDTO](t, rec)
	require.Len(t, latest, 1, "limit keeps the newest entry")
	assert.Equal(t, int64(-40), latest[0].SecondsDelta)

	rec = s.do(t, http.MethodGet, "/api/history?from=yesterday", "u-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/history?limit=0", "u-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[[]SessionDTO](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(40), sessions[0].SecondsConsumed)
}

// =============================================================================
// WEBHOOK TESTS
// =============================================================================

func checkout(t *testing.T, id, principal, secondsToCredit string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":   id,
		"type": settlement.EventCheckoutCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"amount_total":   999,
				"currency":       "usd",
				"payment_status": "paid",
				"metadata": map[string]string{
					"principal_id":      principal,
					"seconds_to_credit": secondsToCredit,
				},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func (s *testServer) webhook(t *testing.T, raw []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(raw))
	req.Header.Set(SignatureHeader, signature)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhook_AppliesOnce(t *testing.T) {
	// GIVEN: A signed checkout for a new principal
	s := newTestServer(t)
	raw := checkout(t, "evt_100", "u-new", "3600")
	sig := settlement.SignHex(testSecret, raw)

	// WHEN: It is delivered twice
	first := s.webhook(t, raw, sig)
	second := s.webhook(t, raw, sig)

	// THEN: Credited once, the redelivery is acknowledged as duplicate
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, settlement.StatusApplied, decode[WebhookResponse](t, first).Status)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, settlement.StatusDuplicate, decode[WebhookResponse](t, second).Status)

	rec := s.do(t, http.MethodGet, "/api/credits", "u-new", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3600), decode[CreditsResponse](t, rec).BalanceSeconds)
}

func TestPaymentWebhook_Rejections(t *testing.T) {
	s := newTestServer(t)

	// Bad signature: refused, nothing dead-lettered
	raw := checkout(t, "evt_200", "u-1", "60")
	rec := s.webhook(t, raw, "deadbeef")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decode[ErrorResponse](t, rec).Code)

	// Verified but malformed: refused and dead-lettered
	bad := checkout(t, "evt_201", "u-1", "sixty")
	rec = s.webhook(t, bad, settlement.SignHex(testSecret, bad))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_event", decode[ErrorResponse](t, rec).Code)

	// Unrelated event type: acknowledged
	other := []byte(`{"id":"evt_202","type":"customer.created"}`)
	rec = s.webhook(t, other, settlement.SignHex(testSecret, other))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, settlement.StatusIgnored, decode[WebhookResponse](t, rec).Status)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/rejected-events", nil)
	req.Header.Set(AdminTokenHeader, testAdminToken)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decode[[]RejectedEventDTO](t, rec)
	require.Len(t, rejected, 1)
	assert.Equal(t, "evt_201", rejected[0].EventID)
}

func TestPaymentWebhook_MissingSecretIs503(t *testing.T) {
	// GIVEN: A server started without a webhook secret
	s := newTestServer(t)
	s.handler.Payments = settlement.NewProcessor(s.ledger, settlement.NewHMACVerifier(""), s.mem)

	raw := checkout(t, "evt_300", "u-1", "60")
	rec := s.webhook(t, raw, settlement.SignHex(testSecret, raw))

	// THEN: The provider is told to retry later
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "unavailable", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// ADMIN TESTS
// =============================================================================

func TestAdmin_Token(t *testing.T) {
	s := newTestServer(t)
	body, err := json.Marshal(OpenPrincipalRequest{PrincipalID: "u-signup"})
	require.NoError(t, err)

	send := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/principals", bytes.NewReader(body))
		if token != "" {
			req.Header.Set(AdminTokenHeader, token)
		}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, send("").Code)
	assert.Equal(t, http.StatusUnauthorized, send("wrong").Code)

	rec := send(testAdminToken)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(0), decode[CreditsResponse](t, rec).BalanceSeconds)

	// Open is idempotent
	assert.Equal(t, http.StatusCreated, send(testAdminToken).Code)
}

// =============================================================================
// BUDGET TESTS
// =============================================================================

func TestBudget_EvaluateAndConfigure(t *testing.T) {
	// GIVEN: A principal that spent 90 of a 100 second limit
	s := newTestServer(t)
	s.fund(t, "u-1", 500)

	rec := s.do(t, http.MethodPost, "/api/budget/evaluate", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, decode[EvaluateBudgetResponse](t, rec).Alert, "no limit configured")

	rec = s.do(t, http.MethodPut, "/api/budget", "u-1", BudgetConfigRequest{SpendLimitSeconds: 100, WarningThresholdPercent: 80})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[BudgetConfigDTO](t, rec).Default)

	start := s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "start"})
	id := decode[UsageResponse](t, start).SessionID
	s.do(t, http.MethodPost, "/api/usage", "u-1", UsageRequest{ServiceType: "tools", ActionType: "increment", SecondsUsed: seconds(90), SessionID: id})

	// WHEN: The budget is evaluated
	rec = s.do(t, http.MethodPost, "/api/budget/evaluate", "u-1", EvaluateBudgetRequest{})

	// THEN: A warning is reported
	require.Equal(t, http.StatusOK, rec.Code)
	alert := decode[EvaluateBudgetResponse](t, rec).Alert
	require.NotNil(t, alert)
	assert.Equal(t, "warning", alert.Type)
	assert.Equal(t, int64(90), alert.CurrentSpend)
	assert.Equal(t, int64(80), alert.Threshold)
	assert.Equal(t, budget.DefaultWindowDays, alert.WindowDays)

	// AND: Evaluation does not persist anything
	rec = s.do(t, http.MethodGet, "/api/budget/alerts", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]*AlertDTO](t, rec))

	// WHEN: The admin runs the scheduled check
	req := httptest.NewRequest(http.MethodPost, "/api/admin/budget/run", nil)
	req.Header.Set(AdminTokenHeader, testAdminToken)
	run := httptest.NewRecorder()
	s.router.ServeHTTP(run, req)

	// THEN: The warning is recorded
	require.Equal(t, http.StatusOK, run.Code)
	assert.Equal(t, 1, decode[BudgetRunResponse](t, run).Raised)
	rec = s.do(t, http.MethodGet, "/api/budget/alerts", "u-1", nil)
	assert.Len(t, decode[[]*AlertDTO](t, rec), 1)
}

func TestBudget_Validation(t *testing.T) {
	s := newTestServer(t, budget.WithDefaults(budget.Limits{SpendLimitSeconds: 1000, WarningThresholdPercent: 75}))
	s.fund(t, "u-1", 10)

	rec := s.do(t, http.MethodGet, "/api/budget", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[BudgetConfigDTO](t, rec)
	assert.True(t, cfg.Default)
	assert.Equal(t, int64(1000), cfg.SpendLimitSeconds)

	window := 0
	rec = s.do(t, http.MethodPost, "/api/budget/evaluate", "u-1", EvaluateBudgetRequest{WindowDays: &window})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/budget", "u-1", BudgetConfigRequest{SpendLimitSeconds: 10, WarningThresholdPercent: 101})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/budget", "u-9", BudgetConfigRequest{SpendLimitSeconds: 10, WarningThresholdPercent: 50})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// OPS TESTS
// =============================================================================

func TestCORS_PreflightAllowsPrincipalHeader(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/credits", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "X-Principal-ID")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")), "x-principal-id")
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
