/*
handlers.go - HTTP API handlers for the usage-credit engine

PURPOSE:
  Exposes the ledger, session tracker, settlement processor and budget
  monitor over REST. Handles HTTP request/response and JSON, and delegates
  everything else to the domain packages.

ENDPOINTS (principal from the identity gateway header):
  POST   /api/usage              start / increment / end a session
  GET    /api/credits            current balance
  GET    /api/history            balance history (?from=&to=&limit=)
  GET    /api/sessions           sessions, newest first
  POST   /api/budget/evaluate    evaluate spend for a window
  GET    /api/budget             effective budget limits
  PUT    /api/budget             set the principal's budget limits
  GET    /api/budget/alerts      recorded alerts

  Payment provider:
    POST /webhooks/payment       signed settlement notification

  Admin (X-Admin-Token):
    POST /api/admin/principals       provision a zero balance
    GET  /api/admin/rejected-events  dead-lettered webhook payloads
    POST /api/admin/budget/run       run the budget check now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic
  4. Serialize response
  5. Map errors (writeDomainError)

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: InvalidArgument, malformed webhook, bad signature
  - 401: Unauthenticated
  - 404: Principal / session not found
  - 409: Session id owned by another principal
  - 412: Insufficient credits, session not active
  - 503: Unavailable after retries (Retry-After set)
  - 500: Internal errors (details not exposed)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/warp/usage-credits/budget"
	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/metrics"
	"github.com/warp/usage-credits/session"
	"github.com/warp/usage-credits/settlement"
)

const (
	maxBodyBytes        = 1 << 20
	SignatureHeader     = "X-Webhook-Signature"
	defaultHistoryLimit = 500
	defaultRejectLimit  = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *credit.Ledger
	Sessions    *session.Tracker
	Payments    *settlement.Processor
	Budget      *budget.Scheduler
	Budgets     credit.BudgetStore
	DeadLetters credit.DeadLetterStore
	Metrics     *metrics.Metrics

	// WindowDays is the default budget window.
	WindowDays int
	// EvaluateOnDebit runs a budget check after every successful debit.
	EvaluateOnDebit bool

	// Ping reports store health; nil means always healthy.
	Ping func(r *http.Request) error

	log zerolog.Logger
}

// NewHandler creates a handler. Callers fill in the optional fields.
func NewHandler(ledger *credit.Ledger, sessions *session.Tracker, payments *settlement.Processor, log zerolog.Logger) *Handler {
	return &Handler{
		Ledger:     ledger,
		Sessions:   sessions,
		Payments:   payments,
		WindowDays: budget.DefaultWindowDays,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// USAGE
// =============================================================================

// TrackUsage drives the session state machine.
func (h *Handler) TrackUsage(w http.ResponseWriter, r *http.Request) {
	principal := mustPrincipal(r)

	var req UsageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	service, err := credit.ParseServiceType(req.ServiceType)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	action, err := credit.ParseAction(req.ActionType)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	ctx := r.Context()
	sessionID := credit.SessionID(req.SessionID)

	if action == credit.ActionStart {
		res, err := h.Sessions.Start(ctx, principal, service, sessionID)
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toUsageResponse(res))
		return
	}

	if sessionID == "" {
		sessionID, err = h.Sessions.Resolve(ctx, principal, service)
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}
	} else {
		sess, err := h.Sessions.Get(ctx, principal, sessionID)
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}
		if sess.ServiceType != service {
			writeDomainError(w, r, h.log, fmt.Errorf("%w: session %s belongs to service %s",
				credit.ErrInvalidArgument, sessionID, sess.ServiceType))
			return
		}
	}

	var (
		res       session.Result
		requested int64
	)
	switch action {
	case credit.ActionIncrement:
		if req.SecondsUsed == nil {
			writeDomainError(w, r, h.log, fmt.Errorf("%w: secondsUsed is required for increment", credit.ErrInvalidArgument))
			return
		}
		requested = *req.SecondsUsed
		res, err = h.Sessions.Increment(ctx, principal, sessionID, requested)
	case credit.ActionEnd:
		if req.SecondsUsed != nil {
			requested = *req.SecondsUsed
		}
		res, err = h.Sessions.End(ctx, principal, sessionID, requested)
	}
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	h.afterDebit(r, principal, requested, res)
	writeJSON(w, http.StatusOK, toUsageResponse(res))
}

// afterDebit records a limit alert when the balance ran out and optionally
// re-evaluates the budget. Failures are logged; the debit already committed.
func (h *Handler) afterDebit(r *http.Request, principal credit.PrincipalID, requested int64, res session.Result) {
	if h.Budget == nil {
		return
	}
	ctx := r.Context()
	debit := credit.DebitResult{Granted: res.CreditsUsed, BalanceBefore: res.BalanceBefore, NewBalance: res.Remaining}
	if alert := h.Budget.Monitor.LimitReached(principal, requested, debit); alert != nil {
		if _, err := h.Budget.RecordOnce(ctx, *alert, h.WindowDays); err != nil {
			h.log.Error().Err(err).Str("principal_id", string(principal)).Msg("recording limit alert")
		}
	}
	if h.EvaluateOnDebit && res.CreditsUsed > 0 {
		if _, _, err := h.Budget.Check(ctx, principal, h.WindowDays); err != nil {
			h.log.Error().Err(err).Str("principal_id", string(principal)).Msg("budget check after debit")
		}
	}
}

// =============================================================================
// CREDITS / HISTORY / SESSIONS
// =============================================================================

// GetCredits returns the caller's balance.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Balance(r.Context(), mustPrincipal(r))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditsResponse(b))
}

// GetHistory returns ledger entries in [from, to]. Without an explicit limit
// the newest defaultHistoryLimit entries are returned, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	filter := credit.HistoryFilter{PrincipalID: mustPrincipal(r), Limit: defaultHistoryLimit}

	q := r.URL.Query()
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeDomainError(w, r, h.log, fmt.Errorf("%w: limit must be a positive integer", credit.ErrInvalidArgument))
			return
		}
		filter.Limit = n
	}

	entries, err := h.Ledger.History(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	dtos := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toHistoryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListSessions returns the caller's sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.List(r.Context(), mustPrincipal(r))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BUDGET
// =============================================================================

// EvaluateBudget reports the alert the caller's spend warrants right now.
func (h *Handler) EvaluateBudget(w http.ResponseWriter, r *http.Request) {
	var req EvaluateBudgetRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeDomainError(w, r, h.log, err)
		return
	}
	window := h.WindowDays
	if req.WindowDays != nil {
		window = *req.WindowDays
	}

	alert, err := h.Budget.Monitor.Evaluate(r.Context(), mustPrincipal(r), window)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, EvaluateBudgetResponse{Alert: toAlertDTO(alert)})
}

// GetBudget returns the caller's effective limits.
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Budgets.GetBudgetConfig(r.Context(), mustPrincipal(r))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetConfigDTO(cfg, h.Budget.Monitor.Defaults()))
}

// PutBudget sets the caller's budget override.
func (h *Handler) PutBudget(w http.ResponseWriter, r *http.Request) {
	principal := mustPrincipal(r)

	var req BudgetConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	if req.SpendLimitSeconds < 0 {
		writeDomainError(w, r, h.log, fmt.Errorf("%w: spendLimitSeconds must not be negative", credit.ErrInvalidArgument))
		return
	}
	if req.WarningThresholdPercent < 0 || req.WarningThresholdPercent > 100 {
		writeDomainError(w, r, h.log, fmt.Errorf("%w: warningThresholdPercent must be in [0, 100]", credit.ErrInvalidArgument))
		return
	}
	if _, err := h.Ledger.Balance(r.Context(), principal); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	cfg := credit.BudgetConfig{
		PrincipalID:             principal,
		SpendLimitSeconds:       req.SpendLimitSeconds,
		WarningThresholdPercent: req.WarningThresholdPercent,
		UpdatedAt:               h.Ledger.Now(),
	}
	if err := h.Budgets.PutBudgetConfig(r.Context(), cfg); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetConfigDTO(&cfg, h.Budget.Monitor.Defaults()))
}

// ListAlerts returns alerts recorded for the caller.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.Budgets.ListAlerts(r.Context(), mustPrincipal(r))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	dtos := make([]*AlertDTO, len(alerts))
	for i := range alerts {
		dtos[i] = toAlertDTO(&alerts[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT WEBHOOK
// =============================================================================

// PaymentWebhook verifies and applies a payment provider notification.
// Duplicates and ignored event types answer 200 so the provider stops
// redelivering.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_argument", "Unreadable body", err.Error())
		return
	}

	out, err := h.Payments.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, WebhookResponse{Status: out.Status, EventID: out.EventID})
	case errors.Is(err, settlement.ErrInvalidSignature):
		writeErrorCode(w, http.StatusBadRequest, "invalid_signature", "Invalid signature", nil)
	case errors.Is(err, settlement.ErrMalformedEvent):
		writeErrorCode(w, http.StatusBadRequest, "malformed_event", "Malformed event", err.Error())
	default:
		writeDomainError(w, r, h.log, err)
	}
}

// =============================================================================
// ADMIN
// =============================================================================

// OpenPrincipal provisions a zero balance (signup hook).
func (h *Handler) OpenPrincipal(w http.ResponseWriter, r *http.Request) {
	var req OpenPrincipalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	b, err := h.Ledger.Open(r.Context(), credit.PrincipalID(req.PrincipalID))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditsResponse(b))
}

// ListRejectedEvents returns dead-lettered webhook payloads, newest first.
func (h *Handler) ListRejectedEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultRejectLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeDomainError(w, r, h.log, fmt.Errorf("%w: limit must be a positive integer", credit.ErrInvalidArgument))
			return
		}
		limit = n
	}

	events, err := h.DeadLetters.ListRejectedEvents(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	dtos := make([]RejectedEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toRejectedDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunBudgetCheck triggers the scheduler immediately.
func (h *Handler) RunBudgetCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BudgetRunResponse{Raised: h.Budget.RunNow(r.Context())})
}

// =============================================================================
// OPS
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r); err != nil {
			writeErrorCode(w, http.StatusServiceUnavailable, "unavailable", "Store unreachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func mustPrincipal(r *http.Request) credit.PrincipalID {
	id, _ := PrincipalFrom(r.Context())
	return id
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", credit.ErrInvalidArgument, err)
	}
	return nil
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", credit.ErrInvalidArgument, v)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	var insufficient *credit.InsufficientCreditsError
	switch {
	case errors.Is(err, credit.ErrInvalidArgument):
		writeErrorCode(w, http.StatusBadRequest, "invalid_argument", "Invalid request", err.Error())
	case errors.Is(err, credit.ErrPrincipalNotFound):
		writeErrorCode(w, http.StatusNotFound, "principal_not_found", "Principal not found", nil)
	case errors.Is(err, credit.ErrSessionNotFound):
		writeErrorCode(w, http.StatusNotFound, "session_not_found", "Session not found", err.Error())
	case errors.As(err, &insufficient):
		writeErrorCode(w, http.StatusPreconditionFailed, "insufficient_credits", "Insufficient credits", map[string]int64{
			"remainingCredits": insufficient.Available,
			"requested":        insufficient.Requested,
		})
	case errors.Is(err, credit.ErrInsufficientCredits):
		writeErrorCode(w, http.StatusPreconditionFailed, "insufficient_credits", "Insufficient credits", nil)
	case errors.Is(err, credit.ErrSessionNotActive):
		writeErrorCode(w, http.StatusPreconditionFailed, "session_not_active", "Session is not active", err.Error())
	case errors.Is(err, credit.ErrSessionConflict):
		writeErrorCode(w, http.StatusConflict, "session_conflict", "Session id already in use", nil)
	case credit.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeErrorCode(w, http.StatusServiceUnavailable, "unavailable", "Temporarily unavailable, retry", nil)
	default:
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("internal error")
		writeErrorCode(w, http.StatusInternalServerError, "internal", "Internal error", nil)
	}
}
