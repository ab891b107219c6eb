/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structure for all API requests and responses.
  Separates API contracts from domain models, allowing them to evolve
  independently.

NAMING CONVENTIONS:
  - *Request: Incoming request body
  - *Response / *DTO: Outgoing data

JSON FIELD NAMES:
  camelCase, matching the web and mobile clients.

SEE ALSO:
  - handlers.go: Uses these DTOs
  - credit/types.go: Domain models these map to
*/
package api

import (
	"time"

	"github.com/warp/usage-credits/budget"
	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/session"
)

// =============================================================================
// USAGE
// =============================================================================

// UsageRequest is the body of POST /api/usage.
type UsageRequest struct {
	ServiceType string `json:"serviceType"`
	ActionType  string `json:"actionType"`
	SecondsUsed *int64 `json:"secondsUsed,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

type UsageResponse struct {
	SessionID          string `json:"sessionId"`
	Status             string `json:"status"`
	RemainingCredits   int64  `json:"remainingCredits"`
	TotalCreditsBefore int64  `json:"totalCreditsBefore"`
	CreditsUsed        int64  `json:"creditsUsed"`
	FormattedRemaining string `json:"formattedRemaining"`
}

// =============================================================================
// CREDITS / HISTORY / SESSIONS
// =============================================================================

type CreditsResponse struct {
	PrincipalID    string     `json:"principalId"`
	BalanceSeconds int64      `json:"balanceSeconds"`
	FormattedHMS   string     `json:"formattedHMS"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}

type HistoryEntryDTO struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	ServiceType   string    `json:"serviceType,omitempty"`
	SecondsDelta  int64     `json:"secondsDelta"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"sessionId,omitempty"`
	SourceEventID string    `json:"sourceEventId,omitempty"`
}

type SessionDTO struct {
	ID              string     `json:"id"`
	ServiceType     string     `json:"serviceType"`
	State           string     `json:"state"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	SecondsConsumed int64      `json:"secondsConsumed"`
}

// =============================================================================
// BUDGET
// =============================================================================

type EvaluateBudgetRequest struct {
	WindowDays *int `json:"windowDays,omitempty"`
}

type EvaluateBudgetResponse struct {
	Alert *AlertDTO `json:"alert"`
}

type BudgetConfigRequest struct {
	SpendLimitSeconds       int64 `json:"spendLimitSeconds"`
	WarningThresholdPercent int   `json:"warningThresholdPercent"`
}

type BudgetConfigDTO struct {
	SpendLimitSeconds       int64      `json:"spendLimitSeconds"`
	WarningThresholdPercent int        `json:"warningThresholdPercent"`
	UpdatedAt               *time.Time `json:"updatedAt,omitempty"`
	Default                 bool       `json:"default"`
}

type AlertDTO struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	CurrentSpend int64     `json:"currentSpend"`
	Threshold    int64     `json:"threshold"`
	WindowDays   int       `json:"windowDays"`
	Timestamp    time.Time `json:"timestamp"`
}

// =============================================================================
// WEBHOOK / ADMIN
// =============================================================================

type WebhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"eventId,omitempty"`
}

type OpenPrincipalRequest struct {
	PrincipalID string `json:"principalId"`
}

type RejectedEventDTO struct {
	ID         string    `json:"id"`
	EventID    string    `json:"eventId,omitempty"`
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type BudgetRunResponse struct {
	Raised int `json:"raised"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toUsageResponse(res session.Result) UsageResponse {
	return UsageResponse{
		SessionID:          string(res.Session.ID),
		Status:             string(res.Status),
		RemainingCredits:   res.Remaining,
		TotalCreditsBefore: res.BalanceBefore,
		CreditsUsed:        res.CreditsUsed,
		FormattedRemaining: credit.FormatHMS(res.Remaining),
	}
}

func toCreditsResponse(b *credit.PrincipalBalance) CreditsResponse {
	resp := CreditsResponse{
		PrincipalID:    string(b.PrincipalID),
		BalanceSeconds: b.BalanceSeconds,
		FormattedHMS:   credit.FormatHMS(b.BalanceSeconds),
	}
	if !b.LastActivityAt.IsZero() {
		t := b.LastActivityAt
		resp.LastActivityAt = &t
	}
	return resp
}

func toHistoryDTO(e credit.HistoryEntry) HistoryEntryDTO {
	return HistoryEntryDTO{
		ID:            e.ID,
		Action:        string(e.Action),
		ServiceType:   string(e.ServiceType),
		SecondsDelta:  e.SecondsDelta,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		Timestamp:     e.Timestamp,
		SessionID:     string(e.SessionID),
		SourceEventID: e.SourceEventID,
	}
}

func toSessionDTO(s credit.Session) SessionDTO {
	return SessionDTO{
		ID:              string(s.ID),
		ServiceType:     string(s.ServiceType),
		State:           string(s.State),
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		LastActivityAt:  s.LastActivityAt,
		SecondsConsumed: s.SecondsConsumed,
	}
}

func toAlertDTO(a *credit.BudgetAlert) *AlertDTO {
	if a == nil {
		return nil
	}
	return &AlertDTO{
		ID:           a.ID,
		Type:         string(a.Type),
		CurrentSpend: a.CurrentSpend,
		Threshold:    a.Threshold,
		WindowDays:   a.WindowDays,
		Timestamp:    a.Timestamp,
	}
}

func toBudgetConfigDTO(cfg *credit.BudgetConfig, defaults budget.Limits) BudgetConfigDTO {
	if cfg == nil {
		return BudgetConfigDTO{
			SpendLimitSeconds:       defaults.SpendLimitSeconds,
			WarningThresholdPercent: defaults.WarningThresholdPercent,
			Default:                 true,
		}
	}
	t := cfg.UpdatedAt
	return BudgetConfigDTO{
		SpendLimitSeconds:       cfg.SpendLimitSeconds,
		WarningThresholdPercent: cfg.WarningThresholdPercent,
		UpdatedAt:               &t,
	}
}

func toRejectedDTO(ev credit.RejectedEvent) RejectedEventDTO {
	return RejectedEventDTO{
		ID:         ev.ID,
		EventID:    ev.EventID,
		Reason:     ev.Reason,
		Payload:    string(ev.Payload),
		ReceivedAt: ev.ReceivedAt,
	}
}
