// Package client is a Go client for the cadence API and its behavioral
// stream.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Event is one raw keystroke or pointer event as sent on the stream.
type Event struct {
	Type      string  `json:"type"`
	Key       string  `json:"key,omitempty"`
	Button    int     `json:"button,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	UserID      int64     `json:"userId"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// SecurityEvent is one entry of the security event log.
type SecurityEvent struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Kind      string    `json:"eventType"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"sessionId,omitempty"`
	RiskScore *float64  `json:"riskScore,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventPage is one page of security events.
type EventPage struct {
	Events     []SecurityEvent `json:"events"`
	NextCursor string          `json:"nextCursor"`
	HasMore    bool            `json:"hasMore"`
}

// EventQuery filters SecurityEvents.
type EventQuery struct {
	Username  string
	EventType string
	Limit     int
	Cursor    string
}

// Alert is the tier annotation on an analysis result.
type Alert struct {
	Level             string `json:"level"`
	Message           string `json:"message"`
	RecommendedAction string `json:"recommended_action,omitempty"`
}

// Contribution is one feature named in a risk explanation.
type Contribution struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	Deviation float64 `json:"deviation"`
}

// Explanation says which model scored a sample and why.
type Explanation struct {
	Source      string         `json:"source"`
	TopFeatures []Contribution `json:"topFeatures"`
}

// Message is any frame the server sends on the stream. Fields not used by
// Type are zero.
type Message struct {
	Type            string       `json:"type"`
	UserID          string       `json:"userId,omitempty"`
	SessionID       string       `json:"sessionId,omitempty"`
	RiskScore       float64      `json:"riskScore,omitempty"`
	RiskExplanation *Explanation `json:"riskExplanation,omitempty"`
	Alert           *Alert       `json:"alert,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	Blocked         bool         `json:"blocked,omitempty"`
	Code            string       `json:"code,omitempty"`
	Message         string       `json:"message,omitempty"`
	Timestamp       time.Time    `json:"timestamp,omitempty"`
}

// Stream message types.
const (
	TypeAuthenticationSuccess = "authentication_success"
	TypeAnalysisResult        = "analysis_result"
	TypeFeedbackReceived      = "feedback_received"
	TypeSessionTerminated     = "session_terminated"
	TypeError                 = "error"
)

// Error is an API error response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cadence: %d %s: %s", e.Status, e.Code, e.Message)
}

// parseError builds an *Error from a non-2xx response.
func parseError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	apiErr := &Error{Status: resp.StatusCode}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
