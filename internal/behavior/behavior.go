// Package behavior persists raw behavioral samples. Saves are merged by
// session id: event arrays accumulate across saves and the risk score is
// replaced by the latest one.
package behavior

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionOwner is returned when a session id is already bound to a
	// different user.
	ErrSessionOwner = errors.New("behavior: session belongs to another user")
	// ErrInvalidData is returned when event data is not a JSON array.
	ErrInvalidData = errors.New("behavior: event data must be a JSON array")
)

// Sample is the accumulated behavioral data for one session.
type Sample struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"userId"`
	SessionID     string          `json:"sessionId"`
	KeystrokeData json.RawMessage `json:"keystrokeData"`
	MouseData     json.RawMessage `json:"mouseData"`
	RiskScore     float64         `json:"riskScore"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store persists behavioral samples.
type Store interface {
	// SaveSample appends the events to the session's sample, creating it
	// on first save.
	SaveSample(ctx context.Context, userID int64, sessionID string, keystroke, mouse json.RawMessage, risk float64) error
	// GetHistory returns the user's samples, most recently updated first.
	GetHistory(ctx context.Context, userID int64, limit int) ([]*Sample, error)
	// ListSamples returns up to limit samples across all users, most
	// recently updated first.
	ListSamples(ctx context.Context, limit int) ([]*Sample, error)
}

var emptyArray = json.RawMessage("[]")

// normalizeArray returns data as a JSON array, mapping empty and null to [].
func normalizeArray(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 || string(data) == "null" {
		return emptyArray, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return data, nil
}

// concat joins two JSON arrays.
func concat(a, b json.RawMessage) (json.RawMessage, error) {
	var left, right []json.RawMessage
	if err := json.Unmarshal(a, &left); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return nil, err
	}
	if len(right) == 0 {
		return a, nil
	}
	return json.Marshal(append(left, right...))
}
