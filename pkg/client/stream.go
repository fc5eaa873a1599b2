package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSessionTerminated is returned by Next after the server ended the
// session for behavioral anomaly. The terminating frame is returned with it.
var ErrSessionTerminated = errors.New("cadence: session terminated")

// Stream is an authenticated behavioral stream. Sends are safe for
// concurrent use; Next must be called from a single goroutine.
type Stream struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// OpenStream dials the behavioral stream and authenticates with the
// client's access token.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	target, err := c.streamURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{"Origin": []string{c.baseURL}}
	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return nil, parseError(resp)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	s := &Stream{ws: ws}
	if err := s.write(map[string]any{"token": token}); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return s, nil
}

// SendBehavioral submits one batch of events for scoring. An empty userID
// lets the server use the token's identity.
func (s *Stream) SendBehavioral(userID, sessionID string, keystrokes, pointer []Event) error {
	return s.write(frame("behavioral_data", userID, sessionID, map[string]any{
		"keystrokeData": nonNil(keystrokes),
		"mouseData":     nonNil(pointer),
	}))
}

// Authenticate announces a session and creates the user's profile if needed.
func (s *Stream) Authenticate(userID, sessionID string) error {
	return s.write(frame("user_authentication", userID, sessionID, nil))
}

// Feedback labels a session, optionally with more training data.
func (s *Stream) Feedback(userID, sessionID, label string, keystrokes, pointer []Event) error {
	msg := frame("feedback", userID, sessionID, map[string]any{"feedback": label})
	if keystrokes != nil || pointer != nil {
		msg["behavioralData"] = map[string]any{
			"keystrokeData": nonNil(keystrokes),
			"mouseData":     nonNil(pointer),
		}
	}
	return s.write(msg)
}

// Next reads the next server frame. A session_terminated frame is returned
// together with ErrSessionTerminated.
func (s *Stream) Next(ctx context.Context) (*Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.ws.SetReadDeadline(deadline)
	} else {
		_ = s.ws.SetReadDeadline(time.Time{})
	}
	var msg Message
	if err := s.ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	if msg.Type == TypeSessionTerminated {
		return &msg, ErrSessionTerminated
	}
	return &msg, nil
}

// Close ends the stream with a normal closure.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.ws.Close()
}

func (s *Stream) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// frame builds an inbound message, omitting an empty userId so the server
// falls back to the token identity.
func frame(typ, userID, sessionID string, fields map[string]any) map[string]any {
	msg := map[string]any{"type": typ, "sessionId": sessionID}
	if userID != "" {
		msg["userId"] = userID
	}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}

func nonNil(events []Event) []Event {
	if events == nil {
		return []Event{}
	}
	return events
}
