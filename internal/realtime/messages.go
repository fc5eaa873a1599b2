package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mbd888/cadence/internal/policy"
	"github.com/mbd888/cadence/internal/risk"
)

// MessageType is the "type" discriminator of a frame.
type MessageType string

// Inbound types.
const (
	TypeBehavioralData     MessageType = "behavioral_data"
	TypeUserAuthentication MessageType = "user_authentication"
	TypeFeedback           MessageType = "feedback"
)

// Outbound types.
const (
	TypeAuthenticationSuccess MessageType = "authentication_success"
	TypeAnalysisResult        MessageType = "analysis_result"
	TypeFeedbackReceived      MessageType = "feedback_received"
	TypeSessionTerminated     MessageType = "session_terminated"
	TypeError                 MessageType = "error"
)

// Error frame codes.
const (
	CodeInvalidJSON    = "invalid_json"
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeUnavailable    = "unavailable"
	CodeRateLimited    = "rate_limited"
)

// Message is a decoded inbound frame: one of *BehavioralData,
// *UserAuthentication or *Feedback.
type Message interface {
	Type() MessageType
	User() string
	Session() string
	setUser(string)
}

type envelope struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

func (e *envelope) User() string     { return e.UserID }
func (e *envelope) Session() string  { return e.SessionID }
func (e *envelope) setUser(u string) { e.UserID = u }

// BehavioralData carries one batch of raw events to score.
type BehavioralData struct {
	envelope
	KeystrokeData json.RawMessage `json:"keystrokeData"`
	MouseData     json.RawMessage `json:"mouseData"`
}

func (*BehavioralData) Type() MessageType { return TypeBehavioralData }

// UserAuthentication announces the user behind a session.
type UserAuthentication struct {
	envelope
}

func (*UserAuthentication) Type() MessageType { return TypeUserAuthentication }

// Feedback labels a session and optionally supplies more training data.
type Feedback struct {
	envelope
	Feedback       string  `json:"feedback"`
	BehavioralData *Sample `json:"behavioralData"`
}

func (*Feedback) Type() MessageType { return TypeFeedback }

// Sample is a pair of raw event arrays.
type Sample struct {
	KeystrokeData json.RawMessage `json:"keystrokeData"`
	MouseData     json.RawMessage `json:"mouseData"`
}

// inboundSchema bounds every inbound frame. Event items are loosely typed:
// malformed events degrade to default features rather than failing.
const inboundSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["behavioral_data", "user_authentication", "feedback"]},
    "userId": {"type": ["string", "null"], "maxLength": 64},
    "sessionId": {"type": ["string", "null"], "maxLength": 128},
    "keystrokeData": {"$ref": "#/$defs/events"},
    "mouseData": {"$ref": "#/$defs/events"},
    "feedback": {"type": ["string", "null"], "maxLength": 256},
    "behavioralData": {
      "type": ["object", "null"],
      "properties": {
        "keystrokeData": {"$ref": "#/$defs/events"},
        "mouseData": {"$ref": "#/$defs/events"}
      }
    }
  },
  "allOf": [{
    "if": {"properties": {"type": {"const": "behavioral_data"}}},
    "then": {"required": ["sessionId"], "properties": {"sessionId": {"type": "string", "minLength": 1}}}
  }],
  "$defs": {
    "events": {
      "type": ["array", "null"],
      "maxItems": 10000,
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string"},
          "key": {"type": ["string", "null"]},
          "button": {"type": ["integer", "null"]},
          "x": {"type": ["number", "null"]},
          "y": {"type": ["number", "null"]},
          "timestamp": {"type": "number"}
        }
      }
    }
  }
}`

var schema = compileSchema()

func compileSchema() *jsonschema.Schema {
	const url = "cadence://realtime/inbound.json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(inboundSchema)); err != nil {
		panic(fmt.Sprintf("realtime: add inbound schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("realtime: compile inbound schema: %v", err))
	}
	return s
}

// frameError is a rejected frame, answered with an error frame.
type frameError struct {
	code    string
	message string
}

// decodeFrame parses raw as a JSON object. The claimed userId is returned
// even when later checks fail so the caller can apply the identity guard
// before anything else.
func decodeFrame(raw []byte) (doc map[string]any, claimed string, ferr *frameError) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return nil, "", &frameError{code: CodeInvalidJSON, message: "Invalid JSON format"}
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, "", &frameError{code: CodeInvalidMessage, message: "Message must be a JSON object"}
	}
	claimed, _ = doc["userId"].(string)
	return doc, claimed, nil
}

// parseMessage resolves the tagged union once, at the protocol boundary.
func parseMessage(raw []byte, doc map[string]any) (Message, *frameError) {
	typ, _ := doc["type"].(string)
	var msg Message
	switch MessageType(typ) {
	case TypeBehavioralData:
		msg = &BehavioralData{}
	case TypeUserAuthentication:
		msg = &UserAuthentication{}
	case TypeFeedback:
		msg = &Feedback{}
	default:
		return nil, &frameError{code: CodeUnknownType, message: fmt.Sprintf("Unknown message type %q", typ)}
	}

	if err := schema.Validate(doc); err != nil {
		return nil, &frameError{code: CodeInvalidMessage, message: validationMessage(err)}
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, &frameError{code: CodeInvalidMessage, message: "Malformed message fields"}
	}
	return msg, nil
}

func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("Invalid message at %s: %s", loc, leaf.Message)
	}
	return "Invalid message"
}

type errorFrame struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

type authenticationSuccess struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId"`
	SessionID string      `json:"sessionId,omitempty"`
}

type feedbackReceived struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Message   string      `json:"message"`
}

type analysisResult struct {
	Type            MessageType      `json:"type"`
	SessionID       string           `json:"sessionId"`
	RiskScore       float64          `json:"riskScore"`
	RiskExplanation risk.Explanation `json:"riskExplanation"`
	Alert           *policy.Alert    `json:"alert,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

type sessionTerminated struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	UserID    string      `json:"userId"`
	RiskScore float64     `json:"riskScore"`
	Reason    string      `json:"reason"`
	Blocked   bool        `json:"blocked"`
	Timestamp time.Time   `json:"timestamp"`
}

type handshake struct {
	Token string `json:"token"`
}
