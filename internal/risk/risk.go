// Package risk scores behavioral feature vectors.
//
// Each user gets an anomaly baseline fitted only on that user's own samples.
// Until a user's baseline is trained, scoring falls back to a population-level
// classifier over (features → identity) pairs, where low confidence in any
// known identity means high risk. Scores range from 0.0 (consistent with the
// learned norm) to 1.0 (highly anomalous).
package risk

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mbd888/cadence/internal/features"
)

// Source names the model that produced a score.
type Source string

const (
	SourceUser   Source = "user"
	SourceGlobal Source = "global"
	SourceNone   Source = "none"
)

// Defaults for profile training.
const (
	DefaultMinProfileSamples = 3
	DefaultMaxExemplars      = 50
	DefaultLearnBelowRisk    = 0.5
)

var ErrInsufficientSamples = errors.New("risk: insufficient samples")

// Contribution describes how far one feature sits from the user's norm.
type Contribution struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	Deviation float64 `json:"deviation"`
}

// Explanation accompanies a score with the model used and the most deviating features.
type Explanation struct {
	Source      Source         `json:"source"`
	TopFeatures []Contribution `json:"topFeatures,omitempty"`
}

// Assessment is the result of scoring one feature vector.
type Assessment struct {
	Score       float64     `json:"riskScore"`
	Explanation Explanation `json:"riskExplanation"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// Feedback is an advisory label attached to a profile update. It is recorded
// but never overrides scoring.
type Feedback struct {
	Label      string    `json:"label"`
	SessionID  string    `json:"sessionId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// LabeledSample pairs a feature vector with the identity that produced it.
type LabeledSample struct {
	UserID string
	Vector features.Vector
}

// SampleStore persists the labelled samples the population model is trained on.
type SampleStore interface {
	ReplaceSamples(ctx context.Context, samples []LabeledSample) error
	LoadSamples(ctx context.Context) ([]LabeledSample, error)
}

// volumeFeatures describe how much input a batch contained rather than how
// the user behaved, so neither model scores on them.
var volumeFeatures = map[string]bool{
	"elapsed_ms":          true,
	"key_count":           true,
	"pointer_event_count": true,
}

// anomalyScale is the distance at which a per-user score reaches 0.5.
const anomalyScale = 3.0

// normalize maps a non-negative anomaly distance onto [0,1]. The mapping is
// fixed so scores stay comparable across users and over time.
func normalize(distance float64) float64 {
	if math.IsNaN(distance) || distance <= 0 {
		return 0
	}
	if math.IsInf(distance, 1) {
		return 1
	}
	d2 := distance * distance
	return clamp(d2 / (d2 + anomalyScale*anomalyScale))
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
