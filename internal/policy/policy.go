// Package policy maps risk scores to response tiers and carries out the
// block response: disable the account, audit, alert.
package policy

import (
	"errors"
	"fmt"
)

// Tier is the response chosen for a scored sample.
type Tier string

const (
	TierNone   Tier = "none"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
	TierBlock  Tier = "block"
)

// Alert levels attached to analysis results.
const (
	LevelHigh   = "HIGH"
	LevelMedium = "MEDIUM"
)

// Alert is the informational annotation on an analysis result.
type Alert struct {
	Level             string `json:"level"`
	Message           string `json:"message"`
	RecommendedAction string `json:"recommended_action,omitempty"`
}

var (
	highAlert = Alert{
		Level:             LevelHigh,
		Message:           "Unusual behavioral patterns detected",
		RecommendedAction: "Require additional authentication",
	}
	mediumAlert = Alert{
		Level:   LevelMedium,
		Message: "Behavioral patterns slightly deviate from norm",
	}
)

// Thresholds are the configured tier boundaries. Block is inclusive; High
// and Medium are strict lower bounds.
type Thresholds struct {
	Block  float64
	High   float64
	Medium float64
}

// DefaultThresholds returns 0.7 / 0.7 / 0.5.
func DefaultThresholds() Thresholds {
	return Thresholds{Block: 0.7, High: 0.7, Medium: 0.5}
}

// Validate checks that every threshold lies in [0,1].
func (t Thresholds) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{{"block", t.Block}, {"high", t.High}, {"medium", t.Medium}} {
		if !(f.v >= 0 && f.v <= 1) {
			errs = append(errs, fmt.Errorf("%s threshold %v outside [0,1]", f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// Warnings reports orderings that make a softer tier unreachable or let it
// fire above the block line. They are not errors: block and alert
// thresholds are tuned independently.
func (t Thresholds) Warnings() []string {
	var out []string
	if t.Block < t.High {
		out = append(out, fmt.Sprintf("block threshold %.2f is below high-risk threshold %.2f", t.Block, t.High))
	}
	if t.Block < t.Medium {
		out = append(out, fmt.Sprintf("block threshold %.2f is below medium-risk threshold %.2f", t.Block, t.Medium))
	}
	if t.High < t.Medium {
		out = append(out, fmt.Sprintf("high-risk threshold %.2f is below medium-risk threshold %.2f", t.High, t.Medium))
	}
	return out
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Tier  Tier
	Alert *Alert
}

// Evaluate picks the response tier for risk.
func (t Thresholds) Evaluate(risk float64) Decision {
	switch {
	case risk >= t.Block:
		return Decision{Tier: TierBlock}
	case risk > t.High:
		a := highAlert
		return Decision{Tier: TierHigh, Alert: &a}
	case risk > t.Medium:
		a := mediumAlert
		return Decision{Tier: TierMedium, Alert: &a}
	default:
		return Decision{Tier: TierNone}
	}
}
