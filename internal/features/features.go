// Package features turns raw input-device event batches into fixed-shape
// numeric feature vectors.
//
// Extraction is pure: no I/O, no shared state, and no error paths. Batches
// that are too small for a modality produce that modality's all-zero default
// vector so callers never need to special-case insufficient data.
package features

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind identifies a raw event type as reported by the client.
type Kind string

const (
	KindKeyDown     Kind = "keydown"
	KindKeyUp       Kind = "keyup"
	KindMouseMove   Kind = "mousemove"
	KindPointerMove Kind = "pointermove"
	KindClick       Kind = "click"
	KindMouseDown   Kind = "mousedown"
	KindPointerDown Kind = "pointerdown"
	KindMouseUp     Kind = "mouseup"
)

func (k Kind) isMove() bool { return k == KindMouseMove || k == KindPointerMove }

func (k Kind) isPress() bool {
	return k == KindClick || k == KindMouseDown || k == KindPointerDown
}

// Event is one raw keystroke or pointer event. Timestamps are client-supplied
// milliseconds and only meaningful relative to each other within a batch.
type Event struct {
	Kind      Kind    `json:"type"`
	Key       string  `json:"key,omitempty"`
	Button    int     `json:"button,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Modality selects which feature family to extract.
type Modality int

const (
	Keystroke Modality = iota
	Pointer
)

func (m Modality) String() string {
	switch m {
	case Keystroke:
		return "keystroke"
	case Pointer:
		return "pointer"
	default:
		return fmt.Sprintf("modality(%d)", int(m))
	}
}

// Vector is an immutable mapping from a sorted set of feature names to finite
// values. Vectors produced for the same modality combination share an
// identical key set.
type Vector struct {
	names  []string
	values []float64
	// observed records which modalities had enough events to be measured.
	// A modality present in the key set but not observed holds its default.
	observed map[Modality]bool
}

func newVector(fields map[string]float64, observed map[Modality]bool) Vector {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make([]float64, len(names))
	for i, name := range names {
		values[i] = finite(fields[name])
	}
	return Vector{names: names, values: values, observed: observed}
}

// Len returns the number of features.
func (v Vector) Len() int { return len(v.names) }

// Names returns a copy of the sorted feature names.
func (v Vector) Names() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Values returns a copy of the values, aligned with Names.
func (v Vector) Values() []float64 {
	out := make([]float64, len(v.values))
	copy(out, v.values)
	return out
}

// Get returns the named feature and whether it exists.
func (v Vector) Get(name string) (float64, bool) {
	i := sort.SearchStrings(v.names, name)
	if i < len(v.names) && v.names[i] == name {
		return v.values[i], true
	}
	return 0, false
}

// Observed reports whether the modality contributed measured (non-default) features.
func (v Vector) Observed(m Modality) bool { return v.observed[m] }

// Empty reports whether no modality was observed.
func (v Vector) Empty() bool {
	for _, ok := range v.observed {
		if ok {
			return false
		}
	}
	return true
}

// Map returns the vector as a plain map.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.names))
	for i, name := range v.names {
		out[name] = v.values[i]
	}
	return out
}

// MarshalJSON encodes the vector as a JSON object.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Map())
}

// Combine merges vectors from different modalities into one. Feature names
// are disjoint across modalities.
func Combine(vs ...Vector) Vector {
	fields := make(map[string]float64)
	observed := make(map[Modality]bool)
	for _, v := range vs {
		for i, name := range v.names {
			fields[name] = v.values[i]
		}
		for m, ok := range v.observed {
			observed[m] = observed[m] || ok
		}
	}
	return newVector(fields, observed)
}

// Extract computes the feature vector for one modality.
func Extract(events []Event, m Modality) Vector {
	switch m {
	case Keystroke:
		return ExtractKeystroke(events)
	case Pointer:
		return ExtractPointer(events)
	default:
		return Vector{}
	}
}

// ExtractSample extracts both modalities and combines them into the vector
// the risk model scores.
func ExtractSample(keystrokes, pointer []Event) Vector {
	return Combine(ExtractKeystroke(keystrokes), ExtractPointer(pointer))
}

// Decode parses a JSON array of events. Empty or null input yields no events.
func Decode(raw json.RawMessage) ([]Event, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

func sortedByTime(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// FromMap rebuilds a vector from stored fields. Modalities listed in observed
// are marked as measured.
func FromMap(fields map[string]float64, observed ...Modality) Vector {
	flags := make(map[Modality]bool, len(observed))
	for _, m := range observed {
		flags[m] = true
	}
	return newVector(fields, flags)
}

// Modalities returns the observed modalities in ascending order.
func (v Vector) Modalities() []Modality {
	var out []Modality
	for _, m := range []Modality{Keystroke, Pointer} {
		if v.observed[m] {
			out = append(out, m)
		}
	}
	return out
}

// ModalityOf reports which modality produces the named feature.
func ModalityOf(name string) (Modality, bool) {
	if i := sort.SearchStrings(KeystrokeFeatureNames, name); i < len(KeystrokeFeatureNames) && KeystrokeFeatureNames[i] == name {
		return Keystroke, true
	}
	if i := sort.SearchStrings(PointerFeatureNames, name); i < len(PointerFeatureNames) && PointerFeatureNames[i] == name {
		return Pointer, true
	}
	return 0, false
}
