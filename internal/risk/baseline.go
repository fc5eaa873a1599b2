package risk

import (
	"math"
	"sort"

	"github.com/mbd888/cadence/internal/features"
)

const (
	// relativeScaleFloor keeps a near-constant feature from turning tiny
	// jitter into huge deviations: spread is at least this fraction of the centre.
	relativeScaleFloor = 0.10
	absoluteScaleFloor = 0.05
	maxDeviation       = 10.0
	explainTopN        = 3
)

// Baseline is a per-user anomaly model: the centre and spread of every
// feature over the user's own exemplars. Distance from the centre, in units
// of spread, is the anomaly statistic.
type Baseline struct {
	names   []string
	center  []float64
	scale   []float64
	support []int
}

// FitBaseline fits a baseline over exemplars. A feature's statistics only
// use exemplars in which its modality was observed.
func FitBaseline(exemplars []features.Vector) (*Baseline, error) {
	var usable []features.Vector
	for _, v := range exemplars {
		if !v.Empty() {
			usable = append(usable, v)
		}
	}
	if len(usable) == 0 {
		return nil, ErrInsufficientSamples
	}

	names := scoringNames(usable[0])
	b := &Baseline{
		names:   names,
		center:  make([]float64, len(names)),
		scale:   make([]float64, len(names)),
		support: make([]int, len(names)),
	}

	for i, name := range names {
		m, ok := features.ModalityOf(name)
		if !ok {
			continue
		}
		var values []float64
		for _, v := range usable {
			if !v.Observed(m) {
				continue
			}
			x, _ := v.Get(name)
			values = append(values, x)
		}
		if len(values) == 0 {
			continue
		}
		c, sd := meanStd(values)
		b.center[i] = c
		b.scale[i] = math.Max(sd, math.Max(relativeScaleFloor*math.Abs(c), absoluteScaleFloor))
		b.support[i] = len(values)
	}
	return b, nil
}

// Distance returns the root-mean-square deviation of v from the baseline
// over features both sides have measured, with the most deviating features.
// ok is false when v shares no measured modality with the baseline.
func (b *Baseline) Distance(v features.Vector) (distance float64, top []Contribution, ok bool) {
	var (
		sum      float64
		n        int
		contribs []Contribution
	)
	for i, name := range b.names {
		if b.support[i] == 0 {
			continue
		}
		m, known := features.ModalityOf(name)
		if !known || !v.Observed(m) {
			continue
		}
		x, _ := v.Get(name)
		z := (x - b.center[i]) / b.scale[i]
		z = math.Max(-maxDeviation, math.Min(maxDeviation, z))
		sum += z * z
		n++
		contribs = append(contribs, Contribution{Feature: name, Value: round3(x), Deviation: round3(z)})
	}
	if n == 0 {
		return 0, nil, false
	}

	sort.SliceStable(contribs, func(i, j int) bool {
		return math.Abs(contribs[i].Deviation) > math.Abs(contribs[j].Deviation)
	})
	if len(contribs) > explainTopN {
		contribs = contribs[:explainTopN]
	}
	return math.Sqrt(sum / float64(n)), contribs, true
}

func scoringNames(v features.Vector) []string {
	var names []string
	for _, name := range v.Names() {
		if !volumeFeatures[name] {
			names = append(names, name)
		}
	}
	return names
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range values {
		sum += x
	}
	m := sum / float64(len(values))
	var ss float64
	for _, x := range values {
		d := x - m
		ss += d * d
	}
	return m, math.Sqrt(ss / float64(len(values)))
}
