package risk

import (
	"math"
	"sort"

	"github.com/mbd888/cadence/internal/features"
)

// varianceSmoothing is added to every per-class variance in standardized
// units so a class seen with identical samples still has a usable density.
const varianceSmoothing = 0.1

// Classifier is the population model: a Gaussian naive Bayes classifier over
// standardized features, mapping a vector to a probability per known identity.
type Classifier struct {
	names     []string
	mean      []float64
	std       []float64
	classes   []string
	centroids [][]float64
	variances [][]float64
	logPriors []float64
	samples   int
}

// FitClassifier trains the population model. At least two non-empty samples
// are required.
func FitClassifier(samples []LabeledSample) (*Classifier, error) {
	var usable []LabeledSample
	for _, s := range samples {
		if s.UserID != "" && !s.Vector.Empty() {
			usable = append(usable, s)
		}
	}
	if len(usable) < 2 {
		return nil, ErrInsufficientSamples
	}

	names := scoringNames(usable[0].Vector)
	c := &Classifier{
		names:   names,
		mean:    make([]float64, len(names)),
		std:     make([]float64, len(names)),
		samples: len(usable),
	}

	rows := make([][]float64, len(usable))
	for i, s := range usable {
		rows[i] = c.project(s.Vector)
	}

	// Standard scaler; constant features get unit scale.
	for j := range names {
		col := make([]float64, len(rows))
		for i := range rows {
			col[i] = rows[i][j]
		}
		m, sd := meanStd(col)
		if sd == 0 {
			sd = 1
		}
		c.mean[j], c.std[j] = m, sd
	}
	for i := range rows {
		rows[i] = c.standardize(rows[i])
	}

	byClass := make(map[string][][]float64)
	for i, s := range usable {
		byClass[s.UserID] = append(byClass[s.UserID], rows[i])
	}
	for class := range byClass {
		c.classes = append(c.classes, class)
	}
	sort.Strings(c.classes)

	for _, class := range c.classes {
		members := byClass[class]
		centroid := make([]float64, len(names))
		variance := make([]float64, len(names))
		for j := range names {
			col := make([]float64, len(members))
			for i, row := range members {
				col[i] = row[j]
			}
			m, sd := meanStd(col)
			centroid[j] = m
			variance[j] = sd*sd + varianceSmoothing
		}
		c.centroids = append(c.centroids, centroid)
		c.variances = append(c.variances, variance)
		c.logPriors = append(c.logPriors, math.Log(float64(len(members))/float64(len(usable))))
	}
	return c, nil
}

// Classes returns the identities the classifier knows.
func (c *Classifier) Classes() []string {
	out := make([]string, len(c.classes))
	copy(out, c.classes)
	return out
}

// Probabilities returns the posterior probability of each known identity.
// The per-feature log-likelihood is averaged rather than summed, which
// tempers the overconfidence of the independence assumption.
func (c *Classifier) Probabilities(v features.Vector) map[string]float64 {
	x := c.standardize(c.project(v))
	logits := make([]float64, len(c.classes))
	best := math.Inf(-1)
	for k := range c.classes {
		var ll float64
		for j := range x {
			d := x[j] - c.centroids[k][j]
			ll += -0.5 * (d*d/c.variances[k][j] + math.Log(2*math.Pi*c.variances[k][j]))
		}
		if len(x) > 0 {
			ll /= float64(len(x))
		}
		logits[k] = c.logPriors[k] + ll
		if logits[k] > best {
			best = logits[k]
		}
	}

	var total float64
	for k := range logits {
		logits[k] = math.Exp(logits[k] - best)
		total += logits[k]
	}
	out := make(map[string]float64, len(c.classes))
	for k, class := range c.classes {
		out[class] = logits[k] / total
	}
	return out
}

// Risk is one minus the highest identity probability.
func (c *Classifier) Risk(v features.Vector) float64 {
	var best float64
	for _, p := range c.Probabilities(v) {
		if p > best {
			best = p
		}
	}
	return clamp(1 - best)
}

func (c *Classifier) project(v features.Vector) []float64 {
	row := make([]float64, len(c.names))
	for j, name := range c.names {
		row[j], _ = v.Get(name)
	}
	return row
}

func (c *Classifier) standardize(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, x := range row {
		out[j] = (x - c.mean[j]) / c.std[j]
	}
	return out
}
