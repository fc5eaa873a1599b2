package features

import (
	"math"
	"sort"
)

// summary holds the four statistics reported for every timing or movement series.
type summary struct {
	Mean   float64
	Std    float64
	Median float64
	P95    float64
}

// summarize drops non-finite values and returns population mean, standard
// deviation, median and 95th percentile. Empty input yields all zeros.
func summarize(values []float64) summary {
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return summary{}
	}
	sort.Float64s(clean)

	m := mean(clean)
	var ss float64
	for _, v := range clean {
		d := v - m
		ss += d * d
	}
	return summary{
		Mean:   m,
		Std:    math.Sqrt(ss / float64(len(clean))),
		Median: percentileSorted(clean, 50),
		P95:    percentileSorted(clean, 95),
	}
}

func (s summary) into(fields map[string]float64, prefix string) {
	fields[prefix+"_mean"] = s.Mean
	fields[prefix+"_std"] = s.Std
	fields[prefix+"_median"] = s.Median
	fields[prefix+"_p95"] = s.P95
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentileSorted uses linear interpolation between closest ranks.
func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := (p / 100) * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, 50)
}

// robustOutlierRate returns the fraction of values whose modified z-score
// exceeds threshold. The scale is the median absolute deviation times 1.4826;
// when the MAD is zero the mean absolute deviation times 1.2533 is used, and
// a zero spread means no outliers.
func robustOutlierRate(values []float64, threshold float64) float64 {
	if len(values) == 0 {
		return 0
	}
	med := median(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	scale := median(deviations) * 1.4826
	if scale == 0 {
		scale = mean(deviations) * 1.2533
	}
	if scale == 0 {
		return 0
	}
	var outliers int
	for _, d := range deviations {
		if d/scale > threshold {
			outliers++
		}
	}
	return float64(outliers) / float64(len(values))
}

func ratio(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total)
}
