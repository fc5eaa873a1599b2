package features

import "math"

const (
	minKeystrokeEvents = 6
	minKeyTransitions  = 3

	maxTimingMs    = 3000.0
	minFlightMs    = -500.0
	pauseMs        = 700.0
	outlierZ       = 3.5
	minElapsedMs   = 1.0
	keyBackspace   = "Backspace"
	keyDelete      = "Delete"
	keystrokeNames = 21
)

// KeystrokeFeatureNames lists the keystroke feature names in sorted order.
var KeystrokeFeatureNames = DefaultKeystroke().Names()

// DefaultKeystroke is the all-zero keystroke vector returned for batches
// below the minimum event count.
func DefaultKeystroke() Vector {
	fields := make(map[string]float64, keystrokeNames)
	for _, prefix := range []string{"dwell", "flight", "ikl"} {
		summary{}.into(fields, prefix)
	}
	for _, name := range []string{
		"typing_speed", "unique_keys", "key_count", "elapsed_ms",
		"backspace_frequency", "error_rate", "pause_ratio",
		"rhythm_consistency", "dwell_outlier_rate",
	} {
		fields[name] = 0
	}
	return newVector(fields, map[Modality]bool{Keystroke: false})
}

// ExtractKeystroke computes keystroke dynamics over a batch of key events.
// Non-key events in the batch are ignored.
func ExtractKeystroke(events []Event) Vector {
	var keys []Event
	for _, e := range events {
		if e.Kind == KindKeyDown || e.Kind == KindKeyUp {
			keys = append(keys, e)
		}
	}
	if len(keys) < minKeystrokeEvents {
		return DefaultKeystroke()
	}
	keys = sortedByTime(keys)

	var downs, ups []Event
	for _, e := range keys {
		if e.Kind == KindKeyDown {
			downs = append(downs, e)
		} else {
			ups = append(ups, e)
		}
	}
	if len(downs) < minKeyTransitions || len(ups) < minKeyTransitions {
		return DefaultKeystroke()
	}

	dwells := dwellTimes(keys)

	var flights []float64
	for i := 0; i < len(ups) && i+1 < len(downs); i++ {
		f := downs[i+1].Timestamp - ups[i].Timestamp
		if f >= minFlightMs && f <= maxTimingMs {
			flights = append(flights, f)
		}
	}

	var ikls []float64
	for i := 0; i+1 < len(downs); i++ {
		d := downs[i+1].Timestamp - downs[i].Timestamp
		if d >= 0 && d <= maxTimingMs {
			ikls = append(ikls, d)
		}
	}

	elapsed := math.Max(keys[len(keys)-1].Timestamp-keys[0].Timestamp, minElapsedMs)

	unique := make(map[string]struct{}, len(downs))
	var backspaces, corrections, pauses int
	for _, d := range downs {
		unique[d.Key] = struct{}{}
		switch d.Key {
		case keyBackspace:
			backspaces++
			corrections++
		case keyDelete:
			corrections++
		}
	}
	for _, d := range ikls {
		if d > pauseMs {
			pauses++
		}
	}

	iklStats := summarize(ikls)
	fields := make(map[string]float64, keystrokeNames)
	summarize(dwells).into(fields, "dwell")
	summarize(flights).into(fields, "flight")
	iklStats.into(fields, "ikl")
	fields["typing_speed"] = float64(len(downs)) / (elapsed / 1000)
	fields["unique_keys"] = float64(len(unique))
	fields["key_count"] = float64(len(downs))
	fields["elapsed_ms"] = elapsed
	fields["backspace_frequency"] = ratio(backspaces, len(downs))
	fields["error_rate"] = ratio(corrections, len(downs))
	fields["pause_ratio"] = ratio(pauses, len(ikls))
	fields["rhythm_consistency"] = iklStats.Std
	fields["dwell_outlier_rate"] = robustOutlierRate(dwells, outlierZ)

	return newVector(fields, map[Modality]bool{Keystroke: true})
}

// dwellTimes pairs each release with the earliest outstanding press of the
// same key, so rolled or overlapping keys still match correctly.
func dwellTimes(sorted []Event) []float64 {
	pending := make(map[string][]float64)
	var dwells []float64
	for _, e := range sorted {
		switch e.Kind {
		case KindKeyDown:
			pending[e.Key] = append(pending[e.Key], e.Timestamp)
		case KindKeyUp:
			queue := pending[e.Key]
			if len(queue) == 0 {
				continue
			}
			pressed := queue[0]
			pending[e.Key] = queue[1:]
			d := e.Timestamp - pressed
			if d >= 0 && d <= maxTimingMs {
				dwells = append(dwells, d)
			}
		}
	}
	return dwells
}
