package features

import "math"

const (
	minPointerEvents = 5
	minClicks        = 2
	pointerNames     = 16
)

// PointerFeatureNames lists the pointer feature names in sorted order.
var PointerFeatureNames = DefaultPointer().Names()

// DefaultPointer is the all-zero pointer vector returned for batches below
// the minimum event count.
func DefaultPointer() Vector {
	fields := make(map[string]float64, pointerNames)
	for _, prefix := range []string{"velocity", "acceleration", "click_interval"} {
		summary{}.into(fields, prefix)
	}
	fields["movement_efficiency"] = 0
	fields["direction_changes"] = 0
	fields["click_rate"] = 0
	fields["pointer_event_count"] = 0
	return newVector(fields, map[Modality]bool{Pointer: false})
}

// ExtractPointer computes movement and click dynamics over a batch of pointer
// events. Key events in the batch are ignored.
func ExtractPointer(events []Event) Vector {
	var ptr []Event
	for _, e := range events {
		if e.Kind.isMove() || e.Kind.isPress() || e.Kind == KindMouseUp {
			ptr = append(ptr, e)
		}
	}
	if len(ptr) < minPointerEvents {
		return DefaultPointer()
	}
	ptr = sortedByTime(ptr)

	var moves, clicks []Event
	for _, e := range ptr {
		switch {
		case e.Kind.isMove():
			moves = append(moves, e)
		case e.Kind.isPress():
			clicks = append(clicks, e)
		}
	}

	var (
		velocities    []float64
		accelerations []float64
		pathLength    float64
		turns         int
		prevVelocity  = math.NaN()
		prevAngle     = math.NaN()
	)
	for i := 1; i < len(moves); i++ {
		dx := moves[i].X - moves[i-1].X
		dy := moves[i].Y - moves[i-1].Y
		dist := math.Hypot(dx, dy)
		pathLength += dist

		if dist > 0 {
			angle := math.Atan2(dy, dx)
			if !math.IsNaN(prevAngle) && math.Abs(wrapAngle(angle-prevAngle)) > math.Pi/2 {
				turns++
			}
			prevAngle = angle
		}

		dt := moves[i].Timestamp - moves[i-1].Timestamp
		if dt <= 0 {
			continue
		}
		v := dist / dt
		velocities = append(velocities, v)
		if !math.IsNaN(prevVelocity) {
			accelerations = append(accelerations, (v-prevVelocity)/dt)
		}
		prevVelocity = v
	}

	efficiency := 1.0
	if pathLength > 0 {
		first, last := moves[0], moves[len(moves)-1]
		straight := math.Hypot(last.X-first.X, last.Y-first.Y)
		efficiency = math.Min(math.Max(straight/pathLength, 0), 1)
	}

	fields := make(map[string]float64, pointerNames)
	summarize(velocities).into(fields, "velocity")
	summarize(accelerations).into(fields, "acceleration")
	fields["movement_efficiency"] = efficiency
	fields["direction_changes"] = float64(turns)
	fields["pointer_event_count"] = float64(len(ptr))

	if len(clicks) >= minClicks {
		intervals := make([]float64, 0, len(clicks)-1)
		for i := 1; i < len(clicks); i++ {
			intervals = append(intervals, clicks[i].Timestamp-clicks[i-1].Timestamp)
		}
		elapsed := math.Max(ptr[len(ptr)-1].Timestamp-ptr[0].Timestamp, minElapsedMs)
		summarize(intervals).into(fields, "click_interval")
		fields["click_rate"] = float64(len(clicks)) * 1000 / elapsed
	} else {
		summary{}.into(fields, "click_interval")
		fields["click_rate"] = 0
	}

	return newVector(fields, map[Modality]bool{Pointer: true})
}

// wrapAngle maps an angle difference into (-π, π].
func wrapAngle(a float64) float64 {
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}
