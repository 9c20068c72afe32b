package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Sanity bounds in milliseconds. Samples outside [0, bound) are sensor noise.
const (
	MaxFlightMs       = 5000.0
	MaxHoldMs         = 2000.0
	MaxBigramMs       = 5000.0
	MaxPointerGapMs   = 1000.0
	MaxActionGapMs    = 10000.0
	MaxEventsPerBatch = 10000
)

// Extract computes the canonical feature vector for a session.
// Empty or key-less input yields the all-zero vector.
func Extract(events []Event) Vector {
	return NewVector(extractCore(events))
}

// ExtractExtended computes the canonical features plus the navigation
// features derived from scroll, click and focus events.
func ExtractExtended(events []Event) Vector {
	var all [NumFeatures]float64
	core := extractCore(events)
	copy(all[:], core[:])

	nav := extractNavigation(events)
	copy(all[NumCore:], nav[:])
	return NewExtendedVector(all)
}

func extractCore(events []Event) [NumCore]float64 {
	keys := make([]Event, 0, len(events))
	moves := make([]Event, 0)
	for _, e := range events {
		switch {
		case e.IsKey():
			keys = append(keys, e)
		case e.Type == EventMouseMove:
			moves = append(moves, e)
		}
	}
	sortByTime(keys)
	sortByTime(moves)

	var flights, holds, bigrams []float64
	var backspaces int
	var lastRelease float64
	var haveRelease bool

	for i, e := range keys {
		switch e.Type {
		case EventKeyDown:
			if haveRelease {
				if d := e.Timestamp - lastRelease; inBounds(d, MaxFlightMs) {
					flights = append(flights, d)
				}
			}
			if e.KeyClass == KeyBackspace {
				backspaces++
			}

		case EventKeyUp:
			if i >= 1 && keys[i-1].Type == EventKeyDown {
				if d := e.Timestamp - keys[i-1].Timestamp; inBounds(d, MaxHoldMs) {
					holds = append(holds, d)
				}
			}
			lastRelease = e.Timestamp
			haveRelease = true

			if i >= 2 && keys[i-2].Type == EventKeyDown && keys[i-1].Type == EventKeyDown {
				if d := keys[i-1].Timestamp - keys[i-2].Timestamp; inBounds(d, MaxBigramMs) {
					bigrams = append(bigrams, d)
				}
			}
		}
	}

	var out [NumCore]float64
	out[MeanFlight], out[StdFlight] = meanStd(flights)
	out[MeanHold], out[StdHold] = meanStd(holds)
	out[BigramMean], _ = meanStd(bigrams)
	if len(keys) > 0 {
		out[BackspaceRate] = float64(backspaces) / float64(len(keys))
	}
	out[TotalKeys] = float64(len(keys))
	out[MouseAvgSpeed] = pointerSpeed(moves)
	return out
}

// pointerSpeed divides cumulative distance by cumulative time over
// consecutive sample pairs closer than MaxPointerGapMs.
func pointerSpeed(moves []Event) float64 {
	var dist, elapsed float64
	for i := 1; i < len(moves); i++ {
		dt := moves[i].Timestamp - moves[i-1].Timestamp
		if dt <= 0 || dt >= MaxPointerGapMs {
			continue
		}
		dist += math.Hypot(moves[i].DeltaX, moves[i].DeltaY)
		elapsed += dt
	}
	if elapsed <= 0 {
		return 0
	}
	return dist / elapsed
}

func extractNavigation(events []Event) [NumFeatures - NumCore]float64 {
	var out [NumFeatures - NumCore]float64
	if len(events) == 0 {
		return out
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sortByTime(sorted)

	var scrolls, clicks, focuses int
	var scrollDeltas, gaps []float64
	for i, e := range sorted {
		switch e.Type {
		case EventScroll:
			scrolls++
			if e.ScrollDelta > 0 {
				scrollDeltas = append(scrollDeltas, e.ScrollDelta)
			}
		case EventClick:
			clicks++
		case EventFocus:
			focuses++
		}
		if i > 0 {
			if gap := e.Timestamp - sorted[i-1].Timestamp; gap > 0 && gap < MaxActionGapMs {
				gaps = append(gaps, gap)
			}
		}
	}

	duration := sorted[len(sorted)-1].Timestamp - sorted[0].Timestamp
	if duration > 0 {
		out[ScrollFrequency-NumCore] = float64(scrolls) / duration * 1000
		out[ClickFrequency-NumCore] = float64(clicks) / duration * 1000
	}
	out[AvgScrollSpeed-NumCore], _ = meanStd(scrollDeltas)
	out[FocusChanges-NumCore] = float64(focuses)
	out[AvgTimeBetweenActions-NumCore], _ = meanStd(gaps)
	return out
}

func inBounds(d, upper float64) bool {
	return d >= 0 && d < upper
}

// meanStd returns the mean and population standard deviation, or zeros
// for an empty sample.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean := stat.Mean(xs, nil)
	return mean, PopStdDevAbout(xs, mean)
}

// PopStdDevAbout returns the population standard deviation of xs about the
// given mean. An empty sample yields 0.
func PopStdDevAbout(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return math.Sqrt(stat.MomentAbout(2, xs, mean, nil))
}

func sortByTime(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}
