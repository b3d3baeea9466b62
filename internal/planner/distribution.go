package planner

import (
	"math"

	"example.com/trainingload/internal/domain"
)

const (
	// MinDailyVolume is the floor of every active day (metres).
	MinDailyVolume = 2000.0
	// LongShare is the share of the weekly volume added to the long day.
	LongShare = 0.38
	// ModerateShare sizes each moderate day relative to the long day's share.
	ModerateShare = 0.6

	fillTolerance = 1e-9
)

// distances holds one value per plan day, index 0 being the first day of the plan. It is an array
// so every fold step produces an independent comparable value.
type distances [planDays]float64

func (d distances) total() float64 {
	sum := 0.0
	for _, v := range d {
		sum += v
	}
	return sum
}

func (d distances) maxDelta(other distances) float64 {
	delta := 0.0
	for i := range d {
		delta = math.Max(delta, math.Abs(d[i]-other[i]))
	}
	return delta
}

// layout is the run type of each plan day.
type layout [planDays]domain.RunType

func (l layout) indexes(kind domain.RunType) []int {
	var out []int
	for i, k := range l {
		if k == kind {
			out = append(out, i)
		}
	}
	return out
}

func (l layout) active() []int {
	var out []int
	for i, k := range l {
		if k != domain.RunRest && k != "" {
			out = append(out, i)
		}
	}
	return out
}

// distribute produces the initial split of weekly over the active days.
func distribute(days layout, weekly, maxSafeLong float64) distances {
	var out distances
	active := days.active()
	if len(active) == 0 {
		return out
	}
	for _, i := range active {
		out[i] = MinDailyVolume
	}

	longs, moderates, easies := days.indexes(domain.RunLong), days.indexes(domain.RunModerate), days.indexes(domain.RunEasy)
	longExtra := math.Max(0, math.Min(LongShare*weekly, maxSafeLong))
	moderateExtra := ModerateShare * longExtra
	if len(longs) == 0 {
		longExtra = 0
	}

	budget := weekly - MinDailyVolume*float64(len(active))
	if budget <= 0 {
		return out
	}
	planned := longExtra*float64(len(longs)) + moderateExtra*float64(len(moderates))
	if planned > budget {
		scale := budget / planned
		longExtra *= scale
		moderateExtra *= scale
		planned = budget
	}
	for _, i := range longs {
		out[i] += longExtra
	}
	for _, i := range moderates {
		out[i] += moderateExtra
	}

	remainder := budget - planned
	switch {
	case len(easies) > 0:
		for _, i := range easies {
			out[i] += remainder / float64(len(easies))
		}
	case len(moderates) > 0:
		for _, i := range moderates {
			out[i] += remainder / float64(len(moderates))
		}
	default:
		for _, i := range longs {
			out[i] += remainder / float64(len(longs))
		}
	}
	return out
}

// rebalance moves the gap between weekly and the sum of values into the days with room left:
// a shortfall goes to easy, then moderate, then long days up to their maximum, an excess comes out
// of the long, then moderate, then easy days down to their minimum.
func rebalance(values distances, ranges [planDays]domain.RunRange, days layout, weekly float64) distances {
	out := values
	gap := weekly - out.total()
	switch {
	case gap > fillTolerance:
		for _, kind := range []domain.RunType{domain.RunEasy, domain.RunModerate, domain.RunLong} {
			gap = shift(&out, days.indexes(kind), gap, func(i int) float64 { return ranges[i].Max - out[i] }, 1)
		}
	case gap < -fillTolerance:
		excess := -gap
		for _, kind := range []domain.RunType{domain.RunLong, domain.RunModerate, domain.RunEasy} {
			excess = shift(&out, days.indexes(kind), excess, func(i int) float64 { return out[i] - ranges[i].Min }, -1)
		}
	}
	return out
}

// shift spreads amount evenly across idxs in the given direction without exceeding each day's
// room and returns what could not be placed.
func shift(values *distances, idxs []int, amount float64, room func(int) float64, direction float64) float64 {
	for amount > fillTolerance {
		var open []int
		for _, i := range idxs {
			if room(i) > fillTolerance {
				open = append(open, i)
			}
		}
		if len(open) == 0 {
			break
		}
		share := amount / float64(len(open))
		for _, i := range open {
			step := math.Min(share, room(i))
			values[i] += direction * step
			amount -= step
		}
	}
	return math.Max(amount, 0)
}
