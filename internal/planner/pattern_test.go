package planner

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/trainingload/internal/domain"
)

func TestDetectPatternNeedsHistory(t *testing.T) {
	var acts []domain.Activity
	for n := 1; n <= PatternMinActivities-1; n++ {
		acts = append(acts, domain.Activity{ID: fmt.Sprint(n), Distance: 5000, StartedAt: today.AddDate(0, 0, -n)})
	}

	require.Equal(t, GenericPattern(), DetectPattern(acts, today))
	require.Equal(t, GenericPattern(), DetectPattern(nil, today))
}

func TestDetectPatternFindsWeeklyRoutine(t *testing.T) {
	var acts []domain.Activity
	for n := 55; n >= 0; n-- {
		d := today.AddDate(0, 0, -n)
		switch d.Weekday() {
		case time.Tuesday, time.Thursday:
			acts = append(acts, domain.Activity{ID: fmt.Sprintf("e%02d", n), Distance: 6000, StartedAt: d.Add(7 * time.Hour)})
		case time.Sunday:
			acts = append(acts, domain.Activity{ID: fmt.Sprintf("l%02d", n), Distance: 14000, StartedAt: d.Add(9 * time.Hour)})
		}
	}

	got := DetectPattern(acts, today)

	require.True(t, got.HasClearStructure)
	require.Equal(t, 3, got.TypicalRunsPerWeek)
	require.Equal(t, []time.Weekday{time.Tuesday, time.Thursday, time.Sunday}, got.TypicalRunDays)
	require.NotNil(t, got.TypicalLongRunDay)
	require.Equal(t, time.Sunday, *got.TypicalLongRunDay)
}

func TestDetectPatternIrregularRunner(t *testing.T) {
	var acts []domain.Activity
	for i, n := range []int{1, 5, 12, 13, 22, 30, 31, 44, 50} {
		acts = append(acts, domain.Activity{ID: fmt.Sprint(i), Distance: float64(4000 + 1000*i), StartedAt: today.AddDate(0, 0, -n)})
	}

	got := DetectPattern(acts, today)

	require.False(t, got.HasClearStructure)
	require.Nil(t, got.TypicalLongRunDay)
}
