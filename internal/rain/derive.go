package rain

import "strings"

// rainTerms is the fixed vocabulary of precipitation indicators tested
// against lower-cased observation text. The list is deliberately broad:
// fog and mist (and their METAR codes) count as rain-equivalent, which is
// a known conservative approximation.
var rainTerms = []string{
	"rain",
	"drizzle",
	"shower",
	"sleet",
	"thunderstorm",
	"mist",
	"fog",
	"shra",
	"tsra",
	"ra",
	"dz",
	"br",
	"fg",
}

// DeriveConditions classifies a latest-observation text as raining or not.
// Containment of any vocabulary term anywhere in the text triggers true.
func DeriveConditions(obs ConditionsObservation) DerivedState {
	text := strings.ToLower(obs.Text)
	return DerivedState{
		Kind:   StateBoolean,
		Active: containsAny(text, rainTerms...),
	}
}

// DeriveRainfall sums the trailing windowDays entries of the daily series
// for each configured window and flags the state when any thresholded
// window's total meets or exceeds its threshold. The series is expected to
// be ascending by date and to end at the most recent whole day; the
// current partial day never appears in it.
func DeriveRainfall(obs RainfallObservation, windows []Window) DerivedState {
	totals := make(map[int]float64, len(windows))
	active := false

	for _, w := range windows {
		start := len(obs.Days) - w.Days
		if start < 0 {
			start = 0
		}
		var sum float64
		for _, d := range obs.Days[start:] {
			sum += d.Inches
		}
		totals[w.Days] = sum

		if !w.Informational && sum >= w.AmountInches {
			active = true
		}
	}

	return DerivedState{
		Kind:         StateThresholdFlag,
		Active:       active,
		WindowTotals: totals,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
