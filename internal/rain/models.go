package rain

import (
	"time"
)

// SourceID identifies one independently polled upstream feed.
type SourceID string

const (
	SourceCurrentConditions SourceID = "current-conditions"
	SourceRecentRainfall    SourceID = "recent-rainfall"
)

// ParseSourceID maps a string onto a known SourceID.
func ParseSourceID(s string) (SourceID, bool) {
	switch SourceID(s) {
	case SourceCurrentConditions, SourceRecentRainfall:
		return SourceID(s), true
	}
	return "", false
}

// Window is a trailing span of calendar days over which rainfall is summed.
// An informational window reports its total but never triggers the state.
type Window struct {
	Days          int     `json:"days"`
	AmountInches  float64 `json:"amountInches"`
	Informational bool    `json:"informational,omitempty"`
}

// SourceConfig describes one source to poll. It is immutable once a job
// has been created from it.
type SourceConfig struct {
	Source       SourceID      `validate:"required"`
	StationID    string        `validate:"required"`
	PollInterval time.Duration `validate:"required"`

	// Windows apply to SourceRecentRainfall only.
	Windows []Window

	// Timezone is the station's local time zone, used for calendar-day
	// arithmetic. Defaults to time.Local when nil.
	Timezone *time.Location
}

// Location returns the configured time zone, falling back to time.Local.
func (c SourceConfig) Location() *time.Location {
	if c.Timezone != nil {
		return c.Timezone
	}
	return time.Local
}

// ConditionsObservation is the normalized latest-observation payload.
type ConditionsObservation struct {
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observedAt"`
}

// DailyAmount is one calendar day's precipitation. Upstream null or
// sentinel values are normalized to zero before this type is built.
type DailyAmount struct {
	Date   time.Time `json:"date"`
	Inches float64   `json:"inches"`
}

// RainfallObservation is an ordered daily precipitation series covering an
// inclusive date range, ascending by date.
type RainfallObservation struct {
	Days []DailyAmount `json:"days"`
}

// StateKind discriminates the two derived state shapes.
type StateKind string

const (
	StateBoolean       StateKind = "boolean"
	StateThresholdFlag StateKind = "threshold-flag"
)

// DerivedState is the result of interpreting an observation against the
// derivation rules. Only the latest state per source is ever retained.
type DerivedState struct {
	Kind   StateKind `json:"kind"`
	Active bool      `json:"active"`

	// WindowTotals holds the summed inches per window size. Populated for
	// threshold-flag states only.
	WindowTotals map[int]float64 `json:"windowTotals,omitempty"`
}

// Equal reports whether two states are structurally identical.
func (s DerivedState) Equal(other DerivedState) bool {
	if s.Kind != other.Kind || s.Active != other.Active {
		return false
	}
	if len(s.WindowTotals) != len(other.WindowTotals) {
		return false
	}
	for days, total := range s.WindowTotals {
		if ot, ok := other.WindowTotals[days]; !ok || ot != total {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no mutable data with the receiver.
func (s DerivedState) Clone() DerivedState {
	out := s
	if s.WindowTotals != nil {
		out.WindowTotals = make(map[int]float64, len(s.WindowTotals))
		for days, total := range s.WindowTotals {
			out.WindowTotals[days] = total
		}
	}
	return out
}

// MaxWindowDays returns the widest window in the list, which is also the
// number of whole days the rainfall series must cover.
func MaxWindowDays(windows []Window) int {
	max := 0
	for _, w := range windows {
		if w.Days > max {
			max = w.Days
		}
	}
	return max
}
