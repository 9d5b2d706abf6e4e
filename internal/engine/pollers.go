package engine

import (
	"context"
	"time"

	"rainmon/internal/rain"
	"rainmon/internal/upstream"
)

// Poller runs one fetch-and-derive step for a single source. Given the
// same upstream response, a poller must produce the same derived state.
type Poller interface {
	Poll(ctx context.Context) (rain.DerivedState, error)
}

type conditionsPoller struct {
	client    *upstream.ConditionsClient
	stationID string
}

func (p *conditionsPoller) Poll(ctx context.Context) (rain.DerivedState, error) {
	obs, err := p.client.FetchCurrentConditions(ctx, p.stationID)
	if err != nil {
		return rain.DerivedState{}, err
	}
	return rain.DeriveConditions(obs), nil
}

type rainfallPoller struct {
	client    *upstream.RainfallClient
	stationID string
	windows   []rain.Window
	tz        *time.Location

	// now is swapped out by tests.
	now func() time.Time
}

// Poll requests the trailing whole days needed by the widest window and
// derives the threshold state. The range ends yesterday: the current
// partial day never contributes. Day boundaries follow the station's
// local calendar, not UTC, so the window does not shift by a day around
// midnight in non-UTC zones.
func (p *rainfallPoller) Poll(ctx context.Context) (rain.DerivedState, error) {
	now := p.now().In(p.tz)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.tz)

	lookback := rain.MaxWindowDays(p.windows)
	end := today.AddDate(0, 0, -1)
	start := today.AddDate(0, 0, -lookback)

	obs, err := p.client.FetchRecentRainfall(ctx, p.stationID, start, end)
	if err != nil {
		return rain.DerivedState{}, err
	}
	return rain.DeriveRainfall(obs, p.windows), nil
}
