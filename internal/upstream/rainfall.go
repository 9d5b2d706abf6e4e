package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"rainmon/internal/rain"
)

const dateLayout = "2006-01-02"

// RainfallClient fetches daily precipitation series from the climate data
// service.
type RainfallClient struct {
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker
	backoff BackoffConfig
	log     zerolog.Logger
}

func NewRainfallClient(client *http.Client, baseURL string, log zerolog.Logger) *RainfallClient {
	return &RainfallClient{
		baseURL: baseURL,
		client:  client,
		circuit: newCircuitBreaker("rainfall"),
		backoff: defaultBackoff(),
		log:     log.With().Str("client", "rainfall").Logger(),
	}
}

type rainfallElement struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
}

type rainfallRequest struct {
	StationID string            `json:"stationId"`
	StartDate string            `json:"startDate"`
	EndDate   string            `json:"endDate"`
	Elements  []rainfallElement `json:"elements"`
}

// FetchRecentRainfall issues one POST for the closed date range
// [start, end], one precipitation value per calendar day. Null daily
// values contribute 0.0 to the series; non-numeric sentinels (trace and
// missing markers) are logged and also counted as 0.0.
func (c *RainfallClient) FetchRecentRainfall(ctx context.Context, stationID string, start, end time.Time) (rain.RainfallObservation, error) {
	body, err := json.Marshal(rainfallRequest{
		StationID: stationID,
		StartDate: start.Format(dateLayout),
		EndDate:   end.Format(dateLayout),
		Elements:  []rainfallElement{{Name: "precipitation", Interval: "daily"}},
	})
	if err != nil {
		return rain.RainfallObservation{}, err
	}

	buildRequest := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequestWithRetry(ctx, c.client, c.circuit, c.backoff, buildRequest)
	if err != nil {
		return rain.RainfallObservation{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Data [][]json.RawMessage `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return rain.RainfallObservation{}, &PayloadValidationError{Reason: "malformed rainfall body: " + err.Error()}
	}

	days := make([]rain.DailyAmount, 0, len(payload.Data))
	for _, pair := range payload.Data {
		if len(pair) != 2 {
			return rain.RainfallObservation{}, &PayloadValidationError{Reason: "rainfall entry is not a [date, value] pair"}
		}

		var dateStr string
		if err := json.Unmarshal(pair[0], &dateStr); err != nil {
			return rain.RainfallObservation{}, &PayloadValidationError{Reason: "rainfall entry has a non-string date"}
		}
		date, err := time.ParseInLocation(dateLayout, dateStr, time.UTC)
		if err != nil {
			return rain.RainfallObservation{}, &PayloadValidationError{Reason: "rainfall entry has an unparseable date: " + dateStr}
		}

		days = append(days, rain.DailyAmount{
			Date:   date,
			Inches: c.parseAmount(stationID, dateStr, pair[1]),
		})
	}

	return rain.RainfallObservation{Days: days}, nil
}

// parseAmount normalizes one daily value. Values arrive as numeric
// strings, bare numbers, null, or sentinel strings like "T" (trace) and
// "M" (missing); everything unusable counts as zero. ParseFloat accepts
// "NaN" and "Inf" spellings, so finiteness is checked explicitly: a
// single NaN day would otherwise poison every window sum.
func (c *RainfallClient) parseAmount(stationID, date string, raw json.RawMessage) float64 {
	if string(raw) == "null" {
		return 0
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
		c.log.Warn().
			Str("station", stationID).
			Str("date", date).
			Str("value", s).
			Msg("non-numeric precipitation value, counting as zero")
		return 0
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			c.log.Warn().
				Str("station", stationID).
				Str("date", date).
				Msg("non-finite precipitation value, counting as zero")
			return 0
		}
		return f
	}

	c.log.Warn().
		Str("station", stationID).
		Str("date", date).
		RawJSON("value", raw).
		Msg("unreadable precipitation value, counting as zero")
	return 0
}
