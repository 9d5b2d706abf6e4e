package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"rainmon/internal/rain"
)

// ConditionsClient fetches the latest observation for a station from the
// current-conditions service.
type ConditionsClient struct {
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker
	backoff BackoffConfig
	log     zerolog.Logger
}

func NewConditionsClient(client *http.Client, baseURL string, log zerolog.Logger) *ConditionsClient {
	return &ConditionsClient{
		baseURL: baseURL,
		client:  client,
		circuit: newCircuitBreaker("conditions"),
		backoff: defaultBackoff(),
		log:     log.With().Str("client", "conditions").Logger(),
	}
}

// FetchCurrentConditions issues a single GET for the station's latest
// observation and normalizes it. A response without a usable text
// description is a payload validation error, never a "not raining" guess.
func (c *ConditionsClient) FetchCurrentConditions(ctx context.Context, stationID string) (rain.ConditionsObservation, error) {
	buildRequest := func() (*http.Request, error) {
		u := fmt.Sprintf("%s/stations/%s/observations/latest", c.baseURL, url.PathEscape(stationID))
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequestWithRetry(ctx, c.client, c.circuit, c.backoff, buildRequest)
	if err != nil {
		return rain.ConditionsObservation{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Properties struct {
			TextDescription *string `json:"textDescription"`
			Timestamp       string  `json:"timestamp"`
		} `json:"properties"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return rain.ConditionsObservation{}, &PayloadValidationError{Reason: "malformed observation body: " + err.Error()}
	}

	desc := payload.Properties.TextDescription
	if desc == nil || *desc == "" {
		return rain.ConditionsObservation{}, &PayloadValidationError{Reason: "observation has no text description"}
	}

	ts, err := time.Parse(time.RFC3339, payload.Properties.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}

	return rain.ConditionsObservation{
		Text:       *desc,
		ObservedAt: ts,
	}, nil
}
