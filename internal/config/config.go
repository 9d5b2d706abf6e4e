package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"rainmon/internal/rain"
)

type AppConfig struct {
	// Upstream endpoints.
	ConditionsBaseURL string
	RainfallBaseURL   string

	// Stations. An empty station disables that source.
	ConditionsStation string
	RainfallStation   string

	// Poll intervals, subject to the engine's per-source minimums.
	ConditionsInterval time.Duration
	RainfallInterval   time.Duration

	// Rainfall threshold windows.
	Windows []rain.Window

	// Station-local time zone for calendar-day arithmetic.
	Timezone *time.Location

	// Per-attempt ceiling for outbound HTTP calls.
	HTTPTimeout time.Duration

	// NotifyAlways switches observers to fire on every successful cycle.
	NotifyAlways bool

	// Optional MQTT sink for state changes.
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string

	Port string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &AppConfig{}

	cfg.ConditionsBaseURL = getenvDefault("CONDITIONS_BASE_URL", "https://api.weather.gov")
	cfg.RainfallBaseURL = getenvDefault("RAINFALL_BASE_URL", "https://data.rcc-acis.org/StnData")

	cfg.ConditionsStation = os.Getenv("CONDITIONS_STATION")
	cfg.RainfallStation = os.Getenv("RAINFALL_STATION")

	var err error
	cfg.ConditionsInterval, err = getenvDuration("CONDITIONS_INTERVAL", "5m")
	if err != nil {
		return nil, err
	}
	cfg.RainfallInterval, err = getenvDuration("RAINFALL_INTERVAL", "1h")
	if err != nil {
		return nil, err
	}
	cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	cfg.Windows, err = ParseWindows(getenvDefault("RAIN_THRESHOLDS", "1:0.10,2:0.20"))
	if err != nil {
		return nil, err
	}

	tzName := getenvDefault("STATION_TIMEZONE", "Local")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid STATION_TIMEZONE %q: %w", tzName, err)
	}
	cfg.Timezone = tz

	cfg.NotifyAlways = getenvBool("NOTIFY_ALWAYS", false)

	cfg.MQTTBroker = os.Getenv("MQTT_BROKER")
	cfg.MQTTClientID = getenvDefault("MQTT_CLIENT_ID", "rainmon")
	cfg.MQTTTopicPrefix = getenvDefault("MQTT_TOPIC_PREFIX", "rainmon/state")

	cfg.Port = getenvDefault("PORT", "8080")

	return cfg, nil
}

// ParseWindows parses a comma-separated list of "days:inches" pairs, e.g.
// "1:0.10,2:0.20". A pair with the amount "info" is an informational
// window: its total is reported but it never triggers the state.
func ParseWindows(s string) ([]rain.Window, error) {
	var windows []rain.Window
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid threshold %q: want days:inches", part)
		}

		days, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("invalid threshold %q: bad window days", part)
		}

		amountStr := strings.TrimSpace(fields[1])
		if strings.EqualFold(amountStr, "info") {
			windows = append(windows, rain.Window{Days: days, Informational: true})
			continue
		}

		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("invalid threshold %q: bad amount", part)
		}
		windows = append(windows, rain.Window{Days: days, AmountInches: amount})
	}

	if len(windows) == 0 {
		return nil, fmt.Errorf("no threshold windows configured")
	}
	return windows, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	v := getenvDefault(key, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}
