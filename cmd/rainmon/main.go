package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	httpapi "rainmon/internal/api/http"
	"rainmon/internal/config"
	"rainmon/internal/engine"
	"rainmon/internal/notify"
	"rainmon/internal/rain"
	"rainmon/internal/upstream"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Shared HTTP client for outbound upstream calls. The timeout is the
	// hard per-attempt ceiling, which also bounds shutdown latency.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	conditions := upstream.NewConditionsClient(httpClient, cfg.ConditionsBaseURL, logger)
	rainfall := upstream.NewRainfallClient(httpClient, cfg.RainfallBaseURL, logger)

	eng := engine.New(conditions, rainfall, engine.Options{
		NotifyAlways: cfg.NotifyAlways,
		Logger:       logger,
	})

	// Optional MQTT sink, subscribed before any job starts so the first
	// derived states are published too.
	var publisher *notify.MQTTPublisher
	if cfg.MQTTBroker != "" {
		publisher, err = notify.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect mqtt sink")
		}
		defer publisher.Close()

		eng.OnStateChange(rain.SourceCurrentConditions, publisher.Observer())
		eng.OnStateChange(rain.SourceRecentRainfall, publisher.Observer())
	}

	if cfg.ConditionsStation != "" {
		handle, err := eng.ConfigureSource(rain.SourceConfig{
			Source:       rain.SourceCurrentConditions,
			StationID:    cfg.ConditionsStation,
			PollInterval: cfg.ConditionsInterval,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid current-conditions config")
		}
		if err := eng.Start(handle); err != nil {
			logger.Fatal().Err(err).Msg("failed to start current-conditions job")
		}
	}

	if cfg.RainfallStation != "" {
		handle, err := eng.ConfigureSource(rain.SourceConfig{
			Source:       rain.SourceRecentRainfall,
			StationID:    cfg.RainfallStation,
			PollInterval: cfg.RainfallInterval,
			Windows:      cfg.Windows,
			Timezone:     cfg.Timezone,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid recent-rainfall config")
		}
		if err := eng.Start(handle); err != nil {
			logger.Fatal().Err(err).Msg("failed to start recent-rainfall job")
		}
	}

	defer eng.Shutdown()

	app := fiber.New(fiber.Config{
		AppName:               "rainmon",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "rainmon",
		})
	})

	httpapi.RegisterRoutes(app, eng)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error().Err(err).Msg("fiber server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
