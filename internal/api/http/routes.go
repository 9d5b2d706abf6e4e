package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"rainmon/internal/engine"
	"rainmon/internal/rain"
)

type sourceInfo struct {
	Source       rain.SourceID `json:"source"`
	StationID    string        `json:"stationId"`
	PollInterval string        `json:"pollInterval"`
	Windows      []rain.Window `json:"windows,omitempty"`
	Timezone     string        `json:"timezone,omitempty"`
}

// RegisterRoutes wires the snapshot endpoints into the Fiber app. Reads
// are served from the engine's held state and never touch the network.
func RegisterRoutes(app *fiber.App, eng *engine.Engine) {
	v1 := app.Group("/api/v1")

	v1.Get("/sources", func(c *fiber.Ctx) error {
		configs := eng.Sources()

		out := make([]sourceInfo, 0, len(configs))
		for _, cfg := range configs {
			info := sourceInfo{
				Source:       cfg.Source,
				StationID:    cfg.StationID,
				PollInterval: cfg.PollInterval.String(),
				Windows:      cfg.Windows,
			}
			if cfg.Timezone != nil {
				info.Timezone = cfg.Timezone.String()
			}
			out = append(out, info)
		}
		return c.JSON(fiber.Map{"sources": out})
	})

	v1.Get("/state", func(c *fiber.Ctx) error {
		states := eng.States()

		out := make(map[string]rain.DerivedState, len(states))
		for source, state := range states {
			out[string(source)] = state
		}
		return c.JSON(fiber.Map{"states": out})
	})

	v1.Get("/state/:source", func(c *fiber.Ctx) error {
		source, ok := rain.ParseSourceID(c.Params("source"))
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, "unknown source")
		}

		state, ok := eng.CurrentState(source)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no state derived yet for source")
		}

		return c.JSON(fiber.Map{
			"source": source,
			"state":  state,
		})
	})
}
