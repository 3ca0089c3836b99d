package subprocess

import (
	"log/slog"

	"github.com/leapstack-labs/econmix/pkg/engine"
)

func init() {
	engine.Register(Name, func(cfg engine.Config, logger *slog.Logger) engine.Engine {
		return New(cfg, logger)
	})
}
