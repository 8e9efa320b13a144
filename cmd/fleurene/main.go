package main

import (
	"github.com/SeanBayley/Fleurene-sub001/internal/clock"
	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"github.com/SeanBayley/Fleurene-sub001/internal/migration"
	"github.com/SeanBayley/Fleurene-sub001/internal/observability"
	"github.com/SeanBayley/Fleurene-sub001/internal/server"
	"github.com/SeanBayley/Fleurene-sub001/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		migration.Module,

		// Payment core and its HTTP surface
		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}
