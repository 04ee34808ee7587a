package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	"github.com/craftlabs/craft/internal/credit"
	"github.com/craftlabs/craft/internal/logger"
	"github.com/craftlabs/craft/internal/migration"
	"github.com/craftlabs/craft/internal/observability"
	"github.com/craftlabs/craft/internal/queue"
	"github.com/craftlabs/craft/internal/ratelimit"
	"github.com/craftlabs/craft/internal/scheduler"
	"github.com/craftlabs/craft/internal/server"
	"github.com/craftlabs/craft/internal/subscription"
	"github.com/craftlabs/craft/internal/webhook"
	"github.com/craftlabs/craft/pkg/db"
	"github.com/craftlabs/craft/pkg/redis"
	"github.com/craftlabs/craft/pkg/telemetry"
)

// API-only binary. Ingests webhooks and serves the billing API; job
// processing and the cron ticker run in the worker and scheduler binaries.
// Cron jobs can still be triggered on demand through /api/cron.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redis.Module,
		migration.Module,
		clock.Module,

		credit.Module,
		subscription.Module,
		webhook.Module,
		ratelimit.Module,

		queue.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
