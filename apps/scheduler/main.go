package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	"github.com/craftlabs/craft/internal/credit"
	"github.com/craftlabs/craft/internal/logger"
	"github.com/craftlabs/craft/internal/observability"
	"github.com/craftlabs/craft/internal/queue"
	"github.com/craftlabs/craft/internal/ratelimit"
	"github.com/craftlabs/craft/internal/scheduler"
	"github.com/craftlabs/craft/internal/subscription"
	"github.com/craftlabs/craft/internal/webhook"
	"github.com/craftlabs/craft/pkg/db"
	"github.com/craftlabs/craft/pkg/redis"
	"github.com/craftlabs/craft/pkg/telemetry"
)

// Scheduler binary. Runs period resets, referral awards, and webhook
// cleanup on an interval. Redis locks keep replicas from double-running.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redis.Module,
		clock.Module,

		credit.Module,
		subscription.Module,
		webhook.Module,
		ratelimit.Module,

		queue.Module,
		scheduler.TickerModule,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
