package observability

import (
	"github.com/craftlabs/craft/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(metrics.New),
)
