package ratelimit

import (
	"go.uber.org/fx"
)

var Module = fx.Module("ratelimit",
	fx.Provide(NewLimiters),
	fx.Provide(NewLocker),
)
