package credit

import (
	"github.com/craftlabs/craft/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(service.NewService),
)
