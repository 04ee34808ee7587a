package webhook

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	"github.com/craftlabs/craft/internal/webhook/adapters"
	"github.com/craftlabs/craft/internal/webhook/adapters/polar"
	"github.com/craftlabs/craft/internal/webhook/adapters/razorpay"
	"github.com/craftlabs/craft/internal/webhook/handler"
	"github.com/craftlabs/craft/internal/webhook/service"
)

func newRegistry(cfg config.Config, clk clock.Clock, log *zap.Logger) (*adapters.Registry, error) {
	registry, err := adapters.NewRegistry(
		&polar.Factory{
			Secret:       cfg.PolarWebhookSecret,
			ReplayWindow: cfg.WebhookReplayWindow,
			Clock:        clk,
		},
		&razorpay.Factory{
			WebhookSecret: cfg.RazorpayWebhookSecret,
			KeySecret:     cfg.RazorpayKeySecret,
			Clock:         clk,
		},
	)
	if err != nil {
		return nil, err
	}
	for _, provider := range []string{"polar", "razorpay"} {
		if !registry.ProviderExists(provider) {
			log.Warn("webhook provider not configured", zap.String("provider", provider))
		}
	}
	return registry, nil
}

// RazorpayVerifier exposes checkout payment-signature verification to the
// HTTP layer without handing over the whole adapter registry.
type RazorpayVerifier interface {
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
}

type noopVerifier struct{}

func (noopVerifier) VerifyPaymentSignature(string, string, string) bool { return false }

func newRazorpayVerifier(registry *adapters.Registry) RazorpayVerifier {
	adapter, err := registry.Adapter("razorpay")
	if err != nil {
		return noopVerifier{}
	}
	if verifier, ok := adapter.(RazorpayVerifier); ok {
		return verifier
	}
	return noopVerifier{}
}

var Module = fx.Module("webhook",
	fx.Provide(newRegistry),
	fx.Provide(newRazorpayVerifier),
	fx.Provide(service.NewService),
	fx.Provide(handler.New),
	fx.Provide(handler.NewQueueHandler),
)
