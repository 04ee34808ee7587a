package ratelimit

import (
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/craftlabs/craft/internal/clock"
)

// Limiters bundles the named windows the HTTP layer enforces on sensitive
// endpoints. Keys are scoped per identifier, not globally.
type Limiters struct {
	// Auth covers login and signup attempts per IP.
	Auth *SlidingWindow
	// PasswordReset covers reset requests per email.
	PasswordReset *SlidingWindow
	// TwoFA covers second-factor attempts per user.
	TwoFA *SlidingWindow
	// Webhook keeps a runaway provider from flooding the ingest path.
	Webhook *SlidingWindow
}

func NewLimiters(client *redis.Client, clk clock.Clock) *Limiters {
	return &Limiters{
		Auth:          NewSlidingWindow(client, clk, "auth", 5, time.Hour),
		PasswordReset: NewSlidingWindow(client, clk, "password_reset", 3, time.Hour),
		TwoFA:         NewSlidingWindow(client, clk, "twofa", 5, 15*time.Minute),
		Webhook:       NewSlidingWindow(client, clk, "webhook", 600, time.Minute),
	}
}
