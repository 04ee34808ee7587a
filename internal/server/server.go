// Package server is the HTTP surface: webhook ingestion, credit APIs, cron
// triggers and the admin queue console.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
	obsmetrics "github.com/craftlabs/craft/internal/observability/metrics"
	"github.com/craftlabs/craft/internal/queue"
	"github.com/craftlabs/craft/internal/ratelimit"
	"github.com/craftlabs/craft/internal/scheduler"
	subdomain "github.com/craftlabs/craft/internal/subscription/domain"
	"github.com/craftlabs/craft/internal/webhook"
	webhookdomain "github.com/craftlabs/craft/internal/webhook/domain"
	"gorm.io/gorm"
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Params struct {
	fx.In

	Engine        *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Webhooks      webhookdomain.Service
	Credits       creditdomain.Service
	Subscriptions subdomain.Service
	Queue         queue.Queue
	Scheduler     *scheduler.Scheduler
	Limiters      *ratelimit.Limiters
	Razorpay      webhook.RazorpayVerifier
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	webhooks      webhookdomain.Service
	credits       creditdomain.Service
	subscriptions subdomain.Service
	queue         queue.Queue
	scheduler     *scheduler.Scheduler
	limiters      *ratelimit.Limiters
	razorpay      webhook.RazorpayVerifier
	metrics       *obsmetrics.Metrics
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:        p.Engine,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("server"),
		clock:         p.Clock,
		webhooks:      p.Webhooks,
		credits:       p.Credits,
		subscriptions: p.Subscriptions,
		queue:         p.Queue,
		scheduler:     p.Scheduler,
		limiters:      p.Limiters,
		razorpay:      p.Razorpay,
		metrics:       p.Metrics,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.engine

	webhooks := r.Group("/webhooks")
	webhooks.Use(s.RateLimit(s.limiters.Webhook, clientIP))
	webhooks.POST("/:provider", s.HandleWebhook)

	api := r.Group("/api")
	api.POST("/payments/verify", s.HandleVerifyPayment)

	credits := api.Group("/credits")
	credits.GET("/balance", s.HandleBalance)
	credits.POST("/check", s.HandleCheckBalance)
	credits.POST("/deduct", s.HandleDeduct)
	credits.GET("/usage", s.HandleUsage)

	api.GET("/subscription", s.HandleSubscription)

	admin := api.Group("/admin")
	admin.Use(s.AdminAuth())
	admin.GET("/queue", s.HandleQueueInspect)
	admin.POST("/queue", s.HandleQueueAction)
	admin.POST("/credits/grant", s.HandleGrant)

	cron := api.Group("/cron")
	cron.Use(s.CronAuth())
	// GET is accepted because some hosted cron services can only issue GETs.
	cron.POST("/:job", s.HandleCronJob)
	cron.GET("/:job", s.HandleCronJob)
}

func clientIP(c *gin.Context) string {
	return c.ClientIP()
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)
