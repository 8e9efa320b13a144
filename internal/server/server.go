package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"github.com/SeanBayley/Fleurene-sub001/internal/observability"
	obslogger "github.com/SeanBayley/Fleurene-sub001/internal/observability/logger"
	obsmetrics "github.com/SeanBayley/Fleurene-sub001/internal/observability/metrics"
	obstracing "github.com/SeanBayley/Fleurene-sub001/internal/observability/tracing"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment"
	paymentdomain "github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/webhook"
	"github.com/SeanBayley/Fleurene-sub001/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	payment.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) (*gin.Engine, error) {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// Webhook source checks rely on ClientIP, so forwarded headers are only
	// honoured from configured proxies.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r, nil
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	checkoutSvc     paymentdomain.CheckoutService
	webhookSvc      paymentdomain.WebhookService
	historySvc      paymentdomain.HistoryService
	webhookLimiter  *ratelimit.PaymentLimiter
	sourceValidator *webhook.SourceValidator
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	CheckoutSvc     paymentdomain.CheckoutService
	WebhookSvc      paymentdomain.WebhookService
	HistorySvc      paymentdomain.HistoryService
	WebhookLimiter  *ratelimit.PaymentLimiter `optional:"true"`
	SourceValidator *webhook.SourceValidator  `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		checkoutSvc:     p.CheckoutSvc,
		webhookSvc:      p.WebhookSvc,
		historySvc:      p.HistorySvc,
		webhookLimiter:  p.WebhookLimiter,
		sourceValidator: p.SourceValidator,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")
	{
		api.POST("/payments/notify", s.WebhookSourceCheck(), s.WebhookRateLimit(), s.HandlePaymentNotification)

		orders := api.Group("/orders/:id")
		{
			orders.POST("/checkout", s.CreateCheckout)
			orders.POST("/payment/retry", s.RetryPayment)
			orders.GET("/payment/history", s.ListPaymentHistory)
		}
	}

	s.engine.GET("/checkout/:id", s.ServeCheckoutPage)
}
