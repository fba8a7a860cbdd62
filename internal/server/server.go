package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/minipass/internal/audit/domain"
	"github.com/smallbiznis/minipass/internal/config"
	customerdomain "github.com/smallbiznis/minipass/internal/customer/domain"
	"github.com/smallbiznis/minipass/internal/gateway"
	"github.com/smallbiznis/minipass/internal/observability"
	obsmiddleware "github.com/smallbiznis/minipass/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/minipass/internal/observability/metrics"
	obstracing "github.com/smallbiznis/minipass/internal/observability/tracing"
	"github.com/smallbiznis/minipass/internal/provisioning"
	"github.com/smallbiznis/minipass/internal/ratelimit"
	webhookdomain "github.com/smallbiznis/minipass/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the control plane API: gateway webhooks, checkout and operator reads.
var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// InstanceModule serves the self-service API inside a customer container.
var InstanceModule = fx.Module("http.instance",
	fx.Provide(registerGin),
	fx.Invoke(NewInstanceServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	registerValidators()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type checkoutService interface {
	CreateCheckout(ctx context.Context, req provisioning.CheckoutRequest) (gateway.CheckoutSession, error)
	CheckSubdomain(ctx context.Context, subdomain, organization string) (provisioning.Availability, error)
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	webhookSvc    webhookdomain.Service
	checkoutSvc   checkoutService
	customerSvc   customerdomain.Service
	auditSvc      auditdomain.Service
	limiter       ratelimit.Limiter
	operatorToken string
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	WebhookSvc   webhookdomain.Service
	Provisioning *provisioning.Service
	CustomerSvc  customerdomain.Service
	AuditSvc     auditdomain.Service
	Limiter      ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return newServer(p.Gin, p.Cfg, p.WebhookSvc, p.Provisioning, p.CustomerSvc, p.AuditSvc, p.Limiter)
}

func newServer(engine *gin.Engine, cfg config.Config, webhooks webhookdomain.Service, checkout checkoutService, customers customerdomain.Service, audit auditdomain.Service, limiter ratelimit.Limiter) *Server {
	svc := &Server{
		engine:        engine,
		cfg:           cfg,
		webhookSvc:    webhooks,
		checkoutSvc:   checkout,
		customerSvc:   customers,
		auditSvc:      audit,
		limiter:       limiter,
		operatorToken: cfg.OperatorAPIToken,
	}

	svc.registerAPIRoutes()
	svc.registerOperatorRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	public := RateLimit(s.limiter, "public", ratelimit.PerMinute(s.cfg.Limits.PublicPerMinute))

	api.POST("/webhooks/stripe", s.HandleStripeWebhook)
	api.POST("/checkout", public, s.CreateCheckout)
	api.GET("/subdomains/check", public, s.CheckSubdomain)
}

func (s *Server) registerOperatorRoutes() {
	operator := s.engine.Group("/api/operator")
	operator.Use(s.OperatorTokenRequired())

	operator.GET("/customers", s.ListCustomers)
	operator.GET("/customers/:id", s.GetCustomerByID)
	operator.GET("/audit-logs", s.ListAuditLogs)
}
