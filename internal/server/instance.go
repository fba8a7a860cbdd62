package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/minipass/internal/auth/session"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/ratelimit"
	"github.com/smallbiznis/minipass/internal/selfservice"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const contextAdminEmailKey = "admin_email"

type instanceService interface {
	CancelSubscription(ctx context.Context) (selfservice.CancelResult, error)
	Authenticate(email, plain string) (string, error)
}

// InstanceServer is the HTTP surface of a single customer instance.
type InstanceServer struct {
	engine    *gin.Engine
	subdomain string
	sessions  *session.Manager
	svc       instanceService
	clock     clock.Clock
	log       *zap.Logger
}

type InstanceServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Sessions    *session.Manager
	SelfService *selfservice.Service
	Clock       clock.Clock
	Limiter     ratelimit.Limiter `optional:"true"`
}

func NewInstanceServer(p InstanceServerParams) *InstanceServer {
	return newInstanceServer(p.Gin, p.Cfg, p.Log, p.Sessions, p.SelfService, p.Clock, p.Limiter)
}

func newInstanceServer(engine *gin.Engine, cfg config.Config, log *zap.Logger, sessions *session.Manager, svc instanceService, clk clock.Clock, limiter ratelimit.Limiter) *InstanceServer {
	s := &InstanceServer{
		engine:    engine,
		subdomain: cfg.Instance.Subdomain,
		sessions:  sessions,
		svc:       svc,
		clock:     clk,
		log:       log.Named("http.instance"),
	}

	api := engine.Group("/api")
	api.Use(s.tagSubdomain())
	api.POST("/session", RateLimit(limiter, "login", ratelimit.PerMinute(cfg.Limits.LoginPerMinute)), s.Login)
	api.POST("/session/logout", s.Logout)
	api.POST("/subscription/cancel", s.AdminRequired(), s.CancelSubscription)

	return s
}

func (s *InstanceServer) Engine() *gin.Engine {
	return s.engine
}

func (s *InstanceServer) tagSubdomain() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("subdomain", s.subdomain)
		c.Next()
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *InstanceServer) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	email, err := s.svc.Authenticate(req.Email, req.Password)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.sessions.Set(c, email, s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"email": email}})
}

func (s *InstanceServer) Logout(c *gin.Context) {
	if err := s.sessions.Clear(c); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CancelSubscription answers with plain messages; the customer sees them as-is.
func (s *InstanceServer) CancelSubscription(c *gin.Context) {
	result, err := s.svc.CancelSubscription(c.Request.Context())
	if err == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":   result.Status,
			"end_date": result.EndDate,
		})
		return
	}

	var gwErr *selfservice.GatewayError
	switch {
	case errors.Is(err, selfservice.ErrNoSubscription):
		c.JSON(http.StatusNotFound, gin.H{"error": "No active subscription found"})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": strings.TrimSpace(gwErr.Error())})
	default:
		s.log.Error("cancellation failed", zap.String("admin", c.GetString(contextAdminEmailKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not cancel the subscription, please try again later"})
	}
}
