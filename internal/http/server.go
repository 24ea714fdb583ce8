package http

import (
	"context"
	"log"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relaygate/mailbridge/internal/config"
	"github.com/relaygate/mailbridge/internal/http/middleware"
	"github.com/relaygate/mailbridge/internal/relay"
	"github.com/relaygate/mailbridge/internal/repository"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, eng *relay.Engine, auditRepo repository.AuditRepository, rds *redis.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:ip:",
		Window:         time.Second,
		RetryAfterHint: true,
	})
	authMW := middleware.OperatorAuthMiddleware(cfg.HTTP.OperatorToken)

	// routes
	v1 := e.Group("/v1")
	v1.POST("/webhook/mailgun", mailgunWebhookHandler(eng, cfg.Mailgun.SigningKey, cfg.Relay.InboundAddress), rlMW)
	v1.GET("/reports/events", listEventsHandler(auditRepo), authMW)

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// Handler exposes the router for handler-level tests.
func (s *Server) Handler() http.Handler { return s.e }
