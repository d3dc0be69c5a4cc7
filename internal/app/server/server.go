package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/RoomGate/config"
	"github.com/sifan077/RoomGate/internal/app/conference"
	"github.com/sifan077/RoomGate/internal/app/service"
	inthttp "github.com/sifan077/RoomGate/internal/http/handler"
	"github.com/sifan077/RoomGate/internal/http/middleware"
	"go.uber.org/zap"
)

// Dependencies bundles what the HTTP server needs to serve links.
type Dependencies struct {
	Logger     *zap.Logger
	Config     *config.Config
	Registry   service.LinkRegistry
	Conference *conference.Provider
	Cookies    *inthttp.ClientCookies
	// Redis backs the issuance rate limiter; nil disables it.
	Redis redis.UniversalClient
	// Requests observes per-route latency; nil disables it.
	Requests    middleware.RequestObserver
	ReadyChecks map[string]inthttp.Check
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with the link routes registered.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "roomgate",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		BodyLimit:             16 * 1024,
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerMiddleware() {
	s.app.Use(middleware.Recovery(s.deps.Logger))
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Logger(s.deps.Logger))
	if s.deps.Requests != nil {
		s.app.Use(middleware.Metrics(s.deps.Requests))
	}
	s.app.Use(middleware.CORS(s.deps.Config.Server.CORSOrigins))
}

func (s *Server) registerRoutes() {
	cfg := s.deps.Config

	inthttp.NewHealthHandler(s.deps.Logger, s.deps.ReadyChecks).Register(s.app)

	var issueGuard fiber.Handler
	if cfg.Server.RateLimit.Enabled && s.deps.Redis != nil {
		limit := middleware.DefaultRateLimitConfig()
		limit.MaxRequests = cfg.Server.RateLimit.MaxRequests
		limit.Window = cfg.Server.RateLimit.Window
		issueGuard = middleware.RateLimit(s.deps.Redis, limit, s.deps.Logger)
	}

	apiHandler := inthttp.NewAPIHandler(inthttp.APIDeps{
		Logger:     s.deps.Logger,
		Registry:   s.deps.Registry,
		Cookies:    s.deps.Cookies,
		IssueGuard: issueGuard,
		AdminGuard: middleware.AdminKey(cfg.Server.AdminKey),
	})
	apiHandler.Register(s.app)

	redemptionHandler := inthttp.NewRedemptionHandler(inthttp.RedemptionDeps{
		Logger:            s.deps.Logger,
		Registry:          s.deps.Registry,
		Conference:        s.deps.Conference,
		Cookies:           s.deps.Cookies,
		Conceal:           cfg.Broker.Conceal,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
	})
	redemptionHandler.Register(s.app)
}
