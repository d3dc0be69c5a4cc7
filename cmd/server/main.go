package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/RoomGate/config"
	"github.com/sifan077/RoomGate/internal/app/conference"
	appmodel "github.com/sifan077/RoomGate/internal/app/model"
	apprepository "github.com/sifan077/RoomGate/internal/app/repository"
	appserver "github.com/sifan077/RoomGate/internal/app/server"
	appservice "github.com/sifan077/RoomGate/internal/app/service"
	inthttp "github.com/sifan077/RoomGate/internal/http/handler"
	httpUtil "github.com/sifan077/RoomGate/internal/http/util"
	"github.com/sifan077/RoomGate/internal/infra/logger"
	infraNATS "github.com/sifan077/RoomGate/internal/infra/nats"
	infraPostgres "github.com/sifan077/RoomGate/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/RoomGate/internal/infra/prometheus"
	infraRedis "github.com/sifan077/RoomGate/internal/infra/redis"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("roomgate", pflag.ExitOnError)
	flags.String("config", "", "path to a config file (default ./config.yaml or ./config/config.yaml)")
	flags.Int("server.port", 8080, "HTTP listen port")
	flags.String("log.level", "info", "log level: debug, info, warn, error")
	flags.String("broker.store", config.StoreRedis, "token store: redis or memory")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		logger.MustInit(logger.Config{Development: true}).Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.MustInit(logger.Config{
		Development: !cfg.Production(),
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Fields:      map[string]string{"service": "roomgate", "env": cfg.Server.Env},
	})
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Configuration loaded successfully",
		zap.String("env", cfg.Server.Env),
		zap.String("listen", cfg.Server.Addr()),
		zap.String("store", cfg.Broker.Store),
		zap.String("default_mode", cfg.Broker.DefaultMode),
		zap.Bool("conceal", cfg.Broker.Conceal),
		zap.String("conference_domain", cfg.Conference.Domain),
		zap.Bool("postgres", cfg.Postgres.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("audit", cfg.AuditEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	readyChecks := map[string]inthttp.Check{}

	var (
		store       apprepository.TokenStore
		redisClient redis.UniversalClient
	)
	switch cfg.Broker.Store {
	case config.StoreRedis:
		client, err := infraRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer client.Close()
		log.Info("Connected to Redis successfully",
			zap.String("redis_host", cfg.Redis.Host),
			zap.Int("redis_port", cfg.Redis.Port),
		)
		redisClient = client
		store = apprepository.NewRedisTokenStore(client, cfg.Broker.KeyPrefix)
		readyChecks["redis"] = infraRedis.Ping(client)
	default:
		log.Warn("Using the in-memory token store; links do not survive restarts")
		store = apprepository.NewMemoryTokenStore(nil)
	}

	var auditRepo apprepository.LinkAuditRepository
	if cfg.Postgres.Enabled {
		gormDB, err := infraPostgres.NewGorm(cfg.Postgres, log)
		if err != nil {
			log.Fatal("Failed to open GORM connection", zap.Error(err))
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
		}
		defer sqlDB.Close()

		if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.LinkAudit{}); err != nil {
			log.Fatal("Failed to run database migrations", zap.Error(err))
		}

		pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			log.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		defer pool.Close()
		readyChecks["postgres"] = infraPostgres.Ping(pool)

		auditRepo = apprepository.NewLinkAuditRepository(gormDB)
		log.Info("Connected to Postgres successfully",
			zap.String("postgres_host", cfg.Postgres.Host),
			zap.String("postgres_db", cfg.Postgres.Database),
		)
	}

	registryOpts := []appservice.Option{
		appservice.WithLogger(log.Named("registry")),
		appservice.WithStoreTimeout(cfg.Broker.StoreTimeout),
		appservice.WithSwapAttempts(cfg.Broker.SwapAttempts),
	}

	if cfg.NATS.Enabled {
		natsConn, js, err := infraNATS.Connect(cfg.NATS, log.Named("nats"))
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()
		readyChecks["nats"] = infraNATS.Ping(natsConn)

		if err := appservice.EnsureLinkStream(js); err != nil {
			log.Fatal("Failed to ensure link event stream", zap.Error(err))
		}
		publisher := appservice.NewLinkEventPublisher(js, log.Named("events"))
		defer publisher.Close()
		registryOpts = append(registryOpts, appservice.WithPublisher(publisher))
		log.Info("Connected to NATS successfully", zap.String("url", natsConn.ConnectedUrlRedacted()))

		if auditRepo != nil {
			consumer := appservice.NewLinkEventConsumer(js, log.Named("audit"), auditRepo)
			if err := consumer.Start(ctx); err != nil {
				log.Fatal("Failed to start link event consumer", zap.Error(err))
			}

			sweeper := appservice.NewAuditExpirySweeper(log.Named("audit"), auditRepo, cfg.Broker.AuditSweepInterval)
			sweeper.Start()
			defer sweeper.Stop()
		}
	}

	var metrics *infraPrometheus.Metrics
	if cfg.Prometheus.Enabled {
		reg := infraPrometheus.NewRegistry()
		metrics, err = infraPrometheus.NewMetrics(reg)
		if err != nil {
			log.Fatal("Failed to register metrics", zap.Error(err))
		}
		registryOpts = append(registryOpts, appservice.WithMetrics(metrics))

		promServer := infraPrometheus.NewServer(cfg.Prometheus, reg, log)
		promServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := promServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("Failed to close Prometheus server", zap.Error(err))
			}
		}()
	} else {
		log.Info("Prometheus metrics server disabled")
	}

	defaultMode, err := appmodel.ParseMode(cfg.Broker.DefaultMode)
	if err != nil {
		log.Fatal("Invalid default link mode", zap.Error(err))
	}
	registry, err := appservice.NewLinkRegistry(store, appservice.Policy{
		SingleUseTTL:      cfg.Broker.SingleUseTTL,
		EphemeralTTL:      cfg.Broker.EphemeralTTL,
		OwnerClaimTTL:     cfg.Broker.OwnerClaimTTL,
		InactivityTimeout: cfg.Broker.InactivityTimeout,
		DefaultMode:       defaultMode,
		DefaultResource:   cfg.Broker.DefaultResource,
	}, registryOpts...)
	if err != nil {
		log.Fatal("Failed to build link registry", zap.Error(err))
	}

	provider, err := conference.NewProvider(cfg.Conference.Domain, cfg.Conference.AppID, cfg.Conference.AppSecret, cfg.Conference.TokenTTL)
	if err != nil {
		log.Fatal("Invalid conference settings", zap.Error(err))
	}

	cookieKey := []byte(cfg.Server.CookieKey)
	if len(cookieKey) == 0 {
		cookieKey, err = httpUtil.RandomSecret()
		if err != nil {
			log.Fatal("Failed to generate cookie key", zap.Error(err))
		}
		log.Warn("No cookie key configured; client ids will not survive restarts")
	}
	signer, err := httpUtil.NewClientIDSigner(cookieKey)
	if err != nil {
		log.Fatal("Invalid cookie key", zap.Error(err))
	}

	deps := appserver.Dependencies{
		Logger:     log,
		Config:     cfg,
		Registry:   registry,
		Conference: provider,
		Cookies: &inthttp.ClientCookies{
			Name:   cfg.Server.CookieName,
			Signer: signer,
			Secure: cfg.Server.CookieSecure,
			MaxAge: cfg.Broker.OwnerClaimTTL,
		},
		Redis:       redisClient,
		ReadyChecks: readyChecks,
	}
	if metrics != nil {
		deps.Requests = metrics
	}
	server := appserver.New(deps)

	go func() {
		log.Info("Starting HTTP server", zap.String("addr", cfg.Server.Addr()))
		if err := server.Listen(cfg.Server.Addr()); err != nil {
			log.Error("Fiber server exited", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Graceful shutdown failed", zap.Error(err))
	}
}
