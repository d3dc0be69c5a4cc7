package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sifan077/RoomGate/internal/app/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreRedis  = "redis"
	StoreMemory = "memory"

	minLinkTTL = 10 * time.Second
	maxLinkTTL = 24 * time.Hour
)

type Config struct {
	// HTTP listener, cookies and admin access
	Server ServerConfig `mapstructure:"server"`

	// Link lifecycle policy
	Broker BrokerConfig `mapstructure:"broker"`

	// Downstream conference provider
	Conference ConferenceConfig `mapstructure:"conference"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	// Logging
	Log LogConfig `mapstructure:"log"`
}

type ServerConfig struct {
	Env             string          `mapstructure:"env"`
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port"`
	CookieName      string          `mapstructure:"cookie_name"`
	CookieKey       string          `mapstructure:"cookie_key"`
	CookieSecure    bool            `mapstructure:"cookie_secure"`
	AdminKey        string          `mapstructure:"admin_key"`
	CORSOrigins     []string        `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type BrokerConfig struct {
	Store              string        `mapstructure:"store"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
	DefaultMode        string        `mapstructure:"default_mode"`
	DefaultResource    string        `mapstructure:"default_resource"`
	Conceal            bool          `mapstructure:"conceal"`
	SingleUseTTL       time.Duration `mapstructure:"single_use_ttl"`
	EphemeralTTL       time.Duration `mapstructure:"ephemeral_ttl"`
	OwnerClaimTTL      time.Duration `mapstructure:"owner_claim_ttl"`
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	StoreTimeout       time.Duration `mapstructure:"store_timeout"`
	SwapAttempts       int           `mapstructure:"swap_attempts"`
	AuditSweepInterval time.Duration `mapstructure:"audit_sweep_interval"`
}

type ConferenceConfig struct {
	Domain    string        `mapstructure:"domain"`
	AppID     string        `mapstructure:"app_id"`
	AppSecret string        `mapstructure:"app_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type PostgresConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Host              string `mapstructure:"host"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	Database          string `mapstructure:"database"`
	Port              int    `mapstructure:"port"`
	SSLMode           string `mapstructure:"sslmode"`
	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Production reports whether the server runs with production settings.
func (c *Config) Production() bool {
	return c.Server.Env == EnvProduction
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuditEnabled reports whether lifecycle events are folded into Postgres.
func (c *Config) AuditEnabled() bool {
	return c.Postgres.Enabled && c.NATS.Enabled
}

// Load reads .env, config.yaml, the environment and flags, in increasing precedence.
// flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	configFile := ""
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Search for config/config.yaml (plus root for overrides).
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.env", EnvDevelopment)
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cookie_name", "rg_cid")
	v.SetDefault("server.cookie_key", "")
	v.SetDefault("server.cookie_secure", false)
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.max_requests", 60)
	v.SetDefault("server.rate_limit.window", time.Minute)

	v.SetDefault("broker.store", StoreRedis)
	v.SetDefault("broker.key_prefix", "roomgate:link:")
	v.SetDefault("broker.default_mode", string(model.ModeSingleUse))
	v.SetDefault("broker.default_resource", "")
	v.SetDefault("broker.conceal", true)
	v.SetDefault("broker.single_use_ttl", 90*time.Second)
	v.SetDefault("broker.ephemeral_ttl", 90*time.Second)
	v.SetDefault("broker.owner_claim_ttl", 24*time.Hour)
	v.SetDefault("broker.inactivity_timeout", 45*time.Second)
	v.SetDefault("broker.heartbeat_interval", 15*time.Second)
	v.SetDefault("broker.store_timeout", 2*time.Second)
	v.SetDefault("broker.swap_attempts", 5)
	v.SetDefault("broker.audit_sweep_interval", 30*time.Second)

	v.SetDefault("conference.domain", "meet.jit.si")
	v.SetDefault("conference.app_id", "")
	v.SetDefault("conference.app_secret", "")
	v.SetDefault("conference.token_ttl", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "roomgate")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "roomgate")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", "30m")
	v.SetDefault("postgres.max_conn_idle_time", "5m")
	v.SetDefault("postgres.health_check_period", "1m")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.host", "localhost")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")

	v.SetDefault("prometheus.enabled", false)
	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "")
}

func bindEnvVars(v *viper.Viper) error {
	bindings := [][]string{
		// Server
		{"server.env", "APP_ENV"},
		{"server.port", "PORT"},
		{"server.cookie_key", "COOKIE_KEY"},
		{"server.admin_key", "ADMIN_KEY"},

		// Conference
		{"conference.domain", "JITSI_DOMAIN"},
		{"conference.app_id", "JITSI_APP_ID"},
		{"conference.app_secret", "JITSI_APP_SECRET"},

		// PostgreSQL
		{"postgres.host", "PG_HOST"},
		{"postgres.user", "PG_USER"},
		{"postgres.password", "PG_PASSWORD"},
		{"postgres.database", "PG_DB"},
		{"postgres.port", "PG_PORT"},
		{"postgres.sslmode", "PG_SSLMODE"},

		// Redis
		{"redis.host", "REDIS_HOST"},
		{"redis.port", "REDIS_PORT"},
		{"redis.password", "REDIS_PASSWORD"},
		{"redis.db", "REDIS_DB"},

		// NATS
		{"nats.host", "NATS_HOST"},
		{"nats.port", "NATS_PORT"},
		{"nats.user", "NATS_USER"},
		{"nats.password", "NATS_PASSWORD"},

		// Prometheus
		{"prometheus.port", "PROM_PORT"},

		// Logging
		{"log.level", "LOG_LEVEL"},
	}
	for _, b := range bindings {
		// The structured name stays bound alongside the legacy one.
		structured := strings.ToUpper(strings.ReplaceAll(b[0], ".", "_"))
		if err := v.BindEnv(b[0], structured, b[1]); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Server.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("server.env must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Server.Env))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Production() && len(c.Server.CookieKey) < 32 {
		errs = append(errs, errors.New("server.cookie_key must be at least 32 bytes in production"))
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.MaxRequests <= 0 || c.Server.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("server.rate_limit needs positive max_requests and window"))
	}

	b := c.Broker
	switch b.Store {
	case StoreRedis:
	case StoreMemory:
		if c.Production() {
			errs = append(errs, errors.New("broker.store memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.store must be %q or %q, got %q", StoreRedis, StoreMemory, b.Store))
	}
	if _, err := model.ParseMode(b.DefaultMode); err != nil {
		errs = append(errs, fmt.Errorf("broker.default_mode: %w", err))
	}
	for name, ttl := range map[string]time.Duration{
		"broker.single_use_ttl":  b.SingleUseTTL,
		"broker.ephemeral_ttl":   b.EphemeralTTL,
		"broker.owner_claim_ttl": b.OwnerClaimTTL,
	} {
		if ttl < minLinkTTL || ttl > maxLinkTTL {
			errs = append(errs, fmt.Errorf("%s must be between %s and %s, got %s", name, minLinkTTL, maxLinkTTL, ttl))
		}
	}
	if b.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("broker.inactivity_timeout must be positive"))
	}
	if b.HeartbeatInterval <= 0 || b.HeartbeatInterval >= b.InactivityTimeout {
		errs = append(errs, errors.New("broker.heartbeat_interval must be positive and shorter than broker.inactivity_timeout"))
	}
	if b.StoreTimeout <= 0 {
		errs = append(errs, errors.New("broker.store_timeout must be positive"))
	}
	if b.SwapAttempts <= 0 {
		errs = append(errs, errors.New("broker.swap_attempts must be positive"))
	}

	if strings.TrimSpace(c.Conference.Domain) == "" {
		errs = append(errs, errors.New("conference.domain is required"))
	}
	if c.Conference.AppSecret != "" && c.Conference.AppID == "" {
		errs = append(errs, errors.New("conference.app_secret requires conference.app_id"))
	}

	return errors.Join(errs...)
}
