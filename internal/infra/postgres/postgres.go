package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/RoomGate/config"
)

const defaultDialTimeout = 5 * time.Second

// NewPool creates the pgx pool used by the readiness probe and verifies connectivity.
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return pool, nil
}

// PoolConfig translates cfg into a pgxpool config. Malformed durations are errors.
func PoolConfig(cfg config.PostgresConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"max_conn_lifetime", cfg.MaxConnLifetime, &poolCfg.MaxConnLifetime},
		{"max_conn_idle_time", cfg.MaxConnIdleTime, &poolCfg.MaxConnIdleTime},
		{"health_check_period", cfg.HealthCheckPeriod, &poolCfg.HealthCheckPeriod},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return poolCfg, nil
}

// ConnString renders cfg as a postgres:// URL.
func ConnString(cfg config.PostgresConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else if cfg.User != "" {
		u.User = url.User(cfg.User)
	}
	return u.String()
}

// Ping reports whether the pool can reach Postgres; used by the readiness probe.
func Ping(pool *pgxpool.Pool) func(ctx context.Context) error {
	return pool.Ping
}
