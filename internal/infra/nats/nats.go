package natsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/RoomGate/config"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 5 * time.Second
	reconnectWait         = 2 * time.Second
)

// Connect creates a NATS connection (with JetStream available) using application config.
// Connection state changes are logged; the client reconnects indefinitely.
func Connect(cfg config.NATSConfig, log *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	opts := []nats.Option{
		nats.Timeout(defaultConnectTimeout),
		nats.Name("roomgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(URL(cfg), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: init jetstream: %w", err)
	}

	return conn, js, nil
}

// URL builds the server URL from cfg.
func URL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}

// Ping reports whether the connection is usable; used by the readiness probe.
func Ping(conn *nats.Conn) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !conn.IsConnected() {
			return errors.New("nats: not connected")
		}
		return conn.FlushWithContext(ctx)
	}
}
