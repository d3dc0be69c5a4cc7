package natsclient

import (
	"testing"

	"github.com/sifan077/RoomGate/config"
)

func TestURL(t *testing.T) {
	if got := URL(config.NATSConfig{}); got != "nats://localhost:4222" {
		t.Fatalf("URL = %q", got)
	}
	if got := URL(config.NATSConfig{Host: "nats.internal", Port: 4333}); got != "nats://nats.internal:4333" {
		t.Fatalf("URL = %q", got)
	}
}
