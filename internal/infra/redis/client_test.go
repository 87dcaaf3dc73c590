package redis

import (
	"context"
	"strconv"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/anticheat-authz/internal/infra/config"
)

func TestNewClientPingsServer(t *testing.T) {
	server := miniredis.RunT(t)
	port, err := strconv.Atoi(server.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	client, err := NewClient(context.Background(), config.RedisSettings{Host: server.Host(), Port: port}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}

	server.Close()
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Fatalf("expected health check to fail after server shutdown")
	}
}

func TestNewClientFailsWithoutServer(t *testing.T) {
	server := miniredis.RunT(t)
	port, _ := strconv.Atoi(server.Port())
	host := server.Host()
	server.Close()

	if _, err := NewClient(context.Background(), config.RedisSettings{Host: host, Port: port}, nil); err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}
