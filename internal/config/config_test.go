package config

import (
	"strings"
	"testing"
	"time"
)

// setRequired sets the minimum environment for Load to succeed.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DatabaseMaxConn != 20 {
		t.Errorf("DatabaseMaxConn = %d, want 20", cfg.DatabaseMaxConn)
	}
	if cfg.PermissionCacheTTL != 60*time.Second {
		t.Errorf("PermissionCacheTTL = %v, want 60s", cfg.PermissionCacheTTL)
	}
	if cfg.GatewayQueueSize != 1000 {
		t.Errorf("GatewayQueueSize = %d, want 1000", cfg.GatewayQueueSize)
	}
	if cfg.GatewayReplayWindow != 5*time.Minute {
		t.Errorf("GatewayReplayWindow = %v, want 5m", cfg.GatewayReplayWindow)
	}
	if cfg.GatewayReplayMaxEvents != 1000 {
		t.Errorf("GatewayReplayMaxEvents = %d, want 1000", cfg.GatewayReplayMaxEvents)
	}
	if cfg.SnowflakeWorkerID != 0 {
		t.Errorf("SnowflakeWorkerID = %d, want 0", cfg.SnowflakeWorkerID)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() without JWT_SECRET expected error, got nil")
	}

	t.Setenv("JWT_SECRET", "short")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with short JWT_SECRET expected error, got nil")
	}
}

func TestLoadRejectsInvalidWorkerID(t *testing.T) {
	setRequired(t)
	t.Setenv("SNOWFLAKE_WORKER_ID", "1024")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with worker id 1024 expected error, got nil")
	}
}

func TestLoadReportsAllParseErrors(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_PORT", "not-a-port")
	t.Setenv("GATEWAY_QUEUE_SIZE", "huge")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error, got nil")
	}
	msg := err.Error()
	for _, key := range []string{"SERVER_PORT", "GATEWAY_QUEUE_SIZE"} {
		if !strings.Contains(msg, key) {
			t.Errorf("error %q does not mention %s", msg, key)
		}
	}
}

func TestLoadRejectsTimeoutShorterThanInterval(t *testing.T) {
	setRequired(t)
	t.Setenv("GATEWAY_HEARTBEAT_INTERVAL_MS", "45000")
	t.Setenv("GATEWAY_HEARTBEAT_TIMEOUT", "30s")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with timeout < interval expected error, got nil")
	}
}

func TestDevelopmentOverridesServerURL(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerURL != "http://localhost:9090" {
		t.Errorf("ServerURL = %q, want http://localhost:9090", cfg.ServerURL)
	}
}
