package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Type != "redis" {
		t.Errorf("expected redis storage, got %s", cfg.Storage.Type)
	}
	if cfg.Server.APIPort != 8080 || cfg.Server.MetricsPort != 9090 {
		t.Errorf("unexpected ports: %d/%d", cfg.Server.APIPort, cfg.Server.MetricsPort)
	}
	if got := ParseDuration(cfg.Heartbeat.DriftThreshold, 0); got != 5*time.Second {
		t.Errorf("expected 5s drift threshold, got %s", got)
	}
	if cfg.Heartbeat.RecoveryHeartbeats != 1 {
		t.Errorf("expected 1 recovery heartbeat, got %d", cfg.Heartbeat.RecoveryHeartbeats)
	}
	if got := ParseDuration(cfg.Agent.HeartbeatInterval, 0); got != 30*time.Second {
		t.Errorf("expected 30s heartbeat interval, got %s", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
storage:
  type: bolt
  path: `+filepath.Join(dir, "data", "focusd.bolt")+`
heartbeat:
  drift_threshold: 3s
  recovery_heartbeats: 2
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Type != "bolt" {
		t.Errorf("expected bolt storage, got %s", cfg.Storage.Type)
	}
	if cfg.Heartbeat.DriftThreshold != "3s" || cfg.Heartbeat.RecoveryHeartbeats != 2 {
		t.Errorf("unexpected heartbeat config: %+v", cfg.Heartbeat)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug logging, got %s", cfg.Logging.Level)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("expected bolt directory to be created: %v", err)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("FOCUSD_SERVER_API_PORT", "18080")
	t.Setenv("FOCUSD_AGENT_USER_ID", "u1")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.APIPort != 18080 {
		t.Errorf("expected env override for api port, got %d", cfg.Server.APIPort)
	}
	if cfg.Agent.UserID != "u1" {
		t.Errorf("expected env override for agent user, got %q", cfg.Agent.UserID)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bad port",
			content: "server:\n  api_port: 70000\n",
			want:    "invalid API port",
		},
		{
			name:    "unknown storage",
			content: "storage:\n  type: postgres\n",
			want:    "unsupported storage type",
		},
		{
			name:    "bad duration",
			content: "heartbeat:\n  drift_threshold: soon\n",
			want:    "heartbeat.drift_threshold",
		},
		{
			name:    "negative duration",
			content: "streak:\n  retry_interval: -1m\n",
			want:    "must be positive",
		},
		{
			name:    "no recovery",
			content: "heartbeat:\n  recovery_heartbeats: 0\n",
			want:    "recovery_heartbeats",
		},
		{
			name:    "timeout longer than interval",
			content: "agent:\n  heartbeat_interval: 5s\n  heartbeat_timeout: 10s\n",
			want:    "must be shorter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
server:
  api_port: 8080
  dns_port: 53
heartbeat:
  drift_treshold: 5s
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys: %v", err)
	}

	want := []string{"heartbeat.drift_treshold", "server.dns_port"}
	if strings.Join(unknown, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, unknown)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("90s", time.Second); got != 90*time.Second {
		t.Errorf("expected 90s, got %s", got)
	}
	if got := ParseDuration("nope", time.Second); got != time.Second {
		t.Errorf("expected fallback, got %s", got)
	}
}
