package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgwire-mock.ini")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, "[server]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenHost != "0.0.0.0" || cfg.ListenPort != 5432 {
		t.Fatalf("unexpected listen address: %s:%d", cfg.ListenHost, cfg.ListenPort)
	}
	if cfg.AuthMethod != AuthTrust {
		t.Fatalf("expected trust auth by default, got %s", cfg.AuthMethod)
	}
	if cfg.IdleTimeout != 300*time.Second {
		t.Fatalf("unexpected idle timeout: %s", cfg.IdleTimeout)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeTempConfig(t, `
[server]
listen_host = 127.0.0.1
listen_port = 6543
max_connections = 10
idle_timeout_ms = 5000
shutdown_grace_ms = 1000
max_message_bytes = 2048
auth_method = md5
server_version_string = 16.0 (test)
slow_query_threshold_ms = 50
stats_enabled = false

[users]
alice = s3cr3t
bob = hunter2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Address() != "127.0.0.1:6543" {
		t.Fatalf("unexpected address: %s", cfg.Address())
	}
	if cfg.MaxConnections != 10 {
		t.Fatalf("unexpected max_connections: %d", cfg.MaxConnections)
	}
	if cfg.IdleTimeout != 5*time.Second {
		t.Fatalf("unexpected idle timeout: %s", cfg.IdleTimeout)
	}
	if cfg.AuthMethod != AuthMD5 {
		t.Fatalf("unexpected auth method: %s", cfg.AuthMethod)
	}
	if cfg.StatsEnabled {
		t.Fatalf("expected stats_enabled = false")
	}
	if cfg.Users["alice"] != "s3cr3t" || cfg.Users["bob"] != "hunter2" {
		t.Fatalf("unexpected users: %+v", cfg.Users)
	}
}

func TestLoadRejectsMissingUsersForNonTrustAuth(t *testing.T) {
	path := writeTempConfig(t, "[server]\nauth_method = md5\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when md5 auth has no configured users")
	}
}

func TestLoadRejectsInvalidAuthMethod(t *testing.T) {
	path := writeTempConfig(t, "[server]\nauth_method = kerberos\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported auth_method")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeTempConfig(t, "[server]\nlisten_port = 5432\n")

	t.Setenv("PGWIREMOCK_LISTEN_PORT", "7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 7000 {
		t.Fatalf("expected env override to win, got port %d", cfg.ListenPort)
	}
}
