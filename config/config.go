// Package config loads server configuration from an INI file, with
// PGWIREMOCK_<KEY> environment variables overriding individual [server]
// keys. Layout mirrors the ini-backed config loaders used elsewhere in the
// pack: sensible defaults, MustX accessors, then a thin override pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// AuthMethod selects how incoming connections are authenticated.
type AuthMethod string

const (
	AuthTrust     AuthMethod = "trust"
	AuthCleartext AuthMethod = "cleartext"
	AuthMD5       AuthMethod = "md5"
)

// Config holds every setting the server needs to start.
type Config struct {
	ListenHost string
	ListenPort int

	MaxConnections  int
	IdleTimeout     time.Duration
	ShutdownGrace   time.Duration
	MaxMessageBytes int
	AuthMethod      AuthMethod
	ServerVersion   string
	SlowQueryThresh time.Duration
	StatsEnabled    bool

	Users map[string]string
}

func defaults() Config {
	return Config{
		ListenHost:      "0.0.0.0",
		ListenPort:      5432,
		MaxConnections:  100,
		IdleTimeout:     300 * time.Second,
		ShutdownGrace:   30 * time.Second,
		MaxMessageBytes: 1 << 20,
		AuthMethod:      AuthTrust,
		ServerVersion:   "15.4 (pgwire-mock)",
		SlowQueryThresh: 100 * time.Millisecond,
		StatsEnabled:    true,
		Users:           make(map[string]string),
	}
}

// Load reads the INI file at path, applies PGWIREMOCK_* environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	cfg := defaults()

	sec := file.Section("server")
	cfg.ListenHost = sec.Key("listen_host").MustString(cfg.ListenHost)
	cfg.ListenPort = sec.Key("listen_port").MustInt(cfg.ListenPort)
	cfg.MaxConnections = sec.Key("max_connections").MustInt(cfg.MaxConnections)
	cfg.IdleTimeout = time.Duration(sec.Key("idle_timeout_ms").MustInt(int(cfg.IdleTimeout.Milliseconds()))) * time.Millisecond
	cfg.ShutdownGrace = time.Duration(sec.Key("shutdown_grace_ms").MustInt(int(cfg.ShutdownGrace.Milliseconds()))) * time.Millisecond
	cfg.MaxMessageBytes = sec.Key("max_message_bytes").MustInt(cfg.MaxMessageBytes)
	cfg.ServerVersion = sec.Key("server_version_string").MustString(cfg.ServerVersion)
	cfg.SlowQueryThresh = time.Duration(sec.Key("slow_query_threshold_ms").MustInt(int(cfg.SlowQueryThresh.Milliseconds()))) * time.Millisecond
	cfg.StatsEnabled = sec.Key("stats_enabled").MustBool(cfg.StatsEnabled)

	if raw := sec.Key("auth_method").MustString(string(cfg.AuthMethod)); raw != "" {
		cfg.AuthMethod = AuthMethod(raw)
	}

	users := file.Section("users")
	for _, key := range users.Keys() {
		cfg.Users[key.Name()] = key.Value()
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides lets PGWIREMOCK_<KEY> override any [server] setting
// without touching the INI file, for container and CI deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PGWIREMOCK_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v, ok := envInt("PGWIREMOCK_LISTEN_PORT"); ok {
		cfg.ListenPort = v
	}
	if v, ok := envInt("PGWIREMOCK_MAX_CONNECTIONS"); ok {
		cfg.MaxConnections = v
	}
	if v, ok := envInt("PGWIREMOCK_IDLE_TIMEOUT_MS"); ok {
		cfg.IdleTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("PGWIREMOCK_SHUTDOWN_GRACE_MS"); ok {
		cfg.ShutdownGrace = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("PGWIREMOCK_MAX_MESSAGE_BYTES"); ok {
		cfg.MaxMessageBytes = v
	}
	if v := os.Getenv("PGWIREMOCK_AUTH_METHOD"); v != "" {
		cfg.AuthMethod = AuthMethod(v)
	}
	if v := os.Getenv("PGWIREMOCK_SERVER_VERSION_STRING"); v != "" {
		cfg.ServerVersion = v
	}
	if v, ok := envInt("PGWIREMOCK_SLOW_QUERY_THRESHOLD_MS"); ok {
		cfg.SlowQueryThresh = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("PGWIREMOCK_STATS_ENABLED"); v != "" {
		cfg.StatsEnabled = strings.EqualFold(v, "true") || v == "1"
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (cfg *Config) validate() error {
	switch cfg.AuthMethod {
	case AuthTrust, AuthCleartext, AuthMD5:
	default:
		return fmt.Errorf("invalid auth_method %q, expected trust, cleartext or md5", cfg.AuthMethod)
	}

	if cfg.AuthMethod != AuthTrust && len(cfg.Users) == 0 {
		return fmt.Errorf("auth_method %q requires at least one entry in [users]", cfg.AuthMethod)
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port %d", cfg.ListenPort)
	}

	return nil
}

// Address formats the host and port as a net.Listen-compatible string.
func (cfg *Config) Address() string {
	return fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
}
