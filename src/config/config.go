// Package config assembles the process-wide configuration from the
// environment, the way the rest of this codebase's services do.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every recognized option from the environment (see §6.3).
type Config struct {
	Port   string
	RedisURL string

	SessionTimeout     time.Duration
	MaxQueueSize       int
	AverageSession     time.Duration
	DisconnectGrace    time.Duration
	AuditRetention     time.Duration
	SessionSecret      string

	SessionEnvHostPath      string
	SessionEnvContainerPath string

	// TerminalCommand is the path to the terminal-sharing subprocess binary
	// (the "ttyd"-equivalent external collaborator described in spec.md §1).
	TerminalCommand string
	TerminalPort    int

	// WorkloadCredentials is the recognized set of secrets propagated into
	// the credential file rather than the subprocess argv (see §6.3).
	WorkloadCredentials map[string]string
}

const (
	defaultSessionTimeoutMinutes = 60
	defaultMaxQueueSize          = 10
	// AverageSessionMinutes and DisconnectGraceMs and AuditRetentionDays are
	// fixed by spec.md §6.3; they are still read from the environment so an
	// operator can override them in a non-default deployment, but default to
	// the documented fixed values.
	defaultAverageSessionMinutes = 45
	defaultDisconnectGraceMs     = 10000
	defaultAuditRetentionDays    = 30
)

// Load reads .env (if present) and the process environment into a Config.
// Mirrors the teacher's main.go: godotenv.Load() best-effort, then
// os.Getenv with documented fallbacks.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using process environment")
	}

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SessionTimeout:          time.Duration(getEnvInt("SESSION_TIMEOUT_MINUTES", defaultSessionTimeoutMinutes)) * time.Minute,
		MaxQueueSize:            getEnvInt("MAX_QUEUE_SIZE", defaultMaxQueueSize),
		AverageSession:          time.Duration(getEnvInt("AVERAGE_SESSION_MINUTES", defaultAverageSessionMinutes)) * time.Minute,
		DisconnectGrace:         time.Duration(getEnvInt("DISCONNECT_GRACE_MS", defaultDisconnectGraceMs)) * time.Millisecond,
		AuditRetention:          time.Duration(getEnvInt("AUDIT_RETENTION_DAYS", defaultAuditRetentionDays)) * 24 * time.Hour,
		SessionSecret:           getEnv("SESSION_SECRET", "dev-secret-change-me"),
		SessionEnvHostPath:      getEnv("SESSION_ENV_HOST_PATH", "/tmp/ttyd-session.env"),
		SessionEnvContainerPath: getEnv("SESSION_ENV_CONTAINER_PATH", "/run/secrets/session.env"),
		TerminalCommand:         getEnv("TERMINAL_COMMAND", "ttyd"),
		TerminalPort:            getEnvInt("TERMINAL_PORT", 7681),
		WorkloadCredentials:     workloadCredentials(),
	}

	if cfg.SessionSecret == "dev-secret-change-me" {
		logrus.Warn("SESSION_SECRET not set, using an insecure development default")
	}

	return cfg
}

// workloadCredentials collects the small set of secrets the spawned
// terminal-sharing subprocess needs, read from the environment so they
// never appear in a command-line argument vector (see §4.2, §6.3).
func workloadCredentials() map[string]string {
	creds := map[string]string{}
	for _, key := range []string{"WORKLOAD_USER", "WORKLOAD_PASSWORD", "WORKLOAD_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			creds[key] = v
		}
	}
	return creds
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("invalid integer for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}
