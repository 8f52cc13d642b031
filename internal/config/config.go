package config

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env  string
	Port int

	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret           string
	JWTAccessTTLMinutes int

	// single operator credential for POST /token
	OperatorUsername string
	OperatorPassword string

	// orchestrator↔worker
	Workers            []string
	WorkerCallTimeout  time.Duration
	DispatchBackoff    time.Duration
	DegradedAfter      int // consecutive dispatch failures before a worker is marked degraded; a failed probe/poll degrades it at once and this many mark it offline

	// scheduler intervals
	PollInterval       time.Duration
	StatusPollInterval time.Duration
	RecoverInterval    time.Duration
	MetricsInterval    time.Duration
	EvictionInterval   time.Duration
	HealthInterval     time.Duration

	StaleThreshold time.Duration
	LostThreshold  time.Duration

	// retry policy
	RetryBase   time.Duration
	RetryCap    time.Duration
	MaxRetries  int

	// upstream callback
	UpstreamURL          string
	CallbackMaxAttempts  int
	CallbackMaxBodyBytes int

	EvidenceRetentionDays int

	// worker runtime
	WorkerPort      int
	MaxConcurrent   int
	ResultTTL       time.Duration
	JobBudget       time.Duration
	AllowedIPs      []string
	OrchestratorURL string
}

func Load() Config {
	return Config{
		Env:   getEnv("APP_ENV", "dev"),
		Port:  getEnvInt("PORT", 8080),
		DBURL: buildDBURL(),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTAccessTTLMinutes: getEnvInt("JWT_ACCESS_TTL_MINUTES", 60),

		OperatorUsername: getEnv("OPERATOR_USERNAME", "operator"),
		OperatorPassword: getEnv("OPERATOR_PASSWORD", ""),

		Workers:           getEnvList("WORKER_ENDPOINTS"),
		WorkerCallTimeout: getEnvDuration("WORKER_CALL_TIMEOUT", 30*time.Second),
		DispatchBackoff:   getEnvDuration("DISPATCH_BACKOFF", 15*time.Second),
		DegradedAfter:     getEnvInt("DEGRADED_AFTER", 3),

		PollInterval:       getEnvDuration("POLL_INTERVAL", 30*time.Second),
		StatusPollInterval: getEnvDuration("STATUS_POLL_INTERVAL", 30*time.Second),
		RecoverInterval:    getEnvDuration("RECOVER_INTERVAL", 10*time.Minute),
		MetricsInterval:    getEnvDuration("METRICS_INTERVAL", 5*time.Minute),
		EvictionInterval:   getEnvDuration("EVICTION_INTERVAL", 24*time.Hour),
		HealthInterval:     getEnvDuration("HEALTH_INTERVAL", 1*time.Minute),

		StaleThreshold: getEnvDuration("STALE_THRESHOLD", 30*time.Minute),
		LostThreshold:  getEnvDuration("LOST_THRESHOLD", 5*time.Minute),

		RetryBase:  getEnvDuration("RETRY_BASE", 30*time.Second),
		RetryCap:   getEnvDuration("RETRY_CAP", 10*time.Minute),
		MaxRetries: getEnvInt("MAX_RETRIES", 3),

		UpstreamURL:          getEnv("UPSTREAM_URL", ""),
		CallbackMaxAttempts:  getEnvInt("CALLBACK_MAX_ATTEMPTS", 5),
		CallbackMaxBodyBytes: getEnvInt("CALLBACK_MAX_BODY_BYTES", 1<<20),

		EvidenceRetentionDays: getEnvInt("EVIDENCE_RETENTION_DAYS", 30),

		WorkerPort:      getEnvInt("WORKER_PORT", 8081),
		MaxConcurrent:   getEnvInt("MAX_CONCURRENT", 4),
		ResultTTL:       getEnvDuration("RESULT_TTL", 10*time.Minute),
		JobBudget:       getEnvDuration("JOB_BUDGET", 15*time.Minute),
		AllowedIPs:      getEnvList("ALLOWED_IPS"),
		OrchestratorURL: getEnv("ORCHESTRATOR_URL", ""),
	}
}

// Validate catches configuration that would make the process useless.
// Mains exit with code 2 on a validation error.

func (c Config) Validate(role string) error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}

	switch role {
	case "orchestrator":
		if len(c.Workers) == 0 {
			return errors.New("WORKER_ENDPOINTS must list at least one worker")
		}
		if c.OperatorPassword == "" {
			return errors.New("OPERATOR_PASSWORD must be set")
		}
	case "worker":
		if c.MaxConcurrent <= 0 {
			return errors.New("MAX_CONCURRENT must be positive")
		}
	}

	return nil
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "rpa")
	pass := getEnv("DB_PASSWORD", "rpa")
	name := getEnv("DB_NAME", "rpa")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			return fallback
		}

		return num
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)

		if err != nil {
			return fallback
		}

		return d
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)

	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
