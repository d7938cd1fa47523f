package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hperssn/sprinter/internal/domain"
)

type Config struct {
	HTTPAddr string
	LogMode  string
	// DevUser is the identity of requests without an auth header. Empty
	// rejects them.
	DevUser string

	DBDriver string // memory|sqlite|postgres
	DBDSN    string

	DraftDriver string // db|redis|memory
	RedisAddr   string
	DraftTTL    time.Duration

	FeedbackDelay    time.Duration
	SaveDebounce     time.Duration
	NoGatePolicy     domain.NoGatePolicy
	SessionRetention time.Duration
}

// Load reads an optional .env file and then the environment. Variables that
// are already set win over the file.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)
	return FromEnv()
}

func FromEnv() Config {
	policy, ok := domain.ParseNoGatePolicy(strings.ToLower(os.Getenv("NO_GATE_POLICY")))
	if !ok {
		policy = domain.NoGateFullCredit
	}
	return Config{
		HTTPAddr:         envOr("HTTP_ADDR", ":8080"),
		LogMode:          envOr("LOG_MODE", "dev"),
		DevUser:          os.Getenv("DEV_USER"),
		DBDriver:         envOr("DB_DRIVER", "sqlite"),
		DBDSN:            envOr("DB_DSN", "sprinter.db"),
		DraftDriver:      envOr("DRAFT_DRIVER", "db"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		DraftTTL:         envDuration("DRAFT_TTL", 30*24*time.Hour),
		FeedbackDelay:    envDuration("FEEDBACK_DELAY", 1200*time.Millisecond),
		SaveDebounce:     envDuration("SAVE_DEBOUNCE", 1500*time.Millisecond),
		NoGatePolicy:     policy,
		SessionRetention: envDuration("SESSION_RETENTION", time.Hour),
	}
}

func envOr(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

// envDuration accepts Go duration strings or a bare number of milliseconds.
func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
