package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port        string
	DatabaseURL string
	Headless    bool
	StaticDir   string

	// Relays is the default relay set; sessions and connect URIs can add more
	// up to MaxRelays.
	Relays    []string
	MaxRelays int

	// Auth gateway.
	AuthEnabled            bool
	AdminSecret            string
	APIKey                 string
	RateLimitWindow        time.Duration
	RateLimitMax           int
	SessionIdleTimeout     time.Duration
	SessionAbsoluteTimeout time.Duration

	// Broker.
	RequestTTL      time.Duration
	QueueLimit      int
	IdentityTimeout time.Duration
	PublishTimeout  time.Duration
	IdentityWorkers int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is honoured when present.
func Load() *Config {
	_ = godotenv.Load()

	relays := parseRelays(os.Getenv("RELAYS"))
	if len(relays) == 0 {
		relays = []string{"wss://relay.damus.io", "wss://relay.primal.net"}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8002"),
		DatabaseURL: getEnv("DATABASE_URL", "igloo.db"),
		Headless:    getEnv("HEADLESS", "false") == "true",
		StaticDir:   getEnv("STATIC_DIR", "static"),

		Relays:    relays,
		MaxRelays: parseInt(os.Getenv("MAX_RELAYS"), 12),

		AuthEnabled:            getEnv("AUTH_ENABLED", "true") != "false",
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		APIKey:                 os.Getenv("API_KEY"),
		RateLimitWindow:        parseDuration(os.Getenv("RATE_LIMIT_WINDOW"), 15*time.Minute),
		RateLimitMax:           parseInt(os.Getenv("RATE_LIMIT_MAX"), 5),
		SessionIdleTimeout:     parseDuration(os.Getenv("SESSION_IDLE_TIMEOUT"), 30*time.Minute),
		SessionAbsoluteTimeout: parseDuration(os.Getenv("SESSION_ABSOLUTE_TIMEOUT"), 12*time.Hour),

		RequestTTL:      parseDuration(os.Getenv("REQUEST_TTL"), 10*time.Minute),
		QueueLimit:      parseInt(os.Getenv("QUEUE_LIMIT"), 256),
		IdentityTimeout: parseDuration(os.Getenv("IDENTITY_TIMEOUT"), 30*time.Second),
		PublishTimeout:  parseDuration(os.Getenv("PUBLISH_TIMEOUT"), 10*time.Second),
		IdentityWorkers: parseInt(os.Getenv("IDENTITY_WORKERS"), 8),
	}

	for _, r := range cfg.Relays {
		if !strings.HasPrefix(r, "wss://") && !strings.HasPrefix(r, "ws://") {
			fmt.Fprintf(os.Stderr, "ERROR: invalid relay URL in RELAYS: %q (must start with ws:// or wss://)\n", r)
			os.Exit(1)
		}
	}
	if cfg.MaxRelays < 1 {
		cfg.MaxRelays = 1
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseRelays(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// parseDuration accepts Go duration syntax ("15m") or a bare number of
// seconds ("900") and falls back on anything else.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
