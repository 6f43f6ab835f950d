// Package config loads application configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Env            string // APP_ENV (dev, test, prod)
	Port           string // APP_PORT
	DBUser         string // DB_USER
	DBPass         string // DB_PASS, may be empty
	DBHost         string // DB_HOST
	DBPort         string // DB_PORT
	DBName         string // DB_NAME
	JWTSecret      string // JWT_SECRET
	AccessTTLMin   int    // ACCESS_TOKEN_TTL_MIN
	RefreshTTLDays int    // REFRESH_TOKEN_TTL_DAYS
	BcryptCost     int    // BCRYPT_COST

	PolicySecret        string        // POLICY_SECRET_KEY, keys policy and grant signatures
	PIIEncryptionKey    string        // PII_ENCRYPTION_KEY, AES-256 key for PII at rest
	DefaultContractPath string        // DEFAULT_CONTRACT_PATH
	RabbitURL           string        // RABBITMQ_URL, empty disables notifications
	NotificationDir     string        // NOTIFICATION_DIR, where the consumer writes delivery logs
	GeoBaseURL          string        // GEO_BASE_URL
	GeoTimeout          time.Duration // GEO_TIMEOUT
	GeoCacheTTL         time.Duration // GEO_CACHE_TTL
	RequestTTL          time.Duration // REQUEST_TTL, lifetime of a data request
	UnverifiedUserTTL   time.Duration // UNVERIFIED_USER_TTL
	SweepInterval       time.Duration // SWEEP_INTERVAL
	LogLevel            string        // LOG_LEVEL
}

// Load reads the environment. Missing or malformed required values are
// reported together in one error.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		Env:            l.must("APP_ENV"),
		Port:           l.must("APP_PORT"),
		DBUser:         l.must("DB_USER"),
		DBPass:         os.Getenv("DB_PASS"),
		DBHost:         l.must("DB_HOST"),
		DBPort:         l.must("DB_PORT"),
		DBName:         l.must("DB_NAME"),
		JWTSecret:      l.must("JWT_SECRET"),
		AccessTTLMin:   l.integer("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTTLDays: l.integer("REFRESH_TOKEN_TTL_DAYS", 7),
		BcryptCost:     l.integer("BCRYPT_COST", 12),

		PolicySecret:        l.must("POLICY_SECRET_KEY"),
		PIIEncryptionKey:    l.must("PII_ENCRYPTION_KEY"),
		DefaultContractPath: getenv("DEFAULT_CONTRACT_PATH", "config/default_contract.yaml"),
		RabbitURL:           os.Getenv("RABBITMQ_URL"),
		NotificationDir:     getenv("NOTIFICATION_DIR", "var/notifications"),
		GeoBaseURL:          getenv("GEO_BASE_URL", "http://ip-api.com/json"),
		GeoTimeout:          l.duration("GEO_TIMEOUT", 3*time.Second),
		GeoCacheTTL:         l.duration("GEO_CACHE_TTL", time.Hour),
		RequestTTL:          l.duration("REQUEST_TTL", 7*24*time.Hour),
		UnverifiedUserTTL:   l.duration("UNVERIFIED_USER_TTL", 24*time.Hour),
		SweepInterval:       l.duration("SWEEP_INTERVAL", time.Minute),
		LogLevel:            getenv("LOG_LEVEL", "info"),
	}
	if len(l.problems) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(l.problems, "; "))
	}
	return cfg, nil
}

// loader collects problems instead of exiting on the first one.
type loader struct {
	problems []string
}

func (l *loader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		l.problems = append(l.problems, "missing required env var "+key)
	}
	return v
}

func (l *loader) integer(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		l.problems = append(l.problems, fmt.Sprintf("invalid int for %s: %q", key, s))
	}
	return n
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		l.problems = append(l.problems, fmt.Sprintf("invalid duration for %s: %q", key, s))
	}
	return d
}
