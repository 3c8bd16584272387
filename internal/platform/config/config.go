// Package config builds the process configuration once at startup. Every
// component receives its slice of this struct through its constructor;
// nothing reads the environment after FromEnv returns.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Server    Server
	JWT       JWT
	Postgres  Postgres
	Redis     Redis
	Kafka     Kafka
	RateLimit RateLimit
	Siblings  Siblings
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// JWT configures the token issuer. The signing key is the single trust root
// shared by every service instance.
type JWT struct {
	SigningKey string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
}

// Postgres holds the database connection string.
type Postgres struct {
	URL string
}

// Redis holds the shared key-value store settings (revocation list and
// rate-limit counters).
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the outbox relay and propagation consumer.
type Kafka struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	PollInterval  time.Duration
}

// RateLimit holds the per-subject thresholds. PerMinute is the steady-state
// threshold; Burst is the hard ceiling above which requests are rejected
// without being counted.
type RateLimit struct {
	PerMinute int
	Burst     int
}

// Siblings holds base URLs of peer services. Empty values disable the
// corresponding outbound integration.
type Siblings struct {
	UserServiceURL string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            getenv("CIVID_ADDR", ":8080"),
			ShutdownTimeout: getDuration("CIVID_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		JWT: JWT{
			// Dev default; override in any real deployment.
			SigningKey: getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			Issuer:     getenv("JWT_ISSUER", "civid"),
			Audience:   getenv("JWT_AUDIENCE", "civid"),
			AccessTTL:  getDuration("JWT_ACCESS_TTL", 30*time.Minute),
		},
		Postgres: Postgres{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:       splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:         getenv("KAFKA_IDENTITY_TOPIC", "identity.events"),
			ConsumerGroup: getenv("KAFKA_CONSUMER_GROUP", "civid-propagator"),
			PollInterval:  getDuration("OUTBOX_POLL_INTERVAL", time.Second),
		},
		RateLimit: RateLimit{
			PerMinute: getInt("RATE_LIMIT_PER_MINUTE", 60),
			Burst:     getInt("RATE_LIMIT_BURST", 100),
		},
		Siblings: Siblings{
			UserServiceURL: os.Getenv("USER_SERVICE_URL"),
		},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
