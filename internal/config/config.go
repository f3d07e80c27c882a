package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string
	TokenTTL      time.Duration
	CORSOrigin    string
	// Empty means presence is kept in process memory.
	RedisURL string
	// Flush policy
	FlushIdle      time.Duration
	FlushThreshold int
	// Real-time transport
	WSRatePerSecond float64
	WSRateBurst     int
	// Per-document lease, requires Redis
	LeaseEnabled bool
	LeaseTTL     time.Duration
	InstanceID   string
	// Search, disabled when MeiliURL is empty
	MeiliURL       string
	MeiliMasterKey string
	// Version archive, disabled when ArchiveEndpoint is empty
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveUseSSL    bool
	// Share notifications, disabled when SMTPHost is empty
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	AppURL       string
	// Logging
	LogLevel  string
	LogPretty bool
}

// Load reads the environment, after merging an optional .env file.
func Load() Config {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	return Config{
		Addr:             getenv("API_ADDR", ":8080"),
		DatabaseURL:      getenv("DATABASE_URL", "sqlite://./data/collab.db"),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:        getenv("JWT_SECRET", "collab-dev-secret"),
		TokenTTL:         time.Duration(getenvInt("TOKEN_TTL_SECONDS", 86400)) * time.Second,
		CORSOrigin:       getenv("CORS_ORIGIN", "*"),
		RedisURL:         getenv("REDIS_URL", ""),
		FlushIdle:        time.Duration(getenvInt("FLUSH_IDLE_SECONDS", 30)) * time.Second,
		FlushThreshold:   getenvInt("FLUSH_THRESHOLD", 10),
		WSRatePerSecond:  getenvFloat("WS_RATE_PER_SECOND", 50),
		WSRateBurst:      getenvInt("WS_RATE_BURST", 100),
		LeaseEnabled:     getenvBool("DOCUMENT_LEASE_ENABLED", false),
		LeaseTTL:         time.Duration(getenvInt("DOCUMENT_LEASE_TTL_SECONDS", 30)) * time.Second,
		InstanceID:       getenv("INSTANCE_ID", hostname),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		ArchiveEndpoint:  getenv("ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey: getenv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getenv("ARCHIVE_SECRET_KEY", ""),
		ArchiveBucket:    getenv("ARCHIVE_BUCKET", "document-versions"),
		ArchiveUseSSL:    getenvBool("ARCHIVE_USE_SSL", false),
		SMTPHost:         getenv("SMTP_HOST", ""),
		SMTPPort:         getenv("SMTP_PORT", "587"),
		SMTPUsername:     getenv("SMTP_USERNAME", ""),
		SMTPPassword:     getenv("SMTP_PASSWORD", ""),
		SMTPFrom:         getenv("SMTP_FROM", ""),
		SMTPFromName:     getenv("SMTP_FROM_NAME", "Collab"),
		AppURL:           getenv("APP_URL", "http://localhost:3000"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogPretty:        getenvBool("LOG_PRETTY", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
