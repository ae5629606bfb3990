package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the dossier service.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Geocoder GeocoderConfig
	Mail     MailConfig
	Worker   WorkerConfig
	NATSURL  string

	// PortalBaseURL is the customer portal origin used to build magic links.
	PortalBaseURL string

	// CORSOrigins is the explicit origin allow-list for browser callers.
	CORSOrigins []string

	// EmailVerifiedOnAccess treats possession of a valid dossier token as
	// proof of email ownership. Interim policy, flagged for product review.
	EmailVerifiedOnAccess bool
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

type StorageConfig struct {
	BaseURL       string
	Bucket        string
	SigningSecret string
	UploadTTL     time.Duration
	DownloadTTL   time.Duration
}

type GeocoderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type MailConfig struct {
	BaseURL string
	APIKey  string
	Sender  string
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Load reads configuration from the environment, with an optional .env file
// for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "savri-dossiers"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		Storage: StorageConfig{
			BaseURL:       getEnv("STORAGE_BASE_URL", "http://localhost:9000"),
			Bucket:        getEnv("STORAGE_BUCKET", "dossier-documents"),
			SigningSecret: os.Getenv("STORAGE_SIGNING_SECRET"),
			UploadTTL:     getEnvDuration("STORAGE_UPLOAD_TTL", 10*time.Minute),
			DownloadTTL:   getEnvDuration("STORAGE_DOWNLOAD_TTL", 2*time.Minute),
		},
		Geocoder: GeocoderConfig{
			BaseURL: getEnv("GEOCODER_BASE_URL", "https://api.postcodedata.nl"),
			APIKey:  os.Getenv("GEOCODER_API_KEY"),
			Timeout: getEnvDuration("GEOCODER_TIMEOUT", 5*time.Second),
		},
		Mail: MailConfig{
			BaseURL: getEnv("MAIL_BASE_URL", "https://api.mailprovider.example"),
			APIKey:  os.Getenv("MAIL_API_KEY"),
			Sender:  getEnv("MAIL_SENDER", "noreply@savri.nl"),
		},
		Worker: WorkerConfig{
			Interval:  getEnvDuration("WORKER_INTERVAL", time.Minute),
			BatchSize: getEnvInt("WORKER_BATCH_SIZE", 20),
		},
		NATSURL:               os.Getenv("NATS_URL"),
		PortalBaseURL:         getEnv("PORTAL_BASE_URL", "https://app.savri.nl"),
		CORSOrigins:           splitList(getEnv("CORS_ORIGINS", "https://app.savri.nl")),
		EmailVerifiedOnAccess: getEnvBool("EMAIL_VERIFIED_ON_ACCESS", true),
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Storage.SigningSecret == "" {
		return nil, fmt.Errorf("STORAGE_SIGNING_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
