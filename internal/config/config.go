package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// AppEnv is the running environment (development/production).
	AppEnv string
	// ServerPort is the HTTP port the reactor listens on.
	ServerPort string
	// AllowedOrigins is a list of CORS allowed domains for the reactor.
	AllowedOrigins []string
	// DBDriver selects the database: "mysql", "postgres" or "sqlite".
	DBDriver string
	// DBDSN is the connection string handed to the driver.
	DBDSN string
	// CloneParams are appended to DBDSN when a job clones the primary connection.
	CloneParams string
	// CloneConnections gives every export job its own connection instead of
	// sharing the primary one.
	CloneConnections bool
	// WorkerIdleTimeout is how long a connection's worker goroutine waits for work.
	WorkerIdleTimeout time.Duration
	// WorkerCount is the number of concurrent export jobs allowed.
	WorkerCount int
	// MaxDBConcurrency restricts the number of cloned connections open at once.
	MaxDBConcurrency int64
	// DefaultTimeout is the maximum duration for an export job.
	DefaultTimeout time.Duration
	// StorageType determines where to save exports: "local" or "s3".
	StorageType string
	// LocalStoragePath is the directory for local exports.
	LocalStoragePath string
	// AWSRegion is the AWS region for S3 uploads.
	AWSRegion string
	// S3Bucket is the target S3 bucket name.
	S3Bucket string
	// S3Endpoint is an optional custom endpoint (for non-AWS S3 providers like MinIO).
	S3Endpoint string
	// S3PathStyle enables path-style addressing (required for some S3 providers).
	S3PathStyle bool
	// Compression enables gzip compression for exports.
	Compression bool
	// ReactorURL is the websocket base URL the agent connects to.
	ReactorURL string
	// AgentKey identifies the agent to the reactor.
	AgentKey string
	// AgentSecret signs agent tokens and verifies job signatures.
	AgentSecret string
	// ReadOnly rejects anything but single SELECT statements from remote jobs.
	ReadOnly bool
	// ReactorDBDriver and ReactorDBDSN locate the reactor's account database.
	// An empty DSN disables accounts and API keys.
	ReactorDBDriver string
	ReactorDBDSN    string
	// BcryptCost is the hashing cost for passwords and API keys.
	BcryptCost int
	// SMTPHost enables export notifications by mail; empty logs them instead.
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

var (
	ErrMissingDSN     = errors.New("DB_DSN is required")
	ErrUnknownStorage = errors.New("STORAGE_TYPE must be local or s3")
)

func Load() *Config {
	return &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		AllowedOrigins:    getEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
		DBDriver:          getEnv("DB_DRIVER", "mysql"),
		DBDSN:             getEnv("DB_DSN", ""),
		CloneParams:       getEnv("DB_CLONE_PARAMS", ""),
		CloneConnections:  getEnvBool("DB_CLONE_CONNECTIONS", true),
		WorkerIdleTimeout: getEnvDuration("WORKER_IDLE_TIMEOUT", 10*time.Second),
		WorkerCount:       getEnvInt("WORKER_COUNT", 5),
		MaxDBConcurrency:  int64(getEnvInt("MAX_DB_CONCURRENCY", 3)),
		DefaultTimeout:    getEnvDuration("DEFAULT_TIMEOUT", 15*time.Minute),
		StorageType:       getEnv("STORAGE_TYPE", "local"),
		LocalStoragePath:  getEnv("LOCAL_STORAGE_PATH", "./exports"),
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3PathStyle:       getEnvBool("S3_PATH_STYLE", false),
		Compression:       getEnvBool("COMPRESSION", false),
		ReactorURL:        getEnv("REACTOR_URL", ""),
		AgentKey:          getEnv("AGENT_KEY", ""),
		AgentSecret:       getEnv("AGENT_SECRET", ""),
		ReadOnly:          getEnvBool("READ_ONLY", true),
		ReactorDBDriver:   getEnv("REACTOR_DB_DRIVER", "sqlite"),
		ReactorDBDSN:      getEnv("REACTOR_DB_DSN", ""),
		BcryptCost:        getEnvInt("BCRYPT_COST", 10),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getEnvInt("SMTP_PORT", 587),
		SMTPUser:          getEnv("SMTP_USER", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:          getEnv("SMTP_FROM", "exports@localhost"),
	}
}

// Validate reports settings that would fail later at connect or upload time.
func (c *Config) Validate() error {
	var errs []error
	if c.DBDSN == "" {
		errs = append(errs, ErrMissingDSN)
	}
	switch c.StorageType {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStorage, c.StorageType))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	if c.MaxDBConcurrency < 1 {
		errs = append(errs, fmt.Errorf("MAX_DB_CONCURRENCY must be positive, got %d", c.MaxDBConcurrency))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		var result []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		return result
	}
	return fallback
}
