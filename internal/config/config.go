package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process configuration for both the API and the worker.
type Config struct {
	ListenAddress string
	RunLocal      bool
	LogLevel      slog.Level

	AWSRegion        string
	AWSEndpoint      string
	ActionsTable     string
	AccessionsTable  string
	IdempotencyTable string
	DispatchQueueURL string
	MetricsNamespace string
	IdempotencyTTL   time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	BlobBackend string
	BlobDir     string
	GCSBucket   string

	DICOMAPIEnabled      bool
	GatewayImagesEnabled bool
	MaxUploadBytes       int64

	RelayOpenTimeout    time.Duration
	RelayReceiveTimeout time.Duration
	SASTokenLifetime    time.Duration

	SweepInterval time.Duration
	WorkerMode    string
}

// Worker modes.
const (
	WorkerModeDispatch = "dispatch"
	WorkerModeSweep    = "sweep"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddress:    GetEnv("LISTEN_ADDRESS", ":8080"),
		AWSRegion:        GetEnv("AWS_REGION", "us-east-1"),
		AWSEndpoint:      GetEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ActionsTable:     GetEnv("ACTIONS_TABLE", "gateway-actions"),
		AccessionsTable:  GetEnv("ACCESSIONS_TABLE", "gateway-accessions"),
		IdempotencyTable: GetEnv("IDEMPOTENCY_TABLE", "gateway-idempotency"),
		DispatchQueueURL: GetEnv("DISPATCH_QUEUE_URL", ""),
		DatabaseDriver:   GetEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:      GetEnv("DATABASE_DSN", "screening-gateway.db"),
		BlobBackend:      GetEnv("BLOB_BACKEND", "file"),
		BlobDir:          GetEnv("BLOB_DIR", "dicom-blobs"),
		GCSBucket:        GetEnv("GCS_BUCKET", ""),
		WorkerMode:       GetEnv("WORKER_MODE", WorkerModeDispatch),
	}
	// An explicitly empty namespace turns metrics off.
	cfg.MetricsNamespace = "ScreeningGateway"
	if ns, ok := os.LookupEnv("METRICS_NAMESPACE"); ok {
		cfg.MetricsNamespace = strings.TrimSpace(ns)
	}

	var err error
	if cfg.RunLocal, err = boolEnv("RUN_LOCAL", false); err != nil {
		return nil, err
	}
	if cfg.DICOMAPIEnabled, err = boolEnv("DICOM_API_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.GatewayImagesEnabled, err = boolEnv("GATEWAY_IMAGES_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = levelEnv("LOG_LEVEL", slog.LevelInfo); err != nil {
		return nil, err
	}

	maxUpload, err := intEnv("MAX_UPLOAD_BYTES", 256<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	for _, d := range []struct {
		key  string
		def  int
		unit time.Duration
		dst  *time.Duration
	}{
		{"RELAY_OPEN_TIMEOUT_SECONDS", 30, time.Second, &cfg.RelayOpenTimeout},
		{"RELAY_RECEIVE_TIMEOUT_SECONDS", 30, time.Second, &cfg.RelayReceiveTimeout},
		{"SAS_TOKEN_LIFETIME_SECONDS", 3600, time.Second, &cfg.SASTokenLifetime},
		{"SWEEP_INTERVAL_SECONDS", 30, time.Second, &cfg.SweepInterval},
		{"IDEMPOTENCY_TTL_HOURS", 48, time.Hour, &cfg.IdempotencyTTL},
	} {
		n, err := intEnv(d.key, d.def)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %d", d.key, n)
		}
		*d.dst = time.Duration(n) * d.unit
	}

	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	switch cfg.BlobBackend {
	case "file":
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCS_BUCKET is required when BLOB_BACKEND=gcs")
		}
	default:
		return nil, fmt.Errorf("unsupported BLOB_BACKEND %q", cfg.BlobBackend)
	}
	switch cfg.WorkerMode {
	case WorkerModeDispatch, WorkerModeSweep:
	default:
		return nil, fmt.Errorf("unsupported WORKER_MODE %q", cfg.WorkerMode)
	}

	return cfg, nil
}

// NewLogger builds the process logger: JSON to stderr at the configured level.
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}

// GetEnv retrieves an environment variable or returns a default value when it
// is unset or empty.
func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return v, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func levelEnv(key string, fallback slog.Level) (slog.Level, error) {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return lvl, nil
}
