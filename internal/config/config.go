package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port      string `env:"ETS_PORT,default=9090"`
	DBPath    string `env:"ETS_DB_PATH,default=/data/edge-telemetry-shipper.db"`
	LogLevel  string `env:"ETS_LOG_LEVEL,default=info"`
	LogFormat string `env:"ETS_LOG_FORMAT,default=json"`

	WorkspaceID           string `env:"ETS_WORKSPACE_ID"`
	WorkspaceKey          string `env:"ETS_WORKSPACE_KEY"`
	WorkspaceDomainSuffix string `env:"ETS_WORKSPACE_DOMAIN_SUFFIX,default=opinsights.azure.com"`
	WorkspaceAPIVersion   string `env:"ETS_WORKSPACE_API_VERSION,default=2016-04-01"`
	ResourceID            string `env:"ETS_RESOURCE_ID"`
	LogType               string `env:"ETS_LOG_TYPE,default=iotedgemodulelogs"`
	// MetricsPath routes metrics to the certificate ("fixed") or shared-key
	// ("custom") upload path.
	MetricsPath string `env:"ETS_METRICS_PATH,default=fixed"`
	Computer    string `env:"ETS_COMPUTER"`
	// Endpoint overrides for proxies and sovereign clouds; empty derives
	// them from the workspace id and domain suffix.
	CustomTableURL string `env:"ETS_CUSTOM_TABLE_URL"`
	FixedTableURL  string `env:"ETS_FIXED_TABLE_URL"`
	TopologyURL    string `env:"ETS_TOPOLOGY_URL"`

	CustomTableMaxMB   int           `env:"ETS_CUSTOM_TABLE_MAX_MB,default=1"`
	FixedTableMaxMB    int           `env:"ETS_FIXED_TABLE_MAX_MB,default=30"`
	CompressForUpload  bool          `env:"ETS_COMPRESS_FOR_UPLOAD,default=false"`
	FixedTableCompress bool          `env:"ETS_FIXED_TABLE_COMPRESS,default=true"`
	UploadMaxAttempts  int           `env:"ETS_UPLOAD_MAX_ATTEMPTS,default=3"`
	UploadConcurrency  int           `env:"ETS_UPLOAD_CONCURRENCY,default=1"`
	UploadTimeout      time.Duration `env:"ETS_UPLOAD_TIMEOUT,default=30s"`
	PushInterval       time.Duration `env:"ETS_PUSH_INTERVAL,default=5m"`
	PushBatchLimit     int           `env:"ETS_PUSH_BATCH_LIMIT,default=5000"`
	FailureLogInterval time.Duration `env:"ETS_FAILURE_LOG_INTERVAL,default=1m"`

	IdentityStore       string        `env:"ETS_IDENTITY_STORE,default=sqlite"`
	IdentityDir         string        `env:"ETS_IDENTITY_DIR,default=/data/identity"`
	IdentityPassphrase  string        `env:"ETS_IDENTITY_PASSPHRASE"`
	IdentityWorkFactor  int           `env:"ETS_IDENTITY_SCRYPT_WORK_FACTOR,default=0"`
	RedisURL            string        `env:"ETS_REDIS_URL,default=redis://localhost:6379/0"`
	RegistrationRetries int           `env:"ETS_REGISTRATION_RETRIES,default=3"`
	RegistrationDelay   time.Duration `env:"ETS_REGISTRATION_DELAY,default=1s"`
	RegistrationBackoff string        `env:"ETS_REGISTRATION_BACKOFF,default=fixed"`
	IdentityDebounce    time.Duration `env:"ETS_IDENTITY_DEBOUNCE,default=5m"`
	CertificateKeyBits  int           `env:"ETS_CERTIFICATE_KEY_BITS,default=2048"`

	LogPath         string        `env:"ETS_LOG_PATH"`
	LogModuleID     string        `env:"ETS_LOG_MODULE_ID,default=edge-telemetry-shipper"`
	LogMaxLevel     int           `env:"ETS_LOG_MAX_LEVEL,default=7"`
	DeviceID        string        `env:"ETS_DEVICE_ID"`
	IoTHub          string        `env:"ETS_IOTHUB"`
	MaxTextBytes    int           `env:"ETS_MAX_TEXT_BYTES,default=16384"`
	MetricsInterval time.Duration `env:"ETS_METRICS_INTERVAL,default=15s"`

	RetentionDays          int           `env:"ETS_RETENTION_DAYS,default=3"`
	CleanupInterval        time.Duration `env:"ETS_CLEANUP_INTERVAL,default=5m"`
	WALCheckpointInterval  time.Duration `env:"ETS_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB   int64         `env:"ETS_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`
	CleanupDiskThreshold   float64       `env:"ETS_CLEANUP_DISK_THRESHOLD,default=80"`
	CleanupDBThresholdByte int64         `env:"ETS_CLEANUP_DB_THRESHOLD_BYTES,default=104857600"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if cfg.IdentityPassphrase == "" {
		cfg.IdentityPassphrase = cfg.WorkspaceKey
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkspaceID == "" {
		errs = append(errs, errors.New("ETS_WORKSPACE_ID is required"))
	}
	if c.WorkspaceKey == "" {
		errs = append(errs, errors.New("ETS_WORKSPACE_KEY is required"))
	}
	if c.CustomTableMaxMB <= 0 || c.FixedTableMaxMB <= 0 {
		errs = append(errs, errors.New("table size limits must be positive"))
	}
	if c.UploadMaxAttempts <= 0 {
		errs = append(errs, errors.New("ETS_UPLOAD_MAX_ATTEMPTS must be positive"))
	}
	if c.PushBatchLimit <= 0 {
		errs = append(errs, errors.New("ETS_PUSH_BATCH_LIMIT must be positive"))
	}
	if c.RegistrationRetries < 0 {
		errs = append(errs, errors.New("ETS_REGISTRATION_RETRIES must not be negative"))
	}
	switch c.MetricsPath {
	case "fixed", "custom":
	default:
		errs = append(errs, fmt.Errorf("ETS_METRICS_PATH %q: want fixed or custom", c.MetricsPath))
	}
	switch c.IdentityStore {
	case "sqlite", "file", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("ETS_IDENTITY_STORE %q: want sqlite, file, redis or memory", c.IdentityStore))
	}
	switch c.RegistrationBackoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("ETS_REGISTRATION_BACKOFF %q: want fixed or exponential", c.RegistrationBackoff))
	}
	return errors.Join(errs...)
}

func (c *Config) CustomTableMaxBytes() int { return c.CustomTableMaxMB << 20 }

func (c *Config) FixedTableMaxBytes() int { return c.FixedTableMaxMB << 20 }

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "edge-telemetry-shipper %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	vars := []string{
		"ETS_PORT=9090",
		"ETS_DB_PATH=/data/edge-telemetry-shipper.db",
		"ETS_LOG_LEVEL=info",
		"ETS_LOG_FORMAT=json",
		"ETS_WORKSPACE_ID=",
		"ETS_WORKSPACE_KEY=",
		"ETS_WORKSPACE_DOMAIN_SUFFIX=opinsights.azure.com",
		"ETS_WORKSPACE_API_VERSION=2016-04-01",
		"ETS_RESOURCE_ID=",
		"ETS_LOG_TYPE=iotedgemodulelogs",
		"ETS_METRICS_PATH=fixed",
		"ETS_COMPUTER=",
		"ETS_CUSTOM_TABLE_URL=",
		"ETS_FIXED_TABLE_URL=",
		"ETS_TOPOLOGY_URL=",
		"ETS_CUSTOM_TABLE_MAX_MB=1",
		"ETS_FIXED_TABLE_MAX_MB=30",
		"ETS_COMPRESS_FOR_UPLOAD=false",
		"ETS_FIXED_TABLE_COMPRESS=true",
		"ETS_UPLOAD_MAX_ATTEMPTS=3",
		"ETS_UPLOAD_CONCURRENCY=1",
		"ETS_UPLOAD_TIMEOUT=30s",
		"ETS_PUSH_INTERVAL=5m",
		"ETS_PUSH_BATCH_LIMIT=5000",
		"ETS_FAILURE_LOG_INTERVAL=1m",
		"ETS_IDENTITY_STORE=sqlite",
		"ETS_IDENTITY_DIR=/data/identity",
		"ETS_IDENTITY_PASSPHRASE=<workspace key>",
		"ETS_IDENTITY_SCRYPT_WORK_FACTOR=0",
		"ETS_REDIS_URL=redis://localhost:6379/0",
		"ETS_REGISTRATION_RETRIES=3",
		"ETS_REGISTRATION_DELAY=1s",
		"ETS_REGISTRATION_BACKOFF=fixed",
		"ETS_IDENTITY_DEBOUNCE=5m",
		"ETS_CERTIFICATE_KEY_BITS=2048",
		"ETS_LOG_PATH=",
		"ETS_LOG_MODULE_ID=edge-telemetry-shipper",
		"ETS_LOG_MAX_LEVEL=7",
		"ETS_DEVICE_ID=",
		"ETS_IOTHUB=",
		"ETS_MAX_TEXT_BYTES=16384",
		"ETS_METRICS_INTERVAL=15s",
		"ETS_RETENTION_DAYS=3",
		"ETS_CLEANUP_INTERVAL=5m",
		"ETS_WAL_CHECKPOINT_INTERVAL=10m",
		"ETS_WAL_RESTART_THRESHOLD_BYTES=52428800",
		"ETS_CLEANUP_DISK_THRESHOLD=80",
		"ETS_CLEANUP_DB_THRESHOLD_BYTES=104857600",
	}
	for _, v := range vars {
		fmt.Fprintln(w, "  "+v)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
	fmt.Fprintln(w, "  --once <file> --kind logs|metrics [--encoding gzip]")
	fmt.Fprintln(w, strings.TrimSpace(`
  --once uploads one file of hub metrics or edge logs and exits.`))
}
