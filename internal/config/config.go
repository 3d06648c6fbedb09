package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LykxSassinator/backupstore/internal/retry"
)

type Config struct {
	Provider string

	// Backup/restore I/O
	BackupSource          string
	BackupTarget          string
	BackupTimestampFormat string
	RestoreSource         string
	RestoreTarget         string

	AWS AWSConfig

	RetryMaxAttempts    int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	RetryMultiplier     float64
	RetryEnableJitter   bool
	RetryBudget         time.Duration
	RetryAttemptTimeout time.Duration
}

type AWSConfig struct {
	Region         string
	Endpoint       string // optional override for vendor-compatible deployments
	ForcePathStyle bool
	Bucket         string
	Prefix         string

	// Static credentials; when unset the default chain is used
	// (environment, shared config, instance metadata).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Multipart tuning. PartSize is clamped to the vendor bounds by the
	// storage client.
	PartSize           int64
	MultipartThreshold int64
	UploadConcurrency  int

	// Key management.
	MasterKeyID  string
	DataKeyBytes int32
}

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseSize := func(key string, def int64) int64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	cfg := Config{
		Provider: strings.ToLower(get("BACKUP_PROVIDER", "aws")),

		BackupSource:          get("BACKUP_SOURCE", ""),
		BackupTarget:          get("BACKUP_TARGET", ""),
		BackupTimestampFormat: get("BACKUP_TIMESTAMP_FORMAT", ""),
		RestoreSource:         get("RESTORE_SOURCE", ""),
		RestoreTarget:         get("RESTORE_TARGET", ""),

		AWS: AWSConfig{
			Region:         get("AWS_REGION", ""),
			Endpoint:       strings.TrimSpace(get("AWS_ENDPOINT", "")),
			ForcePathStyle: parseBool("AWS_FORCE_PATH_STYLE", false),
			Bucket:         get("S3_BUCKET", ""),
			Prefix:         get("S3_PREFIX", ""),

			AccessKeyID:     get("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: get("AWS_SECRET_ACCESS_KEY", ""),
			SessionToken:    get("AWS_SESSION_TOKEN", ""),

			PartSize:           parseSize("S3_PART_SIZE", 8<<20),
			MultipartThreshold: parseSize("S3_MULTIPART_THRESHOLD", 16<<20),
			UploadConcurrency:  parseInt("S3_UPLOAD_CONCURRENCY", 4),

			MasterKeyID:  get("KMS_MASTER_KEY_ID", ""),
			DataKeyBytes: int32(parseInt("KMS_DATA_KEY_BYTES", 32)),
		},

		RetryMaxAttempts:    parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay:   parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:       parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:     parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter:   parseBool("RETRY_JITTER", retry.Default.Jitter),
		RetryBudget:         parseDur("RETRY_BUDGET", 0),
		RetryAttemptTimeout: parseDur("RETRY_ATTEMPT_TIMEOUT", 0),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks provider-specific requirements.
// For AWS: bucket and region are required; credentials may come from the
// default chain, so static keys are optional.
func (c *Config) validate() error {
	switch c.Provider {
	case "aws":
		if c.AWS.Bucket == "" {
			return errors.New("aws: S3_BUCKET is required")
		}
		if c.AWS.Region == "" {
			return errors.New("aws: AWS_REGION is required")
		}
		if c.AWS.AccessKeyID != "" && c.AWS.SecretAccessKey == "" {
			return errors.New("aws: AWS_ACCESS_KEY_ID set without AWS_SECRET_ACCESS_KEY")
		}
		if c.AWS.DataKeyBytes <= 0 {
			return errors.New("aws: KMS_DATA_KEY_BYTES must be positive")
		}
	default:
		return errors.New("unsupported provider: " + c.Provider)
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:    c.RetryMaxAttempts,
		InitialDelay:   c.RetryInitialDelay,
		MaxDelay:       c.RetryMaxDelay,
		Multiplier:     c.RetryMultiplier,
		Jitter:         c.RetryEnableJitter,
		Budget:         c.RetryBudget,
		AttemptTimeout: c.RetryAttemptTimeout,
	}
}
