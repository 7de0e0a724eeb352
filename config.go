package wlock

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/wlock/internal/core"
	"pkt.systems/wlock/internal/storage"
)

const (
	// DefaultStore keeps the lock in process memory.
	DefaultStore = "mem://"
	// DefaultLockName is the record name used when none is configured.
	DefaultLockName = "wlock"
	// DefaultHeartbeatInterval is how often an owner renews its record.
	DefaultHeartbeatInterval = core.DefaultHeartbeatInterval
	// DefaultStaleAfter is how long a record may go unrenewed before takeover.
	DefaultStaleAfter = core.DefaultStaleAfter
	// DefaultReleaseTimeout bounds the release performed on Close.
	DefaultReleaseTimeout = core.DefaultReleaseTimeout
	// DefaultCASRetries bounds conditional-write attempts per operation.
	DefaultCASRetries = core.DefaultCASRetries
	// DefaultContendInitialInterval is the first wait between contention attempts.
	DefaultContendInitialInterval = core.DefaultContendInitialInterval
	// DefaultContendMaxInterval caps the wait between contention attempts.
	DefaultContendMaxInterval = core.DefaultContendMaxInterval
	// DefaultStorageRetryMaxAttempts caps attempts for transient storage errors.
	DefaultStorageRetryMaxAttempts = 3
	// DefaultStorageRetryBaseDelay is the initial backoff between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the storage retry backoff.
	DefaultStorageRetryMaxDelay = time.Second
	// DefaultStorageRetryMultiplier grows the storage retry backoff.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultAzureEndpointPattern formats the blob endpoint for an account.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
)

// Config captures the tunables for a Coordinator.
type Config struct {
	// Store is the backend URL (mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container, postgres://..., redis://...).
	Store string
	// LockName selects the record within the store.
	LockName string

	// HeartbeatInterval is the renewal period while the lock is owned.
	HeartbeatInterval time.Duration
	// StaleAfter is the silence after which a record may be taken over.
	StaleAfter time.Duration
	// ReleaseTimeout bounds the release performed on Close.
	ReleaseTimeout time.Duration
	// CASRetries bounds conditional-write attempts per operation.
	CASRetries int

	// Wait makes Start keep contending in the background when the lock is busy
	// and resume contention after losing ownership.
	Wait bool
	// ContendInitialInterval is the first wait between contention attempts.
	ContendInitialInterval time.Duration
	// ContendMaxInterval caps the wait between contention attempts.
	ContendMaxInterval time.Duration

	// Hostname overrides the detected host name.
	Hostname string
	// Username overrides the detected user name.
	Username string
	// PID overrides the detected process id (0 keeps the current process).
	PID int

	// StorageRetryMaxAttempts caps attempts for transient storage errors.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the initial backoff between storage retries.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps the storage retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier grows the storage retry backoff.
	StorageRetryMultiplier float64

	// DisableDiskWatch turns off fsnotify wakeups on disk stores.
	DisableDiskWatch bool
	// DisableMemWatch turns off change notifications on memory stores.
	DisableMemWatch bool

	// AWSRegion is used by aws:// stores without a ?region= parameter.
	AWSRegion string
	// AWSKMSKeyID enables SSE-KMS on aws:// stores.
	AWSKMSKeyID string
	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption for object stores ("AES256" or "aws:kms").
	S3SSE string
	// S3KMSKeyID is the KMS key for S3SSE "aws:kms".
	S3KMSKeyID string

	// AzureAccount overrides the account in azure:// URLs.
	AzureAccount string
	// AzureAccountKey authenticates with a shared key.
	AzureAccountKey string
	// AzureEndpoint overrides the blob endpoint.
	AzureEndpoint string
	// AzureSASToken authenticates with a SAS token.
	AzureSASToken string

	// MetricsListen serves Prometheus metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint exports traces (grpc://host:4317, https://host/v1/traces, ...).
	OTLPEndpoint string
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{Store: DefaultStore}
	_ = cfg.Validate()
	return cfg
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if !supportedScheme(u.Scheme) {
		return fmt.Errorf("config: store scheme %q not supported (options: %s)", u.Scheme, strings.Join(SupportedSchemes(), ", "))
	}
	c.LockName = strings.TrimSpace(c.LockName)
	if c.LockName == "" {
		c.LockName = DefaultLockName
	}
	if err := storage.ValidateName(c.LockName); err != nil {
		return fmt.Errorf("config: lock name: %w", err)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	} else if c.HeartbeatInterval < 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	} else if c.StaleAfter < 0 {
		return fmt.Errorf("config: stale-after must be positive")
	}
	if c.HeartbeatInterval >= c.StaleAfter {
		return fmt.Errorf("config: heartbeat interval (%s) must be shorter than stale-after (%s)", c.HeartbeatInterval, c.StaleAfter)
	}
	if c.ReleaseTimeout == 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	} else if c.ReleaseTimeout < 0 {
		return fmt.Errorf("config: release timeout must be positive")
	}
	if c.CASRetries == 0 {
		c.CASRetries = DefaultCASRetries
	} else if c.CASRetries < 0 {
		return fmt.Errorf("config: cas-retries must be >= 1")
	}
	if c.ContendInitialInterval == 0 {
		c.ContendInitialInterval = DefaultContendInitialInterval
	} else if c.ContendInitialInterval < 0 {
		return fmt.Errorf("config: contend initial interval must be positive")
	}
	if c.ContendMaxInterval == 0 {
		c.ContendMaxInterval = DefaultContendMaxInterval
	} else if c.ContendMaxInterval < 0 {
		return fmt.Errorf("config: contend max interval must be positive")
	}
	if c.ContendMaxInterval < c.ContendInitialInterval {
		return fmt.Errorf("config: contend max interval must be >= initial interval")
	}
	if c.PID < 0 {
		return fmt.Errorf("config: pid must be >= 0")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	} else if c.StorageRetryMaxAttempts < 0 {
		return fmt.Errorf("config: storage retry attempts must be >= 1")
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier == 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	} else if c.StorageRetryMultiplier < 1 {
		return fmt.Errorf("config: storage retry multiplier must be >= 1")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// SupportedSchemes lists the store URL schemes understood by New.
func SupportedSchemes() []string {
	return []string{"mem", "disk", "s3", "aws", "azure", "postgres", "redis"}
}

func supportedScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "mem", "memory", "disk", "s3", "aws", "azure", "postgres", "postgresql", "redis", "rediss":
		return true
	default:
		return false
	}
}

// DefaultConfigDir returns the directory holding wlock configuration,
// honouring WLOCK_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("WLOCK_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".wlock"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
