package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/wlock"
	"pkt.systems/wlock/internal/svcfields"
)

const (
	exitOK      = 0
	exitBusy    = 1
	exitFailure = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("WLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wlock")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	_, err := cmd.ExecuteContextC(ctx)
	return exitCode(err, os.Stderr)
}

// exitCode maps a command error to the process exit status. Errors without
// an explicit code are configuration, usage or storage failures.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "wlock: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "wlock: %v\n", err)
	return exitFailure
}

// app carries state shared by all subcommands of one root command.
type app struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	if baseLogger == nil {
		baseLogger = pslog.NoopLogger()
	}
	a := &app{v: viper.New(), logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "wlock",
		Short:         "wlock coordinates a single writer over a shared data store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Who holds the lock on a network share?
  wlock status --store disk:///mnt/share/app

  # Take the lock on behalf of the calling shell
  wlock acquire --store disk:///mnt/share/app --pid $$

  # Run a command while holding the lock, waiting for the current owner
  wlock hold --wait --store s3://minio:9000/locks -- ./migrate.sh

  # Redis-backed lock with a custom name
  WLOCK_STORE=redis://cache:6379/0 wlock status --lock-name nightly
`,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.wlock/"+wlock.DefaultConfigFileName+")")
	pf.StringP("store", "s", wlock.DefaultStore, "store URL ("+strings.Join(wlock.SupportedSchemes(), ", ")+")")
	pf.StringP("lock-name", "n", wlock.DefaultLockName, "name of the lock record")
	pf.Duration("heartbeat-interval", wlock.DefaultHeartbeatInterval, "how often the owner renews its heartbeat")
	pf.Duration("stale-after", wlock.DefaultStaleAfter, "heartbeat age after which a record may be taken over")
	pf.Duration("release-timeout", wlock.DefaultReleaseTimeout, "upper bound for releasing the lock on shutdown")
	pf.Int("cas-retries", wlock.DefaultCASRetries, "conditional write attempts before reporting busy or lost")
	pf.Duration("contend-initial-interval", wlock.DefaultContendInitialInterval, "first retry delay while waiting for the lock")
	pf.Duration("contend-max-interval", wlock.DefaultContendMaxInterval, "maximum retry delay while waiting for the lock")
	pf.String("hostname", "", "override the detected hostname")
	pf.String("username", "", "override the detected username")
	pf.Int("pid", 0, "override the detected process id (e.g. $$ to act for the calling shell)")
	pf.Int("storage-retry-attempts", wlock.DefaultStorageRetryMaxAttempts, "attempts for transient storage errors")
	pf.Duration("storage-retry-base-delay", wlock.DefaultStorageRetryBaseDelay, "initial delay between storage retries")
	pf.Duration("storage-retry-max-delay", wlock.DefaultStorageRetryMaxDelay, "maximum delay between storage retries")
	pf.Float64("storage-retry-multiplier", wlock.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	pf.Bool("disk-watch", true, "watch disk stores for changes (fsnotify)")
	pf.Bool("mem-watch", true, "deliver change notifications for mem:// stores")
	pf.String("aws-region", "", "AWS region for aws:// stores")
	pf.String("aws-kms-key-id", "", "KMS key for aws:// server-side encryption")
	pf.String("s3-access-key-id", "", "access key for s3:// stores")
	pf.String("s3-secret-access-key", "", "secret key for s3:// stores")
	pf.String("s3-session-token", "", "session token for s3:// stores")
	pf.String("s3-sse", "", "server-side encryption mode (AES256 or aws:kms)")
	pf.String("s3-kms-key-id", "", "KMS key id for s3:// server-side encryption")
	pf.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	pf.String("azure-key", "", "Azure storage account key")
	pf.String("azure-endpoint", "", "Azure blob endpoint (defaults to https://<account>.blob.core.windows.net)")
	pf.String("azure-sas-token", "", "Azure SAS token")
	pf.String("metrics-listen", "", "Prometheus scrape address (empty disables)")
	pf.String("pprof-listen", "", "pprof listen address (empty disables)")
	pf.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	pf.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")

	a.v.SetEnvPrefix("WLOCK")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	pf.VisitAll(func(flag *pflag.Flag) {
		if err := a.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newStatusCommand(a))
	cmd.AddCommand(newAcquireCommand(a))
	cmd.AddCommand(newReleaseCommand(a))
	cmd.AddCommand(newRefreshCommand(a))
	cmd.AddCommand(newHoldCommand(a))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfig reads the config file, applies flags and environment and
// returns a validated Config plus the logger at the requested level.
func (a *app) loadConfig() (wlock.Config, pslog.Logger, error) {
	logger := a.logger
	path, err := loadConfigFile(a.v)
	if err != nil {
		return wlock.Config{}, logger, err
	}
	if lvl := strings.TrimSpace(a.v.GetString("log-level")); lvl != "" {
		level, ok := pslog.ParseLevel(lvl)
		if !ok {
			return wlock.Config{}, logger, fmt.Errorf("invalid log level %q", lvl)
		}
		logger = logger.LogLevel(level)
	}
	if path != "" {
		svcfields.WithSubsystem(logger, svcfields.CLI).Debug("cli.config.loaded", "path", path)
	}
	cfg := bindConfig(a.v)
	if err := cfg.Validate(); err != nil {
		return cfg, logger, err
	}
	return cfg, logger, nil
}

// openCoordinator builds a Coordinator from flags, environment and config.
func (a *app) openCoordinator(mutate func(*wlock.Config)) (*wlock.Coordinator, error) {
	cfg, logger, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return wlock.New(cfg, wlock.WithLogger(logger))
}

func bindConfig(v *viper.Viper) wlock.Config {
	return wlock.Config{
		Store:                   v.GetString("store"),
		LockName:                v.GetString("lock-name"),
		HeartbeatInterval:       v.GetDuration("heartbeat-interval"),
		StaleAfter:              v.GetDuration("stale-after"),
		ReleaseTimeout:          v.GetDuration("release-timeout"),
		CASRetries:              v.GetInt("cas-retries"),
		Wait:                    v.GetBool("wait"),
		ContendInitialInterval:  v.GetDuration("contend-initial-interval"),
		ContendMaxInterval:      v.GetDuration("contend-max-interval"),
		Hostname:                v.GetString("hostname"),
		Username:                v.GetString("username"),
		PID:                     v.GetInt("pid"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		DisableDiskWatch:        !v.GetBool("disk-watch"),
		DisableMemWatch:         !v.GetBool("mem-watch"),
		AWSRegion:               v.GetString("aws-region"),
		AWSKMSKeyID:             v.GetString("aws-kms-key-id"),
		S3AccessKeyID:           v.GetString("s3-access-key-id"),
		S3SecretAccessKey:       v.GetString("s3-secret-access-key"),
		S3SessionToken:          v.GetString("s3-session-token"),
		S3SSE:                   v.GetString("s3-sse"),
		S3KMSKeyID:              v.GetString("s3-kms-key-id"),
		AzureAccount:            v.GetString("azure-account"),
		AzureAccountKey:         v.GetString("azure-key"),
		AzureEndpoint:           v.GetString("azure-endpoint"),
		AzureSASToken:           v.GetString("azure-sas-token"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		EnableProfilingMetrics:  v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
	}
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := wlock.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
