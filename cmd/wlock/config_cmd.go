package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/wlock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage wlock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.wlock/" + wlock.DefaultConfigFileName
	if path, err := wlock.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default wlock configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := wlock.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                  string  `yaml:"store"`
	LockName               string  `yaml:"lock-name"`
	HeartbeatInterval      string  `yaml:"heartbeat-interval"`
	StaleAfter             string  `yaml:"stale-after"`
	ReleaseTimeout         string  `yaml:"release-timeout"`
	CASRetries             int     `yaml:"cas-retries"`
	Wait                   bool    `yaml:"wait"`
	ContendInitialInterval string  `yaml:"contend-initial-interval"`
	ContendMaxInterval     string  `yaml:"contend-max-interval"`
	Hostname               string  `yaml:"hostname"`
	Username               string  `yaml:"username"`
	PID                    int     `yaml:"pid"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	DiskWatch              bool    `yaml:"disk-watch"`
	MemWatch               bool    `yaml:"mem-watch"`
	AWSRegion              string  `yaml:"aws-region"`
	AWSKMSKeyID            string  `yaml:"aws-kms-key-id"`
	S3AccessKeyID          string  `yaml:"s3-access-key-id"`
	S3SecretAccessKey      string  `yaml:"s3-secret-access-key"`
	S3SessionToken         string  `yaml:"s3-session-token"`
	S3SSE                  string  `yaml:"s3-sse"`
	S3KMSKeyID             string  `yaml:"s3-kms-key-id"`
	AzureAccount           string  `yaml:"azure-account"`
	AzureKey               string  `yaml:"azure-key"`
	AzureEndpoint          string  `yaml:"azure-endpoint"`
	AzureSASToken          string  `yaml:"azure-sas-token"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := wlock.DefaultConfig()
	defaults := configDefaults{
		Store:                  cfg.Store,
		LockName:               cfg.LockName,
		HeartbeatInterval:      cfg.HeartbeatInterval.String(),
		StaleAfter:             cfg.StaleAfter.String(),
		ReleaseTimeout:         cfg.ReleaseTimeout.String(),
		CASRetries:             cfg.CASRetries,
		ContendInitialInterval: cfg.ContendInitialInterval.String(),
		ContendMaxInterval:     cfg.ContendMaxInterval.String(),
		StorageRetryAttempts:   cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:  cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier: cfg.StorageRetryMultiplier,
		DiskWatch:              true,
		MemWatch:               true,
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := "# wlock configuration. Keys match the command-line flags; WLOCK_<KEY>\n" +
		"# environment variables (dashes become underscores) override this file.\n"
	return append([]byte(header), data...), nil
}
