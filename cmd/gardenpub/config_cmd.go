package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gardenpub"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gardenpub configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.gardenpub/config.yaml"
	if p, err := gardenpub.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default gardenpub configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return usageError("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				p, err := gardenpub.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = p
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return usageError("config file %s already exists (use --force to overwrite)", outPath)
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

// configDefaults mirrors the persistent flags; keys match flag names so
// viper reads the file without translation.
type configDefaults struct {
	Store                 string `yaml:"store"`
	StoreDev              string `yaml:"store-dev"`
	StoreStage            string `yaml:"store-stage"`
	StoreProd             string `yaml:"store-prod"`
	Root                  string `yaml:"root"`
	LockName              string `yaml:"lock-name"`
	StaleAfter            string `yaml:"stale-after"`
	Holder                string `yaml:"holder"`
	LegacyEnv             bool   `yaml:"legacy-env"`
	StorageRetryAttempts  int    `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay string `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay  string `yaml:"storage-retry-max-delay"`
	AWSRegion             string `yaml:"aws-region"`
	S3SSE                 string `yaml:"s3-sse"`
	S3KMSKeyID            string `yaml:"s3-kms-key-id"`
	AzureAccount          string `yaml:"azure-account"`
	AzureEndpoint         string `yaml:"azure-endpoint"`
	OTLPEndpoint          string `yaml:"otlp-endpoint"`
	MetricsPushgateway    string `yaml:"metrics-pushgateway"`
	MetricsJob            string `yaml:"metrics-job"`
	LogLevel              string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                 gardenpub.DefaultStore,
		Root:                  gardenpub.DefaultRoot,
		StaleAfter:            gardenpub.DefaultStaleAfter.String(),
		LegacyEnv:             true,
		StorageRetryAttempts:  gardenpub.DefaultRetryAttempts,
		StorageRetryBaseDelay: gardenpub.DefaultRetryBaseDelay.String(),
		StorageRetryMaxDelay:  gardenpub.DefaultRetryMaxDelay.String(),
		MetricsJob:            gardenpub.DefaultMetricsJob,
		LogLevel:              "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
