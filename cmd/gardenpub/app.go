package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub"
	"pkt.systems/gardenpub/internal/pathutil"
	"pkt.systems/gardenpub/internal/publish"
	"pkt.systems/gardenpub/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GARDENPUB_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gardenpub")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gardenpub: %s\n", err)
		return exitCode(err)
	}
	return publish.ExitOK
}

// exitCode maps command errors to process exit codes. Store operations
// always return classified errors; anything else is a usage or
// configuration problem.
func exitCode(err error) int {
	if err == nil {
		return publish.ExitOK
	}
	if publish.KindOf(err) == 0 {
		return publish.ExitInvalidArgs
	}
	return publish.ExitCode(err)
}

// usageError marks err as invalid input.
func usageError(format string, args ...any) error {
	return &publish.Error{Kind: publish.KindInvalid, State: publish.StateIdle, Err: fmt.Errorf(format, args...)}
}

// app carries what every subcommand shares: the root logger, the viper
// instance bound to the persistent flags and service options used by tests.
type app struct {
	logger  pslog.Logger
	v       *viper.Viper
	options []gardenpub.Option
}

func newRootCommand(baseLogger pslog.Logger, opts ...gardenpub.Option) *cobra.Command {
	a := &app{logger: baseLogger, v: viper.New(), options: opts}

	cmd := &cobra.Command{
		Use:           "gardenpub",
		Short:         "gardenpub merges local extension catalogs into the published catalog of a stage",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Publish apps to dev on AWS S3
  GARDENPUB_STORE=aws://garden-dev GARDENPUB_AWS_REGION=eu-north-1 gardenpub publish --stage dev --family apps --catalog apps.json

  # Cloudflare R2 through the S3-compatible backend
  gardenpub --store-prod 'aws://garden-prod?endpoint=https%3A%2F%2F<account>.r2.cloudflarestorage.com' publish --stage prod --family apps --catalog apps.json

  # Preview the merge without writing anything
  gardenpub --store disk:///var/lib/gardenpub publish --stage dev --family tools --catalog tools.yaml --dry-run

  # Inspect and clear a lock left behind by a failed run
  gardenpub lock status --stage prod --family apps
  gardenpub lock remove --stage prod --family apps
`,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &publish.Error{Kind: publish.KindInvalid, State: publish.StateIdle, Err: err}
	})

	defaultConfig := "$HOME/.gardenpub/config.yaml"
	if p, err := gardenpub.DefaultConfigPath(); err == nil {
		defaultConfig = p
	}
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to "+defaultConfig+" when present)")
	flags.String("store", "", "store URL for stages without a dedicated store (mem://, disk://, s3://, aws://, azure://)")
	for _, stage := range gardenpub.DefaultStages {
		flags.String("store-"+stage, "", "store URL for the "+stage+" stage")
	}
	flags.String("root", gardenpub.DefaultRoot, "key prefix holding the stage directories")
	flags.String("lock-name", "", "use one stage-wide lock object of this name instead of {family}.lock")
	flags.Duration("stale-after", gardenpub.DefaultStaleAfter, "lock age reported as stale")
	flags.String("holder", "", "lock holder id (defaults to CI_JOB_ID, GITHUB_RUN_ID or manual@host)")
	flags.Bool("legacy-env", true, "honour KAMIWAZA_REGISTRY_* and AWS_PROFILE_<STAGE> variables")
	flags.Int("storage-retry-attempts", gardenpub.DefaultRetryAttempts, "attempts per storage call on transient errors")
	flags.Duration("storage-retry-base-delay", gardenpub.DefaultRetryBaseDelay, "first storage retry delay")
	flags.Duration("storage-retry-max-delay", gardenpub.DefaultRetryMaxDelay, "storage retry delay cap")
	flags.String("aws-region", "", "AWS region for aws:// stores (falls back to AWS_REGION)")
	flags.String("s3-sse", "", "server-side encryption mode for object stores (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key id used with aws:kms encryption")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("azure-account", "", "Azure storage account (overrides the account in azure:// URLs)")
	flags.String("azure-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host:port, grpc://, grpcs://, http:// or https://)")
	flags.String("metrics-pushgateway", "", "Prometheus Pushgateway URL receiving run metrics on exit")
	flags.String("metrics-job", gardenpub.DefaultMetricsJob, "Pushgateway job name")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	a.v.SetEnvPrefix("GARDENPUB")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := a.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(a.newPublishCommand())
	cmd.AddCommand(a.newRemoveEntryCommand())
	cmd.AddCommand(a.newDownloadCommand())
	cmd.AddCommand(a.newListCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(a.newLockCommand())
	cmd.AddCommand(a.newRemoveLockCommand())
	cmd.AddCommand(a.newBackupsCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := gardenpub.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.Resolve(cfgPath)
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
	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func (a *app) bindConfig() (gardenpub.Config, error) {
	v := a.v
	cfg := gardenpub.Config{
		Store:              strings.TrimSpace(v.GetString("store")),
		Root:               v.GetString("root"),
		LockName:           v.GetString("lock-name"),
		StaleAfter:         v.GetDuration("stale-after"),
		Holder:             strings.TrimSpace(v.GetString("holder")),
		RetryAttempts:      v.GetInt("storage-retry-attempts"),
		RetryBaseDelay:     v.GetDuration("storage-retry-base-delay"),
		RetryMaxDelay:      v.GetDuration("storage-retry-max-delay"),
		AWSRegion:          strings.TrimSpace(v.GetString("aws-region")),
		S3SSE:              v.GetString("s3-sse"),
		S3KMSKeyID:         v.GetString("s3-kms-key-id"),
		S3AccessKeyID:      v.GetString("s3-access-key-id"),
		S3SecretAccessKey:  v.GetString("s3-secret-access-key"),
		S3SessionToken:     v.GetString("s3-session-token"),
		AzureAccount:       v.GetString("azure-account"),
		AzureAccountKey:    v.GetString("azure-key"),
		AzureEndpoint:      v.GetString("azure-endpoint"),
		AzureSASToken:      v.GetString("azure-sas-token"),
		OTLPEndpoint:       v.GetString("otlp-endpoint"),
		MetricsPushgateway: v.GetString("metrics-pushgateway"),
		MetricsJob:         v.GetString("metrics-job"),
	}
	for _, stage := range gardenpub.DefaultStages {
		if raw := strings.TrimSpace(v.GetString("store-" + stage)); raw != "" {
			if cfg.Stores == nil {
				cfg.Stores = make(map[string]string)
			}
			cfg.Stores[stage] = raw
		}
	}
	if cfg.AWSRegion == "" {
		if r := strings.TrimSpace(os.Getenv("AWS_REGION")); r != "" {
			cfg.AWSRegion = r
		} else if r := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION")); r != "" {
			cfg.AWSRegion = r
		}
	}
	if v.GetBool("legacy-env") {
		cfg.ApplyLegacyEnv(os.Getenv)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// session is one command's view of the configured stores.
type session struct {
	svc       *gardenpub.Service
	telemetry *gardenpub.Telemetry
	logger    pslog.Logger
}

func (a *app) openSession(cmd *cobra.Command, subsystem string) (*session, error) {
	logger := a.logger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(a.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, subsystem)
	configFile, err := a.loadConfigFile()
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		cliLogger.Debug("cli.config.loaded", "path", configFile)
	}
	cfg, err := a.bindConfig()
	if err != nil {
		return nil, err
	}
	tel, err := gardenpub.SetupTelemetry(cmd.Context(), cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	opts := append([]gardenpub.Option{
		gardenpub.WithLogger(logger),
		gardenpub.WithMeterProvider(tel.MeterProvider()),
	}, a.options...)
	svc, err := gardenpub.New(cfg, opts...)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	return &session{svc: svc, telemetry: tel, logger: cliLogger}, nil
}

// close pushes metrics and releases the backends. It runs on a fresh
// context so a cancelled command still reports.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("cli.telemetry.shutdown_failure", "error", err)
	}
	if err := s.svc.Close(); err != nil {
		s.logger.Warn("cli.store.close_failure", "error", err)
	}
}

// addTargetFlags registers --stage and --family on cmd.
func addTargetFlags(cmd *cobra.Command, stage, family *string) {
	cmd.Flags().StringVar(stage, "stage", "", "deployment stage (dev, stage, prod)")
	cmd.Flags().StringVar(family, "family", "", "catalog family, e.g. apps or tools")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("family")
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func writeOutput(path string, data []byte, stdout func([]byte) error) error {
	if path == "" || path == "-" {
		return stdout(data)
	}
	resolved, err := pathutil.Resolve(path)
	if err != nil {
		return usageError("output path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", resolved, err)
	}
	return nil
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

var errDeclined = errors.New("declined by operator")
