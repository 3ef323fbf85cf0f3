package gardenpub

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/gardenpub/internal/publish"
	"pkt.systems/gardenpub/internal/remote"
)

const (
	// DefaultStore points at the in-memory backend when nothing is configured.
	DefaultStore = "mem://"
	// DefaultRoot is the key prefix holding every stage.
	DefaultRoot = remote.DefaultRoot
	// DefaultForceStage is the only stage that accepts force publishes.
	DefaultForceStage = publish.DefaultForceStage
	// DefaultStaleAfter is the lock age reported as stale.
	DefaultStaleAfter = time.Hour
	// DefaultRetryAttempts bounds attempts per storage call on transient errors.
	DefaultRetryAttempts = 4
	// DefaultRetryBaseDelay is the first backoff delay.
	DefaultRetryBaseDelay = 200 * time.Millisecond
	// DefaultRetryMaxDelay caps the backoff delay.
	DefaultRetryMaxDelay = 5 * time.Second
	// DefaultMetricsJob names the Pushgateway job.
	DefaultMetricsJob = "gardenpub"
	// DefaultR2Region is used for Cloudflare R2 endpoints when no region is set.
	DefaultR2Region = "auto"
)

// DefaultStages lists the stages a catalog moves through.
var DefaultStages = []string{"dev", "stage", "prod"}

// Config holds everything needed to open stores and run publishes.
type Config struct {
	// Store is the fallback store URL for stages without an entry in Stores.
	Store string
	// Stores maps a stage to its store URL.
	Stores map[string]string
	Stages []string

	// Root is the key prefix above the stage directories.
	Root string
	// LockName, when set, replaces the per-family lock with one stage-wide
	// lock object of this name.
	LockName   string
	ForceStage string
	StaleAfter time.Duration
	Holder     string

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	AWSRegion string
	// AWSProfiles maps a stage to a shared config profile.
	AWSProfiles map[string]string
	S3SSE       string
	S3KMSKeyID  string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	OTLPEndpoint       string
	MetricsPushgateway string
	MetricsJob         string
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if len(c.Stages) == 0 {
		c.Stages = slices.Clone(DefaultStages)
	}
	for _, stage := range c.Stages {
		if err := remote.ValidateName("stage", stage); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	c.Root = strings.Trim(c.Root, "/")
	if c.Root == "" {
		return fmt.Errorf("config: root prefix must not be empty")
	}
	c.LockName = strings.TrimSpace(c.LockName)
	if c.LockName != "" {
		if err := remote.ValidateName("lock name", c.LockName); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.ForceStage == "" {
		c.ForceStage = DefaultForceStage
	}
	if !slices.Contains(c.Stages, c.ForceStage) {
		return fmt.Errorf("config: force stage %q is not one of %s", c.ForceStage, strings.Join(c.Stages, ", "))
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("config: stale-after must be >= 0")
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("config: retry attempts must be >= 0")
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay must be >= base delay")
	}
	if c.MetricsJob == "" {
		c.MetricsJob = DefaultMetricsJob
	}
	if strings.TrimSpace(c.Store) == "" && len(c.Stores) == 0 {
		c.Store = DefaultStore
	}
	if c.Store != "" {
		if err := checkStoreURL(c.Store); err != nil {
			return fmt.Errorf("config: store: %w", err)
		}
	}
	for stage, raw := range c.Stores {
		if !slices.Contains(c.Stages, stage) {
			return fmt.Errorf("config: store for unknown stage %q", stage)
		}
		if err := checkStoreURL(raw); err != nil {
			return fmt.Errorf("config: store-%s: %w", stage, err)
		}
	}
	for stage := range c.AWSProfiles {
		if !slices.Contains(c.Stages, stage) {
			return fmt.Errorf("config: aws profile for unknown stage %q", stage)
		}
	}
	return nil
}

// HasStage reports whether stage is configured.
func (c Config) HasStage(stage string) bool {
	return slices.Contains(c.Stages, stage)
}

// StoreFor returns the store URL serving stage.
func (c Config) StoreFor(stage string) (string, error) {
	if !c.HasStage(stage) {
		return "", fmt.Errorf("config: unknown stage %q (options: %s)", stage, strings.Join(c.Stages, ", "))
	}
	if raw := strings.TrimSpace(c.Stores[stage]); raw != "" {
		return raw, nil
	}
	if raw := strings.TrimSpace(c.Store); raw != "" {
		return raw, nil
	}
	return "", fmt.Errorf("config: no store configured for stage %q (set --store-%s or --store)", stage, stage)
}

// Layout returns the remote key layout.
func (c Config) Layout() remote.Layout {
	return remote.Layout{Root: c.Root, LockName: c.LockName}
}

func checkStoreURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure":
		return nil
	default:
		return fmt.Errorf("scheme %q not supported (mem, disk, s3, aws, azure)", u.Scheme)
	}
}

// ApplyLegacyEnv fills unset fields from the KAMIWAZA_REGISTRY_* and
// AWS_PROFILE_<STAGE> variables understood by the older publish scripts.
// getenv is usually os.Getenv.
func (c *Config) ApplyLegacyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(name string) string { return strings.TrimSpace(getenv(name)) }
	stages := c.Stages
	if len(stages) == 0 {
		stages = DefaultStages
	}
	if c.LockName == "" {
		c.LockName = env("KAMIWAZA_REGISTRY_LOCK_NAME")
	}
	region := env("KAMIWAZA_REGISTRY_REGION")
	if c.AWSRegion == "" {
		c.AWSRegion = region
	}
	endpoint := env("KAMIWAZA_REGISTRY_ENDPOINT")
	if endpoint == "" {
		if account := env("KAMIWAZA_REGISTRY_ACCOUNT_ID"); account != "" {
			endpoint = "https://" + account + ".r2.cloudflarestorage.com"
			if region == "" {
				region = DefaultR2Region
			}
		}
	}
	shared := env("KAMIWAZA_REGISTRY_BUCKET")
	for _, stage := range stages {
		upper := strings.ToUpper(stage)
		if profile := env("AWS_PROFILE_" + upper); profile != "" {
			if c.AWSProfiles == nil {
				c.AWSProfiles = make(map[string]string)
			}
			if c.AWSProfiles[stage] == "" {
				c.AWSProfiles[stage] = profile
			}
		}
		if c.Stores[stage] != "" {
			continue
		}
		bucket := env("KAMIWAZA_REGISTRY_BUCKET_" + upper)
		if bucket == "" {
			bucket = shared
		}
		if bucket == "" {
			continue
		}
		if c.Stores == nil {
			c.Stores = make(map[string]string)
		}
		c.Stores[stage] = legacyStoreURL(bucket, endpoint, region)
	}
}

func legacyStoreURL(bucket, endpoint, region string) string {
	u := url.URL{Scheme: "aws", Host: bucket}
	q := url.Values{}
	if region != "" {
		q.Set("region", region)
	}
	if endpoint != "" {
		q.Set("endpoint", endpoint)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// DefaultConfigDir returns the configuration directory ($HOME/.gardenpub),
// overridable with GARDENPUB_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GARDENPUB_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gardenpub"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
