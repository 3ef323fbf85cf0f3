package gardenpub

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/pathutil"
	"pkt.systems/gardenpub/internal/storage"
	awsstore "pkt.systems/gardenpub/internal/storage/aws"
	azurestore "pkt.systems/gardenpub/internal/storage/azure"
	"pkt.systems/gardenpub/internal/storage/disk"
	loggingbackend "pkt.systems/gardenpub/internal/storage/logging"
	"pkt.systems/gardenpub/internal/storage/memory"
	"pkt.systems/gardenpub/internal/storage/retry"
	"pkt.systems/gardenpub/internal/storage/s3"
	"pkt.systems/gardenpub/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// bucketChecker is implemented by the object-store backends.
type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// openBackend opens the raw backend for a store URL. stage selects
// per-stage credentials. The returned name identifies the backend kind.
func openBackend(ctx context.Context, cfg Config, raw, stage string) (storage.Backend, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), "memory", nil
	case "disk":
		diskCfg, err := BuildDiskConfig(raw)
		if err != nil {
			return nil, "", err
		}
		backend, err := disk.New(diskCfg)
		if err != nil {
			return nil, "", err
		}
		return backend, "disk", nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg, raw)
		if err != nil {
			return nil, "", err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, "", err
		}
		if err := ensureObjectStoreReady(ctx, backend, s3cfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, "", err
		}
		return backend, "s3", nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg, raw, stage)
		if err != nil {
			return nil, "", err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, "", err
		}
		if err := ensureObjectStoreReady(ctx, backend, awscfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, "", err
		}
		return backend, "aws", nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg, raw)
		if err != nil {
			return nil, "", err
		}
		backend, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, "", err
		}
		return backend, "azure", nil
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// wrapBackend adds span and log instrumentation, then transient-error retries.
func wrapBackend(backend storage.Backend, sys string, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Backend {
	storageLogger := svcfields.WithSubsystem(logger, "storage").With("backend", sys)
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), sys)
	return retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  2,
	})
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services
// such as MinIO or R2.
func BuildGenericS3Config(cfg Config, raw string) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = cfg.AWSRegion
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Query parameters region,
// endpoint, profile and path-style override the configuration; the stage's
// profile from AWSProfiles applies when the URL names none.
func BuildAWSConfig(cfg Config, raw, stage string) (awsstore.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = strings.TrimSpace(cfg.AWSRegion)
	}
	endpoint := strings.TrimSpace(query.Get("endpoint"))
	if region == "" && strings.Contains(endpoint, ".r2.cloudflarestorage.com") {
		region = DefaultR2Region
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or GARDENPUB_AWS_REGION)")
	}
	profile := strings.TrimSpace(query.Get("profile"))
	if profile == "" {
		profile = cfg.AWSProfiles[stage]
	}
	pathStyle := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:      endpoint,
		Region:        region,
		Bucket:        bucket,
		Prefix:        strings.Trim(strings.TrimPrefix(u.Path, "/"), "/"),
		Profile:       profile,
		Insecure:      insecure,
		UsePathStyle:  pathStyle,
		ServerSideEnc: cfg.S3SSE,
		KMSKeyID:      kmsKey,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("GARDENPUB_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("GARDENPUB_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("GARDENPUB_S3_SESSION_TOKEN")
		source = "env:GARDENPUB_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Falls through to the AWS/MinIO environment and file chain.
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureObjectStoreReady(ctx context.Context, backend storage.Backend, bucket string) error {
	checker, ok := backend.(bucketChecker)
	if !ok {
		return nil
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := checker.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config, raw string) (azurestore.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	prefix := ""
	if len(parts) == 2 {
		prefix = parts[1]
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("GARDENPUB_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("GARDENPUB_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  parts[0],
		Prefix:     prefix,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// BuildDiskConfig parses disk:// URLs. disk:///abs/path and disk://~/path
// are both accepted.
func BuildDiskConfig(raw string) (disk.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	switch {
	case host == "~":
		pathPart = "~/" + strings.TrimPrefix(pathPart, "/")
	case host != "":
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/gardenpub)")
	}
	root, err := pathutil.ExpandUserAndEnv(pathPart)
	if err != nil {
		return disk.Config{}, fmt.Errorf("disk store path: %w", err)
	}
	return disk.Config{Root: filepath.Clean(root)}, nil
}
