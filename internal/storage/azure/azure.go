package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/version"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store using the provided configuration. The container is
// created when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}

	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
			Telemetry: policy.TelemetryOptions{ApplicationID: version.AppName},
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: storage.InstrumentTransport(http.DefaultTransport, "azure.blob")}
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: storage.InstrumentTransport(clone, "azure.blob")}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close satisfies storage.Backend by releasing resources held by Store (no-op for Azure).
func (s *Store) Close() error { return nil }

// blobName maps a logical key onto the escaped blob name below the prefix.
func (s *Store) blobName(key string) (string, error) {
	segments := escapeSegments(key)
	if len(segments) == 0 {
		return "", fmt.Errorf("azure: object key required")
	}
	name := path.Join(segments...)
	if s.prefix == "" {
		return name, nil
	}
	return s.prefix + "/" + name, nil
}

// listPrefix keeps a trailing slash so directory-style prefixes match only
// their children.
func (s *Store) listPrefix(prefix string) string {
	out := path.Join(escapeSegments(prefix)...)
	if strings.HasSuffix(prefix, "/") && out != "" {
		out += "/"
	}
	if s.prefix == "" {
		return out
	}
	return s.prefix + "/" + out
}

func (s *Store) logicalKey(name string) (string, bool) {
	if s.prefix != "" {
		trimmed := strings.TrimPrefix(name, s.prefix+"/")
		if trimmed == name {
			return "", false
		}
		name = trimmed
	}
	parts := strings.Split(name, "/")
	for i, segment := range parts {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return "", false
		}
		parts[i] = value
	}
	return strings.Join(parts, "/"), true
}

func escapeSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	escaped := make([]string, len(parts))
	for i, segment := range parts {
		escaped[i] = url.PathEscape(segment)
	}
	return escaped
}

// ListObjects enumerates blobs below the prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	prefix := s.listPrefix(opts.Prefix)
	logger.Trace("azure.list_objects.begin", "prefix", opts.Prefix, "blob_prefix", prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	result := &storage.ListResult{}
	lastKey := ""
outer:
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			logger.Debug("azure.list_objects.error", "prefix", opts.Prefix, "error", err)
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			logical, ok := s.logicalKey(*item.Name)
			if !ok || logical == "" {
				continue
			}
			if opts.StartAfter != "" && logical <= opts.StartAfter {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = lastKey
				break outer
			}
			info := storage.ObjectInfo{Key: logical}
			if item.Properties != nil {
				if item.Properties.ETag != nil {
					info.ETag = string(*item.Properties.ETag)
				}
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = item.Properties.LastModified.UTC()
				}
				if item.Properties.ContentType != nil {
					info.ContentType = *item.Properties.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
			lastKey = logical
		}
	}
	logger.Debug("azure.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated)
	return result, nil
}

// GetObject downloads the blob for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			logger.Debug("azure.get_object.not_found", "key", key, "blob", name)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("azure.get_object.error", "key", key, "blob", name, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	logger.Debug("azure.get_object.success", "key", key, "blob", name, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads a blob with CAS/creation semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{},
	}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	if cond := accessConditions(opts.ExpectedETag, opts.IfNotExists); cond != nil {
		uploadOpts.AccessConditions = &blob.AccessConditions{ModifiedAccessConditions: cond}
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, name, counter, uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("azure.put_object.cas_mismatch", "key", key, "blob", name, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		logger.Debug("azure.put_object.error", "key", key, "blob", name, "error", err)
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, ContentType: opts.ContentType, Size: counter.n, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	logger.Debug("azure.put_object.success", "key", key, "blob", name, "etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes the blob, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := pslog.LoggerFromContext(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if cond := accessConditions(opts.ExpectedETag, false); cond != nil {
		deleteOpts.AccessConditions = &blob.AccessConditions{ModifiedAccessConditions: cond}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, deleteOpts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		logger.Debug("azure.delete_object.error", "key", key, "blob", name, "error", err)
		return wrapError(err, "azure: delete object")
	}
	logger.Debug("azure.delete_object.success", "key", key, "blob", name)
	return nil
}

func accessConditions(expectedETag string, ifNotExists bool) *blob.ModifiedAccessConditions {
	switch {
	case expectedETag != "":
		return &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(expectedETag))}
	case ifNotExists:
		return &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETag("*"))}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= http.StatusInternalServerError:
			return true
		case respErr.StatusCode == http.StatusTooManyRequests, respErr.StatusCode == http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
