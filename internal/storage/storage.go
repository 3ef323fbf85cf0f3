package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used when writing catalog documents and markers.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// ErrNotFound indicates the requested key or resource is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend defines the object store contract used by the publisher. Keys are
// full object keys relative to the backend root (bucket prefix, container
// prefix or directory).
type Backend interface {
	// ListObjects enumerates objects under the supplied prefix in ascending
	// lexical order. Results are limited by opts.Limit when >0 and resume from
	// opts.StartAfter when provided.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata. Callers must close the returned reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes a blob to the provided key, applying conditional
	// semantics when opts.ExpectedETag or opts.IfNotExists are set and the
	// backend supports them.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key, optionally enforcing a
	// matching ETag when opts.ExpectedETag is set.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error

	// Close releases backend resources.
	Close() error
}

// ObjectCopier indicates the backend can copy objects server-side.
type ObjectCopier interface {
	CopyObject(ctx context.Context, srcKey, dstKey string, opts CopyObjectOptions) (*ObjectInfo, error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo captures metadata exposed by object-oriented backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	ExpectedETag string
	// IfNotExists enforces creation-only semantics when true. Ignored when
	// ExpectedETag is provided.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// CopyObjectOptions controls conditional semantics for object copy operations.
type CopyObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ReadAll fetches key and returns its full contents together with metadata.
func ReadAll(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	obj, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer obj.Reader.Close()
	data, err := io.ReadAll(obj.Reader)
	if err != nil {
		return nil, nil, NewTransientError(err)
	}
	return data, obj.Info, nil
}

// ListAll pages through ListObjects until the prefix is exhausted.
func ListAll(ctx context.Context, backend Backend, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	opts := ListOptions{Prefix: prefix}
	for {
		res, err := backend.ListObjects(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.Truncated || res.NextStartAfter == "" {
			return out, nil
		}
		opts.StartAfter = res.NextStartAfter
	}
}
