// Package remote is the typed client over a storage backend, addressing
// catalog documents, lock markers and backups by stage and family.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/storage"
)

// Document is a catalog document as stored remotely.
type Document struct {
	Key      string
	Data     []byte
	ETag     string
	Checksum string
}

// Client wraps a storage backend with the garden key layout.
type Client struct {
	backend storage.Backend
	layout  Layout
}

// New returns a client over backend. A zero layout selects DefaultLayout.
func New(backend storage.Backend, layout Layout) *Client {
	if layout.Root == "" {
		layout.Root = DefaultRoot
	}
	return &Client{backend: backend, layout: layout}
}

// Layout returns the key layout in use.
func (c *Client) Layout() Layout { return c.layout }

// Read fetches the primary catalog document. A missing document returns an
// error matching storage.ErrNotFound.
func (c *Client) Read(ctx context.Context, stage, family string) (*Document, error) {
	key := c.layout.CatalogKey(stage, family)
	data, info, err := c.ReadKey(ctx, key)
	if err != nil {
		return nil, err
	}
	doc := &Document{Key: key, Data: data, Checksum: catalog.Checksum(data)}
	if info != nil {
		doc.ETag = info.ETag
	}
	return doc, nil
}

// Write replaces the primary catalog document with data in a single put.
func (c *Client) Write(ctx context.Context, stage, family string, data []byte) (*storage.ObjectInfo, error) {
	return c.PutKey(ctx, c.layout.CatalogKey(stage, family), data, storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
}

// Delete removes the primary catalog document. Missing documents are ignored.
func (c *Client) Delete(ctx context.Context, stage, family string) error {
	return c.DeleteKey(ctx, c.layout.CatalogKey(stage, family), storage.DeleteObjectOptions{IgnoreNotFound: true})
}

// Exists reports whether the primary catalog document is present.
func (c *Client) Exists(ctx context.Context, stage, family string) (bool, error) {
	_, err := c.Stat(ctx, c.layout.CatalogKey(stage, family))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat returns metadata for key by listing its exact name.
func (c *Client) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	res, err := c.backend.ListObjects(ctx, storage.ListOptions{Prefix: key, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("remote: stat %s: %w", key, err)
	}
	for _, obj := range res.Objects {
		if obj.Key == key {
			info := obj
			return &info, nil
		}
	}
	return nil, fmt.Errorf("remote: stat %s: %w", key, storage.ErrNotFound)
}

// List returns every object under prefix in lexical order.
func (c *Client) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	objects, err := storage.ListAll(ctx, c.backend, prefix)
	if err != nil {
		return nil, fmt.Errorf("remote: list %s: %w", prefix, err)
	}
	return objects, nil
}

// ReadKey fetches the full contents of key.
func (c *Client) ReadKey(ctx context.Context, key string) ([]byte, *storage.ObjectInfo, error) {
	data, info, err := storage.ReadAll(ctx, c.backend, key)
	if err != nil {
		return nil, nil, fmt.Errorf("remote: read %s: %w", key, err)
	}
	return data, info, nil
}

// PutKey writes data to key. The body is seekable so retry wrappers can
// replay it.
func (c *Client) PutKey(ctx context.Context, key string, data []byte, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if opts.ContentType == "" {
		opts.ContentType = storage.ContentTypeJSON
	}
	info, err := c.backend.PutObject(ctx, key, bytes.NewReader(data), opts)
	if err != nil {
		return nil, fmt.Errorf("remote: write %s: %w", key, err)
	}
	return info, nil
}

// DeleteKey removes key.
func (c *Client) DeleteKey(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	if err := c.backend.DeleteObject(ctx, key, opts); err != nil {
		return fmt.Errorf("remote: delete %s: %w", key, err)
	}
	return nil
}

// CopyKey copies src to dst, server-side when the backend supports it.
func (c *Client) CopyKey(ctx context.Context, src, dst string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	if copier, ok := c.backend.(storage.ObjectCopier); ok {
		info, err := copier.CopyObject(ctx, src, dst, opts)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, storage.ErrNotImplemented) {
			return nil, fmt.Errorf("remote: copy %s to %s: %w", src, dst, err)
		}
	}
	data, _, err := c.ReadKey(ctx, src)
	if err != nil {
		return nil, err
	}
	return c.PutKey(ctx, dst, data, storage.PutObjectOptions{ExpectedETag: opts.ExpectedETag, IfNotExists: opts.IfNotExists})
}
