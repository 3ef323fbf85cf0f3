package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Clock stamps LastModified on written objects. Defaults to the wall clock.
	Clock clock.Clock
}

// Store implements storage.Backend in-memory; intended for tests and local dry runs.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry

	sortedKeys []string
	keysDirty  bool

	clock clock.Clock
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		objs:      make(map[string]*objectEntry),
		keysDirty: true,
		clock:     clk,
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// ListObjects returns in-memory objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.objs {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}
	keys := s.sortedKeys
	startIdx := 0
	if opts.StartAfter != "" {
		startIdx = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	result := &storage.ListResult{}
	seenPrefix := false
	added := 0
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			if seenPrefix {
				break
			}
			continue
		}
		if opts.Prefix != "" {
			seenPrefix = true
		}
		entry := s.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		})
		added++
		if opts.Limit > 0 && added >= opts.Limit {
			if idx+1 < len(keys) && (opts.Prefix == "" || strings.HasPrefix(keys[idx+1], opts.Prefix)) {
				result.Truncated = true
				result.NextStartAfter = key
			}
			return result, nil
		}
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(entry.payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   info,
	}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWriteLocked(key, opts.ExpectedETag, opts.IfNotExists); err != nil {
		return nil, err
	}
	return s.storeLocked(key, payload, opts.ContentType), nil
}

// CopyObject duplicates srcKey into dstKey.
func (s *Store) CopyObject(_ context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.objs[srcKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if err := s.checkWriteLocked(dstKey, opts.ExpectedETag, opts.IfNotExists); err != nil {
		return nil, err
	}
	return s.storeLocked(dstKey, append([]byte(nil), src.payload...), src.contentType), nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	if !s.keysDirty {
		s.removeKeyLocked(key)
	}
	return nil
}

func (s *Store) checkWriteLocked(key, expectedETag string, ifNotExists bool) error {
	entry, exists := s.objs[key]
	switch {
	case expectedETag != "":
		if !exists {
			return storage.ErrNotFound
		}
		if entry.etag != expectedETag {
			return storage.ErrCASMismatch
		}
	case ifNotExists && exists:
		return storage.ErrCASMismatch
	}
	return nil
}

func (s *Store) storeLocked(key string, payload []byte, contentType string) *storage.ObjectInfo {
	_, exists := s.objs[key]
	etag := uuid.NewString()
	now := s.clock.Now().UTC()
	s.objs[key] = &objectEntry{
		payload:     payload,
		etag:        etag,
		contentType: contentType,
		updated:     now,
	}
	if !exists && !s.keysDirty {
		s.insertKeyLocked(key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  contentType,
	}
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
