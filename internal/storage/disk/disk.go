package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem. Object
// payloads live under <root>/objects with a JSON sidecar per object; the
// advisory lock files under <root>/locks serialise conditional writes across
// processes sharing the directory.
type Store struct {
	root      string
	tmpDir    string
	lockDir   string
	objectDir string
	now       func() time.Time

	locks sync.Map
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

const infoSuffix = ".info.json"

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		objectDir: filepath.Join(root, "objects"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.tmpDir, s.lockDir, s.objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

// Root returns the directory backing the store.
func (s *Store) Root() string { return s.root }

func (s *Store) keyLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lockKey takes the in-process mutex and the cross-process advisory lock for key.
func (s *Store) lockKey(key string) (func(), error) {
	mu := s.keyLock(key)
	mu.Lock()
	lockPath := filepath.Join(s.lockDir, hashKey(key)+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	fl := &fileLock{file: f}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func (s *Store) objectDataPath(key string) (string, error) {
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func normalizeObjectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := path.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	if strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: reserved object key suffix %q", key)
	}
	return clean, nil
}

func (s *Store) keyFromObjectPath(objectPath string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, objectPath)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", objectPath)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) loadObjectInfo(key string) (*storage.ObjectInfo, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// ListObjects enumerates on-disk objects using lexical ordering of keys.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	start := time.Now()
	logger.Trace("disk.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)

	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		key, err := s.keyFromObjectPath(p)
		if err != nil {
			return err
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{
		Objects: make([]storage.ObjectInfo, 0, limit),
	}
	for i := 0; i < limit; i++ {
		info, err := s.loadObjectInfo(keys[i])
		if err != nil {
			logger.Debug("disk.list_objects.load_error", "key", keys[i], "error", err)
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	logger.Debug("disk.list_objects.success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	logger.Trace("disk.get_object.begin", "key", key)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("disk.get_object.not_found", "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	logger.Debug("disk.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object to disk with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	logger.Trace("disk.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.checkConditions(key, opts.ExpectedETag, opts.IfNotExists); err != nil {
		logger.Debug("disk.put_object.condition_failed", "key", key, "error", err)
		return nil, err
	}
	info, err := s.writeObject(key, dataPath, body, opts.ContentType)
	if err != nil {
		logger.Debug("disk.put_object.write_error", "key", key, "error", err)
		return nil, err
	}
	logger.Debug("disk.put_object.success", "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

// CopyObject duplicates srcKey into dstKey.
func (s *Store) CopyObject(ctx context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	src, err := s.GetObject(ctx, srcKey)
	if err != nil {
		return nil, err
	}
	defer src.Reader.Close()
	dstPath, err := s.objectDataPath(dstKey)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockKey(dstKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.checkConditions(dstKey, opts.ExpectedETag, opts.IfNotExists); err != nil {
		return nil, err
	}
	info, err := s.writeObject(dstKey, dstPath, src.Reader, src.Info.ContentType)
	if err != nil {
		return nil, err
	}
	logger.Debug("disk.copy_object.success", "src_key", srcKey, "dst_key", dstKey, "etag", info.ETag)
	return info, nil
}

// DeleteObject removes an object from disk applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := pslog.LoggerFromContext(ctx)
	logger.Trace("disk.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()
	info, err := s.loadObjectInfo(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		logger.Debug("disk.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", info.ETag)
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	logger.Debug("disk.delete_object.success", "key", key)

	dir := filepath.Dir(dataPath)
	for dir != s.objectDir && dir != "." {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func (s *Store) checkConditions(key, expectedETag string, ifNotExists bool) error {
	if expectedETag == "" && !ifNotExists {
		return nil
	}
	current, err := s.loadObjectInfo(key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if expectedETag != "" {
		if current == nil {
			return storage.ErrNotFound
		}
		if current.ETag != expectedETag {
			return storage.ErrCASMismatch
		}
		return nil
	}
	if current != nil {
		return storage.ErrCASMismatch
	}
	return nil
}

func (s *Store) writeObject(key, dataPath string, body io.Reader, contentType string) (*storage.ObjectInfo, error) {
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	hasher := sha256.New()
	var written int64
	err := s.writeAtomic(dataPath, "object", func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, hasher), body)
		written = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now().UTC()
	rec := objectInfoRecord{
		ETag:          hex.EncodeToString(hasher.Sum(nil)),
		ContentType:   contentType,
		UpdatedAtUnix: now.Unix(),
	}
	err = s.writeAtomic(dataPath+infoSuffix, "objectinfo", func(w io.Writer) error {
		return json.NewEncoder(w).Encode(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("disk: write metadata for %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  contentType,
	}, nil
}

func (s *Store) writeAtomic(dest, prefix string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(s.tmpDir, "gardenpub-"+prefix+"-*")
	if err != nil {
		return err
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return syncDir(filepath.Dir(dest))
}

func syncDir(p string) error {
	dir, err := os.Open(p)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
