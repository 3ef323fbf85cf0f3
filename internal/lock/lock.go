// Package lock implements the advisory publish lock: a marker object per
// stage and family that is created before a publish and removed after it.
// Locks never expire on their own; a lock left behind by a failed run must be
// removed by an operator.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/remote"
	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/svcfields"
)

// DefaultStaleAfter is the age after which a lock is reported as stale.
const DefaultStaleAfter = time.Hour

// ErrNotHeld is returned when releasing a lock whose token no longer matches.
var ErrNotHeld = errors.New("lock: not held by this run")

// Record is the JSON body stored at the lock key.
type Record struct {
	HolderID   string    `json:"holder_id"`
	Stage      string    `json:"stage"`
	Family     string    `json:"family"`
	AcquiredAt time.Time `json:"acquired_at"`
	Hostname   string    `json:"hostname,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Token      string    `json:"token,omitempty"`
}

// Handle is proof of a successful Acquire.
type Handle struct {
	Record
	Key  string
	ETag string
}

// Status describes the lock state for inspection commands.
type Status struct {
	Key         string
	Held        bool
	Record      *Record
	Age         time.Duration
	Stale       bool
	StaleReason string
	// Unreadable is set when a lock object exists but its body is not a
	// valid record.
	Unreadable bool
	ETag       string
}

// ProcessAliveFunc reports whether pid is running on this host.
type ProcessAliveFunc func(ctx context.Context, pid int) (bool, error)

// Config tunes a Manager.
type Config struct {
	Clock      clock.Clock
	Logger     pslog.Logger
	StaleAfter time.Duration
	// Hostname and PID identify this process in lock records.
	Hostname string
	PID      int
	// ProcessAlive defaults to a gopsutil lookup.
	ProcessAlive ProcessAliveFunc
}

// Manager acquires and releases publish locks.
type Manager struct {
	client       *remote.Client
	clock        clock.Clock
	logger       pslog.Logger
	staleAfter   time.Duration
	hostname     string
	pid          int
	processAlive ProcessAliveFunc
}

// New builds a Manager over client.
func New(client *remote.Client, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Hostname == "" {
		cfg.Hostname = hostname()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.ProcessAlive == nil {
		cfg.ProcessAlive = pidExists
	}
	return &Manager{
		client:       client,
		clock:        cfg.Clock,
		logger:       svcfields.WithSubsystem(cfg.Logger, "lock"),
		staleAfter:   cfg.StaleAfter,
		hostname:     cfg.Hostname,
		pid:          cfg.PID,
		processAlive: cfg.ProcessAlive,
	}
}

// DefaultHolderID identifies the current run from CI environment variables,
// falling back to manual@<hostname>.
func DefaultHolderID() string {
	for _, name := range []string{"CI_JOB_ID", "GITHUB_RUN_ID"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return "manual@" + hostname()
}

// Key returns the lock key for stage and family.
func (m *Manager) Key(stage, family string) string {
	return m.client.Layout().LockKey(stage, family)
}

// Acquire creates the lock marker. If a marker exists it returns an
// *AlreadyLockedError describing the holder. The existence check is followed
// by a create-only put, which closes the race window on stores that honour
// conditional writes.
func (m *Manager) Acquire(ctx context.Context, stage, family, holder string) (*Handle, error) {
	key := m.Key(stage, family)
	logger := svcfields.WithTarget(m.logger, stage, family).With("key", key)

	status, err := m.inspectKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if status.Held {
		logger.Warn("lock.acquire.contention", "holder", holderOf(status), "age", status.Age, "stale", status.Stale)
		return nil, newAlreadyLocked(status, stage, family)
	}

	if strings.TrimSpace(holder) == "" {
		holder = DefaultHolderID()
	}
	rec := Record{
		HolderID:   holder,
		Stage:      stage,
		Family:     family,
		AcquiredAt: m.clock.Now().UTC(),
		Hostname:   m.hostname,
		PID:        m.pid,
		Token:      uuid.NewString(),
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("lock: encode record: %w", err)
	}
	info, err := m.client.PutKey(ctx, key, append(body, '\n'), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			status, inspectErr := m.inspectKey(ctx, key)
			if inspectErr == nil && status.Record != nil && status.Record.Token == rec.Token {
				// An earlier attempt of this put landed but its reply was lost.
				logger.Warn("lock.acquire.recovered", "holder", holder, "token", rec.Token)
				return &Handle{Record: rec, Key: key, ETag: status.ETag}, nil
			}
			// Lost the race between the check and the create.
			if inspectErr != nil || !status.Held {
				status = &Status{Key: key, Held: true, Unreadable: true}
			}
			logger.Warn("lock.acquire.race_lost", "holder", holderOf(status))
			return nil, newAlreadyLocked(status, stage, family)
		}
		return nil, fmt.Errorf("lock: create %s: %w", key, err)
	}
	handle := &Handle{Record: rec, Key: key}
	if info != nil {
		handle.ETag = info.ETag
	}
	logger.Info("lock.acquire.success", "holder", holder, "token", rec.Token)
	return handle, nil
}

// Release removes the lock if it still carries the handle's token.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNotHeld
	}
	logger := svcfields.WithTarget(m.logger, h.Stage, h.Family).With("key", h.Key)
	data, info, err := m.client.ReadKey(ctx, h.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("lock.release.missing")
			return fmt.Errorf("%w: %s was removed", ErrNotHeld, h.Key)
		}
		return fmt.Errorf("lock: release %s: %w", h.Key, err)
	}
	var current Record
	if err := json.Unmarshal(data, &current); err != nil || current.Token != h.Token {
		logger.Warn("lock.release.foreign", "holder", current.HolderID)
		return fmt.Errorf("%w: %s now belongs to %q", ErrNotHeld, h.Key, current.HolderID)
	}
	etag := h.ETag
	if info != nil && info.ETag != "" {
		etag = info.ETag
	}
	if err := m.client.DeleteKey(ctx, h.Key, storage.DeleteObjectOptions{ExpectedETag: etag}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("%w: %s changed during release", ErrNotHeld, h.Key)
		}
		return fmt.Errorf("lock: release %s: %w", h.Key, err)
	}
	logger.Info("lock.release.success", "holder", h.HolderID)
	return nil
}

// ForceRemove deletes the lock unconditionally. It reports whether a lock
// existed.
func (m *Manager) ForceRemove(ctx context.Context, stage, family string) (bool, error) {
	key := m.Key(stage, family)
	status, err := m.inspectKey(ctx, key)
	if err != nil {
		return false, err
	}
	if !status.Held {
		return false, nil
	}
	if err := m.client.DeleteKey(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return false, fmt.Errorf("lock: force remove %s: %w", key, err)
	}
	svcfields.WithTarget(m.logger, stage, family).Warn("lock.force_remove",
		"key", key,
		"holder", holderOf(status),
		"age", status.Age,
	)
	return true, nil
}

// Inspect reports the current lock state without modifying it.
func (m *Manager) Inspect(ctx context.Context, stage, family string) (*Status, error) {
	return m.inspectKey(ctx, m.Key(stage, family))
}

func (m *Manager) inspectKey(ctx context.Context, key string) (*Status, error) {
	data, info, err := m.client.ReadKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Status{Key: key}, nil
		}
		return nil, fmt.Errorf("lock: inspect %s: %w", key, err)
	}
	status := &Status{Key: key, Held: true}
	if info != nil {
		status.ETag = info.ETag
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		status.Unreadable = true
		if info != nil && !info.LastModified.IsZero() {
			status.Age = clock.Since(m.clock, info.LastModified)
		}
		return status, nil
	}
	status.Record = &rec
	status.Age = clock.Since(m.clock, rec.AcquiredAt)
	m.classifyStale(ctx, status)
	return status, nil
}

func (m *Manager) classifyStale(ctx context.Context, status *Status) {
	rec := status.Record
	if status.Age > m.staleAfter {
		status.Stale = true
		status.StaleReason = fmt.Sprintf("older than %s", m.staleAfter)
		return
	}
	if rec.Hostname == "" || rec.Hostname != m.hostname || rec.PID <= 0 || rec.PID == m.pid {
		return
	}
	alive, err := m.processAlive(ctx, rec.PID)
	if err != nil {
		m.logger.Debug("lock.inspect.pid_check_failed", "pid", rec.PID, "error", err)
		return
	}
	if !alive {
		status.Stale = true
		status.StaleReason = fmt.Sprintf("process %d on %s has exited", rec.PID, rec.Hostname)
	}
}

func holderOf(status *Status) string {
	if status == nil || status.Record == nil {
		return "unknown"
	}
	return status.Record.HolderID
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown-host"
	}
	return name
}

func pidExists(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}
