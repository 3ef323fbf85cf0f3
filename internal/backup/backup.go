// Package backup snapshots catalog documents before they are mutated and
// restores them byte for byte. Snapshots are never pruned here.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/remote"
	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/svcfields"
)

// IDLayout formats snapshot identifiers. It sorts lexically in time order.
const IDLayout = "20060102T150405.000000000Z"

const (
	documentSuffix = ".json"
	absentSuffix   = ".absent"
)

var (
	// ErrUnknownBackup is returned when a snapshot id does not exist.
	ErrUnknownBackup = errors.New("backup: unknown snapshot")
	// ErrRestoreMismatch is returned when the restored document does not
	// read back with the snapshot's checksum.
	ErrRestoreMismatch = errors.New("backup: restored document does not match snapshot")
)

// Snapshot is one stored backup.
type Snapshot struct {
	ID        string
	Stage     string
	Family    string
	Key       string
	CreatedAt time.Time
	// Absent marks a snapshot of a document that did not exist.
	Absent   bool
	Data     []byte
	Checksum string
	Size     int64
}

// Manager takes and restores snapshots.
type Manager struct {
	client *remote.Client
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a Manager.
func New(client *remote.Client, clk clock.Clock, logger pslog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{client: client, clock: clk, logger: svcfields.WithSubsystem(logger, "backup")}
}

// Snapshot copies the current primary document to a new timestamped key,
// server-side where the store supports it. A missing primary is recorded as
// an absent marker.
func (m *Manager) Snapshot(ctx context.Context, stage, family string) (*Snapshot, error) {
	layout := m.client.Layout()
	logger := svcfields.WithTarget(m.logger, stage, family)
	doc, err := m.client.Read(ctx, stage, family)
	absent := false
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("backup: read primary: %w", err)
		}
		absent = true
	}

	created := m.clock.Now().UTC()
	id := created.Format(IDLayout)
	snap := &Snapshot{ID: id, Stage: stage, Family: family, CreatedAt: created, Absent: absent}
	if absent {
		snap.Key = layout.BackupKey(stage, family, id+absentSuffix)
		if _, err := m.client.PutKey(ctx, snap.Key, []byte("{}\n"), storage.PutObjectOptions{IfNotExists: true}); err != nil {
			return nil, fmt.Errorf("backup: write marker: %w", err)
		}
		logger.Info("backup.snapshot.created", "id", id, "key", snap.Key, "absent", true)
		return snap, nil
	}

	snap.Key = layout.BackupKey(stage, family, id+documentSuffix)
	snap.Data = doc.Data
	snap.Checksum = doc.Checksum
	snap.Size = int64(len(doc.Data))
	if _, err := m.client.CopyKey(ctx, doc.Key, snap.Key, storage.CopyObjectOptions{IfNotExists: true}); err != nil {
		return nil, fmt.Errorf("backup: copy primary: %w", err)
	}
	logger.Info("backup.snapshot.created", "id", id, "key", snap.Key, "size", snap.Size, "checksum", snap.Checksum)
	return snap, nil
}

// Restore writes the snapshot back to the primary key and confirms it reads
// back identically. Restoring an absent snapshot deletes the primary.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("backup: restore: nil snapshot")
	}
	logger := svcfields.WithTarget(m.logger, snap.Stage, snap.Family).With("id", snap.ID)
	if snap.Absent {
		if err := m.client.Delete(ctx, snap.Stage, snap.Family); err != nil {
			return fmt.Errorf("backup: restore %s: %w", snap.ID, err)
		}
		exists, err := m.client.Exists(ctx, snap.Stage, snap.Family)
		if err != nil {
			return fmt.Errorf("backup: verify restore %s: %w", snap.ID, err)
		}
		if exists {
			return fmt.Errorf("%w: %s should be absent", ErrRestoreMismatch, m.client.Layout().CatalogKey(snap.Stage, snap.Family))
		}
		logger.Warn("backup.restore.deleted_primary")
		return nil
	}
	if _, err := m.client.Write(ctx, snap.Stage, snap.Family, snap.Data); err != nil {
		return fmt.Errorf("backup: restore %s: %w", snap.ID, err)
	}
	doc, err := m.client.Read(ctx, snap.Stage, snap.Family)
	if err != nil {
		return fmt.Errorf("backup: verify restore %s: %w", snap.ID, err)
	}
	if doc.Checksum != snap.Checksum {
		return fmt.Errorf("%w: %s has checksum %s, want %s", ErrRestoreMismatch, doc.Key, doc.Checksum, snap.Checksum)
	}
	logger.Warn("backup.restore.success", "checksum", snap.Checksum)
	return nil
}

// List returns the snapshots for stage and family, oldest first. Data is not
// loaded.
func (m *Manager) List(ctx context.Context, stage, family string) ([]Snapshot, error) {
	prefix := m.client.Layout().BackupPrefix(stage, family)
	objects, err := m.client.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	out := make([]Snapshot, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, prefix)
		snap, ok := parseName(name)
		if !ok {
			continue
		}
		snap.Stage, snap.Family, snap.Key, snap.Size = stage, family, obj.Key, obj.Size
		if snap.Absent {
			snap.Size = 0
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Load fetches a snapshot with its data.
func (m *Manager) Load(ctx context.Context, stage, family, id string) (*Snapshot, error) {
	created, err := time.Parse(IDLayout, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a snapshot id", ErrUnknownBackup, id)
	}
	layout := m.client.Layout()
	snap := &Snapshot{ID: id, Stage: stage, Family: family, CreatedAt: created}
	snap.Key = layout.BackupKey(stage, family, id+documentSuffix)
	data, _, err := m.client.ReadKey(ctx, snap.Key)
	switch {
	case err == nil:
		snap.Data = data
		snap.Checksum = catalog.Checksum(data)
		snap.Size = int64(len(data))
		return snap, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("backup: load %s: %w", id, err)
	}
	snap.Key = layout.BackupKey(stage, family, id+absentSuffix)
	if _, _, err := m.client.ReadKey(ctx, snap.Key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s for %s/%s", ErrUnknownBackup, id, stage, family)
		}
		return nil, fmt.Errorf("backup: load %s: %w", id, err)
	}
	snap.Absent = true
	return snap, nil
}

// RestoreID loads snapshot id and restores it.
func (m *Manager) RestoreID(ctx context.Context, stage, family, id string) (*Snapshot, error) {
	snap, err := m.Load(ctx, stage, family, id)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Matches reports whether data is byte-identical to the snapshot contents.
func (s *Snapshot) Matches(data []byte) bool {
	if s.Absent {
		return false
	}
	return bytes.Equal(s.Data, data)
}

func parseName(name string) (Snapshot, bool) {
	var snap Snapshot
	switch {
	case strings.HasSuffix(name, documentSuffix):
		snap.ID = strings.TrimSuffix(name, documentSuffix)
	case strings.HasSuffix(name, absentSuffix):
		snap.ID = strings.TrimSuffix(name, absentSuffix)
		snap.Absent = true
	default:
		return snap, false
	}
	created, err := time.Parse(IDLayout, snap.ID)
	if err != nil {
		return snap, false
	}
	snap.CreatedAt = created
	return snap, true
}
