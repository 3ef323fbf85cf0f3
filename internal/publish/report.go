package publish

import (
	"time"

	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/merge"
)

// State is a publisher state.
type State string

// Publisher states, in the order a successful run visits them.
const (
	StateIdle         State = "IDLE"
	StateLockAcquired State = "LOCK_ACQUIRED"
	StateBackedUp     State = "BACKED_UP"
	StateMerged       State = "MERGED"
	StateUploaded     State = "UPLOADED"
	StateVerified     State = "VERIFIED"
	StateReleased     State = "RELEASED"
	StateFailed       State = "FAILED"
)

// Transition records entering a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Operation names what a run mutates.
type Operation string

const (
	OpPublish     Operation = "publish"
	OpRemoveEntry Operation = "remove-entry"
)

// Report describes a finished run, successful or not.
type Report struct {
	RunID     string          `json:"run_id"`
	Operation Operation       `json:"operation"`
	Stage     string          `json:"stage"`
	Family    string          `json:"family"`
	DryRun    bool            `json:"dry_run"`
	ForceName string          `json:"force_name,omitempty"`
	State     State           `json:"state"`
	Trail     []Transition    `json:"trail"`
	Result    merge.Result    `json:"-"`
	Removed   catalog.Catalog `json:"removed,omitempty"`

	LockKey string `json:"lock_key,omitempty"`
	// LockHeld is true when the run ended with its lock still in place.
	LockHeld bool   `json:"lock_held"`
	BackupID string `json:"backup_id,omitempty"`
	// RemoteChecksum is the checksum of the primary before the run, empty
	// when it was absent.
	RemoteChecksum string `json:"remote_checksum,omitempty"`
	// PublishedChecksum is the checksum of the document written, or the
	// one that would be written on a dry run.
	PublishedChecksum string `json:"published_checksum,omitempty"`
	// Restored is set when the backup was written back after a failure.
	Restored bool `json:"restored"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Reached reports whether the run entered s.
func (r *Report) Reached(s State) bool {
	for _, t := range r.Trail {
		if t.State == s {
			return true
		}
	}
	return false
}

// States returns the trail without timestamps.
func (r *Report) States() []State {
	out := make([]State, len(r.Trail))
	for i, t := range r.Trail {
		out[i] = t.State
	}
	return out
}
