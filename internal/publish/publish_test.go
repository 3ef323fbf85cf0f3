package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/compat"
	"pkt.systems/gardenpub/internal/lock"
	"pkt.systems/gardenpub/internal/merge"
	"pkt.systems/gardenpub/internal/remote"
	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/storage/memory"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	catalogKey = "garden/dev/apps.json"
	lockKey    = "garden/dev/apps.lock"
)

// faultyBackend injects failures and rewrites bodies around a real store.
// Calls are counted per operation and key, starting at 1.
type faultyBackend struct {
	storage.Backend

	mu    sync.Mutex
	calls map[string]int
	// fail is consulted before an operation reaches the inner store.
	fail func(op, key string, n int) error
	// rewritePut replaces a put body when it returns non-nil.
	rewritePut func(key string, n int, body []byte) []byte
	// rewriteGet replaces a get body when it returns non-nil.
	rewriteGet func(key string, n int, body []byte) []byte
}

func (f *faultyBackend) count(op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op+" "+key]++
	return f.calls[op+" "+key]
}

func (f *faultyBackend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	n := f.count("get", key)
	if f.fail != nil {
		if err := f.fail("get", key, n); err != nil {
			return storage.GetObjectResult{}, err
		}
	}
	res, err := f.Backend.GetObject(ctx, key)
	if err != nil || f.rewriteGet == nil {
		return res, err
	}
	body, err := io.ReadAll(res.Reader)
	res.Reader.Close()
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	if replaced := f.rewriteGet(key, n, body); replaced != nil {
		body = replaced
	}
	res.Reader = io.NopCloser(bytes.NewReader(body))
	return res, nil
}

func (f *faultyBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	n := f.count("put", key)
	if f.fail != nil {
		if err := f.fail("put", key, n); err != nil {
			return nil, err
		}
	}
	if f.rewritePut != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		if replaced := f.rewritePut(key, n, data); replaced != nil {
			data = replaced
		}
		body = bytes.NewReader(data)
	}
	return f.Backend.PutObject(ctx, key, body, opts)
}

func (f *faultyBackend) CopyObject(ctx context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	n := f.count("copy", dstKey)
	if f.fail != nil {
		if err := f.fail("copy", dstKey, n); err != nil {
			return nil, err
		}
	}
	return f.Backend.(storage.ObjectCopier).CopyObject(ctx, srcKey, dstKey, opts)
}

func (f *faultyBackend) copies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for k, n := range f.calls {
		if strings.HasPrefix(k, "copy ") {
			total += n
		}
	}
	return total
}

func (f *faultyBackend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	n := f.count("delete", key)
	if f.fail != nil {
		if err := f.fail("delete", key, n); err != nil {
			return err
		}
	}
	return f.Backend.DeleteObject(ctx, key, opts)
}

type recordingObserver struct {
	mu   sync.Mutex
	runs []observedRun
}

type observedRun struct {
	state State
	kind  Kind
}

func (o *recordingObserver) RunFinished(_ context.Context, rep *Report, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, observedRun{state: rep.State, kind: KindOf(err)})
}

type fixture struct {
	store    *memory.Store
	faults   *faultyBackend
	client   *remote.Client
	clock    *clock.Manual
	locks    *lock.Manager
	pub      *Publisher
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		clock:    clock.NewManual(epoch),
		observer: &recordingObserver{},
	}
	f.faults = &faultyBackend{Backend: f.store}
	f.client = remote.New(f.faults, remote.DefaultLayout())
	f.locks = lock.New(f.client, lock.Config{
		Clock:        f.clock,
		Logger:       pslog.NoopLogger(),
		Hostname:     "builder-1",
		PID:          4242,
		ProcessAlive: func(context.Context, int) (bool, error) { return true, nil },
	})
	pub, err := New(Config{
		Remote:   f.client,
		Locks:    f.locks,
		Clock:    f.clock,
		Logger:   pslog.NoopLogger(),
		Observer: f.observer,
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	f.pub = pub
	return f
}

func entry(name, version, min, max string) catalog.Entry {
	r := compat.MustRange(min, max)
	return catalog.Entry{
		Name:        name,
		Version:     version,
		CompatRange: &r,
		Payload:     json.RawMessage(`{"image":"` + name + ":" + version + `"}`),
	}
}

func (f *fixture) seed(t *testing.T, c catalog.Catalog) []byte {
	t.Helper()
	data, err := catalog.Encode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.store.PutObject(context.Background(), catalogKey, bytes.NewReader(data), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return data
}

func (f *fixture) primary(t *testing.T) []byte {
	t.Helper()
	data, _, err := storage.ReadAll(context.Background(), f.store, catalogKey)
	if err != nil {
		t.Fatalf("read primary: %v", err)
	}
	return data
}

func (f *fixture) published(t *testing.T) []string {
	t.Helper()
	c, err := catalog.Decode(f.primary(t))
	if err != nil {
		t.Fatalf("decode primary: %v", err)
	}
	out := make([]string, 0, len(c))
	for _, e := range c {
		out = append(out, e.Label())
	}
	return out
}

func (f *fixture) lockHeld(t *testing.T) bool {
	t.Helper()
	_, _, err := storage.ReadAll(context.Background(), f.store, lockKey)
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrNotFound):
		return false
	default:
		t.Fatalf("read lock: %v", err)
		return false
	}
}

func (f *fixture) backups(t *testing.T) []string {
	t.Helper()
	objs, err := storage.ListAll(context.Background(), f.store, "garden/dev/backups/apps/")
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Key)
	}
	return out
}

func (f *fixture) publish(t *testing.T, req Request) (*Report, error) {
	t.Helper()
	if req.Stage == "" {
		req.Stage = "dev"
	}
	if req.Family == "" {
		req.Family = "apps"
	}
	if req.Holder == "" {
		req.Holder = "job-1"
	}
	f.clock.Advance(time.Second)
	return f.pub.Publish(context.Background(), req)
}

func TestPublishIntoEmptyStage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("a", "1.0.0", "1.0.0", "2.0.0")}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := []State{StateIdle, StateLockAcquired, StateBackedUp, StateMerged, StateUploaded, StateVerified, StateReleased}
	if diff := cmp.Diff(want, rep.States()); diff != "" {
		t.Fatalf("trail mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a@1.0.0 [>=1.0.0,<2.0.0]"}, f.published(t)); diff != "" {
		t.Fatalf("published mismatch (-want +got):\n%s", diff)
	}
	if rep.RemoteChecksum != "" || rep.PublishedChecksum != catalog.Checksum(f.primary(t)) {
		t.Fatalf("unexpected checksums %q %q", rep.RemoteChecksum, rep.PublishedChecksum)
	}
	if f.lockHeld(t) || rep.LockHeld {
		t.Fatal("lock should be released")
	}
	backups := f.backups(t)
	if len(backups) != 1 || !strings.HasSuffix(backups[0], rep.BackupID+".absent") {
		t.Fatalf("expected one absent marker, got %v", backups)
	}
	if rep.RunID == "" || ExitCode(err) != ExitOK {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestPublishDisjointCoexistsThenSupersetReplaces(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, catalog.Catalog{entry("a", "1.0.0", "1.0.0", "2.0.0"), entry("b", "1.0.0", "", "")})

	if _, err := f.publish(t, Request{Local: catalog.Catalog{entry("a", "1.1.0", "2.0.0", "3.0.0")}}); err != nil {
		t.Fatalf("disjoint publish: %v", err)
	}
	want := []string{"a@1.0.0 [>=1.0.0,<2.0.0]", "b@1.0.0 [*]", "a@1.1.0 [>=2.0.0,<3.0.0]"}
	if diff := cmp.Diff(want, f.published(t)); diff != "" {
		t.Fatalf("disjoint mismatch (-want +got):\n%s", diff)
	}

	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("a", "1.2.0", "1.0.0", "3.0.0")}})
	if err != nil {
		t.Fatalf("superset publish: %v", err)
	}
	want = []string{"b@1.0.0 [*]", "a@1.2.0 [>=1.0.0,<3.0.0]"}
	if diff := cmp.Diff(want, f.published(t)); diff != "" {
		t.Fatalf("superset mismatch (-want +got):\n%s", diff)
	}
	if len(rep.Result.Plan) != 1 || rep.Result.Plan[0].Kind != merge.Replace || len(rep.Result.Plan[0].Replaced) != 2 {
		t.Fatalf("unexpected plan %+v", rep.Result.Plan)
	}
	if len(f.backups(t)) != 2 {
		t.Fatalf("expected a backup per publish, got %v", f.backups(t))
	}
}

func TestPublishRejectionLeavesRemoteByteIdentical(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "2.0.0", "1.0.0", "2.0.0")})
	local := catalog.Catalog{
		entry("a", "1.0.0", "1.0.0", "2.0.0"),
		entry("c", "1.0.0", "", ""),
	}

	for i := 0; i < 2; i++ {
		rep, err := f.publish(t, Request{Local: local})
		if KindOf(err) != KindMergeConflict || ExitCode(err) != ExitRejected {
			t.Fatalf("run %d: expected merge conflict, got %v", i, err)
		}
		if !errors.Is(err, merge.ErrRejected) {
			t.Fatalf("run %d: expected ErrRejected in chain, got %v", i, err)
		}
		if len(rep.Result.Conflicts) != 1 || rep.Result.Conflicts[0].Kind != merge.Downgrade {
			t.Fatalf("run %d: unexpected conflicts %+v", i, rep.Result.Conflicts)
		}
		if c := rep.Result.Count(); c.Insert != 1 || c.Fail != 1 {
			t.Fatalf("run %d: plan should list the insert next to the failure, got %+v", i, c)
		}
		if rep.Reached(StateUploaded) || rep.State != StateReleased {
			t.Fatalf("run %d: unexpected report %+v", i, rep)
		}
		if !bytes.Equal(f.primary(t), original) {
			t.Fatalf("run %d: primary changed", i)
		}
		if f.lockHeld(t) {
			t.Fatalf("run %d: lock should be released", i)
		}
	}
}

func TestPublishLockContention(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	if _, err := f.locks.Acquire(context.Background(), "dev", "apps", "job-0"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	f.clock.Advance(3 * time.Minute)

	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("b", "1.0.0", "", "")}})
	if KindOf(err) != KindLockContention || ExitCode(err) != ExitLocked {
		t.Fatalf("expected lock contention, got %v", err)
	}
	var locked *lock.AlreadyLockedError
	if !errors.As(err, &locked) || locked.Record.HolderID != "job-0" {
		t.Fatalf("expected holder details, got %v", err)
	}
	if !strings.Contains(err.Error(), "gardenpub lock remove --stage dev --family apps") {
		t.Fatalf("expected remediation hint, got %q", err.Error())
	}
	if rep.Reached(StateLockAcquired) || len(f.backups(t)) != 0 || !bytes.Equal(f.primary(t), original) {
		t.Fatalf("contention must not touch the store: %+v", rep)
	}
}

func TestPublishUploadFailureRestoresAndKeepsLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	f.faults.fail = func(op, key string, n int) error {
		if op == "put" && key == catalogKey && n == 1 {
			// Simulates a write that reached the store before the error.
			_, _ = f.store.PutObject(context.Background(), key, strings.NewReader(`[{"name":"half`), storage.PutObjectOptions{})
			return errors.New("connection reset")
		}
		return nil
	}

	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("b", "1.0.0", "", "")}})
	if KindOf(err) != KindUploadFailed || ExitCode(err) != ExitRestored {
		t.Fatalf("expected upload failure, got %v", err)
	}
	if rep.State != StateFailed || !rep.Restored || !rep.LockHeld {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !bytes.Equal(f.primary(t), original) {
		t.Fatalf("primary should equal backup, got %q", f.primary(t))
	}
	if !f.lockHeld(t) {
		t.Fatal("lock must be kept after a failed upload")
	}
}

func TestPublishVerificationMismatchRestores(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	f.faults.rewritePut = func(key string, n int, body []byte) []byte {
		if key == catalogKey && n == 1 {
			return append(bytes.TrimSpace(body), ' ', '\n')
		}
		return nil
	}

	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("b", "1.0.0", "", "")}})
	if KindOf(err) != KindVerificationMismatch || ExitCode(err) != ExitRestored {
		t.Fatalf("expected verification mismatch, got %v", err)
	}
	want := []State{StateIdle, StateLockAcquired, StateBackedUp, StateMerged, StateUploaded, StateFailed}
	if diff := cmp.Diff(want, rep.States()); diff != "" {
		t.Fatalf("trail mismatch (-want +got):\n%s", diff)
	}
	if !rep.Restored || !bytes.Equal(f.primary(t), original) || !f.lockHeld(t) {
		t.Fatalf("expected restored primary and held lock: %+v", rep)
	}
}

func TestPublishRestoreFailureIsJoined(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	f.faults.fail = func(op, key string, n int) error {
		if op == "put" && key == catalogKey {
			return errors.New("bucket is read-only")
		}
		return nil
	}

	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("b", "1.0.0", "", "")}})
	if ExitCode(err) != ExitRestored {
		t.Fatalf("expected exit %d, got %d (%v)", ExitRestored, ExitCode(err), err)
	}
	if rep.Restored || !strings.Contains(err.Error(), "restore backup "+rep.BackupID) {
		t.Fatalf("expected joined restore failure, got %v", err)
	}
	if !f.lockHeld(t) {
		t.Fatal("lock must be kept")
	}
}

func TestPublishDetectsModificationOutsideLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	f.faults.rewriteGet = func(key string, n int, body []byte) []byte {
		if key == catalogKey && n == 2 {
			return []byte("[]\n")
		}
		return nil
	}

	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("b", "1.0.0", "", "")}})
	if KindOf(err) != KindStoreIO || ExitCode(err) != ExitStoreIO {
		t.Fatalf("expected store io, got %v", err)
	}
	if !errors.Is(err, errModifiedOutsideLock) {
		t.Fatalf("expected modified outside lock, got %v", err)
	}
	if rep.Reached(StateMerged) || f.lockHeld(t) || !bytes.Equal(f.primary(t), original) {
		t.Fatalf("unexpected outcome %+v", rep)
	}
}

func TestPublishBackupIsServerSideCopy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("b", "1.0.0", "", "")}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if f.faults.copies() != 1 {
		t.Fatalf("expected one copy call, got %d", f.faults.copies())
	}
	data, _, err := storage.ReadAll(context.Background(), f.store, "garden/dev/backups/apps/"+rep.BackupID+".json")
	if err != nil || !bytes.Equal(data, original) {
		t.Fatalf("backup should hold the previous catalog verbatim, got %q %v", data, err)
	}
}

func TestPublishBackupFailureReleasesLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	f.faults.fail = func(op, key string, n int) error {
		if op == "copy" {
			return errors.New("access denied")
		}
		return nil
	}
	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("b", "1.0.0", "", "")}})
	if KindOf(err) != KindStoreIO || ExitCode(err) != ExitStoreIO {
		t.Fatalf("expected store io, got %v", err)
	}
	if rep.Reached(StateBackedUp) || f.lockHeld(t) || !bytes.Equal(f.primary(t), original) {
		t.Fatalf("failed backup must release the lock and leave the primary: %+v", rep)
	}
}

func TestPublishStoreFailureBeforeLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.faults.fail = func(op, key string, n int) error {
		if op == "put" && key == lockKey {
			return errors.New("access denied")
		}
		return nil
	}
	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("a", "1.0.0", "", "")}})
	if KindOf(err) != KindStoreIO || ExitCode(err) != ExitStoreIO {
		t.Fatalf("expected store io, got %v", err)
	}
	if rep.State != StateIdle || rep.LockHeld {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestPublishReleaseFailureAfterVerify(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.faults.fail = func(op, key string, n int) error {
		if op == "delete" && key == lockKey {
			return errors.New("throttled")
		}
		return nil
	}
	rep, err := f.publish(t, Request{Local: catalog.Catalog{entry("a", "1.0.0", "", "")}})
	if KindOf(err) != KindReleaseFailed || ExitCode(err) != ExitStoreIO {
		t.Fatalf("expected release failure, got %v", err)
	}
	if !rep.Reached(StateVerified) || !rep.LockHeld || !f.lockHeld(t) {
		t.Fatalf("unexpected report %+v", rep)
	}
	if diff := cmp.Diff([]string{"a@1.0.0 [*]"}, f.published(t)); diff != "" {
		t.Fatalf("catalog should be published (-want +got):\n%s", diff)
	}
}

func TestPublishForce(t *testing.T) {
	t.Parallel()

	t.Run("forbidden outside force stage", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rep, err := f.publish(t, Request{Stage: "prod", ForceName: "a", Local: catalog.Catalog{entry("a", "1.0.0", "", "")}})
		if KindOf(err) != KindForbidden || ExitCode(err) != ExitInvalidArgs {
			t.Fatalf("expected forbidden, got %v", err)
		}
		objs, _ := storage.ListAll(context.Background(), f.store, "")
		if len(objs) != 0 || rep.LockKey != "" {
			t.Fatalf("forbidden force must not touch the store: %v", objs)
		}
	})

	t.Run("replaces every entry of the name", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.seed(t, catalog.Catalog{
			entry("a", "1.0.0", "1.0.0", "2.0.0"),
			entry("a", "1.5.0", "2.0.0", "3.0.0"),
			entry("b", "1.0.0", "", ""),
		})
		rep, err := f.publish(t, Request{ForceName: "a", Local: catalog.Catalog{entry("a", "1.0.0", "1.0.0", "3.0.0")}})
		if err != nil {
			t.Fatalf("force publish: %v", err)
		}
		if diff := cmp.Diff([]string{"b@1.0.0 [*]", "a@1.0.0 [>=1.0.0,<3.0.0]"}, f.published(t)); diff != "" {
			t.Fatalf("published mismatch (-want +got):\n%s", diff)
		}
		d := rep.Result.Plan[0]
		if d.Kind != merge.ForcedReplace || len(d.Replaced) != 2 || len(d.Overridden) == 0 {
			t.Fatalf("unexpected decision %+v", d)
		}
	})

	t.Run("does not cover other names", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		original := f.seed(t, catalog.Catalog{entry("b", "2.0.0", "", "")})
		_, err := f.publish(t, Request{ForceName: "a", Local: catalog.Catalog{
			entry("a", "1.0.0", "", ""),
			entry("b", "1.0.0", "", ""),
		}})
		if KindOf(err) != KindMergeConflict {
			t.Fatalf("expected conflict for b, got %v", err)
		}
		if !bytes.Equal(f.primary(t), original) {
			t.Fatal("primary changed")
		}
	})

	t.Run("target must be in local catalog", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.publish(t, Request{ForceName: "z", Local: catalog.Catalog{entry("a", "1.0.0", "", "")}})
		if KindOf(err) != KindInvalid {
			t.Fatalf("expected invalid, got %v", err)
		}
	})
}

func TestPublishDryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "1.0.0", "2.0.0")})
	rep, err := f.publish(t, Request{DryRun: true, Local: catalog.Catalog{entry("a", "1.1.0", "1.0.0", "2.0.0")}})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	want := []State{StateIdle, StateLockAcquired, StateMerged, StateReleased}
	if diff := cmp.Diff(want, rep.States()); diff != "" {
		t.Fatalf("trail mismatch (-want +got):\n%s", diff)
	}
	if rep.PublishedChecksum == "" || rep.BackupID != "" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !bytes.Equal(f.primary(t), original) || f.lockHeld(t) || len(f.backups(t)) != 0 {
		t.Fatal("dry run must leave no trace")
	}
	if c := rep.Result.Count(); c.Replace != 1 {
		t.Fatalf("expected one replace in plan, got %+v", c)
	}

	rep, err = f.publish(t, Request{DryRun: true, Local: catalog.Catalog{
		entry("a", "0.9.0", "1.0.0", "2.0.0"),
		entry("b", "1.0.0", "", ""),
	}})
	if KindOf(err) != KindMergeConflict || rep.Reached(StateMerged) || f.lockHeld(t) {
		t.Fatalf("dry run conflict should be reported and released: %v", err)
	}
	if c := rep.Result.Count(); c != (merge.Counts{Insert: 1, Fail: 1}) {
		t.Fatalf("dry run should report the whole plan, got %+v", c)
	}
	if !bytes.Equal(f.primary(t), original) {
		t.Fatal("rejected dry run changed the primary")
	}
}

func TestPublishRejectsInvalidLocal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		req  Request
	}{
		{name: "empty", req: Request{}},
		{name: "duplicate", req: Request{Local: catalog.Catalog{entry("a", "1.0.0", "", ""), entry("a", "1.0.0", "", "")}}},
		{name: "bad version", req: Request{Local: catalog.Catalog{entry("a", "one", "", "")}}},
		{name: "bad stage", req: Request{Stage: "../x", Local: catalog.Catalog{entry("a", "1.0.0", "", "")}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			rep, err := f.publish(t, tc.req)
			if KindOf(err) != KindInvalid || ExitCode(err) != ExitInvalidArgs {
				t.Fatalf("expected invalid, got %v", err)
			}
			if rep.State != StateIdle || f.lockHeld(t) {
				t.Fatalf("invalid input must not lock: %+v", rep)
			}
		})
	}
}

func TestPublishCancellation(t *testing.T) {
	t.Parallel()

	t.Run("before lock aborts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.pub.Publish(ctx, Request{Stage: "dev", Family: "apps", Local: catalog.Catalog{entry("a", "1.0.0", "", "")}})
		if KindOf(err) != KindAborted || f.lockHeld(t) {
			t.Fatalf("expected aborted without lock, got %v", err)
		}
	})

	t.Run("after lock completes", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.faults.fail = func(op, key string, n int) error {
			if op == "put" && key == lockKey {
				cancel()
			}
			return nil
		}
		f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
		rep, err := f.pub.RemoveEntry(ctx, RemoveRequest{Stage: "dev", Family: "apps", Name: "a", Holder: "job-1"})
		if err != nil {
			t.Fatalf("remove after cancel: %v", err)
		}
		if rep.State != StateReleased || len(f.published(t)) != 0 {
			t.Fatalf("unexpected outcome %+v", rep)
		}
	})
}

func TestRemoveEntry(t *testing.T) {
	t.Parallel()

	seed := catalog.Catalog{
		entry("a", "1.0.0", "1.0.0", "2.0.0"),
		entry("a", "1.1.0", "2.0.0", "3.0.0"),
		entry("b", "1.0.0", "", ""),
	}

	t.Run("confirmed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.seed(t, seed)
		var asked []string
		rep, err := f.pub.RemoveEntry(context.Background(), RemoveRequest{
			Stage: "dev", Family: "apps", Name: "a", Holder: "job-1",
			Confirm: func(_ context.Context, rep *Report) (bool, error) {
				for _, e := range rep.Removed {
					asked = append(asked, e.Label())
				}
				return true, nil
			},
		})
		if err != nil {
			t.Fatalf("remove: %v", err)
		}
		if diff := cmp.Diff([]string{"a@1.0.0 [>=1.0.0,<2.0.0]", "a@1.1.0 [>=2.0.0,<3.0.0]"}, asked); diff != "" {
			t.Fatalf("confirm saw (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"b@1.0.0 [*]"}, f.published(t)); diff != "" {
			t.Fatalf("published mismatch (-want +got):\n%s", diff)
		}
		if rep.BackupID == "" || f.lockHeld(t) {
			t.Fatalf("unexpected report %+v", rep)
		}
	})

	t.Run("declined", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		original := f.seed(t, seed)
		_, err := f.pub.RemoveEntry(context.Background(), RemoveRequest{
			Stage: "dev", Family: "apps", Name: "a", Holder: "job-1",
			Confirm: func(context.Context, *Report) (bool, error) { return false, nil },
		})
		if KindOf(err) != KindAborted || ExitCode(err) != ExitInvalidArgs {
			t.Fatalf("expected aborted, got %v", err)
		}
		if !bytes.Equal(f.primary(t), original) || f.lockHeld(t) {
			t.Fatal("declined removal must leave the catalog and release the lock")
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.seed(t, seed)
		rep, err := f.pub.RemoveEntry(context.Background(), RemoveRequest{Stage: "dev", Family: "apps", Name: "zz", Holder: "job-1"})
		if KindOf(err) != KindMergeConflict || ExitCode(err) != ExitRejected {
			t.Fatalf("expected not found conflict, got %v", err)
		}
		if rep.Result.Conflicts[0].Kind != merge.NotFound || f.lockHeld(t) {
			t.Fatalf("unexpected report %+v", rep)
		}
	})

	t.Run("dry run", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		original := f.seed(t, seed)
		rep, err := f.pub.RemoveEntry(context.Background(), RemoveRequest{Stage: "dev", Family: "apps", Name: "b", DryRun: true, Holder: "job-1"})
		if err != nil {
			t.Fatalf("dry run: %v", err)
		}
		if len(rep.Removed) != 1 || !bytes.Equal(f.primary(t), original) {
			t.Fatalf("unexpected dry run %+v", rep)
		}
	})
}

func TestDownload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	dl, err := f.pub.Download(context.Background(), "dev", "apps")
	if err != nil {
		t.Fatalf("download absent: %v", err)
	}
	if !dl.Absent || string(dl.Data) != "[]\n" || dl.Key != catalogKey {
		t.Fatalf("unexpected absent download %+v", dl)
	}

	original := f.seed(t, catalog.Catalog{entry("a", "1.0.0", "", "")})
	c, dl, err := f.pub.Published(context.Background(), "dev", "apps")
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if dl.Absent || !bytes.Equal(dl.Data, original) || len(c) != 1 || c[0].ContentHash == "" {
		t.Fatalf("unexpected download %+v", dl)
	}
}

func TestObserverSeesEveryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _ = f.publish(t, Request{})
	_, _ = f.publish(t, Request{Local: catalog.Catalog{entry("a", "1.0.0", "", "")}})
	want := []observedRun{
		{state: StateIdle, kind: KindInvalid},
		{state: StateReleased, kind: 0},
	}
	if diff := cmp.Diff(want, f.observer.runs, cmp.AllowUnexported(observedRun{})); diff != "" {
		t.Fatalf("observer mismatch (-want +got):\n%s", diff)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{newError(KindMergeConflict, StateMerged, nil), ExitRejected},
		{newError(KindLockContention, StateIdle, nil), ExitLocked},
		{newError(KindUploadFailed, StateMerged, nil), ExitRestored},
		{newError(KindVerificationMismatch, StateUploaded, nil), ExitRestored},
		{newError(KindStoreIO, StateIdle, nil), ExitStoreIO},
		{newError(KindReleaseFailed, StateVerified, nil), ExitStoreIO},
		{newError(KindInvalid, StateIdle, nil), ExitInvalidArgs},
		{newError(KindForbidden, StateIdle, nil), ExitInvalidArgs},
		{newError(KindAborted, StateMerged, nil), ExitInvalidArgs},
		{errors.New("plain"), ExitStoreIO},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
