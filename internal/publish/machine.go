package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/backup"
	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/correlation"
	"pkt.systems/gardenpub/internal/lock"
	"pkt.systems/gardenpub/internal/merge"
	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/svcfields"
)

// errModifiedOutsideLock reports a primary that changed between the snapshot
// and the download.
var errModifiedOutsideLock = errors.New("catalog modified outside lock")

type runPlan struct {
	holder  string
	confirm ConfirmFunc
	// mutate computes the new catalog from the published one. The second
	// return value lists entries removed, for reporting.
	mutate func(published catalog.Catalog) (merge.Result, catalog.Catalog)
}

type run struct {
	p      *Publisher
	rep    *Report
	logger pslog.Logger
	ctx    context.Context
	span   trace.Span
	state  trace.Span
	handle *lock.Handle
	snap   *backup.Snapshot
}

func (p *Publisher) execute(parent context.Context, rep *Report, plan runPlan) (_ *Report, err error) {
	ctx, runID := correlation.Ensure(parent)
	rep.RunID = runID
	holder := plan.holder
	if holder == "" {
		holder = lock.DefaultHolderID()
	}
	ctx, span := p.tracer.Start(ctx, "gardenpub."+strings.ReplaceAll(string(rep.Operation), "-", "_"), trace.WithAttributes(
		attribute.String("gardenpub.run_id", runID),
		attribute.String("gardenpub.stage", rep.Stage),
		attribute.String("gardenpub.family", rep.Family),
		attribute.Bool("gardenpub.dry_run", rep.DryRun),
		attribute.String("gardenpub.force_name", rep.ForceName),
	))
	r := &run{
		p:   p,
		rep: rep,
		logger: svcfields.WithTarget(p.logger, rep.Stage, rep.Family).With(
			"run_id", runID, "operation", rep.Operation, svcfields.HolderKey, holder),
		ctx:  ctx,
		span: span,
	}
	defer func() {
		r.endState()
		rep.Duration = clock.Since(p.clock, rep.StartedAt)
		span.SetAttributes(attribute.String("gardenpub.state", string(rep.State)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, KindOf(err).String())
			r.logger.Error("publish.run.failed", "state", rep.State, "kind", KindOf(err).String(), "lock_held", rep.LockHeld, "error", err)
		} else {
			span.SetStatus(codes.Ok, "")
			r.logger.Info("publish.run.complete", "state", rep.State, "duration", rep.Duration)
		}
		span.End()
		if p.observer != nil {
			p.observer.RunFinished(r.ctx, rep, err)
		}
	}()

	if cerr := ctx.Err(); cerr != nil {
		return rep, newError(KindAborted, StateIdle, cerr)
	}
	rep.LockKey = p.locks.Key(rep.Stage, rep.Family)
	handle, err := p.locks.Acquire(ctx, rep.Stage, rep.Family, holder)
	if err != nil {
		var locked *lock.AlreadyLockedError
		switch {
		case errors.As(err, &locked):
			return rep, newError(KindLockContention, StateIdle, err)
		case ctx.Err() != nil:
			return rep, newError(KindAborted, StateIdle, err)
		default:
			return rep, newError(KindStoreIO, StateIdle, err)
		}
	}
	// From here the run finishes its steps even if the caller cancels.
	r.ctx = context.WithoutCancel(ctx)
	r.handle = handle
	rep.LockHeld = true
	r.enter(StateLockAcquired)

	if !rep.DryRun {
		snap, err := p.backups.Snapshot(r.ctx, rep.Stage, rep.Family)
		if err != nil {
			return rep, r.releaseWith(newError(KindStoreIO, StateLockAcquired, err))
		}
		r.snap = snap
		rep.BackupID = snap.ID
		r.enter(StateBackedUp)
	}

	published, derr := r.download()
	if derr != nil {
		return rep, r.releaseWith(derr)
	}
	res, removed := plan.mutate(published)
	rep.Result = res
	rep.Removed = removed
	for _, w := range res.Warnings {
		r.logger.Warn("publish.merge.warning", "warning", w)
	}
	if res.Rejected() {
		for _, c := range res.Conflicts {
			r.logger.Warn("publish.merge.conflict", "conflict", c.String())
		}
		r.logger.Info("publish.merge.plan", "plan", strings.TrimSpace(merge.Summary(res)))
		return rep, r.releaseWith(newError(KindMergeConflict, r.current(), res.Err()))
	}
	encoded, err := catalog.Encode(res.Catalog)
	if err != nil {
		return rep, r.releaseWith(newError(KindInvalid, r.current(), err))
	}
	rep.PublishedChecksum = catalog.Checksum(encoded)
	r.enter(StateMerged)
	r.logger.Info("publish.merge.plan", "plan", strings.TrimSpace(merge.Summary(res)))

	if rep.DryRun {
		return rep, r.release()
	}
	if plan.confirm != nil {
		ok, cerr := plan.confirm(r.ctx, rep)
		if cerr != nil || !ok {
			if cerr == nil {
				cerr = errors.New("declined")
			}
			return rep, r.releaseWith(newError(KindAborted, StateMerged, cerr))
		}
	}

	if _, err := p.remote.Write(r.ctx, rep.Stage, rep.Family, encoded); err != nil {
		return rep, r.restore(newError(KindUploadFailed, StateMerged, err))
	}
	r.enter(StateUploaded)

	doc, err := p.remote.Read(r.ctx, rep.Stage, rep.Family)
	if err != nil {
		return rep, r.restore(newError(KindVerificationMismatch, StateUploaded, fmt.Errorf("read back: %w", err)))
	}
	if doc.Checksum != rep.PublishedChecksum {
		err := fmt.Errorf("read back checksum %s, uploaded %s", doc.Checksum, rep.PublishedChecksum)
		return rep, r.restore(newError(KindVerificationMismatch, StateUploaded, err))
	}
	r.enter(StateVerified)

	if err := p.locks.Release(r.ctx, r.handle); err != nil {
		r.enter(StateFailed)
		return rep, newError(KindReleaseFailed, StateVerified, err)
	}
	rep.LockHeld = false
	r.enter(StateReleased)
	return rep, nil
}

// download reads the published catalog and checks it against the snapshot.
func (r *run) download() (catalog.Catalog, *Error) {
	rep := r.rep
	doc, err := r.p.remote.Read(r.ctx, rep.Stage, rep.Family)
	absent := false
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, newError(KindStoreIO, r.current(), err)
		}
		absent = true
	}
	if !absent {
		rep.RemoteChecksum = doc.Checksum
	}
	if r.snap != nil {
		switch {
		case r.snap.Absent && !absent:
			return nil, newError(KindStoreIO, r.current(), fmt.Errorf("%w: %s appeared after the backup", errModifiedOutsideLock, doc.Key))
		case !r.snap.Absent && absent:
			return nil, newError(KindStoreIO, r.current(), fmt.Errorf("%w: %s disappeared after the backup", errModifiedOutsideLock, r.snap.Key))
		case !absent && !r.snap.Matches(doc.Data):
			return nil, newError(KindStoreIO, r.current(), fmt.Errorf("%w: checksum %s, backup %s", errModifiedOutsideLock, doc.Checksum, r.snap.Checksum))
		}
	}
	if absent {
		r.logger.Info("publish.remote.absent")
		return catalog.Catalog{}, nil
	}
	published, err := catalog.Decode(doc.Data)
	if err != nil {
		return nil, newError(KindInvalid, r.current(), fmt.Errorf("published catalog %s: %w", doc.Key, err))
	}
	return published, nil
}

// release ends a run that did not modify the primary.
func (r *run) release() error {
	if err := r.p.locks.Release(r.ctx, r.handle); err != nil {
		state := r.current()
		r.enter(StateFailed)
		return newError(KindReleaseFailed, state, err)
	}
	r.rep.LockHeld = false
	r.enter(StateReleased)
	return nil
}

// releaseWith releases the lock and returns cause, with any release failure
// joined to it.
func (r *run) releaseWith(cause *Error) error {
	if err := r.p.locks.Release(r.ctx, r.handle); err != nil {
		cause.Err = errors.Join(cause.Err, fmt.Errorf("release lock: %w", err))
		r.enter(StateFailed)
		return cause
	}
	r.rep.LockHeld = false
	r.enter(StateReleased)
	return cause
}

// restore writes the backup back after a failed upload or verification. The
// lock stays in place either way.
func (r *run) restore(cause *Error) error {
	r.logger.Error("publish.restore.begin", "backup_id", r.snap.ID, "cause", cause.Err)
	if err := r.p.backups.Restore(r.ctx, r.snap); err != nil {
		cause.Err = errors.Join(cause.Err, fmt.Errorf("restore backup %s: %w", r.snap.ID, err))
		r.logger.Error("publish.restore.failed", "backup_id", r.snap.ID, "error", err)
	} else {
		r.rep.Restored = true
		r.logger.Warn("publish.restore.success", "backup_id", r.snap.ID)
	}
	r.enter(StateFailed)
	return cause
}

func (r *run) current() State {
	return r.rep.State
}

func (r *run) enter(s State) {
	r.endState()
	r.rep.State = s
	r.rep.Trail = append(r.rep.Trail, Transition{State: s, At: r.p.clock.Now().UTC()})
	r.span.AddEvent("state", trace.WithAttributes(attribute.String("gardenpub.state", string(s))))
	r.logger.Info("publish.state.enter", "state", s)
	if s == StateReleased || s == StateFailed {
		return
	}
	_, r.state = r.p.tracer.Start(r.ctx, "gardenpub.state."+strings.ToLower(string(s)))
}

func (r *run) endState() {
	if r.state != nil {
		r.state.End()
		r.state = nil
	}
}
