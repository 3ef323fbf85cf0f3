// Package publish drives a catalog mutation through lock, backup, merge,
// upload and verification, restoring the backup when a write goes wrong.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/backup"
	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/lock"
	"pkt.systems/gardenpub/internal/merge"
	"pkt.systems/gardenpub/internal/remote"
	"pkt.systems/gardenpub/internal/svcfields"
)

// DefaultForceStage is the only stage that accepts force publishes unless
// configured otherwise.
const DefaultForceStage = "dev"

// Observer is notified when a run ends.
type Observer interface {
	RunFinished(ctx context.Context, report *Report, err error)
}

// ConfirmFunc is asked before a confirmed mutation is uploaded. Returning
// false aborts the run.
type ConfirmFunc func(ctx context.Context, report *Report) (bool, error)

// Config wires a Publisher.
type Config struct {
	Remote *remote.Client
	// Locks and Backups default to managers over Remote.
	Locks      *lock.Manager
	Backups    *backup.Manager
	Clock      clock.Clock
	Logger     pslog.Logger
	ForceStage string
	Observer   Observer
	Tracer     trace.Tracer
}

// Publisher runs publish and remove-entry against one store.
type Publisher struct {
	remote     *remote.Client
	locks      *lock.Manager
	backups    *backup.Manager
	clock      clock.Clock
	logger     pslog.Logger
	forceStage string
	observer   Observer
	tracer     trace.Tracer
}

// New validates cfg and returns a Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Remote == nil {
		return nil, errors.New("publish: remote client required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Locks == nil {
		cfg.Locks = lock.New(cfg.Remote, lock.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Backups == nil {
		cfg.Backups = backup.New(cfg.Remote, cfg.Clock, cfg.Logger)
	}
	if strings.TrimSpace(cfg.ForceStage) == "" {
		cfg.ForceStage = DefaultForceStage
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("pkt.systems/gardenpub/publish")
	}
	return &Publisher{
		remote:     cfg.Remote,
		locks:      cfg.Locks,
		backups:    cfg.Backups,
		clock:      cfg.Clock,
		logger:     svcfields.WithSubsystem(cfg.Logger, "publish.run"),
		forceStage: cfg.ForceStage,
		observer:   cfg.Observer,
		tracer:     cfg.Tracer,
	}, nil
}

// ForceStage returns the stage that accepts force publishes.
func (p *Publisher) ForceStage() string { return p.forceStage }

// Request describes one publish.
type Request struct {
	Stage  string
	Family string
	Local  catalog.Catalog
	DryRun bool
	// ForceName overrides conflicts for every entry with this name.
	ForceName string
	// Holder identifies the run in the lock record. Defaults to
	// lock.DefaultHolderID.
	Holder string
}

// RemoveRequest describes removing every entry with one name.
type RemoveRequest struct {
	Stage   string
	Family  string
	Name    string
	DryRun  bool
	Holder  string
	Confirm ConfirmFunc
}

// Publish merges req.Local into the published catalog.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Report, error) {
	rep := p.newReport(OpPublish, req.Stage, req.Family, req.DryRun)
	rep.ForceName = req.ForceName
	if err := checkTarget(req.Stage, req.Family); err != nil {
		return p.reject(ctx, rep, newError(KindInvalid, StateIdle, err))
	}
	var forbidden *Error
	if errors.As(CheckForce(req.Stage, req.ForceName, p.forceStage), &forbidden) {
		return p.reject(ctx, rep, forbidden)
	}
	if len(req.Local) == 0 {
		return p.reject(ctx, rep, newError(KindInvalid, StateIdle, errors.New("local catalog is empty")))
	}
	if err := req.Local.Validate(); err != nil {
		return p.reject(ctx, rep, newError(KindInvalid, StateIdle, err))
	}
	if req.ForceName != "" && len(req.Local.Named(req.ForceName)) == 0 {
		err := fmt.Errorf("force target %q is not in the local catalog", req.ForceName)
		return p.reject(ctx, rep, newError(KindInvalid, StateIdle, err))
	}
	local := req.Local.Clone()
	return p.execute(ctx, rep, runPlan{
		holder: req.Holder,
		mutate: func(published catalog.Catalog) (merge.Result, catalog.Catalog) {
			return merge.Merge(published, local, req.ForceName), nil
		},
	})
}

// CheckForce refuses a force publish aimed at any stage but forceStage.
// It returns nil when forceName is empty.
func CheckForce(stage, forceName, forceStage string) error {
	if forceName == "" || stage == forceStage {
		return nil
	}
	err := fmt.Errorf("force publish of %q is only allowed on stage %q, not %q", forceName, forceStage, stage)
	return newError(KindForbidden, StateIdle, err)
}

// RemoveEntry deletes every entry named req.Name from the published catalog.
// A catalog without such an entry is a merge conflict of kind not-found.
func (p *Publisher) RemoveEntry(ctx context.Context, req RemoveRequest) (*Report, error) {
	rep := p.newReport(OpRemoveEntry, req.Stage, req.Family, req.DryRun)
	if err := checkTarget(req.Stage, req.Family); err != nil {
		return p.reject(ctx, rep, newError(KindInvalid, StateIdle, err))
	}
	name := req.Name
	if strings.TrimSpace(name) == "" || strings.TrimSpace(name) != name {
		return p.reject(ctx, rep, newError(KindInvalid, StateIdle, fmt.Errorf("invalid entry name %q", name)))
	}
	return p.execute(ctx, rep, runPlan{
		holder:  req.Holder,
		confirm: req.Confirm,
		mutate: func(published catalog.Catalog) (merge.Result, catalog.Catalog) {
			kept, removed := merge.RemoveByName(published, name)
			if len(removed) == 0 {
				return merge.Result{Conflicts: []merge.Conflict{{
					Kind:      merge.NotFound,
					Candidate: catalog.Entry{Name: name},
					Detail:    "no published entry has this name",
				}}}, nil
			}
			return merge.Result{Catalog: kept}, removed
		},
	})
}

func checkTarget(stage, family string) error {
	if err := remote.ValidateName("stage", stage); err != nil {
		return err
	}
	return remote.ValidateName("family", family)
}

func (p *Publisher) newReport(op Operation, stage, family string, dryRun bool) *Report {
	now := p.clock.Now().UTC()
	return &Report{
		Operation: op,
		Stage:     stage,
		Family:    family,
		DryRun:    dryRun,
		State:     StateIdle,
		Trail:     []Transition{{State: StateIdle, At: now}},
		StartedAt: now,
	}
}

// reject ends a run that never left IDLE.
func (p *Publisher) reject(ctx context.Context, rep *Report, err *Error) (*Report, error) {
	svcfields.WithTarget(p.logger, rep.Stage, rep.Family).Warn("publish.rejected", "operation", rep.Operation, "kind", err.Kind.String(), "error", err.Err)
	if p.observer != nil {
		p.observer.RunFinished(ctx, rep, err)
	}
	return rep, err
}
