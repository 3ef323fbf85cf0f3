package gardenpub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/backup"
	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/lock"
	"pkt.systems/gardenpub/internal/publish"
	"pkt.systems/gardenpub/internal/remote"
	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/svcfields"
)

// Service exposes every catalog operation over the configured stores.
// Backends are opened lazily per stage and shared between stages that use
// the same store URL.
type Service struct {
	cfg           Config
	logger        pslog.Logger
	clock         clock.Clock
	override      storage.Backend
	meterProvider metric.MeterProvider
	processAlive  lock.ProcessAliveFunc
	metrics       *publishMetrics

	mu       sync.Mutex
	stages   map[string]*stageRuntime
	backends map[string]storage.Backend
}

type stageRuntime struct {
	client  *remote.Client
	locks   *lock.Manager
	backups *backup.Manager
	pub     *publish.Publisher
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the root logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithBackend serves every stage from backend instead of opening store URLs.
// The backend is wrapped with the usual instrumentation and retries.
func WithBackend(backend storage.Backend) Option {
	return func(s *Service) { s.override = backend }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

// WithMeterProvider records publish metrics on provider instead of the
// global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = provider }
}

// WithProcessAlive replaces the process lookup used to classify stale locks.
func WithProcessAlive(fn lock.ProcessAliveFunc) Option {
	return func(s *Service) { s.processAlive = fn }
}

// New validates cfg and returns a Service.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		stages:   make(map[string]*stageRuntime),
		backends: make(map[string]storage.Backend),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = pslog.NoopLogger()
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}
	metrics, err := newPublishMetrics(s.meterProvider)
	if err != nil {
		return nil, err
	}
	s.metrics = metrics
	return s, nil
}

// Config returns the validated configuration.
func (s *Service) Config() Config { return s.cfg }

// Close releases every opened backend.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for raw, backend := range s.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", raw, err))
		}
	}
	s.backends = make(map[string]storage.Backend)
	s.stages = make(map[string]*stageRuntime)
	return errors.Join(errs...)
}

func (s *Service) stage(ctx context.Context, stage string) (*stageRuntime, error) {
	if !s.cfg.HasStage(stage) {
		return nil, invalid(fmt.Errorf("unknown stage %q", stage))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.stages[stage]; ok {
		return rt, nil
	}
	backend, err := s.backendFor(ctx, stage)
	if err != nil {
		return nil, err
	}
	client := remote.New(backend, s.cfg.Layout())
	locks := lock.New(client, lock.Config{
		Clock:        s.clock,
		Logger:       s.logger,
		StaleAfter:   s.cfg.StaleAfter,
		ProcessAlive: s.processAlive,
	})
	backups := backup.New(client, s.clock, s.logger)
	pub, err := publish.New(publish.Config{
		Remote:     client,
		Locks:      locks,
		Backups:    backups,
		Clock:      s.clock,
		Logger:     s.logger,
		ForceStage: s.cfg.ForceStage,
		Observer:   s.metrics,
	})
	if err != nil {
		return nil, err
	}
	rt := &stageRuntime{client: client, locks: locks, backups: backups, pub: pub}
	s.stages[stage] = rt
	return rt, nil
}

// backendFor must be called with s.mu held.
func (s *Service) backendFor(ctx context.Context, stage string) (storage.Backend, error) {
	raw := "override"
	if s.override == nil {
		var err error
		raw, err = s.cfg.StoreFor(stage)
		if err != nil {
			return nil, invalid(err)
		}
	}
	if backend, ok := s.backends[raw]; ok {
		return backend, nil
	}
	var (
		backend storage.Backend
		sys     = "override"
	)
	if s.override != nil {
		backend = s.override
	} else {
		var err error
		backend, sys, err = openBackend(ctx, s.cfg, raw, stage)
		if err != nil {
			return nil, &publish.Error{Kind: publish.KindStoreIO, State: publish.StateIdle, Err: fmt.Errorf("open store for stage %s: %w", stage, err)}
		}
	}
	svcfields.WithSubsystem(s.logger, "storage").Info("storage.backend.open", svcfields.StageKey, stage, "backend", sys)
	wrapped := wrapBackend(backend, sys, s.cfg, s.logger, s.clock)
	s.backends[raw] = wrapped
	return wrapped, nil
}

func (s *Service) withLogger(ctx context.Context) context.Context {
	return pslog.ContextWithLogger(ctx, s.logger)
}

func invalid(err error) error {
	return &publish.Error{Kind: publish.KindInvalid, State: publish.StateIdle, Err: err}
}

// storeError classifies errors from operations outside the publisher.
func storeError(err error) error {
	if err == nil || publish.KindOf(err) != 0 {
		return err
	}
	var locked *lock.AlreadyLockedError
	switch {
	case errors.As(err, &locked):
		return &publish.Error{Kind: publish.KindLockContention, State: publish.StateIdle, Err: err}
	case errors.Is(err, backup.ErrUnknownBackup):
		return invalid(err)
	default:
		return &publish.Error{Kind: publish.KindStoreIO, State: publish.StateIdle, Err: err}
	}
}

// PublishRequest describes one publish.
type PublishRequest struct {
	Stage     string
	Family    string
	Local     catalog.Catalog
	DryRun    bool
	ForceName string
	Holder    string
}

// Publish merges req.Local into the published catalog of req.Stage.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*publish.Report, error) {
	ctx = s.withLogger(ctx)
	if err := publish.CheckForce(req.Stage, req.ForceName, s.cfg.ForceStage); err != nil {
		return nil, err
	}
	rt, err := s.stage(ctx, req.Stage)
	if err != nil {
		return nil, err
	}
	holder := req.Holder
	if holder == "" {
		holder = s.cfg.Holder
	}
	return rt.pub.Publish(ctx, publish.Request{
		Stage:     req.Stage,
		Family:    req.Family,
		Local:     req.Local,
		DryRun:    req.DryRun,
		ForceName: req.ForceName,
		Holder:    holder,
	})
}

// RemoveEntry removes every published entry named req.Name.
func (s *Service) RemoveEntry(ctx context.Context, req publish.RemoveRequest) (*publish.Report, error) {
	ctx = s.withLogger(ctx)
	rt, err := s.stage(ctx, req.Stage)
	if err != nil {
		return nil, err
	}
	if req.Holder == "" {
		req.Holder = s.cfg.Holder
	}
	return rt.pub.RemoveEntry(ctx, req)
}

// Download returns the published catalog bytes.
func (s *Service) Download(ctx context.Context, stage, family string) (*publish.Download, error) {
	ctx = s.withLogger(ctx)
	rt, err := s.stage(ctx, stage)
	if err != nil {
		return nil, err
	}
	return rt.pub.Download(ctx, stage, family)
}

// List returns the decoded published catalog.
func (s *Service) List(ctx context.Context, stage, family string) (catalog.Catalog, *publish.Download, error) {
	ctx = s.withLogger(ctx)
	rt, err := s.stage(ctx, stage)
	if err != nil {
		return nil, nil, err
	}
	return rt.pub.Published(ctx, stage, family)
}

// LockStatus inspects the lock for stage and family.
func (s *Service) LockStatus(ctx context.Context, stage, family string) (*lock.Status, error) {
	ctx = s.withLogger(ctx)
	rt, err := s.target(ctx, stage, family)
	if err != nil {
		return nil, err
	}
	status, err := rt.locks.Inspect(ctx, stage, family)
	return status, storeError(err)
}

// RemoveLock deletes the lock regardless of holder. It reports whether a
// lock existed.
func (s *Service) RemoveLock(ctx context.Context, stage, family string) (bool, error) {
	ctx = s.withLogger(ctx)
	rt, err := s.target(ctx, stage, family)
	if err != nil {
		return false, err
	}
	removed, err := rt.locks.ForceRemove(ctx, stage, family)
	return removed, storeError(err)
}

// ListBackups lists the snapshots for stage and family, oldest first.
func (s *Service) ListBackups(ctx context.Context, stage, family string) ([]backup.Snapshot, error) {
	ctx = s.withLogger(ctx)
	rt, err := s.target(ctx, stage, family)
	if err != nil {
		return nil, err
	}
	snaps, err := rt.backups.List(ctx, stage, family)
	return snaps, storeError(err)
}

// RestoreBackup writes snapshot id back to the primary while holding the
// lock.
func (s *Service) RestoreBackup(ctx context.Context, stage, family, id, holder string) (*backup.Snapshot, error) {
	ctx = s.withLogger(ctx)
	rt, err := s.target(ctx, stage, family)
	if err != nil {
		return nil, err
	}
	if holder == "" {
		holder = s.cfg.Holder
	}
	if holder == "" {
		holder = lock.DefaultHolderID()
	}
	handle, err := rt.locks.Acquire(ctx, stage, family, holder)
	if err != nil {
		return nil, storeError(err)
	}
	ctx = context.WithoutCancel(ctx)
	snap, err := rt.backups.RestoreID(ctx, stage, family, id)
	if relErr := rt.locks.Release(ctx, handle); relErr != nil {
		err = errors.Join(err, fmt.Errorf("release lock: %w", relErr))
	}
	return snap, storeError(err)
}

func (s *Service) target(ctx context.Context, stage, family string) (*stageRuntime, error) {
	if err := remote.ValidateName("family", family); err != nil {
		return nil, invalid(err)
	}
	return s.stage(ctx, stage)
}

// ValidateCatalog checks a local candidate catalog without touching any
// store.
func ValidateCatalog(c catalog.Catalog) error {
	if len(c) == 0 {
		return invalid(errors.New("catalog is empty"))
	}
	if err := c.Validate(); err != nil {
		return invalid(err)
	}
	return nil
}

// LoadCatalog reads a local candidate catalog from a JSON or YAML file.
func LoadCatalog(path string) (catalog.Catalog, error) {
	c, err := catalog.LoadFile(path)
	if err != nil {
		return nil, invalid(err)
	}
	return c, nil
}
