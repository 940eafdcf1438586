// Package dispatch runs the scheduling loop: four periodic tasks that move
// jobs to workers, start and supervise worker processes, carry out aborts
// and fire cron schedules. It also ingests the results workers report.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
	"github.com/teranos/relay/plugin/grpc/protocol"
	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/pulse/schedule"
)

// WorkerClient is the part of the RPC client facade the handlers use
type WorkerClient interface {
	HealthCheck(ctx context.Context) (relaygrpc.Health, bool)
	Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, bool)
	Cancel(ctx context.Context, workerJobID string) (protocol.CancelStatus, bool)
	ForceStop(ctx context.Context)
}

// ClientFactory returns a client for one worker handle
type ClientFactory func(h plugin.Handle) WorkerClient

// Launcher starts worker processes
type Launcher interface {
	Launch(ctx context.Context, spec relaygrpc.LaunchSpec) error
}

// WorkerConfigs resolves worker configuration by selector
type WorkerConfigs interface {
	Lookup(selector string) (plugin.WorkerConfig, bool)
}

// NoteSource provides the paragraphs of a note
type NoteSource interface {
	Paragraphs(ctx context.Context, noteID string) ([]async.Paragraph, error)
}

// Deps are the collaborators of the engine
type Deps struct {
	Jobs      *async.Store
	Schedules *schedule.Store
	Registry  *plugin.Registry
	Workers   WorkerConfigs
	Notes     NoteSource
	Launcher  Launcher
	Clients   ClientFactory
	// CallbackAddress returns where launched workers register
	CallbackAddress func() string
	Metrics         *Metrics
	Logger          *zap.SugaredLogger
}

// pulseLogger adds the opening and closing markers of the loop
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.With(logger.FieldSymbol, logger.SymbolPulseOpen).Infow(msg, keysAndValues...)
}

// Closing logs a closing event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.With(logger.FieldSymbol, logger.SymbolPulseClose).Infow(msg, keysAndValues...)
}

// Pulse logs a tick of the loop
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.With(logger.FieldSymbol, logger.SymbolPulse).Infow(msg, keysAndValues...)
}

// Engine is the scheduling loop and the handlers it drives
type Engine struct {
	cfg       Config
	jobs      *async.Store
	schedules *schedule.Store
	registry  *plugin.Registry
	workers   WorkerConfigs
	notes     NoteSource
	launcher  Launcher
	clients   ClientFactory
	callback  func() string
	metrics   *Metrics
	logger    pulseLogger

	// instances dropped by reconciliation; their results are rejected
	fenced *cache.Cache

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	now func() time.Time

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	startedAt time.Time
}

// New validates deps and creates an engine. Call Start to begin ticking.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Jobs == nil || deps.Registry == nil || deps.Workers == nil || deps.Launcher == nil || deps.Clients == nil {
		return nil, errors.New("dispatch engine needs a job store, registry, worker configs, launcher and client factory")
	}
	if deps.CallbackAddress == nil {
		return nil, errors.New("dispatch engine needs a callback address")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if cfg.FenceTTL <= 0 {
		cfg.FenceTTL = time.Hour
	}
	if cfg.HealthCheckParallel <= 0 {
		cfg.HealthCheckParallel = 1
	}

	return &Engine{
		cfg:       cfg,
		jobs:      deps.Jobs,
		schedules: deps.Schedules,
		registry:  deps.Registry,
		workers:   deps.Workers,
		notes:     deps.Notes,
		launcher:  deps.Launcher,
		clients:   deps.Clients,
		callback:  deps.CallbackAddress,
		metrics:   deps.Metrics,
		logger:    pulseLogger{deps.Logger.Named("pulse")},
		fenced:    cache.New(cfg.FenceTTL, cfg.FenceTTL),
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}, nil
}

// SetClock replaces the engine's time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start recovers jobs orphaned by a previous run and starts the four
// periodic tasks. Ticks stop when ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scheduler != nil {
		return errors.New("dispatch engine already started")
	}

	// After a restart the registry is empty, so no instance is alive
	n, err := e.jobs.ResetOrphanedJobs(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to recover orphaned jobs")
	}
	if n > 0 {
		e.logger.Starting("Recovered jobs orphaned by previous run", logger.FieldCount, n)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	tickCtx, cancel := context.WithCancel(ctx)
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
		enabled  bool
	}{
		{"dispatch-pending", e.cfg.DispatchInterval, e.DispatchPending, true},
		{"process-aborts", e.cfg.AbortInterval, e.ProcessAborts, true},
		{"reconcile-workers", e.cfg.ReconcileInterval, e.ReconcileWorkers, true},
		{"cron-fire", e.cfg.CronInterval, e.FireDueSchedules, e.schedules != nil && e.notes != nil},
	}
	for _, t := range tasks {
		if !t.enabled {
			continue
		}
		name, fn := t.name, t.fn
		_, err := s.NewJob(
			gocron.DurationJob(t.interval),
			gocron.NewTask(func() { e.tick(tickCtx, name, fn) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = s.Shutdown()
			return errors.Wrapf(err, "failed to schedule %s", name)
		}
		e.logger.Starting("Scheduled task", "task", name, logger.FieldInterval, t.interval.String())
	}

	s.Start()
	e.scheduler = s
	e.cancel = cancel
	e.startedAt = e.now()
	e.logger.Starting("Scheduling loop started")
	return nil
}

// Stop halts the periodic tasks and waits for running ticks
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scheduler == nil {
		return nil
	}
	e.cancel()
	err := e.scheduler.Shutdown()
	e.scheduler = nil
	e.logger.Closing("Scheduling loop stopped")
	return errors.Wrap(err, "failed to stop scheduler")
}

// tick runs one task and logs a summary of the items that failed
func (e *Engine) tick(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Task panicked", "task", name, "panic", r)
		}
		e.metrics.observeTick(name, time.Since(start))
	}()

	if err := fn(ctx); err != nil {
		var merr *multierror.Error
		count := 1
		if errors.As(err, &merr) {
			count = len(merr.Errors)
		}
		e.logger.Warnw("Task finished with errors", "task", name, logger.FieldCount, count, logger.FieldError, err)
	}
}

// safely runs one item, turning a panic into an error
func (e *Engine) safely(what, id string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("%s %s panicked: %v", what, id, r)
		}
	}()
	if err := fn(); err != nil {
		return errors.Wrapf(err, "%s %s", what, id)
	}
	return nil
}

// isFenced reports whether results from instanceID must be rejected
func (e *Engine) isFenced(instanceID string) bool {
	if instanceID == "" {
		return false
	}
	_, found := e.fenced.Get(instanceID)
	return found
}

func (e *Engine) fence(instanceID string) {
	if instanceID == "" {
		return
	}
	e.fenced.Set(instanceID, struct{}{}, cache.DefaultExpiration)
}
