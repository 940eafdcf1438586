package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/relay/errors"
	relaytest "github.com/teranos/relay/internal/testing"
	"github.com/teranos/relay/plugin"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
	"github.com/teranos/relay/plugin/grpc/protocol"
	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/pulse/schedule"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// fakeWorker scripts the answers of one worker instance
type fakeWorker struct {
	mu     sync.Mutex
	prefix string

	submitStatus protocol.SubmitStatus
	submitDown   bool
	nextJobID    int
	submitted    []protocol.SubmitRequest
	onSubmit     func() // runs before the answer is returned

	cancelStatus []protocol.CancelStatus // consumed in order, last one repeats
	cancelDown   bool
	canceled     []string

	health     relaygrpc.Health
	healthDown bool
	healthHits int
	onHealth   func() // runs before the answer is returned

	stopped int
}

func (f *fakeWorker) HealthCheck(ctx context.Context) (relaygrpc.Health, bool) {
	if f.onHealth != nil {
		f.onHealth()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthHits++
	if f.healthDown {
		return "", false
	}
	if f.health == "" {
		return relaygrpc.HealthServing, true
	}
	return f.health, true
}

func (f *fakeWorker) Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, bool) {
	if f.onSubmit != nil {
		f.onSubmit()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitDown {
		return nil, false
	}
	status := f.submitStatus
	if status == "" {
		status = protocol.SubmitAccepted
	}
	if status != protocol.SubmitAccepted {
		return &protocol.SubmitResponse{Status: status, Message: "scripted"}, true
	}
	f.nextJobID++
	return &protocol.SubmitResponse{Status: status, WorkerJobID: fmt.Sprintf("%s-wj-%d", f.prefix, f.nextJobID)}, true
}

func (f *fakeWorker) Cancel(ctx context.Context, workerJobID string) (protocol.CancelStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, workerJobID)
	if f.cancelDown {
		return "", false
	}
	if len(f.cancelStatus) == 0 {
		return protocol.CancelAccepted, true
	}
	status := f.cancelStatus[0]
	if len(f.cancelStatus) > 1 {
		f.cancelStatus = f.cancelStatus[1:]
	}
	return status, true
}

func (f *fakeWorker) ForceStop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeWorker) calls() (submits, cancels, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), len(f.canceled), f.stopped
}

// fakeLauncher records launches and mimics the real launcher's placeholder
type fakeLauncher struct {
	mu       sync.Mutex
	registry *plugin.Registry
	specs    []relaygrpc.LaunchSpec
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context, spec relaygrpc.LaunchSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	l.registry.StartingPlaceholder(spec.Kind, spec.Selector)
	return l.err
}

func (l *fakeLauncher) launched() []relaygrpc.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]relaygrpc.LaunchSpec(nil), l.specs...)
}

type fakeConfigs map[string]plugin.WorkerConfig

func (c fakeConfigs) Lookup(selector string) (plugin.WorkerConfig, bool) {
	cfg, ok := c[selector]
	return cfg, ok
}

type fakeNotes map[string][]async.Paragraph

func (n fakeNotes) Paragraphs(ctx context.Context, noteID string) ([]async.Paragraph, error) {
	ps, ok := n[noteID]
	if !ok {
		return nil, errors.NewNotFoundError("note %s", noteID)
	}
	return ps, nil
}

func installedConfig(selector string) plugin.WorkerConfig {
	return plugin.WorkerConfig{
		Selector:      selector,
		Enabled:       true,
		Source:        "./artifacts/" + selector,
		Version:       "1.0.0",
		InstallPath:   "/opt/relay/" + selector + "/1.0.0",
		InstallStatus: plugin.InstallInstalled,
		Runtime:       plugin.RuntimeJava,
		StartupClass:  "org.relay.Interpreter",
		JVMOptions:    "-Xmx256m",
		Concurrency:   4,
		Properties: map[string]plugin.Property{
			"max_rows": {Default: 1000},
			"timeout":  {Value: "30s", Default: "10s"},
		},
	}
}

type harness struct {
	db        *sql.DB
	engine    *Engine
	jobs      *async.Store
	schedules *schedule.Store
	registry  *plugin.Registry
	configs   fakeConfigs
	notes     fakeNotes
	launcher  *fakeLauncher

	mu      sync.Mutex
	workers map[string]*fakeWorker // by instance id
	clock   time.Time
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()
	database := relaytest.CreateMigratedTestDB(t)
	reg := plugin.NewRegistry(log)

	h := &harness{
		db:        database,
		jobs:      async.NewStore(database),
		schedules: schedule.NewStore(database),
		registry:  reg,
		configs:   fakeConfigs{},
		notes:     fakeNotes{},
		launcher:  &fakeLauncher{registry: reg},
		workers:   make(map[string]*fakeWorker),
		clock:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	h.jobs.SetClock(h.now)
	h.schedules.SetClock(h.now)

	cfg := DefaultConfig()
	cfg.LaunchInterval = 0
	cfg.ResultLookupTimeout = 200 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	engine, err := New(cfg, Deps{
		Jobs:            h.jobs,
		Schedules:       h.schedules,
		Registry:        reg,
		Workers:         h.configs,
		Notes:           h.notes,
		Launcher:        h.launcher,
		Clients:         h.client,
		CallbackAddress: func() string { return "127.0.0.1:7711" },
		Logger:          log,
	})
	require.NoError(t, err)
	engine.SetClock(h.now)
	h.engine = engine
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) client(handle plugin.Handle) WorkerClient {
	return h.worker(handle.InstanceID)
}

// worker returns the scripted worker behind instanceID, creating it
func (h *harness) worker(instanceID string) *fakeWorker {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[instanceID]
	if !ok {
		w = &fakeWorker{prefix: instanceID}
		h.workers[instanceID] = w
	}
	return w
}

// ready registers a READY interpreter for selector on instanceID
func (h *harness) ready(t *testing.T, selector, instanceID string) *fakeWorker {
	t.Helper()
	h.registry.StartingPlaceholder(plugin.KindInterpreter, selector)
	require.True(t, h.registry.Register(plugin.KindInterpreter, selector, "127.0.0.1", 4711, instanceID))
	return h.worker(instanceID)
}

func (h *harness) submit(t *testing.T, noteID string, selectors ...string) (*async.Batch, []*async.Job) {
	t.Helper()
	ps := make([]async.Paragraph, len(selectors))
	for i, sel := range selectors {
		ps[i] = async.Paragraph{ID: "p" + string(rune('1'+i)), Selector: sel, Text: "run " + sel}
	}

	batch, err := h.engine.SubmitRun(context.Background(), noteID, ps, "ada", []string{"dev"})
	require.NoError(t, err)
	jobs, err := h.jobs.ListJobsForBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	return batch, jobs
}

func (h *harness) job(t *testing.T, id string) *async.Job {
	t.Helper()
	j, err := h.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) batch(t *testing.T, id string) *async.Batch {
	t.Helper()
	b, err := h.jobs.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return b
}

// run marks job RUNNING on instanceID as a successful dispatch would
func (h *harness) run(t *testing.T, jobID, instanceID, workerJobID string) {
	t.Helper()
	require.NoError(t, h.jobs.SetRunningState(context.Background(), jobID, instanceID, workerJobID))
}
