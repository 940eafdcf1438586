package grpc

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/plugin/grpc/protocol"
	"github.com/teranos/relay/pulse/async"
)

// ExecuteFunc runs one submitted paragraph and returns its output. Text
// written to out is streamed to relay while the job runs. When ctx is
// canceled the job is reported as aborted.
type ExecuteFunc func(ctx context.Context, req protocol.SubmitRequest, out io.Writer) (string, error)

// WorkerOptions configures a WorkerServer
type WorkerOptions struct {
	Selector        string
	Kind            plugin.Kind
	CallbackAddress string
	Host            string // default 127.0.0.1
	Port            int    // 0 picks a free port
	Concurrency     int    // default 1
	CallTimeout     time.Duration
	// DeliveryTimeout bounds retries of a result delivery
	DeliveryTimeout time.Duration
	Execute         ExecuteFunc
	Logger          *zap.SugaredLogger
}

// WorkerServer is the worker side of the protocol. It serves Submit,
// Cancel and Shutdown, registers its address with relay and delivers
// results back.
type WorkerServer struct {
	opts       WorkerOptions
	instanceID string
	sem        chan struct{}
	logger     *zap.SugaredLogger

	mu   sync.Mutex
	jobs map[string]context.CancelFunc

	health   *health.Server
	shutdown chan struct{}
	stopOnce sync.Once

	runCtx context.Context
	jobsWG sync.WaitGroup
}

// NewWorkerServer validates opts and creates a worker server with a fresh
// instance id
func NewWorkerServer(opts WorkerOptions) (*WorkerServer, error) {
	if !plugin.ValidSelector(opts.Selector) {
		return nil, errors.NewInvalidRequestError("invalid selector %q", opts.Selector)
	}
	if opts.CallbackAddress == "" {
		return nil, errors.NewInvalidRequestError("callback address is required")
	}
	if opts.Execute == nil {
		return nil, errors.NewInvalidRequestError("execute function is required")
	}
	if opts.Kind == "" {
		opts.Kind = plugin.KindInterpreter
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	id := uuid.NewString()
	return &WorkerServer{
		opts:       opts,
		instanceID: id,
		sem:        make(chan struct{}, opts.Concurrency),
		logger:     opts.Logger.With(logger.FieldSelector, opts.Selector, logger.FieldInstanceID, id),
		jobs:       make(map[string]context.CancelFunc),
		health:     health.NewServer(),
		shutdown:   make(chan struct{}),
	}, nil
}

// InstanceID identifies this process to relay
func (w *WorkerServer) InstanceID() string {
	return w.instanceID
}

// Serve listens, registers with relay and serves until ctx is done or
// relay asks the worker to shut down. Running jobs are canceled on exit.
func (w *WorkerServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", net.JoinHostPort(w.opts.Host, strconv.Itoa(w.opts.Port)))
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.mu.Lock()
	w.runCtx = runCtx
	w.mu.Unlock()

	// Once this returns no Submit can add to jobsWG
	cancelJobs := func() {
		w.mu.Lock()
		cancel()
		w.mu.Unlock()
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, w.health)
	protocol.RegisterWorkerServer(srv, w)
	w.health.SetServingStatus(protocol.WorkerServiceName, healthpb.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(lis)
	}()

	port := lis.Addr().(*net.TCPAddr).Port
	w.logger.Infow("Worker server started", logger.FieldAddress, lis.Addr().String())

	if err := w.register(ctx, port); err != nil {
		cancelJobs()
		srv.Stop()
		<-serveErr
		return err
	}

	select {
	case <-ctx.Done():
		w.logger.Infow("Worker stopping", "reason", "context done")
	case <-w.shutdown:
		w.logger.Infow("Worker stopping", "reason", "shutdown requested")
	case err := <-serveErr:
		cancelJobs()
		w.jobsWG.Wait()
		return errors.Wrap(err, "worker serve loop exited")
	}

	w.health.Shutdown()
	cancelJobs()
	w.jobsWG.Wait()
	srv.GracefulStop()
	<-serveErr
	return nil
}

func (w *WorkerServer) register(ctx context.Context, port int) error {
	reg := &protocol.Registration{
		Kind:       string(w.opts.Kind),
		Selector:   w.opts.Selector,
		Host:       w.opts.Host,
		Port:       port,
		InstanceID: w.instanceID,
	}

	var resp protocol.RegistrationResponse
	op := func() error {
		return invoke(ctx, w.opts.CallbackAddress, protocol.CallbackRegisterAddressMethod, reg, &resp, w.opts.CallTimeout)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return errors.Wrapf(err, "failed to register with %s", w.opts.CallbackAddress)
	}
	if !resp.Accepted {
		return errors.WithHint(
			errors.Newf("relay rejected registration of %s", w.opts.Selector),
			"workers must be launched by relay, not started by hand")
	}

	w.logger.Infow("Registered with relay", logger.FieldAddress, w.opts.CallbackAddress)
	return nil
}

// Terminate makes health checks answer NOT_SERVING, asking relay to stop
// this worker.
func (w *WorkerServer) Terminate() {
	w.health.SetServingStatus(protocol.WorkerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Submit accepts a job when a concurrency slot is free
func (w *WorkerServer) Submit(ctx context.Context, req *protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	select {
	case w.sem <- struct{}{}:
	default:
		return &protocol.SubmitResponse{Status: protocol.SubmitDeclined, Message: "worker is at capacity"}, nil
	}

	workerJobID := uuid.NewString()

	w.mu.Lock()
	if w.runCtx == nil || w.runCtx.Err() != nil {
		w.mu.Unlock()
		<-w.sem
		return &protocol.SubmitResponse{Status: protocol.SubmitDeclined, Message: "worker is shutting down"}, nil
	}
	jobCtx, cancel := context.WithCancel(w.runCtx)
	w.jobs[workerJobID] = cancel
	w.jobsWG.Add(1)
	w.mu.Unlock()

	go w.run(jobCtx, workerJobID, *req)

	w.logger.Debugw("Job accepted",
		logger.FieldWorkerJobID, workerJobID,
		logger.FieldJobID, req.NoteContext.JobID)
	return &protocol.SubmitResponse{Status: protocol.SubmitAccepted, WorkerJobID: workerJobID}, nil
}

// Cancel stops a running job. Its result is still delivered, as ABORTED.
func (w *WorkerServer) Cancel(ctx context.Context, req *protocol.CancelRequest) (*protocol.CancelResponse, error) {
	w.mu.Lock()
	cancel, ok := w.jobs[req.WorkerJobID]
	w.mu.Unlock()

	if !ok {
		return &protocol.CancelResponse{Status: protocol.CancelNotFound}, nil
	}
	cancel()
	return &protocol.CancelResponse{Status: protocol.CancelAccepted}, nil
}

// Shutdown makes Serve return
func (w *WorkerServer) Shutdown(ctx context.Context, req *protocol.ShutdownRequest) (*protocol.Empty, error) {
	w.stopOnce.Do(func() { close(w.shutdown) })
	return &protocol.Empty{}, nil
}

func (w *WorkerServer) run(ctx context.Context, workerJobID string, req protocol.SubmitRequest) {
	defer w.jobsWG.Done()
	defer func() { <-w.sem }()
	defer func() {
		w.mu.Lock()
		if cancel, ok := w.jobs[workerJobID]; ok {
			cancel()
			delete(w.jobs, workerJobID)
		}
		w.mu.Unlock()
	}()

	out := &outputStreamer{w: w, workerJobID: workerJobID}

	var result async.Result
	output, err := w.execute(ctx, req, out)
	switch {
	case ctx.Err() != nil:
		result = async.Result{Code: async.ResultAborted, Output: output, Message: "canceled"}
	case err != nil:
		result = async.Result{Code: async.ResultError, Output: output, Message: err.Error()}
	default:
		result = async.Result{Code: async.ResultSuccess, Output: output}
	}

	w.deliver(workerJobID, result)
}

func (w *WorkerServer) execute(ctx context.Context, req protocol.SubmitRequest, out io.Writer) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("execute panicked: %v", r)
		}
	}()
	return w.opts.Execute(ctx, req, out)
}

// deliver reports a result to relay, retrying with backoff until
// DeliveryTimeout
func (w *WorkerServer) deliver(workerJobID string, result async.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DeliveryTimeout)
	defer cancel()

	req := &protocol.ResultDelivery{
		WorkerJobID: workerJobID,
		InstanceID:  w.instanceID,
		Payload:     string(result.JSON()),
	}
	op := func() error {
		return invoke(ctx, w.opts.CallbackAddress, protocol.CallbackDeliverResultMethod, req, &protocol.Empty{}, w.opts.CallTimeout)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		w.logger.Errorw("Failed to deliver result",
			logger.FieldWorkerJobID, workerJobID,
			logger.FieldStatus, result.Code,
			logger.FieldError, err)
		return
	}
	w.logger.Debugw("Result delivered", logger.FieldWorkerJobID, workerJobID, logger.FieldStatus, result.Code)
}

// outputStreamer forwards each write as partial output, best effort
type outputStreamer struct {
	w           *WorkerServer
	workerJobID string
}

func (s *outputStreamer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req := &protocol.PartialOutput{WorkerJobID: s.workerJobID, Text: string(p)}
	err := invoke(context.Background(), s.w.opts.CallbackAddress, protocol.CallbackDeliverPartialOutputMethod,
		req, &protocol.Empty{}, s.w.opts.CallTimeout)
	if err != nil {
		s.w.logger.Debugw("Partial output not delivered", logger.FieldWorkerJobID, s.workerJobID, logger.FieldError, err)
	}
	return len(p), nil
}
