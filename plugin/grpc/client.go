package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/plugin/grpc/protocol"
)

// Health is a worker's answer to a health check
type Health string

const (
	HealthServing Health = "SERVING"
	// HealthTerminate means the worker asks to be stopped
	HealthTerminate Health = "TERMINATE"
)

// ClientConfig bounds the calls a Client makes
type ClientConfig struct {
	CallTimeout   time.Duration
	HealthTimeout time.Duration
}

// Client talks to one worker process. Every call opens its own connection
// and closes it before returning. Failures are logged and reported as a
// false second return value, never as errors.
type Client struct {
	handle plugin.Handle
	cfg    ClientConfig
	logger *zap.SugaredLogger
}

// NewClient creates a client for the worker behind handle
func NewClient(handle plugin.Handle, cfg ClientConfig, log *zap.SugaredLogger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		handle: handle,
		cfg:    cfg,
		logger: log.With(
			logger.FieldSelector, handle.Selector,
			logger.FieldInstanceID, handle.InstanceID,
		),
	}
}

// Handle returns the handle the client was built for
func (c *Client) Handle() plugin.Handle {
	return c.handle
}

// HealthCheck asks the worker whether it is serving
func (c *Client) HealthCheck(ctx context.Context) (Health, bool) {
	var status healthpb.HealthCheckResponse_ServingStatus
	err := withConn(ctx, c.handle.Address(), c.cfg.HealthTimeout, func(ctx context.Context, conn *grpc.ClientConn) error {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
			Service: protocol.WorkerServiceName,
		})
		if err != nil {
			return err
		}
		status = resp.GetStatus()
		return nil
	})
	if err != nil {
		c.logger.Debugw("Health check failed", logger.FieldAddress, c.handle.Address(), logger.FieldError, err)
		return "", false
	}

	switch status {
	case healthpb.HealthCheckResponse_SERVING:
		return HealthServing, true
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return HealthTerminate, true
	default:
		c.logger.Debugw("Health check returned unusable status", logger.FieldStatus, status.String())
		return "", false
	}
}

// Submit hands one paragraph to the worker. An ACCEPTED answer without a
// worker job id is reported as ERRORED.
func (c *Client) Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, bool) {
	req.Config = normalizeConfig(req.Config, c.logger)

	var resp protocol.SubmitResponse
	if err := invoke(ctx, c.handle.Address(), protocol.WorkerSubmitMethod, &req, &resp, c.cfg.CallTimeout); err != nil {
		c.logger.Warnw("Submit failed",
			logger.FieldJobID, req.NoteContext.JobID,
			logger.FieldError, err)
		return nil, false
	}

	if resp.Status == protocol.SubmitAccepted && resp.WorkerJobID == "" {
		c.logger.Warnw("Worker accepted a job without a worker job id", logger.FieldJobID, req.NoteContext.JobID)
		resp.Status = protocol.SubmitErrored
	}
	return &resp, true
}

// Cancel asks the worker to stop workerJobID
func (c *Client) Cancel(ctx context.Context, workerJobID string) (protocol.CancelStatus, bool) {
	var resp protocol.CancelResponse
	err := invoke(ctx, c.handle.Address(), protocol.WorkerCancelMethod,
		&protocol.CancelRequest{WorkerJobID: workerJobID}, &resp, c.cfg.CallTimeout)
	if err != nil {
		c.logger.Warnw("Cancel failed", logger.FieldWorkerJobID, workerJobID, logger.FieldError, err)
		return "", false
	}
	return resp.Status, true
}

// ForceStop asks the worker to shut down. When that call fails and the
// process id is known, the process is terminated directly. Errors are
// logged and otherwise ignored.
func (c *Client) ForceStop(ctx context.Context) {
	if c.handle.Host != "" {
		err := invoke(ctx, c.handle.Address(), protocol.WorkerShutdownMethod,
			&protocol.ShutdownRequest{}, &protocol.Empty{}, c.cfg.CallTimeout)
		if err == nil {
			c.logger.Infow("Worker shutdown requested")
			return
		}
		c.logger.Debugw("Shutdown call failed", logger.FieldError, err)
	}

	if c.handle.PID > 0 {
		terminateProcess(ctx, c.handle.PID, c.logger)
	}
}

// terminateProcess sends SIGTERM to pid and falls back to SIGKILL
func terminateProcess(ctx context.Context, pid int, log *zap.SugaredLogger) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		log.Debugw("Worker process already gone", logger.FieldPID, pid)
		return
	}

	if err := p.TerminateWithContext(ctx); err != nil {
		log.Warnw("Failed to terminate worker process, killing", logger.FieldPID, pid, logger.FieldError, err)
		if err := p.KillWithContext(ctx); err != nil {
			log.Warnw("Failed to kill worker process", logger.FieldPID, pid, logger.FieldError, err)
			return
		}
	}
	log.Infow("Worker process terminated", logger.FieldPID, pid)
}

// normalizeConfig converts property values into the JSON-compatible types
// structpb accepts. Values it cannot represent are sent as strings.
func normalizeConfig(cfg map[string]interface{}, log *zap.SugaredLogger) map[string]interface{} {
	if len(cfg) == 0 {
		return nil
	}

	fields := make(map[string]*structpb.Value, len(cfg))
	for k, v := range cfg {
		val, err := structpb.NewValue(v)
		if err != nil {
			log.Debugw("Sending property as string", "property", k, logger.FieldError, err)
			val = structpb.NewStringValue(fmt.Sprint(v))
		}
		fields[k] = val
	}
	return (&structpb.Struct{Fields: fields}).AsMap()
}
