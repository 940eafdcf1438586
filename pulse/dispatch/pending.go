package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/plugin/grpc/protocol"
	"github.com/teranos/relay/pulse/async"
)

// DispatchPending hands PENDING jobs to READY workers and starts workers
// that are not running. Each job is handled on its own: a failure or panic
// is collected and the tick moves on.
func (e *Engine) DispatchPending(ctx context.Context) error {
	jobs, err := e.jobs.LoadPendingJobs(ctx, e.cfg.PendingLimit)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		job := job
		if err := e.safely("dispatch job", job.ID, func() error {
			return e.dispatchJob(ctx, job)
		}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (e *Engine) dispatchJob(ctx context.Context, job *async.Job) error {
	cfg, found := e.workers.Lookup(job.Selector)

	h, ok := e.registry.Get(plugin.KindInterpreter, job.Selector)
	switch {
	case !ok:
		return e.startWorker(ctx, job, cfg, found)
	case !h.IsReady():
		// Still starting; try again once it registered
		return nil
	default:
		return e.submitJob(ctx, job, h, cfg)
	}
}

// submitJob is the pending-dispatch handler: it submits job to the READY
// worker behind h.
func (e *Engine) submitJob(ctx context.Context, job *async.Job, h plugin.Handle, cfg plugin.WorkerConfig) error {
	req := protocol.SubmitRequest{
		Payload: job.Payload,
		NoteContext: protocol.NoteContext{
			NoteID:      job.NoteID,
			ParagraphID: job.ParagraphID,
			JobID:       job.ID,
			BatchID:     job.BatchID,
		},
		UserContext: protocol.UserContext{},
		Config:      cfg.FlattenProperties(),
	}

	client := e.clients(h)
	resp, ok := client.Submit(ctx, req)
	if !ok {
		e.metrics.dispatch(job.Selector, "unreachable")
		return e.deferDispatch(ctx, job, "worker unreachable")
	}

	switch resp.Status {
	case protocol.SubmitAccepted:
		err := e.jobs.SetRunningState(ctx, job.ID, h.InstanceID, resp.WorkerJobID)
		if async.IsInvalidTransition(err) {
			// Aborted while the submit was in flight
			e.logger.Infow("Job left PENDING during submit, canceling on worker",
				logger.FieldJobID, job.ID,
				logger.FieldWorkerJobID, resp.WorkerJobID)
			client.Cancel(ctx, resp.WorkerJobID)
			return nil
		}
		if err != nil {
			return err
		}
		e.metrics.dispatch(job.Selector, "accepted")
		e.logger.Debugw("Job dispatched",
			logger.FieldJobID, job.ID,
			logger.FieldSelector, job.Selector,
			logger.FieldInstanceID, h.InstanceID,
			logger.FieldWorkerJobID, resp.WorkerJobID)
		return nil
	case protocol.SubmitDeclined:
		e.metrics.dispatch(job.Selector, "declined")
		return e.waitForCapacity(ctx, job, resp.Message)
	default:
		e.metrics.dispatch(job.Selector, "errored")
		return e.deferDispatch(ctx, job, "worker errored: "+resp.Message)
	}
}

// deferDispatch leaves job PENDING and schedules its next attempt with
// exponential backoff. A job that ran out of attempts ends in ERROR.
func (e *Engine) deferDispatch(ctx context.Context, job *async.Job, reason string) error {
	attempt := job.DispatchAttempts + 1
	next := e.now().Add(e.retryDelay(attempt))

	attempts, err := e.jobs.RecordDispatchFailure(ctx, job.ID, next)
	if async.IsInvalidTransition(err) {
		return nil
	}
	if err != nil {
		return err
	}

	log := e.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldSelector, job.Selector,
		logger.FieldAttempts, attempts)

	if e.cfg.DispatchMaxAttempts > 0 && attempts >= e.cfg.DispatchMaxAttempts {
		log.Warnw("Giving up dispatch", "reason", reason)
		return e.jobs.SetErrorResult(ctx, job.ID, async.ErrorCodeDispatchExhausted,
			"dispatch failed "+strconv.Itoa(attempts)+" times, last: "+reason, nil)
	}

	log.Debugw("Dispatch deferred", "reason", reason, "next_attempt_at", next)
	return nil
}

// waitForCapacity leaves job PENDING after a worker declined it. A busy
// worker is not a failing one, so the attempt is not counted.
func (e *Engine) waitForCapacity(ctx context.Context, job *async.Job, message string) error {
	next := e.now().Add(e.retryDelay(job.DispatchAttempts + 1))
	err := e.jobs.DeferDispatch(ctx, job.ID, next)
	if async.IsInvalidTransition(err) {
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Debugw("Worker declined job",
		logger.FieldJobID, job.ID,
		logger.FieldSelector, job.Selector,
		"message", message,
		"next_attempt_at", next)
	return nil
}

// retryDelay returns the backoff before dispatch attempt n+1
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if e.cfg.DispatchBackoffInitial > 0 {
		b.InitialInterval = e.cfg.DispatchBackoffInitial
	}
	if e.cfg.DispatchBackoffMax > 0 {
		b.MaxInterval = e.cfg.DispatchBackoffMax
	}
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
