package dispatch

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/plugin/grpc/protocol"
	"github.com/teranos/relay/pulse/async"
)

// ProcessAborts carries out the abort of every ABORTING batch
func (e *Engine) ProcessAborts(ctx context.Context) error {
	batches, err := e.jobs.LoadAbortingBatches(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		id := b.ID
		if err := e.safely("abort batch", id, func() error {
			return e.AbortBatch(ctx, id)
		}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// AbortBatch is the abort handler. A batch that is not ABORTING is left
// alone and no worker is called.
func (e *Engine) AbortBatch(ctx context.Context, batchID string) error {
	batch, err := e.jobs.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != async.BatchStatusAborting {
		return nil
	}

	jobs, err := e.jobs.ListJobsForBatch(ctx, batchID)
	if err != nil {
		return err
	}

	var active []*async.Job
	for _, j := range jobs {
		if j.Status == async.JobStatusRunning || j.Status == async.JobStatusAborting {
			active = append(active, j)
		}
	}
	if len(active) == 0 {
		e.logger.Infow("Batch aborted", logger.FieldBatchID, batchID, logger.FieldNoteID, batch.NoteID)
		err := e.jobs.FinalizeBatchAborted(ctx, batchID)
		if async.IsInvalidTransition(err) {
			return nil
		}
		return err
	}

	var result *multierror.Error
	for _, job := range active {
		if err := e.abortJob(ctx, job); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (e *Engine) abortJob(ctx context.Context, job *async.Job) error {
	log := e.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldBatchID, job.BatchID,
		logger.FieldWorkerJobID, job.WorkerJobID)

	if job.Status == async.JobStatusAborting && e.cfg.AbortTimeout > 0 &&
		e.now().Sub(job.UpdatedAt) > e.cfg.AbortTimeout {
		log.Warnw("Worker never confirmed abort, finalizing", "timeout", e.cfg.AbortTimeout.String())
		return e.finishAborted(ctx, job.ID)
	}

	h, ok := e.registry.FindByInstance(plugin.KindInterpreter, job.WorkerInstanceID)
	if !ok {
		log.Debugw("Worker of aborted job is gone", logger.FieldInstanceID, job.WorkerInstanceID)
		return e.finishAborted(ctx, job.ID)
	}

	status, ok := e.clients(h).Cancel(ctx, job.WorkerJobID)
	if ok && status == protocol.CancelAccepted {
		if job.Status == async.JobStatusAborting {
			return nil
		}
		err := e.jobs.SetAbortingState(ctx, job.ID)
		if async.IsInvalidTransition(err) {
			// A result arrived meanwhile
			return nil
		}
		return err
	}

	log.Debugw("Cancel not accepted, finalizing", logger.FieldStatus, status, "reachable", ok)
	return e.finishAborted(ctx, job.ID)
}

func (e *Engine) finishAborted(ctx context.Context, jobID string) error {
	err := e.jobs.SetAbortResult(ctx, jobID, async.OperationAbortedResult().JSON())
	if async.IsInvalidTransition(err) {
		return nil
	}
	return err
}
