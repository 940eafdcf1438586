package dispatch

import (
	"context"
	"encoding/json"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	relaygrpc "github.com/teranos/relay/plugin/grpc"
	"github.com/teranos/relay/pulse/async"
)

var _ relaygrpc.ResultSink = (*Engine)(nil)

// Outcomes of a delivered result
const (
	resultApplied          = "applied"
	resultForcedAbort      = "forced-abort"
	resultUnknownJob       = "unknown-job"
	resultFenced           = "fenced"
	resultInstanceMismatch = "instance-mismatch"
	resultNotActive        = "not-active"
)

// IngestResult is the result-ingestion handler. Anomalies are logged and
// the result is dropped; nothing is reported back to the worker.
func (e *Engine) IngestResult(ctx context.Context, workerJobID, instanceID, payload string) {
	outcome, err := e.ingestResult(ctx, workerJobID, instanceID, payload)
	if err != nil {
		e.logger.Errorw("Failed to ingest result",
			logger.FieldWorkerJobID, workerJobID,
			logger.FieldInstanceID, instanceID,
			logger.FieldError, err)
		outcome = "failed"
	}
	e.metrics.result(outcome)
}

func (e *Engine) ingestResult(ctx context.Context, workerJobID, instanceID, payload string) (string, error) {
	log := e.logger.With(logger.FieldWorkerJobID, workerJobID, logger.FieldInstanceID, instanceID)

	job, err := e.jobs.WaitForWorkerJob(ctx, workerJobID, e.cfg.ResultLookupTimeout)
	if err != nil {
		return "", err
	}
	if job == nil {
		log.Warnw("Dropping result for unknown worker job")
		return resultUnknownJob, nil
	}
	log = log.With(logger.FieldJobID, job.ID, logger.FieldBatchID, job.BatchID)

	if e.isFenced(instanceID) {
		log.Warnw("Dropping result from a dropped worker instance")
		return resultFenced, nil
	}
	if instanceID != "" && job.WorkerInstanceID != "" && instanceID != job.WorkerInstanceID {
		log.Warnw("Dropping result from a different instance than the job's", "job_instance_id", job.WorkerInstanceID)
		return resultInstanceMismatch, nil
	}
	if job.Status != async.JobStatusRunning && job.Status != async.JobStatusAborting {
		log.Warnw("Dropping result for job that is not running", logger.FieldStatus, job.Status)
		return resultNotActive, nil
	}

	batch, err := e.jobs.GetBatch(ctx, job.BatchID)
	if err != nil {
		return "", err
	}

	res := async.ParseResult([]byte(payload))
	outcome := resultApplied

	if batch.Status == async.BatchStatusAborting || batch.Status == async.BatchStatusAborted {
		res.Code = async.ResultAborted
		outcome = resultForcedAbort
	}

	switch res.Code {
	case async.ResultSuccess:
		err = e.jobs.SetSuccessResult(ctx, job.ID, res.JSON())
	case async.ResultAborted:
		err = e.jobs.SetAbortResult(ctx, job.ID, res.JSON())
	default:
		code := async.ErrorCodeWorkerError
		if !json.Valid([]byte(payload)) {
			code = async.ErrorCodeMalformedResult
		}
		err = e.jobs.SetErrorResult(ctx, job.ID, code, res.Message, res.JSON())
	}
	if async.IsInvalidTransition(err) {
		log.Infow("Job finished before its result arrived")
		return resultNotActive, nil
	}
	if err != nil {
		return "", err
	}

	log.Debugw("Result ingested", logger.FieldStatus, res.Code, "outcome", outcome)
	return outcome, nil
}

// AppendPartialOutput stores streamed output of a running job
func (e *Engine) AppendPartialOutput(ctx context.Context, workerJobID, text string) error {
	ok, err := e.jobs.AppendOutput(ctx, workerJobID, text, e.cfg.PartialOutputLimit)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("no running job for worker job %s", workerJobID)
	}
	return nil
}
