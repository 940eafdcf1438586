package dispatch

import (
	"context"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/async"
)

// SubmitRun publishes an interactive batch for note. It fails with
// async.ErrNoteRunning while the note has a batch that is not finished.
func (e *Engine) SubmitRun(ctx context.Context, noteID string, paragraphs []async.Paragraph, user string, roles []string) (*async.Batch, error) {
	batch, err := e.jobs.PublishBatch(ctx, noteID, paragraphs, user, roles, async.PriorityInteractive)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Run submitted",
		logger.FieldNoteID, noteID,
		logger.FieldBatchID, batch.ID,
		logger.FieldUser, user,
		logger.FieldCount, len(paragraphs))
	return batch, nil
}

// SubmitNote reads note from the note source and submits it
func (e *Engine) SubmitNote(ctx context.Context, noteID, user string, roles []string) (*async.Batch, error) {
	if e.notes == nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "no note source configured")
	}
	paragraphs, err := e.notes.Paragraphs(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return e.SubmitRun(ctx, noteID, paragraphs, user, roles)
}

// AbortRun moves the note's unfinished batch to ABORTING and cancels its
// jobs that were never dispatched. Workers are asked to stop the rest on
// the next abort tick.
func (e *Engine) AbortRun(ctx context.Context, noteID string) (*async.Batch, error) {
	batch, err := e.jobs.RequestAbort(ctx, noteID)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Run abort requested", logger.FieldNoteID, noteID, logger.FieldBatchID, batch.ID)
	return batch, nil
}
