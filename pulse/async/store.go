package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/relay/db"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// DefaultPendingLimit caps how many pending jobs one dispatch tick loads
const DefaultPendingLimit = 100

// Store persists jobs and batches. Every transition runs in its own
// transaction and re-derives the owning batch's status before committing.
type Store struct {
	db        *sql.DB
	now       func() time.Time
	bound     *boundNotifier
	events    broadcaster
	noteLocks keyedMutex
}

// NewStore creates a new job store
func NewStore(database *sql.DB) *Store {
	return &Store{
		db:    database,
		now:   time.Now,
		bound: newBoundNotifier(),
	}
}

// SetClock replaces the store's time source (tests)
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ============================================================================
// Batches
// ============================================================================

// PublishBatch creates a batch for noteID with one PENDING job per
// paragraph. It refuses with ErrNoteRunning when the note already has a
// non-terminal batch.
//
// The note is claimed first with a SAVING batch, inserted only if no other
// non-terminal batch exists; the jobs follow in a second transaction. If
// that fails the batch goes HANDLE_ERROR and then ERROR.
func (s *Store) PublishBatch(ctx context.Context, noteID string, paragraphs []Paragraph, user string, roles []string, priority int) (*Batch, error) {
	if noteID == "" {
		return nil, errors.NewInvalidRequestError("note id is required")
	}
	for i, p := range paragraphs {
		if p.ID == "" || p.Selector == "" {
			return nil, errors.NewInvalidRequestError("paragraph %d of note %s needs an id and a selector", i, noteID)
		}
	}

	unlock := s.noteLocks.lock(noteID)
	defer unlock()

	batchID := uuid.NewString()
	now := s.clock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO job_batches (id, note_id, status, priority, user, roles, created_at, updated_at)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM job_batches WHERE note_id = ? AND status IN `+nonTerminalBatchSQL+`
			)`,
			batchID, noteID, BatchStatusSaving, priority, user, encodeRoles(roles), now, now,
			noteID,
		)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return errors.WithDetailf(ErrNoteRunning, "Note: %s", noteID)
			}
			return errors.Wrap(err, "failed to claim note")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to claim note")
		}
		if n == 0 {
			return errors.WithDetailf(ErrNoteRunning, "Note: %s", noteID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	status := BatchStatusPending
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO jobs (id, batch_id, note_id, paragraph_id, position, selector, payload, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return errors.Wrap(err, "failed to prepare job insert")
		}
		defer stmt.Close()

		for i, p := range paragraphs {
			if _, err := stmt.ExecContext(ctx, uuid.NewString(), batchID, noteID, p.ID, i, p.Selector, p.Text, JobStatusPending, now, now); err != nil {
				return errors.Wrapf(err, "failed to insert job for paragraph %s", p.ID)
			}
		}

		var endedAt interface{}
		if len(paragraphs) == 0 {
			status = BatchStatusDone
			endedAt = now
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE job_batches SET status = ?, ended_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			status, endedAt, now, batchID, BatchStatusSaving)
		if err != nil {
			return errors.Wrap(err, "failed to mark batch pending")
		}
		return nil
	})
	if err != nil {
		s.failBatch(context.WithoutCancel(ctx), noteID, batchID)
		return nil, errors.Wrapf(err, "failed to persist jobs for note %s", noteID)
	}

	s.events.publish(Event{Kind: EventBatch, ID: batchID, NoteID: noteID, Status: string(status)})
	return s.GetBatch(ctx, batchID)
}

// failBatch moves a batch whose jobs could not be persisted through
// HANDLE_ERROR to ERROR, releasing the note.
func (s *Store) failBatch(ctx context.Context, noteID, batchID string) {
	now := s.clock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE job_batches SET status = ?, updated_at = ? WHERE id = ?`,
			BatchStatusHandleError, now, batchID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error_code = ?, ended_at = ?, updated_at = ?
			WHERE batch_id = ? AND status IN `+nonTerminalJobSQL,
			JobStatusError, ErrorCodePersistFailed, now, now, batchID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE job_batches SET status = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
			BatchStatusError, now, now, batchID)
		return err
	})
	if err != nil {
		// The batch stays SAVING and keeps the note claimed
		logger.Errorw("Failed to mark batch as errored",
			logger.FieldBatchID, batchID,
			logger.FieldNoteID, noteID,
			"error", err)
	}
}

// NoteIsRunning reports whether noteID has a non-terminal batch
func (s *Store) NoteIsRunning(ctx context.Context, noteID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM job_batches WHERE note_id = ? AND status IN `+nonTerminalBatchSQL+`)`,
		noteID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check whether note %s is running", noteID)
	}
	return exists, nil
}

// ActiveBatch returns the non-terminal batch of noteID, or nil
func (s *Store) ActiveBatch(ctx context.Context, noteID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchSelectColumns+` FROM job_batches b
		WHERE b.note_id = ? AND b.status IN `+nonTerminalBatchSQL+`
		ORDER BY b.created_at DESC LIMIT 1`, noteID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load active batch of note %s", noteID)
	}
	return b, nil
}

// GetBatch retrieves a batch by ID
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchSelectColumns+` FROM job_batches b WHERE b.id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("batch %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get batch %s", id)
	}
	return b, nil
}

// ListBatches returns the most recent batches, optionally for one note
func (s *Store) ListBatches(ctx context.Context, noteID string, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + batchSelectColumns + ` FROM job_batches b`
	var args []interface{}
	if noteID != "" {
		query += ` WHERE b.note_id = ?`
		args = append(args, noteID)
	}
	query += ` ORDER BY b.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batches")
	}
	return scanBatches(rows)
}

// LoadAbortingBatches returns every batch in ABORTING
func (s *Store) LoadAbortingBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchSelectColumns+` FROM job_batches b WHERE b.status = ? ORDER BY b.created_at`,
		BatchStatusAborting)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aborting batches")
	}
	return scanBatches(rows)
}

// RequestAbort moves the non-terminal batch of noteID to ABORTING and
// cancels its jobs that were never dispatched. Requesting an abort of a
// batch already ABORTING returns it unchanged.
func (s *Store) RequestAbort(ctx context.Context, noteID string) (*Batch, error) {
	unlock := s.noteLocks.lock(noteID)
	defer unlock()

	var batch *Batch
	var events []Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+batchSelectColumns+` FROM job_batches b
			WHERE b.note_id = ? AND b.status IN `+nonTerminalBatchSQL+` LIMIT 1`, noteID)
		b, err := scanBatch(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("no active batch for note %s", noteID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to load active batch of note %s", noteID)
		}

		switch b.Status {
		case BatchStatusAborting:
			batch = b
			return nil
		case BatchStatusSaving, BatchStatusHandleError:
			return errors.WithDetailf(ErrInvalidTransition, "batch %s is %s", b.ID, b.Status)
		}

		now := s.clock()
		if _, err := tx.ExecContext(ctx, `UPDATE job_batches SET status = ?, updated_at = ? WHERE id = ?`,
			BatchStatusAborting, now, b.ID); err != nil {
			return errors.Wrapf(err, "failed to mark batch %s aborting", b.ID)
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE jobs SET status = ?, ended_at = ?, updated_at = ?
			WHERE batch_id = ? AND status = ?
			RETURNING id`,
			JobStatusCanceled, now, now, b.ID, JobStatusPending)
		if err != nil {
			return errors.Wrapf(err, "failed to cancel pending jobs of batch %s", b.ID)
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return err
		}
		for _, id := range ids {
			events = append(events, Event{Kind: EventJob, ID: id, BatchID: b.ID, NoteID: noteID, Status: string(JobStatusCanceled)})
		}

		b.Status = BatchStatusAborting
		b.UpdatedAt = now
		batch = b
		events = append(events, Event{Kind: EventBatch, ID: b.ID, NoteID: noteID, Status: string(BatchStatusAborting)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.publish(events...)
	return batch, nil
}

// FinalizeBatchAborted moves an ABORTING batch to ABORTED. Jobs that are
// still PENDING are canceled.
func (s *Store) FinalizeBatchAborted(ctx context.Context, batchID string) error {
	var noteID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, ended_at = ?, updated_at = ?
			WHERE batch_id = ? AND status = ?`,
			JobStatusCanceled, now, now, batchID, JobStatusPending); err != nil {
			return errors.Wrapf(err, "failed to cancel pending jobs of batch %s", batchID)
		}

		err := tx.QueryRowContext(ctx, `
			UPDATE job_batches SET status = ?, ended_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
			RETURNING note_id`,
			BatchStatusAborted, now, now, batchID, BatchStatusAborting).Scan(&noteID)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.WithDetailf(ErrInvalidTransition, "batch %s is not ABORTING", batchID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to finalize batch %s", batchID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.publish(Event{Kind: EventBatch, ID: batchID, NoteID: noteID, Status: string(BatchStatusAborted)})
	return nil
}

// setBatchStatus writes a derived batch status, stamping start and end times
func setBatchStatus(ctx context.Context, tx *sql.Tx, batchID string, status BatchStatus, now time.Time) error {
	var startedAt, endedAt interface{}
	if status == BatchStatusRunning {
		startedAt = now
	}
	if status.IsTerminal() {
		endedAt = now
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE job_batches
		SET status = ?, started_at = COALESCE(started_at, ?), ended_at = ?, updated_at = ?
		WHERE id = ?`,
		status, startedAt, endedAt, now, batchID)
	if err != nil {
		return errors.Wrapf(err, "failed to set batch %s to %s", batchID, status)
	}
	return nil
}

// deriveBatch recomputes a batch's status from its jobs inside tx
func deriveBatch(ctx context.Context, tx *sql.Tx, batchID string, now time.Time) ([]Event, error) {
	var current BatchStatus
	var noteID string
	if err := tx.QueryRowContext(ctx, `SELECT status, note_id FROM job_batches WHERE id = ?`, batchID).
		Scan(&current, &noteID); err != nil {
		return nil, errors.Wrapf(err, "failed to load batch %s", batchID)
	}

	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count jobs of batch %s", batchID)
	}
	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job counts")
	}

	next := deriveBatchStatus(current, counts)
	if next == current {
		return nil, nil
	}
	if err := setBatchStatus(ctx, tx, batchID, next, now); err != nil {
		return nil, err
	}
	return []Event{{Kind: EventBatch, ID: batchID, NoteID: noteID, Status: string(next)}}, nil
}

// ============================================================================
// Jobs
// ============================================================================

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM jobs j WHERE j.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobsForBatch returns a batch's jobs in paragraph order
func (s *Store) ListJobsForBatch(ctx context.Context, batchID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobSelectColumns+` FROM jobs j WHERE j.batch_id = ? ORDER BY j.position`, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs of batch %s", batchID)
	}
	return scanJobs(rows)
}

// LoadPendingJobs returns PENDING jobs whose retry time has come, highest
// batch priority first, then oldest batch, then paragraph order.
func (s *Store) LoadPendingJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobSelectColumns+`
		FROM jobs j
		JOIN job_batches b ON b.id = j.batch_id
		WHERE j.status = ?
		  AND b.status IN (?, ?)
		  AND (j.next_attempt_at IS NULL OR j.next_attempt_at <= ?)
		ORDER BY b.priority DESC, b.created_at, j.position
		LIMIT ?`,
		JobStatusPending, BatchStatusPending, BatchStatusRunning, s.clock(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pending jobs")
	}
	return scanJobs(rows)
}

// CountJobsByStatus returns the number of jobs per status
func (s *Store) CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// jobTransition describes one guarded job status change
type jobTransition struct {
	to   JobStatus
	from []JobStatus
	// set returns extra "col = ?" assignments and their arguments
	set func(now time.Time) (string, []interface{})
}

// transitionJob applies t to jobID and re-derives the batch, all in one
// transaction. It fails with ErrInvalidTransition if the job is not in one
// of t.from.
func (s *Store) transitionJob(ctx context.Context, jobID string, t jobTransition) (*Job, error) {
	var job *Job
	var events []Event

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()

		query := `UPDATE jobs SET status = ?, updated_at = ?`
		args := []interface{}{t.to, now}
		if t.set != nil {
			extra, extraArgs := t.set(now)
			query += ", " + extra
			args = append(args, extraArgs...)
		}
		query += ` WHERE id = ? AND status IN (` + placeholders(len(t.from)) + `)`
		args = append(args, jobID)
		for _, f := range t.from {
			args = append(args, f)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "failed to move job %s to %s", jobID, t.to)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrapf(err, "failed to move job %s to %s", jobID, t.to)
		}

		job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM jobs j WHERE j.id = ?`, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("job %s", jobID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to reload job %s", jobID)
		}

		if n == 0 {
			return errors.WithDetailf(ErrInvalidTransition, "job %s is %s, cannot move to %s", jobID, job.Status, t.to)
		}

		batchEvents, err := deriveBatch(ctx, tx, job.BatchID, now)
		if err != nil {
			return err
		}

		events = append(events, Event{Kind: EventJob, ID: job.ID, BatchID: job.BatchID, NoteID: job.NoteID, Status: string(t.to)})
		events = append(events, batchEvents...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.publish(events...)
	return job, nil
}

// SetRunningState binds a PENDING job to a worker instance and worker job id
func (s *Store) SetRunningState(ctx context.Context, jobID, instanceID, workerJobID string) error {
	_, err := s.transitionJob(ctx, jobID, jobTransition{
		to:   JobStatusRunning,
		from: []JobStatus{JobStatusPending},
		set: func(now time.Time) (string, []interface{}) {
			return `worker_instance_id = ?, worker_job_id = ?, started_at = ?, dispatch_attempts = 0, next_attempt_at = NULL`,
				[]interface{}{instanceID, workerJobID, now}
		},
	})
	if err != nil {
		return err
	}

	s.bound.notify(workerJobID)
	return nil
}

// SetAbortingState marks a RUNNING job whose cancellation was accepted
func (s *Store) SetAbortingState(ctx context.Context, jobID string) error {
	_, err := s.transitionJob(ctx, jobID, jobTransition{
		to:   JobStatusAborting,
		from: []JobStatus{JobStatusRunning},
	})
	return err
}

// SetSuccessResult finishes a RUNNING or ABORTING job as DONE
func (s *Store) SetSuccessResult(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := s.transitionJob(ctx, jobID, jobTransition{
		to:   JobStatusDone,
		from: []JobStatus{JobStatusRunning, JobStatusAborting},
		set:  finishWith(result, "", ""),
	})
	return err
}

// SetAbortResult finishes a non-terminal job as ABORTED
func (s *Store) SetAbortResult(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := s.transitionJob(ctx, jobID, jobTransition{
		to:   JobStatusAborted,
		from: []JobStatus{JobStatusPending, JobStatusRunning, JobStatusAborting},
		set:  finishWith(result, "", ""),
	})
	return err
}

// SetErrorResult finishes a non-terminal job as ERROR. A job that is
// already terminal keeps its state and no error is returned, so several
// failing checks may report on the same job.
func (s *Store) SetErrorResult(ctx context.Context, jobID string, code ErrorCode, message string, result json.RawMessage) error {
	_, err := s.transitionJob(ctx, jobID, jobTransition{
		to:   JobStatusError,
		from: []JobStatus{JobStatusPending, JobStatusRunning, JobStatusAborting},
		set:  finishWith(result, code, message),
	})
	if IsInvalidTransition(err) {
		return nil
	}
	return err
}

func finishWith(result json.RawMessage, code ErrorCode, message string) func(time.Time) (string, []interface{}) {
	return func(now time.Time) (string, []interface{}) {
		var res, c, msg interface{}
		if len(result) > 0 {
			res = string(result)
		}
		if code != "" {
			c = string(code)
		}
		if message != "" {
			msg = message
		}
		return `result = ?, error_code = ?, error_message = ?, ended_at = ?, next_attempt_at = NULL`,
			[]interface{}{res, c, msg, now}
	}
}

// RecordDispatchFailure counts a failed submit of a PENDING job and defers
// its next attempt. It returns the number of failed attempts so far.
func (s *Store) RecordDispatchFailure(ctx context.Context, jobID string, nextAttempt time.Time) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET dispatch_attempts = dispatch_attempts + 1, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING dispatch_attempts`,
		nextAttempt.UTC(), s.clock(), jobID, JobStatusPending).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.WithDetailf(ErrInvalidTransition, "job %s is not PENDING", jobID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to record dispatch failure of job %s", jobID)
	}
	return attempts, nil
}

// DeferDispatch pushes back the next attempt of a PENDING job without
// counting a failure. Used when a worker turns a job down for capacity.
func (s *Store) DeferDispatch(ctx context.Context, jobID string, nextAttempt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		nextAttempt.UTC(), s.clock(), jobID, JobStatusPending)
	if err != nil {
		return errors.Wrapf(err, "failed to defer dispatch of job %s", jobID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.WithDetailf(ErrInvalidTransition, "job %s is not PENDING", jobID)
	}
	return nil
}

// ResetOrphanedJobs moves every RUNNING job whose worker instance is not in
// alive back to PENDING, in a single statement. A job without an instance
// counts as the sentinel, which is always alive. Instance ids are kept for
// audit. Returns the number of jobs reset.
func (s *Store) ResetOrphanedJobs(ctx context.Context, alive []string) (int, error) {
	ids := make([]interface{}, 0, len(alive)+1)
	hasSentinel := false
	for _, id := range alive {
		if id == SentinelInstanceID {
			hasSentinel = true
		}
		ids = append(ids, id)
	}
	if !hasSentinel {
		ids = append(ids, SentinelInstanceID)
	}

	now := s.clock()
	args := append([]interface{}{JobStatusPending, now, JobStatusRunning}, ids...)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = ?, next_attempt_at = NULL, updated_at = ?
		WHERE status = ?
		  AND COALESCE(worker_instance_id, '`+SentinelInstanceID+`') NOT IN (`+placeholders(len(ids))+`)
		RETURNING id, batch_id, note_id`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset orphaned jobs")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev := Event{Kind: EventJob, Status: string(JobStatusPending)}
		if err := rows.Scan(&ev.ID, &ev.BatchID, &ev.NoteID); err != nil {
			return 0, errors.Wrap(err, "failed to scan reset job")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to reset orphaned jobs")
	}

	s.events.publish(events...)
	return len(events), nil
}

// AppendOutput appends streamed output to the RUNNING or ABORTING job bound
// to workerJobID. With limit > 0 only the last limit characters are kept.
// Returns false if no such job exists.
func (s *Store) AppendOutput(ctx context.Context, workerJobID, text string, limit int) (bool, error) {
	set := `output = output || ?`
	args := []interface{}{text}
	if limit > 0 {
		set = `output = substr(output || ?, -?)`
		args = append(args, limit)
	}
	args = append(args, workerJobID, JobStatusRunning, JobStatusAborting)

	var ev Event
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET `+set+`
		WHERE worker_job_id = ? AND status IN (?, ?)
		RETURNING id, batch_id, note_id`, args...).Scan(&ev.ID, &ev.BatchID, &ev.NoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to append output for worker job %s", workerJobID)
	}

	ev.Kind = EventOutput
	ev.Text = text
	s.events.publish(ev)
	return true, nil
}

// FindJobByWorkerJobID returns the job bound to workerJobID, or nil
func (s *Store) FindJobByWorkerJobID(ctx context.Context, workerJobID string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobSelectColumns+` FROM jobs j WHERE j.worker_job_id = ? ORDER BY j.updated_at DESC LIMIT 1`,
		workerJobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find job for worker job %s", workerJobID)
	}
	return job, nil
}

// WaitForWorkerJob returns the job bound to workerJobID, waiting up to
// timeout for SetRunningState to bind it. Returns nil when the timeout
// passes without a binding.
func (s *Store) WaitForWorkerJob(ctx context.Context, workerJobID string, timeout time.Duration) (*Job, error) {
	// Register before looking so a binding between the lookup and the
	// wait is not missed.
	bound, cancel := s.bound.wait(workerJobID)
	defer cancel()

	job, err := s.FindJobByWorkerJobID(ctx, workerJobID)
	if err != nil || job != nil {
		return job, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-bound:
		return s.FindJobByWorkerJobID(ctx, workerJobID)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "stopped waiting for worker job %s", workerJobID)
	}
}

// ============================================================================
// helpers
// ============================================================================

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// keyedMutex serializes work per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
