package async

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/relay/errors"
)

// jobScanArgs holds the nullable columns of a job row
type jobScanArgs struct {
	WorkerInstanceID sql.NullString
	WorkerJobID      sql.NullString
	Result           sql.NullString
	ErrorCode        sql.NullString
	ErrorMessage     sql.NullString
	NextAttemptAt    sql.NullTime
	StartedAt        sql.NullTime
	EndedAt          sql.NullTime
}

// jobSelectColumns is the column list every job SELECT uses, in scan order.
// Queries that join job_batches alias jobs as j.
const jobSelectColumns = `j.id, j.batch_id, j.note_id, j.paragraph_id, j.position,
		j.selector, j.payload, j.status,
		j.worker_instance_id, j.worker_job_id,
		j.result, j.error_code, j.error_message, j.output,
		j.dispatch_attempts, j.next_attempt_at,
		j.created_at, j.started_at, j.ended_at, j.updated_at`

func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.BatchID,
		&job.NoteID,
		&job.ParagraphID,
		&job.Position,
		&job.Selector,
		&job.Payload,
		&job.Status,
		&args.WorkerInstanceID,
		&args.WorkerJobID,
		&args.Result,
		&args.ErrorCode,
		&args.ErrorMessage,
		&job.Output,
		&job.DispatchAttempts,
		&args.NextAttemptAt,
		&job.CreatedAt,
		&args.StartedAt,
		&args.EndedAt,
		&job.UpdatedAt,
	}
}

func (args *jobScanArgs) apply(job *Job) {
	job.WorkerInstanceID = args.WorkerInstanceID.String
	job.WorkerJobID = args.WorkerJobID.String
	if args.Result.Valid && args.Result.String != "" {
		job.Result = json.RawMessage(args.Result.String)
	}
	job.ErrorCode = ErrorCode(args.ErrorCode.String)
	job.ErrorMessage = args.ErrorMessage.String
	if args.NextAttemptAt.Valid {
		t := args.NextAttemptAt.Time
		job.NextAttemptAt = &t
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.EndedAt.Valid {
		t := args.EndedAt.Time
		job.EndedAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(jobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// batchSelectColumns is the column list every batch SELECT uses, in scan order
const batchSelectColumns = `b.id, b.note_id, b.status, b.priority, b.user, b.roles,
		b.created_at, b.started_at, b.ended_at, b.updated_at`

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var roles string
	var startedAt, endedAt sql.NullTime

	if err := row.Scan(&b.ID, &b.NoteID, &b.Status, &b.Priority, &b.User, &roles,
		&b.CreatedAt, &startedAt, &endedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	if roles != "" {
		if err := json.Unmarshal([]byte(roles), &b.Roles); err != nil {
			return nil, errors.Wrapf(err, "failed to decode roles of batch %s", b.ID)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		b.EndedAt = &t
	}
	return &b, nil
}

func scanBatches(rows *sql.Rows) ([]*Batch, error) {
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan batch")
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate batches")
	}
	return batches, nil
}

func encodeRoles(roles []string) string {
	if len(roles) == 0 {
		return "[]"
	}
	data, err := json.Marshal(roles)
	if err != nil {
		return "[]"
	}
	return string(data)
}
