// Package async holds the persisted side of job dispatch: jobs, the batches
// that group them, their state machines and the store that transitions them.
package async

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending  JobStatus = "PENDING"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusAborting JobStatus = "ABORTING"
	JobStatusDone     JobStatus = "DONE"
	JobStatusError    JobStatus = "ERROR"
	JobStatusAborted  JobStatus = "ABORTED"
	JobStatusCanceled JobStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusError, JobStatusAborted, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusAborting,
		JobStatusDone, JobStatusError, JobStatusAborted, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// BatchStatus represents the current state of a batch
type BatchStatus string

const (
	BatchStatusPending  BatchStatus = "PENDING"
	BatchStatusRunning  BatchStatus = "RUNNING"
	BatchStatusDone     BatchStatus = "DONE"
	BatchStatusError    BatchStatus = "ERROR"
	BatchStatusAborting BatchStatus = "ABORTING"
	BatchStatusAborted  BatchStatus = "ABORTED"

	// BatchStatusSaving marks a batch that has claimed its note but whose
	// jobs are not persisted yet.
	BatchStatusSaving BatchStatus = "SAVING"
	// BatchStatusHandleError marks a batch whose jobs failed to persist. It
	// is finalized ERROR right after.
	BatchStatusHandleError BatchStatus = "HANDLE_ERROR"
)

// IsTerminal reports whether the batch is finished
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusDone, BatchStatusError, BatchStatusAborted:
		return true
	default:
		return false
	}
}

// nonTerminalBatchSQL lists batch statuses that hold a note
const nonTerminalBatchSQL = `('PENDING', 'RUNNING', 'ABORTING', 'SAVING', 'HANDLE_ERROR')`

// nonTerminalJobSQL lists job statuses that may still transition
const nonTerminalJobSQL = `('PENDING', 'RUNNING', 'ABORTING')`

// SentinelInstanceID stands for "not bound to any worker yet". It is always
// part of the alive set so unbound jobs are never reset by reconciliation.
const SentinelInstanceID = "__DEFAULT__"

// Batch priorities. Higher dispatches first.
const (
	PriorityCron        = 0
	PriorityInteractive = 1
)

// Paragraph is one executable unit of a note, as handed in by the note source
type Paragraph struct {
	ID       string `json:"id" yaml:"id"`
	Selector string `json:"selector" yaml:"selector"`
	Text     string `json:"text" yaml:"text"`
}

// Job is one paragraph in one run of a note
type Job struct {
	ID               string          `json:"id"`
	BatchID          string          `json:"batch_id"`
	NoteID           string          `json:"note_id"`
	ParagraphID      string          `json:"paragraph_id"`
	Position         int             `json:"position"`
	Selector         string          `json:"selector"`
	Payload          string          `json:"payload"`
	Status           JobStatus       `json:"status"`
	WorkerInstanceID string          `json:"worker_instance_id,omitempty"`
	WorkerJobID      string          `json:"worker_job_id,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorCode        ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Output           string          `json:"output,omitempty"`
	DispatchAttempts int             `json:"dispatch_attempts,omitempty"`
	NextAttemptAt    *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Batch is the set of jobs created by one submission of a note
type Batch struct {
	ID        string      `json:"id"`
	NoteID    string      `json:"note_id"`
	Status    BatchStatus `json:"status"`
	Priority  int         `json:"priority"`
	User      string      `json:"user,omitempty"`
	Roles     []string    `json:"roles,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// deriveBatchStatus computes a batch's status from the statuses of its
// jobs. It runs after every job transition, inside the same transaction.
func deriveBatchStatus(current BatchStatus, counts map[JobStatus]int) BatchStatus {
	if current.IsTerminal() || current == BatchStatusSaving || current == BatchStatusHandleError {
		return current
	}

	pending := counts[JobStatusPending]
	active := counts[JobStatusRunning] + counts[JobStatusAborting]
	errored := counts[JobStatusError]
	aborted := counts[JobStatusAborted] + counts[JobStatusCanceled]
	terminal := counts[JobStatusDone] + errored + aborted
	nonTerminal := pending + active

	if current == BatchStatusAborting {
		if nonTerminal == 0 {
			return BatchStatusAborted
		}
		return BatchStatusAborting
	}

	if terminal+nonTerminal == 0 {
		return current
	}

	if nonTerminal == 0 {
		switch {
		case errored > 0:
			return BatchStatusError
		case aborted > 0:
			return BatchStatusAborted
		default:
			return BatchStatusDone
		}
	}

	if active > 0 || (terminal > 0 && pending > 0) {
		return BatchStatusRunning
	}

	return current
}
