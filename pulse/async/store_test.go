package async

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/db"
	"github.com/teranos/relay/errors"
	relaytest "github.com/teranos/relay/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(relaytest.CreateMigratedTestDB(t))
}

func paragraphs(selectors ...string) []Paragraph {
	out := make([]Paragraph, len(selectors))
	for i, sel := range selectors {
		out[i] = Paragraph{ID: "p" + string(rune('1'+i)), Selector: sel, Text: "print(" + sel + ")"}
	}
	return out
}

func publish(t *testing.T, s *Store, noteID string, selectors ...string) (*Batch, []*Job) {
	t.Helper()
	ctx := context.Background()

	batch, err := s.PublishBatch(ctx, noteID, paragraphs(selectors...), "ada", []string{"dev"}, PriorityInteractive)
	require.NoError(t, err)
	jobs, err := s.ListJobsForBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, jobs, len(selectors))
	return batch, jobs
}

func batchStatus(t *testing.T, s *Store, id string) BatchStatus {
	t.Helper()
	b, err := s.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func jobStatus(t *testing.T, s *Store, id string) JobStatus {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

func TestPublishBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch, jobs := publish(t, s, "note-1", "py.default", "sh.default")

	assert.Equal(t, BatchStatusPending, batch.Status)
	assert.Equal(t, "note-1", batch.NoteID)
	assert.Equal(t, PriorityInteractive, batch.Priority)
	assert.Equal(t, []string{"dev"}, batch.Roles)

	for i, job := range jobs {
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Equal(t, i, job.Position)
		assert.Equal(t, batch.ID, job.BatchID)
		assert.Empty(t, job.WorkerInstanceID)
	}
	assert.Equal(t, "py.default", jobs[0].Selector)
	assert.Equal(t, "print(py.default)", jobs[0].Payload)

	running, err := s.NoteIsRunning(ctx, "note-1")
	require.NoError(t, err)
	assert.True(t, running)

	active, err := s.ActiveBatch(ctx, "note-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, batch.ID, active.ID)
}

func TestPublishBatch_EmptyNoteIsDone(t *testing.T) {
	s := newTestStore(t)

	batch, err := s.PublishBatch(context.Background(), "empty", nil, "", nil, PriorityInteractive)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusDone, batch.Status)
	assert.NotNil(t, batch.EndedAt)

	running, err := s.NoteIsRunning(context.Background(), "empty")
	require.NoError(t, err)
	assert.False(t, running, "an empty note must not hold the note")
}

func TestPublishBatch_RejectsSecondRun(t *testing.T) {
	s := newTestStore(t)
	publish(t, s, "note-1", "py.default")

	_, err := s.PublishBatch(context.Background(), "note-1", paragraphs("py.default"), "", nil, PriorityInteractive)
	require.Error(t, err)
	assert.True(t, IsNoteRunning(err))
	assert.True(t, errors.IsConflictError(err))

	batches, err := s.ListBatches(context.Background(), "note-1", 0)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestPublishBatch_AllowsRunAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, jobs := publish(t, s, "note-1", "py.default")
	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))
	require.NoError(t, s.SetSuccessResult(ctx, jobs[0].ID, Result{Code: ResultSuccess}.JSON()))
	assert.Equal(t, BatchStatusDone, batchStatus(t, s, first.ID))

	second, _ := publish(t, s, "note-1", "py.default")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPublishBatch_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PublishBatch(ctx, "", paragraphs("py.default"), "", nil, 0)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = s.PublishBatch(ctx, "note-1", []Paragraph{{ID: "p1"}}, "", nil, 0)
	assert.True(t, errors.IsInvalidRequestError(err))
}

// Concurrent submissions of the same note race on a file database with a
// connection pool, so the note claim is contended for real.
func TestPublishBatch_ConcurrentSubmissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	database, err := db.OpenWithMigrations(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	s := NewStore(database)

	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PublishBatch(context.Background(), "note-race", paragraphs("py.default", "py.default"), "", nil, PriorityInteractive)
			switch {
			case err == nil:
				succeeded.Add(1)
			case IsNoteRunning(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded.Load())
	assert.EqualValues(t, 9, rejected.Load())

	batches, err := s.ListBatches(context.Background(), "note-race", 0)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestJobTransitions_DeriveBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch, jobs := publish(t, s, "note-1", "py.default", "py.default", "sh.default")

	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))
	assert.Equal(t, BatchStatusRunning, batchStatus(t, s, batch.ID))

	b, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.NotNil(t, b.StartedAt)

	job, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", job.WorkerInstanceID)
	assert.Equal(t, "wj-1", job.WorkerJobID)
	assert.NotNil(t, job.StartedAt)

	require.NoError(t, s.SetSuccessResult(ctx, jobs[0].ID, Result{Code: ResultSuccess, Output: "ok"}.JSON()))
	assert.Equal(t, BatchStatusRunning, batchStatus(t, s, batch.ID), "pending jobs keep the batch running")

	require.NoError(t, s.SetRunningState(ctx, jobs[1].ID, "inst-1", "wj-2"))
	require.NoError(t, s.SetRunningState(ctx, jobs[2].ID, "inst-2", "wj-3"))
	require.NoError(t, s.SetSuccessResult(ctx, jobs[1].ID, nil))
	require.NoError(t, s.SetErrorResult(ctx, jobs[2].ID, ErrorCodeWorkerError, "exit 1", Result{Code: ResultError}.JSON()))

	b, err = s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusError, b.Status)
	assert.NotNil(t, b.EndedAt)

	failed, err := s.GetJob(ctx, jobs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeWorkerError, failed.ErrorCode)
	assert.Equal(t, "exit 1", failed.ErrorMessage)
	assert.Equal(t, ResultError, ParseResult(failed.Result).Code)
	assert.NotNil(t, failed.EndedAt)
}

func TestJobTransitions_Guarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, jobs := publish(t, s, "note-1", "py.default")
	id := jobs[0].ID

	err := s.SetSuccessResult(ctx, id, nil)
	assert.True(t, IsInvalidTransition(err), "PENDING cannot finish as DONE")

	err = s.SetAbortingState(ctx, id)
	assert.True(t, IsInvalidTransition(err), "only RUNNING jobs can start aborting")

	require.NoError(t, s.SetRunningState(ctx, id, "inst-1", "wj-1"))
	err = s.SetRunningState(ctx, id, "inst-2", "wj-2")
	assert.True(t, IsInvalidTransition(err))

	require.NoError(t, s.SetSuccessResult(ctx, id, nil))
	err = s.SetAbortResult(ctx, id, OperationAbortedResult().JSON())
	assert.True(t, IsInvalidTransition(err), "terminal jobs stay terminal")
	assert.Equal(t, JobStatusDone, jobStatus(t, s, id))

	_, err = s.GetJob(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
	err = s.SetAbortingState(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSetErrorResult_TerminalJobIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, jobs := publish(t, s, "note-1", "py.default")
	id := jobs[0].ID
	require.NoError(t, s.SetRunningState(ctx, id, "inst-1", "wj-1"))
	require.NoError(t, s.SetSuccessResult(ctx, id, nil))

	require.NoError(t, s.SetErrorResult(ctx, id, ErrorCodeWorkerDisabled, "disabled", nil))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Empty(t, job.ErrorCode)
}

func TestRequestAbort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch, jobs := publish(t, s, "note-1", "py.default", "py.default", "py.default")
	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))

	aborting, err := s.RequestAbort(ctx, "note-1")
	require.NoError(t, err)
	assert.Equal(t, batch.ID, aborting.ID)
	assert.Equal(t, BatchStatusAborting, aborting.Status)

	assert.Equal(t, JobStatusRunning, jobStatus(t, s, jobs[0].ID), "running jobs wait for the abort handler")
	assert.Equal(t, JobStatusCanceled, jobStatus(t, s, jobs[1].ID))
	assert.Equal(t, JobStatusCanceled, jobStatus(t, s, jobs[2].ID))

	again, err := s.RequestAbort(ctx, "note-1")
	require.NoError(t, err)
	assert.Equal(t, BatchStatusAborting, again.Status)

	listed, err := s.LoadAbortingBatches(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, batch.ID, listed[0].ID)

	// the note stays held until the batch finalizes
	_, err = s.PublishBatch(ctx, "note-1", paragraphs("py.default"), "", nil, PriorityInteractive)
	assert.True(t, IsNoteRunning(err))

	require.NoError(t, s.SetAbortingState(ctx, jobs[0].ID))
	require.NoError(t, s.SetAbortResult(ctx, jobs[0].ID, OperationAbortedResult().JSON()))
	assert.Equal(t, BatchStatusAborted, batchStatus(t, s, batch.ID))

	running, err := s.NoteIsRunning(ctx, "note-1")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRequestAbort_NoActiveBatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RequestAbort(context.Background(), "nobody")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestFinalizeBatchAborted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch, jobs := publish(t, s, "note-1", "py.default")

	err := s.FinalizeBatchAborted(ctx, batch.ID)
	assert.True(t, IsInvalidTransition(err), "only ABORTING batches finalize")

	_, err = s.RequestAbort(ctx, "note-1")
	require.NoError(t, err)
	require.NoError(t, s.FinalizeBatchAborted(ctx, batch.ID))

	b, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusAborted, b.Status)
	assert.NotNil(t, b.EndedAt)
	assert.Equal(t, JobStatusCanceled, jobStatus(t, s, jobs[0].ID))
}

func TestResetOrphanedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, jobs := publish(t, s, "note-1", "py.default", "py.default", "py.default", "py.default")
	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-alive", "wj-1"))
	require.NoError(t, s.SetRunningState(ctx, jobs[1].ID, "inst-dead", "wj-2"))
	require.NoError(t, s.SetRunningState(ctx, jobs[2].ID, SentinelInstanceID, "wj-3"))

	n, err := s.ResetOrphanedJobs(ctx, []string{"inst-alive"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, JobStatusRunning, jobStatus(t, s, jobs[0].ID))
	assert.Equal(t, JobStatusPending, jobStatus(t, s, jobs[1].ID))
	assert.Equal(t, JobStatusRunning, jobStatus(t, s, jobs[2].ID), "the sentinel is always alive")
	assert.Equal(t, JobStatusPending, jobStatus(t, s, jobs[3].ID))

	reset, err := s.GetJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "inst-dead", reset.WorkerInstanceID, "instance id kept for audit")

	n, err = s.ResetOrphanedJobs(ctx, []string{"inst-alive"})
	require.NoError(t, err)
	assert.Zero(t, n, "resetting twice changes nothing")
}

// After a restart no worker survives, so every RUNNING job bound to a real
// instance goes back to PENDING and is dispatched again.
func TestResetOrphanedJobs_StartupRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch, jobs := publish(t, s, "note-1", "py.default", "py.default")
	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))
	require.NoError(t, s.SetRunningState(ctx, jobs[1].ID, "inst-1", "wj-2"))

	n, err := s.ResetOrphanedJobs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := s.LoadPendingJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, BatchStatusRunning, batchStatus(t, s, batch.ID))

	// a reset job can be bound again
	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-2", "wj-4"))
}

func TestLoadPendingJobs_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	cron, err := s.PublishBatch(ctx, "cron-note", paragraphs("py.default"), "", nil, PriorityCron)
	require.NoError(t, err)
	now = base.Add(time.Second)
	first, err := s.PublishBatch(ctx, "a", paragraphs("py.default", "sh.default"), "", nil, PriorityInteractive)
	require.NoError(t, err)
	now = base.Add(2 * time.Second)
	second, err := s.PublishBatch(ctx, "b", paragraphs("py.default"), "", nil, PriorityInteractive)
	require.NoError(t, err)

	pending, err := s.LoadPendingJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	assert.Equal(t, first.ID, pending[0].BatchID)
	assert.Equal(t, 0, pending[0].Position)
	assert.Equal(t, first.ID, pending[1].BatchID)
	assert.Equal(t, 1, pending[1].Position)
	assert.Equal(t, second.ID, pending[2].BatchID)
	assert.Equal(t, cron.ID, pending[3].BatchID, "cron batches dispatch after interactive ones")

	limited, err := s.LoadPendingJobs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecordDispatchFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_, jobs := publish(t, s, "note-1", "py.default")
	id := jobs[0].ID

	attempts, err := s.RecordDispatchFailure(ctx, id, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	pending, err := s.LoadPendingJobs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "job waits for its next attempt")

	now = now.Add(31 * time.Second)
	pending, err = s.LoadPendingJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].NextAttemptAt)

	attempts, err = s.RecordDispatchFailure(ctx, id, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	require.NoError(t, s.SetRunningState(ctx, id, "inst-1", "wj-1"))
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, job.DispatchAttempts)
	assert.Nil(t, job.NextAttemptAt)

	_, err = s.RecordDispatchFailure(ctx, id, now)
	assert.True(t, IsInvalidTransition(err))
}

func TestDeferDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_, jobs := publish(t, s, "note-1", "py.default")
	id := jobs[0].ID

	require.NoError(t, s.DeferDispatch(ctx, id, now.Add(5*time.Second)))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, job.DispatchAttempts, "deferral is not a failure")
	require.NotNil(t, job.NextAttemptAt)
	assert.True(t, job.NextAttemptAt.Equal(now.Add(5*time.Second)))

	pending, err := s.LoadPendingJobs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.SetRunningState(ctx, id, "inst-1", "wj-1"))
	assert.True(t, IsInvalidTransition(s.DeferDispatch(ctx, id, now)))
}

func TestAppendOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, jobs := publish(t, s, "note-1", "py.default")

	ok, err := s.AppendOutput(ctx, "wj-1", "early", 0)
	require.NoError(t, err)
	assert.False(t, ok, "output for an unbound worker job is dropped")

	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))

	for _, chunk := range []string{"hello ", "world", "!"} {
		ok, err = s.AppendOutput(ctx, "wj-1", chunk, 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	job, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", job.Output)

	_, err = s.AppendOutput(ctx, "wj-1", "0123456789", 8)
	require.NoError(t, err)
	job, err = s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "23456789", job.Output, "only the tail is kept")
}

func TestWaitForWorkerJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, jobs := publish(t, s, "note-1", "py.default")

	t.Run("bound later", func(t *testing.T) {
		done := make(chan *Job, 1)
		go func() {
			job, err := s.WaitForWorkerJob(ctx, "wj-1", 5*time.Second)
			assert.NoError(t, err)
			done <- job
		}()

		require.Eventually(t, func() bool { return s.bound.pending() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))

		select {
		case job := <-done:
			require.NotNil(t, job)
			assert.Equal(t, jobs[0].ID, job.ID)
		case <-time.After(3 * time.Second):
			t.Fatal("waiter was not woken by SetRunningState")
		}
	})

	t.Run("already bound", func(t *testing.T) {
		job, err := s.WaitForWorkerJob(ctx, "wj-1", time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
	})

	t.Run("never bound", func(t *testing.T) {
		job, err := s.WaitForWorkerJob(ctx, "wj-unknown", 20*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.Zero(t, s.bound.pending())
	})

	t.Run("context canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.WaitForWorkerJob(cctx, "wj-unknown", time.Second)
		assert.Error(t, err)
	})
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := s.Subscribe()
	_, jobs := publish(t, s, "note-1", "py.default")
	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))

	var got []Event
	for len(events) > 0 {
		got = append(got, <-events)
	}
	require.Len(t, got, 3)
	assert.Equal(t, Event{Kind: EventBatch, ID: jobs[0].BatchID, NoteID: "note-1", Status: "PENDING"}, got[0])
	assert.Equal(t, EventJob, got[1].Kind)
	assert.Equal(t, "RUNNING", got[1].Status)
	assert.Equal(t, EventBatch, got[2].Kind)
	assert.Equal(t, "RUNNING", got[2].Status)

	s.Unsubscribe(events)
	_, ok := <-events
	assert.False(t, ok, "unsubscribe closes the channel")
}

func TestCountJobsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, jobs := publish(t, s, "note-1", "py.default", "py.default")
	require.NoError(t, s.SetRunningState(ctx, jobs[0].ID, "inst-1", "wj-1"))

	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[JobStatusPending])
	assert.Equal(t, 1, counts[JobStatusRunning])
}

func TestKeyedMutexForgetsKeys(t *testing.T) {
	var k keyedMutex
	unlock := k.lock("a")
	assert.Len(t, k.locks, 1)
	unlock()
	assert.Empty(t, k.locks)
}
