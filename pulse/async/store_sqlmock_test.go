package async

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// When the jobs of a batch cannot be written the batch passes through
// HANDLE_ERROR to ERROR so the note is released.
func TestPublishBatch_PersistFailureReleasesNote_Sqlmock(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	s := NewStore(database)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO job_batches`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO jobs`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE job_batches SET status`).
		WithArgs(string(BatchStatusHandleError), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs(string(JobStatusError), string(ErrorCodePersistFailed), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE job_batches SET status`).
		WithArgs(string(BatchStatusError), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = s.PublishBatch(context.Background(), "note-1", paragraphs("py.default"), "", nil, PriorityInteractive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.False(t, IsNoteRunning(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBatch_FailBatchErrorIsLogged_Sqlmock(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	core, logs := observer.New(zap.ErrorLevel)
	prev := logger.Logger
	logger.Logger = zap.New(core).Sugar()
	t.Cleanup(func() { logger.Logger = prev })

	s := NewStore(database)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO job_batches`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO jobs`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE job_batches SET status`).WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = s.PublishBatch(context.Background(), "note-1", paragraphs("py.default"), "", nil, PriorityInteractive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")

	entries := logs.FilterMessage("Failed to mark batch as errored").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.NotEmpty(t, fields[logger.FieldBatchID])
	assert.Equal(t, "note-1", fields[logger.FieldNoteID])
	assert.Contains(t, fields["error"], "database is locked")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBatch_ClaimRejected_Sqlmock(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	s := NewStore(database)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO job_batches`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = s.PublishBatch(context.Background(), "note-1", paragraphs("py.default"), "", nil, PriorityInteractive)
	assert.True(t, IsNoteRunning(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginFailure_Sqlmock(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	s := NewStore(database)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	err = s.SetRunningState(context.Background(), "job-1", "inst-1", "wj-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")

	assert.NoError(t, mock.ExpectationsWereMet())
}
