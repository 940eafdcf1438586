package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/pulse/schedule"
)

func (h *harness) schedule(t *testing.T, noteID, expr string, due time.Time) *schedule.Schedule {
	t.Helper()
	sched := &schedule.Schedule{
		NoteID:     noteID,
		Enabled:    true,
		Expression: expr,
		User:       "cron",
		Roles:      []string{"ops"},
		NextFireAt: &due,
	}
	require.NoError(t, h.schedules.Create(context.Background(), sched))
	return sched
}

func (h *harness) batches(t *testing.T, noteID string) []*async.Batch {
	t.Helper()
	bs, err := h.jobs.ListBatches(context.Background(), noteID, 10)
	require.NoError(t, err)
	return bs
}

func TestFireDueSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notes["note-1"] = []async.Paragraph{
		{ID: "load", Selector: "sql.pg", Text: "select 1"},
		{ID: "plot", Selector: "py.default", Text: "plot()"},
	}
	due := h.now().Add(-5 * time.Minute)
	sched := h.schedule(t, "note-1", "*/5 * * * *", due)
	later := h.schedule(t, "note-1", "@hourly", h.now().Add(time.Hour))

	require.NoError(t, h.engine.FireDueSchedules(ctx))

	bs := h.batches(t, "note-1")
	require.Len(t, bs, 1)
	assert.Equal(t, async.PriorityCron, bs[0].Priority)
	assert.Equal(t, "cron", bs[0].User)
	assert.Equal(t, []string{"ops"}, bs[0].Roles)

	jobs, err := h.jobs.ListJobsForBatch(ctx, bs[0].ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "load", jobs[0].ParagraphID)
	assert.Equal(t, "plot", jobs[1].ParagraphID)

	got, err := h.schedules.Get(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFireAt)
	assert.True(t, got.LastFireAt.Equal(due))
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.Equal(h.now().Add(5*time.Minute)))

	untouched, err := h.schedules.Get(ctx, later.ID)
	require.NoError(t, err)
	assert.Nil(t, untouched.LastFireAt)
}

func TestFireSchedule_SkipsRunningNote(t *testing.T) {
	for _, advance := range []bool{false, true} {
		name := "stays due"
		if advance {
			name = "advances"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.CronAdvanceOnSkip = advance })
			ctx := context.Background()
			h.notes["note-1"] = []async.Paragraph{{ID: "p1", Selector: "py.default", Text: "x"}}
			due := h.now().Add(-time.Minute)
			sched := h.schedule(t, "note-1", "*/5 * * * *", due)

			running, _ := h.submit(t, "note-1", "py.default")

			require.NoError(t, h.engine.FireDueSchedules(ctx))

			bs := h.batches(t, "note-1")
			require.Len(t, bs, 1, "at most one unfinished batch per note")
			assert.Equal(t, running.ID, bs[0].ID)

			got, err := h.schedules.Get(ctx, sched.ID)
			require.NoError(t, err)
			assert.Nil(t, got.LastFireAt)
			require.NotNil(t, got.NextFireAt)
			if advance {
				assert.True(t, got.NextFireAt.Equal(h.now().Add(5*time.Minute)))
			} else {
				assert.True(t, got.NextFireAt.Equal(due), "fires as soon as the note is free")
			}
		})
	}
}

func TestFireDueSchedules_FailuresAreIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notes["good"] = []async.Paragraph{{ID: "p1", Selector: "py.default", Text: "x"}}
	h.notes["bad-cron"] = []async.Paragraph{{ID: "p1", Selector: "py.default", Text: "x"}}

	due := h.now().Add(-time.Minute)
	stamp := due.Format(time.RFC3339)
	// Written around the store, which refuses bad expressions
	_, err := h.db.Exec(`
		INSERT INTO cron_schedules (id, note_id, enabled, expression, user, roles,
			last_fire_at, next_fire_at, created_at, updated_at)
		VALUES ('sched-bad', 'bad-cron', 1, 'every tuesday', '', '[]', NULL, ?, ?, ?)`,
		stamp, stamp, stamp)
	require.NoError(t, err)
	h.schedule(t, "missing-note", "*/5 * * * *", due)
	h.schedule(t, "good", "*/5 * * * *", due)

	err = h.engine.FireDueSchedules(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sched-bad")
	assert.Contains(t, err.Error(), "missing-note")

	assert.Len(t, h.batches(t, "good"), 1)
	assert.Empty(t, h.batches(t, "bad-cron"))
}
