package dispatch

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/pulse/schedule"
)

// FireDueSchedules fires every cron schedule that is due. An error in one
// schedule does not keep the others from firing.
func (e *Engine) FireDueSchedules(ctx context.Context) error {
	due, err := e.schedules.LoadDueSchedules(ctx, e.now())
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, sched := range due {
		if ctx.Err() != nil {
			break
		}
		sched := sched
		if err := e.safely("fire schedule", sched.ID, func() error {
			return e.FireSchedule(ctx, sched)
		}); err != nil {
			e.metrics.cronFire("failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// FireSchedule is the cron-fire handler. A note that is still running is
// skipped; by default the schedule is then left due so it fires as soon as
// the note is free.
func (e *Engine) FireSchedule(ctx context.Context, sched *schedule.Schedule) error {
	log := e.logger.With(logger.FieldScheduleID, sched.ID, logger.FieldNoteID, sched.NoteID)
	now := e.now()

	running, err := e.jobs.NoteIsRunning(ctx, sched.NoteID)
	if err != nil {
		return err
	}
	if running {
		return e.skipFire(ctx, sched, now, log)
	}

	next, err := schedule.NextFire(sched.Expression, now)
	if err != nil {
		return err
	}

	paragraphs, err := e.notes.Paragraphs(ctx, sched.NoteID)
	if err != nil {
		return err
	}

	batch, err := e.jobs.PublishBatch(ctx, sched.NoteID, paragraphs, sched.User, sched.Roles, async.PriorityCron)
	if async.IsNoteRunning(err) {
		return e.skipFire(ctx, sched, now, log)
	}
	if err != nil {
		return err
	}

	last := now
	if sched.NextFireAt != nil {
		last = *sched.NextFireAt
	}
	if err := e.schedules.RecordFire(ctx, sched.ID, last, next); err != nil {
		return err
	}

	e.metrics.cronFire("fired")
	log.Infow("Schedule fired", logger.FieldBatchID, batch.ID, "next_fire_at", next)
	return nil
}

func (e *Engine) skipFire(ctx context.Context, sched *schedule.Schedule, now time.Time, log *zap.SugaredLogger) error {
	e.metrics.cronFire("skipped")
	if !e.cfg.CronAdvanceOnSkip {
		log.Infow("Note still running, skipping fire")
		return nil
	}

	next, err := schedule.NextFire(sched.Expression, now)
	if err != nil {
		return err
	}
	log.Infow("Note still running, skipping to next fire", "next_fire_at", next)
	return e.schedules.Advance(ctx, sched.ID, next)
}
