package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/relay/errors"
)

// Store handles persistence of cron schedules. Times are stored as RFC3339
// UTC strings.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the store's time source (tests)
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

const selectColumns = `id, note_id, enabled, expression, user, roles,
	last_fire_at, next_fire_at, created_at, updated_at`

// Create validates sched.Expression and inserts the schedule. ID, timestamps
// and the first fire time are filled in when empty.
func (s *Store) Create(ctx context.Context, sched *Schedule) error {
	if sched.NoteID == "" {
		return errors.NewInvalidRequestError("note id is required")
	}

	now := s.now().UTC()
	if sched.NextFireAt == nil {
		next, err := NextFire(sched.Expression, now)
		if err != nil {
			return errors.Wrapf(err, "invalid schedule for note %s", sched.NoteID)
		}
		sched.NextFireAt = &next
	} else if _, err := Parse(sched.Expression); err != nil {
		return errors.Wrapf(err, "invalid schedule for note %s", sched.NoteID)
	}

	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now

	roles, err := json.Marshal(nonNil(sched.Roles))
	if err != nil {
		return errors.Wrap(err, "failed to encode roles")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, note_id, enabled, expression, user, roles,
			last_fire_at, next_fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.NoteID, sched.Enabled, sched.Expression, sched.User, string(roles),
		formatTime(sched.LastFireAt), formatTime(sched.NextFireAt),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create schedule for note %s", sched.NoteID)
	}
	return nil
}

// Get retrieves a schedule by ID
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM cron_schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sched, nil
}

// List returns all schedules, optionally only those of noteID
func (s *Store) List(ctx context.Context, noteID string) ([]*Schedule, error) {
	query := `SELECT ` + selectColumns + ` FROM cron_schedules`
	var args []interface{}
	if noteID != "" {
		query += ` WHERE note_id = ?`
		args = append(args, noteID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	return scanSchedules(rows)
}

// LoadDueSchedules returns enabled schedules whose next fire time is at or
// before now, oldest first.
func (s *Store) LoadDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM cron_schedules
		WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at
		LIMIT ?`,
		now.UTC().Format(time.RFC3339), DueLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load due schedules")
	}
	return scanSchedules(rows)
}

// RecordFire stores the fire that just happened and the next one
func (s *Store) RecordFire(ctx context.Context, id string, last, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_schedules SET last_fire_at = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`,
		last.UTC().Format(time.RFC3339), next.UTC().Format(time.RFC3339),
		s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to record fire of schedule %s", id)
	}
	return requireRow(res, id)
}

// Advance moves the next fire time without recording a fire
func (s *Store) Advance(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_schedules SET next_fire_at = ?, updated_at = ? WHERE id = ?`,
		next.UTC().Format(time.RFC3339), s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to advance schedule %s", id)
	}
	return requireRow(res, id)
}

// SetEnabled switches a schedule on or off. Enabling recomputes the next
// fire time from now so that fires missed while disabled are skipped.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	next := sched.NextFireAt
	if enabled && !sched.Enabled {
		n, err := NextFire(sched.Expression, now)
		if err != nil {
			return errors.Wrapf(err, "failed to enable schedule %s", id)
		}
		next = &n
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_schedules SET enabled = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`,
		enabled, formatTime(next), now.Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", id)
	}
	return requireRow(res, id)
}

// Delete removes a schedule
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", id)
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var roles, createdAt, updatedAt string
	var lastFireAt, nextFireAt sql.NullString

	if err := row.Scan(&sched.ID, &sched.NoteID, &sched.Enabled, &sched.Expression, &sched.User, &roles,
		&lastFireAt, &nextFireAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if roles != "" {
		if err := json.Unmarshal([]byte(roles), &sched.Roles); err != nil {
			return nil, errors.Wrapf(err, "failed to decode roles of schedule %s", sched.ID)
		}
	}

	// a timestamp that does not parse means the row was written by something else
	var err error
	if sched.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at of schedule %s", sched.ID)
	}
	if sched.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at of schedule %s", sched.ID)
	}
	if sched.LastFireAt, err = parseTime(lastFireAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_fire_at of schedule %s", sched.ID)
	}
	if sched.NextFireAt, err = parseTime(nextFireAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_fire_at of schedule %s", sched.ID)
	}
	return &sched, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return out, nil
}

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNil(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}
