// Package schedule stores cron schedules that submit notes on a recurring basis.
package schedule

import "time"

// Schedule fires a note whenever its cron expression comes due
type Schedule struct {
	ID         string     `json:"id" yaml:"id"`
	NoteID     string     `json:"note_id" yaml:"note_id"`
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	Expression string     `json:"expression" yaml:"expression"`
	User       string     `json:"user,omitempty" yaml:"user,omitempty"`
	Roles      []string   `json:"roles,omitempty" yaml:"roles,omitempty"`
	LastFireAt *time.Time `json:"last_fire_at,omitempty" yaml:"last_fire_at,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty" yaml:"next_fire_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"updated_at"`
}

// DueLimit caps how many schedules one cron tick loads
const DueLimit = 100
