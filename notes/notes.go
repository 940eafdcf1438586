// Package notes reads notes from YAML files, one file per note:
//
//	# ~/.relay/notes/nightly.yaml
//	title: Nightly report
//	paragraphs:
//	  - id: fetch
//	    selector: sh.default
//	    text: curl -s https://example.com/report.csv > /tmp/report.csv
//	  - id: count
//	    selector: sh.default
//	    text: wc -l /tmp/report.csv
package notes

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/async"
)

// Note is an ordered list of paragraphs
type Note struct {
	ID         string            `yaml:"id,omitempty"`
	Title      string            `yaml:"title,omitempty"`
	Paragraphs []async.Paragraph `yaml:"paragraphs"`
}

var noteIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store reads notes from a directory
type Store struct {
	dir string
}

// NewStore creates a note store reading from dir
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory notes are read from
func (s *Store) Dir() string {
	return s.dir
}

// Load reads and validates one note
func (s *Store) Load(ctx context.Context, noteID string) (*Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !noteIDPattern.MatchString(noteID) || strings.Contains(noteID, "..") {
		return nil, errors.NewInvalidRequestError("invalid note id %q", noteID)
	}

	path := s.path(noteID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.WithHint(
			errors.NewNotFoundError("note %s", noteID),
			"notes are read from "+s.dir)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read note %s", noteID)
	}

	var note Note
	if err := yaml.Unmarshal(data, &note); err != nil {
		return nil, errors.WithDetail(
			errors.Wrapf(errors.ErrInvalidRequest, "failed to parse note %s: %v", noteID, err),
			"File: "+path)
	}
	if note.ID == "" {
		note.ID = noteID
	}
	if note.ID != noteID {
		return nil, errors.NewInvalidRequestError("note file %s declares id %q", path, note.ID)
	}

	seen := make(map[string]bool, len(note.Paragraphs))
	for i, p := range note.Paragraphs {
		if p.ID == "" {
			return nil, errors.NewInvalidRequestError("note %s: paragraph %d has no id", noteID, i)
		}
		if seen[p.ID] {
			return nil, errors.NewInvalidRequestError("note %s: duplicate paragraph id %s", noteID, p.ID)
		}
		seen[p.ID] = true
		if p.Selector == "" {
			return nil, errors.NewInvalidRequestError("note %s: paragraph %s has no selector", noteID, p.ID)
		}
	}
	return &note, nil
}

// Paragraphs returns the paragraphs of noteID in order
func (s *Store) Paragraphs(ctx context.Context, noteID string) ([]async.Paragraph, error) {
	note, err := s.Load(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return note.Paragraphs, nil
}

// List returns the ids of all notes in the directory, sorted
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read notes directory %s", s.dir)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, ext := range []string{".yaml", ".yml"} {
			if strings.HasSuffix(name, ext) {
				ids = append(ids, strings.TrimSuffix(name, ext))
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// path prefers <id>.yaml and falls back to <id>.yml
func (s *Store) path(noteID string) string {
	p := filepath.Join(s.dir, noteID+".yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	alt := filepath.Join(s.dir, noteID+".yml")
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return p
}
