package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/capclaw/internal/workflow"
)

// Store edits schedule files in place.
type Store struct {
	workspace string
	installed func() []string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store. installed reports the current capability list.
func NewStore(workspace string, installed func() []string) *Store {
	if installed == nil {
		installed = func() []string { return nil }
	}
	return &Store{workspace: workspace, installed: installed, locks: map[string]*sync.Mutex{}}
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Load returns the merged configuration.
func (s *Store) Load() *Config {
	return LoadConfig(s.workspace, s.installed())
}

// List returns every entry sorted by ID.
func (s *Store) List() []Entry {
	return s.Load().Entries
}

// Get returns an entry and its action.
func (s *Store) Get(id string) (Entry, Action, error) {
	cfg := s.Load()
	e, ok := cfg.Entry(id)
	if !ok {
		return Entry{}, Action{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	a, ok := cfg.Actions[e.Action]
	if !ok {
		return e, Action{}, fmt.Errorf("schedule %s: action %q not defined", id, e.Action)
	}
	return e, a, nil
}

func (s *Store) pathFor(id string) string {
	if ns := namespaceOf(id); ns != "" {
		return capabilityFile(s.workspace, ns)
	}
	return filepath.Join(s.workspace, scheduleFile)
}

// Create adds an enabled entry and its action. Namespaced IDs are written to
// the capability's file, others to the root file. The action is stored under
// the entry's own ID unless entry.Action names one.
func (s *Store) Create(entry Entry, action Action) error {
	if entry.ID == "" {
		return errors.New("schedule id is required")
	}
	if _, err := workflow.ParseSchedule(entry.Cron, entry.Timezone); err != nil {
		return err
	}
	if action.Prompt == "" {
		return errors.New("schedule prompt is required")
	}
	if ns := namespaceOf(entry.ID); ns != "" {
		if _, err := os.Stat(filepath.Join(s.workspace, "capabilities", ns)); err != nil {
			return fmt.Errorf("capability %q is not installed", ns)
		}
	}
	key := localID(entry.ID)
	ref := key
	if entry.Action != "" {
		ref = localID(entry.Action)
	}
	enabled := true
	return s.update(s.pathFor(entry.ID), func(doc *scheduleDoc) error {
		if _, _, ok := findEntry(doc, entry.ID); ok {
			return fmt.Errorf("schedule %s already exists", entry.ID)
		}
		doc.Entries[key] = fileEntry{
			Cron:        entry.Cron,
			Timezone:    entry.Timezone,
			Action:      ref,
			Description: entry.Description,
			Enabled:     &enabled,
			Chat:        entry.Chat,
		}
		doc.Actions[ref] = action
		return nil
	})
}

// Delete removes an entry and the action it references.
func (s *Store) Delete(id string) error {
	return s.update(s.pathFor(id), func(doc *scheduleDoc) error {
		key, fe, ok := findEntry(doc, id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		delete(doc.Entries, key)
		delete(doc.Actions, fe.Action)
		delete(doc.Actions, localID(fe.Action))
		return nil
	})
}

// SetEnabled toggles an entry. It takes effect on the next fire.
func (s *Store) SetEnabled(id string, enabled bool) error {
	return s.update(s.pathFor(id), func(doc *scheduleDoc) error {
		key, fe, ok := findEntry(doc, id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		fe.Enabled = &enabled
		doc.Entries[key] = fe
		return nil
	})
}

// findEntry matches id against both local and namespaced keys.
func findEntry(doc *scheduleDoc, id string) (string, fileEntry, bool) {
	for _, key := range []string{id, localID(id)} {
		if fe, ok := doc.Entries[key]; ok {
			return key, fe, true
		}
	}
	return "", fileEntry{}, false
}

// update applies fn to the file at path under its lock and writes the result
// through a temp file and rename.
func (s *Store) update(path string, fn func(doc *scheduleDoc) error) error {
	l := s.fileLock(path)
	l.Lock()
	defer l.Unlock()

	doc, err := readDoc(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]fileEntry{}
	}
	if doc.Actions == nil {
		doc.Actions = map[string]Action{}
	}
	if err := fn(doc); err != nil {
		return err
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".schedules-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
