// Package scheduler loads cron-style schedule definitions from the workspace
// and runs them as workflow functions.
package scheduler

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/capclaw/internal/workflow"
)

const scheduleFile = "schedules.yaml"

// ErrScheduleNotFound is returned for unknown schedule IDs.
var ErrScheduleNotFound = errors.New("schedule not found")

// ToolCall is a tool invocation run before the prompt.
type ToolCall struct {
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args,omitempty"`
}

// Action describes what a schedule does when it fires.
type Action struct {
	Fetch                []ToolCall `yaml:"fetch,omitempty"`
	Prompt               string     `yaml:"prompt"`
	Output               string     `yaml:"output,omitempty"`
	RequiresConfirmation bool       `yaml:"requires_confirmation,omitempty"`
}

// Entry is a cron trigger bound to an action. Capability entries carry the
// capability ID as a "capability:" prefix on both ID and Action.
type Entry struct {
	ID          string
	Cron        string
	Timezone    string
	Action      string
	Description string
	Enabled     bool
	Chat        string
}

// Capability returns the namespace of the entry, or "" for root entries.
func (e Entry) Capability() string {
	return namespaceOf(e.ID)
}

// Location resolves the entry's time zone, falling back to UTC.
func (e Entry) Location() *time.Location {
	loc, err := workflow.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextRun returns the next fire time after now, or zero for bad crons.
func (e Entry) NextRun(now time.Time) time.Time {
	s, err := workflow.ParseSchedule(e.Cron, e.Timezone)
	if err != nil {
		return time.Time{}
	}
	return s.Next(now)
}

// fileEntry is the on-disk shape. Enabled is a pointer so an absent key
// means enabled.
type fileEntry struct {
	Cron        string `yaml:"cron"`
	Timezone    string `yaml:"timezone,omitempty"`
	Action      string `yaml:"action"`
	Description string `yaml:"description,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Chat        string `yaml:"chat,omitempty"`
}

type scheduleDoc struct {
	Entries map[string]fileEntry `yaml:"entries"`
	Actions map[string]Action    `yaml:"actions"`
}

// Config is the merged view of the root and capability schedule files.
type Config struct {
	Entries []Entry
	Actions map[string]Action
}

// Entry looks up an entry by its namespaced ID.
func (c *Config) Entry(id string) (Entry, bool) {
	for _, e := range c.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// LoadConfig reads <workspace>/schedules.yaml and the schedules.yaml of each
// installed capability. Missing or malformed files contribute nothing.
func LoadConfig(workspace string, installed []string) *Config {
	cfg := &Config{Actions: map[string]Action{}}
	byID := map[string]Entry{}

	merge := func(path, capID string) {
		doc, err := readDoc(path)
		if err != nil {
			slog.Warn("Schedule file skipped", "path", path, "error", err)
			return
		}
		for id, fe := range doc.Entries {
			e := fe.toEntry(namespaced(capID, id))
			e.Action = namespaced(capID, fe.Action)
			byID[e.ID] = e
		}
		for ref, a := range doc.Actions {
			cfg.Actions[namespaced(capID, ref)] = a
		}
	}

	merge(filepath.Join(workspace, scheduleFile), "")
	for _, capID := range installed {
		merge(capabilityFile(workspace, capID), capID)
	}

	for _, e := range byID {
		cfg.Entries = append(cfg.Entries, e)
	}
	sort.Slice(cfg.Entries, func(i, j int) bool { return cfg.Entries[i].ID < cfg.Entries[j].ID })
	return cfg
}

func capabilityFile(workspace, capID string) string {
	return filepath.Join(workspace, "capabilities", capID, scheduleFile)
}

func (fe fileEntry) toEntry(id string) Entry {
	enabled := true
	if fe.Enabled != nil {
		enabled = *fe.Enabled
	}
	return Entry{
		ID:          id,
		Cron:        fe.Cron,
		Timezone:    fe.Timezone,
		Action:      fe.Action,
		Description: fe.Description,
		Enabled:     enabled,
		Chat:        fe.Chat,
	}
}

// readDoc parses a schedule file. A missing file is an empty document.
func readDoc(path string) (*scheduleDoc, error) {
	doc := &scheduleDoc{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, err
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return &scheduleDoc{}, err
	}
	return doc, nil
}

// namespaced prefixes id with "capID:" unless it already carries it.
func namespaced(capID, id string) string {
	if capID == "" || id == "" || strings.HasPrefix(id, capID+":") {
		return id
	}
	return capID + ":" + id
}

func namespaceOf(id string) string {
	if i := strings.Index(id, ":"); i > 0 {
		return id[:i]
	}
	return ""
}

func localID(id string) string {
	if i := strings.Index(id, ":"); i > 0 {
		return id[i+1:]
	}
	return id
}
