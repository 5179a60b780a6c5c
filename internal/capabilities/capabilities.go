// Package capabilities composes the system prompt from installed capability
// prompt fragments and tracks the active mode.
package capabilities

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/BurntSushi/toml"
)

// ModeAuto lets the model pick among all installed capabilities.
const ModeAuto = "auto"

// GeneralTag is the footer tag for replies outside every capability.
const GeneralTag = "General"

const (
	configFile   = "capabilities.json"
	capsDir      = "capabilities"
	promptFile   = "PROMPT.md"
	manifestFile = "capability.toml"
	fallbackFile = "SYSTEM_PROMPT.md"
)

// ErrUnknownCapability is returned when a mode is neither auto nor installed.
var ErrUnknownCapability = errors.New("unknown capability")

// Config is the persisted capabilities.json.
type Config struct {
	Installed  []string `json:"installed"`
	ActiveMode string   `json:"active_mode"`
}

// Capability is an installed prompt fragment.
type Capability struct {
	ID          string
	Name        string
	Description string
	Prompt      string
}

type manifest struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// Composer owns capabilities.json and builds prompts from the workspace.
type Composer struct {
	workspace string
	stateDir  string

	mu  sync.Mutex
	cfg Config
}

// NewComposer creates a composer. stateDir is the second fallback location
// for SYSTEM_PROMPT.md.
func NewComposer(workspace, stateDir string) *Composer {
	return &Composer{workspace: workspace, stateDir: stateDir, cfg: Config{ActiveMode: ModeAuto}}
}

// LoadInstalled reads capabilities.json, appends any capability directory
// missing from it in sorted order, and rewrites the file only when the list
// or mode changed.
func (c *Composer) LoadInstalled() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, raw := c.readConfig()
	orig := Config{Installed: slices.Clone(cfg.Installed), ActiveMode: cfg.ActiveMode}

	present := c.scanDirs()
	seen := make(map[string]bool, len(cfg.Installed))
	kept := cfg.Installed[:0]
	for _, id := range cfg.Installed {
		if seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, id)
	}
	cfg.Installed = kept
	for _, id := range present {
		if !seen[id] {
			cfg.Installed = append(cfg.Installed, id)
			seen[id] = true
		}
	}
	if cfg.ActiveMode == "" || (cfg.ActiveMode != ModeAuto && !seen[cfg.ActiveMode]) {
		cfg.ActiveMode = ModeAuto
	}
	if cfg.Installed == nil {
		cfg.Installed = []string{}
	}
	c.cfg = cfg

	if !raw || !slices.Equal(orig.Installed, cfg.Installed) || orig.ActiveMode != cfg.ActiveMode {
		if err := c.writeConfig(cfg); err != nil {
			return slices.Clone(cfg.Installed), err
		}
	}
	return slices.Clone(cfg.Installed), nil
}

// readConfig returns the parsed file and whether it existed and parsed.
func (c *Composer) readConfig() (Config, bool) {
	cfg := Config{Installed: []string{}, ActiveMode: ModeAuto}
	data, err := os.ReadFile(filepath.Join(c.workspace, configFile))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Capabilities config unreadable, using defaults", "error", err)
		}
		return cfg, false
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("Capabilities config malformed, using defaults", "error", err)
		return Config{Installed: []string{}, ActiveMode: ModeAuto}, false
	}
	return cfg, true
}

func (c *Composer) writeConfig(cfg Config) error {
	if err := os.MkdirAll(c.workspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(c.workspace, configFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write capabilities config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace capabilities config: %w", err)
	}
	return nil
}

// scanDirs lists capability directories containing a PROMPT.md, sorted.
func (c *Composer) scanDirs() []string {
	entries, err := os.ReadDir(filepath.Join(c.workspace, capsDir))
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.workspace, capsDir, e.Name(), promptFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids
}

// Installed returns the installed capability IDs in installed order.
func (c *Composer) Installed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.cfg.Installed)
}

// ActiveMode returns auto or the focused capability ID.
func (c *Composer) ActiveMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.ActiveMode == "" {
		return ModeAuto
	}
	return c.cfg.ActiveMode
}

// SetActiveMode persists mode and returns the recomposed prompt.
func (c *Composer) SetActiveMode(mode string) (string, error) {
	mode = strings.TrimSpace(mode)
	c.mu.Lock()
	if mode != ModeAuto && !slices.Contains(c.cfg.Installed, mode) {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, mode)
	}
	c.cfg.ActiveMode = mode
	cfg := Config{Installed: slices.Clone(c.cfg.Installed), ActiveMode: mode}
	err := c.writeConfig(cfg)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	slog.Info("Capability mode changed", "mode", mode)
	return c.ComposePrompt(mode), nil
}

// Get loads an installed capability's prompt and manifest.
func (c *Composer) Get(id string) (Capability, error) {
	dir := filepath.Join(c.workspace, capsDir, id)
	body, err := os.ReadFile(filepath.Join(dir, promptFile))
	if err != nil {
		return Capability{}, fmt.Errorf("read %s prompt: %w", id, err)
	}
	capb := Capability{ID: id, Name: DisplayName(id), Prompt: strings.TrimSpace(string(body))}
	var m manifest
	if _, err := toml.DecodeFile(filepath.Join(dir, manifestFile), &m); err == nil {
		if strings.TrimSpace(m.Name) != "" {
			capb.Name = strings.TrimSpace(m.Name)
		}
		capb.Description = strings.TrimSpace(m.Description)
	} else if !os.IsNotExist(err) {
		slog.Warn("Capability manifest malformed", "capability", id, "error", err)
	}
	return capb, nil
}

// List returns every installed capability that still has a prompt on disk.
func (c *Composer) List() []Capability {
	var out []Capability
	for _, id := range c.Installed() {
		capb, err := c.Get(id)
		if err != nil {
			slog.Warn("Installed capability missing", "capability", id, "error", err)
			continue
		}
		out = append(out, capb)
	}
	return out
}

// AllowedTags returns the display names of installed capabilities plus General.
func (c *Composer) AllowedTags() []string {
	var tags []string
	for _, capb := range c.List() {
		tags = append(tags, capb.Name)
	}
	return append(tags, GeneralTag)
}

// TagFor returns the footer tag for a capability ID, or Scheduled for "".
func (c *Composer) TagFor(id string) string {
	if id == "" {
		return "Scheduled"
	}
	if capb, err := c.Get(id); err == nil {
		return capb.Name
	}
	return DisplayName(id)
}

// ComposePrompt builds the system prompt for mode.
func (c *Composer) ComposePrompt(mode string) string {
	caps := c.List()
	if len(caps) == 0 {
		return c.fallbackPrompt()
	}

	if mode != "" && mode != ModeAuto {
		for _, capb := range caps {
			if capb.ID == mode {
				return composeFocus(capb)
			}
		}
		slog.Warn("Active capability not installed, composing auto prompt", "mode", mode)
	}
	return composeAuto(caps)
}

func composeAuto(caps []Capability) string {
	var sb strings.Builder
	sb.WriteString(autoPreamble)
	names := make([]string, 0, len(caps)+1)
	for _, capb := range caps {
		fmt.Fprintf(&sb, "\n\n## %s\n\n%s", capb.Name, capb.Prompt)
		names = append(names, capb.Name)
	}
	names = append(names, GeneralTag)
	fmt.Fprintf(&sb, "\n\n---\n\n"+autoFooter, strings.Join(quoteAll(names), ", "))
	return sb.String()
}

func composeFocus(capb Capability) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, focusPreamble, capb.Name)
	fmt.Fprintf(&sb, "\n\n## %s\n\n%s", capb.Name, capb.Prompt)
	fmt.Fprintf(&sb, "\n\n---\n\n"+focusFooter, capb.Name)
	return sb.String()
}

func (c *Composer) fallbackPrompt() string {
	for _, dir := range []string{c.workspace, c.stateDir} {
		if dir == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, fallbackFile))
		if err == nil && strings.TrimSpace(string(data)) != "" {
			return strings.TrimSpace(string(data))
		}
	}
	return DefaultPrompt
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = `"` + s + `"`
	}
	return out
}

// DisplayName title-cases a capability ID: inbox-agent becomes Inbox Agent.
func DisplayName(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}
