// Package session persists bounded per-session conversation history.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KafClaw/capclaw/internal/provider"
)

// MaxHistory is the number of messages kept per session.
const MaxHistory = 20

// Message represents a chat message in a session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Store keeps one JSONL file per session under <workspace>/sessions.
// Concurrent writers for the same session are not serialized; the last
// completed write wins.
type Store struct {
	dir string
	max int
}

// NewStore creates a history store rooted in workspace.
func NewStore(workspace string, max int) *Store {
	if max <= 0 {
		max = MaxHistory
	}
	return &Store{dir: filepath.Join(workspace, "sessions"), max: max}
}

// Load returns the most recent messages for key. A missing or unreadable file
// yields an empty history; malformed lines are skipped.
func (s *Store) Load(key string) []Message {
	path := s.sessionPath(key)
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Session history unreadable, starting empty", "session", key, "error", err)
		}
		return nil
	}
	defer file.Close()

	var msgs []Message
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Role == "" {
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("Session history truncated while reading", "session", key, "error", err)
	}
	return s.trim(msgs)
}

// Save replaces the history for key with the last max messages of msgs.
func (s *Store) Save(key string, msgs []Message) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	msgs = s.trim(msgs)

	var sb strings.Builder
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	path := s.sessionPath(key)
	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Append adds msgs to the stored history and writes it back.
func (s *Store) Append(key string, msgs ...Message) error {
	now := time.Now()
	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}
	return s.Save(key, append(s.Load(key), msgs...))
}

// Clear deletes the history for key.
func (s *Store) Clear(key string) error {
	err := os.Remove(s.sessionPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) trim(msgs []Message) []Message {
	if len(msgs) > s.max {
		return msgs[len(msgs)-s.max:]
	}
	return msgs
}

func (s *Store) sessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	// Strip path separators and traversal components to prevent path injection.
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(s.dir, filepath.Base(safeKey)+".jsonl")
}

// ToProvider converts stored history into LLM messages.
func ToProvider(msgs []Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Key builds the session key for a chat on a channel.
func Key(channel, chatID string) string {
	return channel + ":" + chatID
}
