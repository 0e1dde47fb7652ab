package kikebot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
)

const (
	// historyMaxLength is the longest the history may get before pruning
	historyMaxLength = 26

	// Messages in [historyPruneStart, historyPruneEnd) are removed when
	// the history grows past historyMaxLength
	historyPruneStart = 4
	historyPruneEnd   = 6
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation transcript
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is the conversation transcript sent to the language model with
// every request. Every change is written through to a JSON file, which is
// rewritten in full each time.
//
// History is safe for concurrent use, but the reply worker is its only
// writer during normal operation.
type History struct {
	path     string
	messages []Message
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewHistory returns an empty History backed by the file at path.
// Call [History.Load] to read existing messages.
func NewHistory(path string, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		path:     path,
		messages: []Message{},
		logger:   logger,
	}
}

// loadMessages reads a JSON array of messages from path. A missing,
// unreadable or malformed file yields an empty slice.
func loadMessages(path string, logger *slog.Logger) []Message {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("unable to read history file", "path", path, tint.Err(err))
		}
		return []Message{}
	}
	var messages []Message
	if err = json.Unmarshal(data, &messages); err != nil {
		logger.Warn("ignoring malformed history file", "path", path, tint.Err(err))
		return []Message{}
	}
	if messages == nil {
		return []Message{}
	}
	return messages
}

// Load replaces the in-memory history with the file's contents and
// returns a copy of them.
func (h *History) Load() []Message {
	messages := loadMessages(h.path, h.logger)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = messages
	h.logger.Info("loaded history", "path", h.path, "messages", len(messages))
	return slices.Clone(h.messages)
}

// EnsureSystemPrompt inserts a system message holding prompt at the start
// of the history, if there isn't one already.
func (h *History) EnsureSystemPrompt(prompt string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slices.ContainsFunc(
		h.messages,
		func(m Message) bool { return m.Role == RoleSystem },
	) {
		return nil
	}
	h.messages = slices.Insert(
		h.messages,
		0,
		Message{Role: RoleSystem, Content: prompt},
	)
	return h.save()
}

// Append adds a message to the end of the history, prunes it if it has
// grown past its limit, and persists it.
func (h *History) Append(role Role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, Message{Role: role, Content: content})
	h.prune()
	return h.save()
}

// prune drops the messages at [historyPruneStart, historyPruneEnd) once
// the history is longer than historyMaxLength. The caller must hold the
// write lock.
func (h *History) prune() {
	if len(h.messages) <= historyMaxLength {
		return
	}
	h.logger.Debug(
		"pruning history",
		"length", len(h.messages),
		"start", historyPruneStart,
		"end", historyPruneEnd,
	)
	h.messages = slices.Delete(h.messages, historyPruneStart, historyPruneEnd)
}

// Reset clears the history, leaving only a system message holding prompt.
func (h *History) Reset(prompt string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = []Message{{Role: RoleSystem, Content: prompt}}
	h.logger.Info("history reset")
	return h.save()
}

// Messages returns a copy of the current history
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.messages)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *History) Path() string {
	return h.path
}

// save writes the whole history to disk. The caller must hold the write
// lock.
func (h *History) save() error {
	data, err := marshalMessages(h.messages)
	if err != nil {
		return err
	}
	if err = os.WriteFile(h.path, data, 0o644); err != nil {
		return fmt.Errorf("error writing history file %q: %w", h.path, err)
	}
	return nil
}

// marshalMessages encodes messages as indented JSON, leaving non-ASCII
// and HTML characters unescaped
func marshalMessages(messages []Message) ([]byte, error) {
	if messages == nil {
		messages = []Message{}
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(messages); err != nil {
		return nil, fmt.Errorf("error encoding history: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
