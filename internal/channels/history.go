package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultGroupHistoryLimit is the number of unmentioned group messages kept per chat.
	DefaultGroupHistoryLimit = 50

	maxHistoryChats = 1024
	historyTTL      = 12 * time.Hour
)

// HistoryEntry is a group message the bot saw but did not answer.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory buffers group messages that did not mention the bot so they
// can be prepended as context when the bot is finally addressed.
type PendingHistory struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, []HistoryEntry]
}

// NewPendingHistory creates an empty history store.
func NewPendingHistory() *PendingHistory {
	return &PendingHistory{
		entries: expirable.NewLRU[string, []HistoryEntry](maxHistoryChats, nil, historyTTL),
	}
}

// Record appends an entry for key, keeping at most limit entries (oldest dropped).
// limit <= 0 disables recording.
func (h *PendingHistory) Record(key string, entry HistoryEntry, limit int) {
	if limit <= 0 || key == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	list, _ := h.entries.Get(key)
	list = append(list, entry)
	if len(list) > limit {
		list = append([]HistoryEntry(nil), list[len(list)-limit:]...)
	}
	h.entries.Add(key, list)
}

// Entries returns a copy of the buffered entries for key.
func (h *PendingHistory) Entries(key string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	list, _ := h.entries.Get(key)
	return append([]HistoryEntry(nil), list...)
}

// BuildContext prefixes current with the buffered messages for key (newest limit entries).
// Returns current unchanged when nothing is buffered.
func (h *PendingHistory) BuildContext(key, current string, limit int) string {
	list := h.Entries(key)
	if len(list) == 0 || limit <= 0 {
		return current
	}
	if len(list) > limit {
		list = list[len(list)-limit:]
	}

	var sb strings.Builder
	sb.WriteString("[Chat messages since your last reply - for context]\n")
	for _, e := range list {
		sender := e.Sender
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&sb, "%s: %s\n", sender, e.Body)
	}
	sb.WriteString("\n[Current message - respond to this]\n")
	sb.WriteString(current)
	return sb.String()
}

// Clear drops the buffered entries for key.
func (h *PendingHistory) Clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries.Remove(key)
}
