package hub

import (
	"sync"
	"time"

	"github.com/use-agent/harvest/models"
)

const (
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
)

// activityCapacity is how many log lines the hub keeps.
const activityCapacity = 200

// activity is a fixed-size ring of operator-facing log lines.
type activity struct {
	mu      sync.Mutex
	entries []models.LogEntry
	next    int
	full    bool
}

func newActivity(capacity int) *activity {
	return &activity{entries: make([]models.LogEntry, capacity)}
}

func (a *activity) add(level, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = models.LogEntry{Time: time.Now().UnixMilli(), Level: level, Message: msg}
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// list returns the entries oldest first.
func (a *activity) list() []models.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		return append([]models.LogEntry(nil), a.entries[:a.next]...)
	}
	out := make([]models.LogEntry, 0, len(a.entries))
	out = append(out, a.entries[a.next:]...)
	return append(out, a.entries[:a.next]...)
}
