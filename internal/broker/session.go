package broker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcpbroker/mcpbroker/internal/auth"
)

// session is one external client connection's state. It is owned by the
// session goroutine; everything other goroutines may read lives in the
// registry instead.
type session struct {
	id        string
	logger    *slog.Logger
	client    *auth.ClientContext
	devWarned bool
	openedAt  time.Time
}

// SessionInfo is one live session as reported by the status surface.
type SessionInfo struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject,omitempty"`
	Authenticated bool      `json:"authenticated"`
	OpenedAt      time.Time `json:"openedAt"`
}

// sessionRegistry tracks live sessions for the status surface. The session
// goroutine registers, authenticates, and unregisters its own entry; status
// requests read a sorted snapshot.
type sessionRegistry struct {
	mu      sync.Mutex
	entries map[string]SessionInfo
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{entries: map[string]SessionInfo{}}
}

func (r *sessionRegistry) add(id string, openedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = SessionInfo{ID: id, OpenedAt: openedAt}
}

func (r *sessionRegistry) markAuthenticated(id, subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return
	}
	entry.Subject = subject
	entry.Authenticated = true
	r.entries[id] = entry
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// snapshot returns the live sessions ordered by age, oldest first.
func (r *sessionRegistry) snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
