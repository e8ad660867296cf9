// Package presence tracks which users currently hold an open relay
// connection. Purely in-memory runtime state: the set rebuilds from scratch
// on restart.
package presence

import (
	"sort"
	"sync"

	"github.com/example/carpool/internal/observability"
)

type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Identify records one more open connection for the user. It returns the
// full online set (for the fresh peer's snapshot) and whether this was the
// user's 0 to 1 transition, in which case the caller broadcasts user-online.
func (t *Tracker) Identify(userID string) (online []string, wentOnline bool) {
	t.mu.Lock()
	t.counts[userID]++
	wentOnline = t.counts[userID] == 1
	online = t.onlineLocked()
	t.mu.Unlock()
	if wentOnline {
		observability.UsersOnline.Inc()
	}
	return online, wentOnline
}

// Disconnect records one closed connection. It reports whether the user's
// count reached zero, in which case the caller broadcasts user-offline.
func (t *Tracker) Disconnect(userID string) (wentOffline bool) {
	t.mu.Lock()
	if t.counts[userID] > 0 {
		t.counts[userID]--
		if t.counts[userID] == 0 {
			delete(t.counts, userID)
			wentOffline = true
		}
	}
	t.mu.Unlock()
	if wentOffline {
		observability.UsersOnline.Dec()
	}
	return wentOffline
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID] > 0
}

func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked()
}

func (t *Tracker) onlineLocked() []string {
	out := make([]string, 0, len(t.counts))
	for id := range t.counts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
