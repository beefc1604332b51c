// Package presence tracks the ephemeral "is typing" state of conversation
// participants and produces the natural-language summary shown under the
// message list. Typing state is broadcast-only and never persisted.
package presence

import (
	"sort"
	"sync"
	"time"
)

// StopDelay is how long after the last keystroke the local client waits
// before publishing a stop-typing signal.
const StopDelay = 2 * time.Second

// staleAfter is the defensive expiry for peer entries whose stop signal was
// lost in transit. A small multiple of StopDelay keeps the indicator honest
// without flickering on slow publishes.
const staleAfter = 3 * StopDelay

type entry struct {
	name string
	seen time.Time
}

// Tracker maps participant identity to a transient typing flag. The local
// user is never tracked. All methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	selfID string
	typing map[string]*entry
	now    func() time.Time
}

// NewTracker creates an empty tracker that excludes selfID.
func NewTracker(selfID string) *Tracker {
	return &Tracker{
		selfID: selfID,
		typing: make(map[string]*entry),
		now:    time.Now,
	}
}

// SetTyping records that a participant is currently typing. Calls for the
// local user are ignored.
func (t *Tracker) SetTyping(id, name string) {
	if id == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing[id] = &entry{name: name, seen: t.now()}
}

// ClearTyping removes a participant's typing flag.
func (t *Tracker) ClearTyping(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, id)
}

// Active returns the display names of currently-typing peers, sorted for
// deterministic output. Stale entries are dropped opportunistically.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune()
	names := make([]string, 0, len(t.typing))
	for _, e := range t.typing {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// Summary renders the typing indicator text, or "" when nobody is typing.
func (t *Tracker) Summary() string {
	names := t.Active()
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	case 2:
		return names[0] + " and " + names[1] + " are typing"
	case 3:
		return names[0] + ", " + names[1] + " and " + names[2] + " are typing"
	default:
		return "Several people are typing"
	}
}

// prune drops entries older than staleAfter. Caller holds t.mu.
func (t *Tracker) prune() {
	cutoff := t.now().Add(-staleAfter)
	for id, e := range t.typing {
		if e.seen.Before(cutoff) {
			delete(t.typing, id)
		}
	}
}
