package hooks

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/M4TTRX/claude-island/pkg/types"
)

// respondedCap bounds the "already responded" set. Oldest ids are
// evicted first once the cap is reached.
const respondedCap = 256

// PendingPermission is one outstanding approval request holding its
// client connection open until a decision or timeout.
type PendingPermission struct {
	SessionID  string
	ToolUseID  string
	Conn       net.Conn
	Event      types.HookEvent
	ReceivedAt time.Time
}

// pendingLedger is the guarded table of outstanding permission requests.
// Every composite read-modify-write (lookup, remove, mark responded)
// happens under the single lock so a response and a timeout racing for
// the same id are mutually exclusive.
type pendingLedger struct {
	mu           sync.Mutex
	pending      map[string]*PendingPermission
	responded    map[string]struct{}
	respondOrder []string
}

func newPendingLedger() *pendingLedger {
	return &pendingLedger{
		pending:   make(map[string]*PendingPermission),
		responded: make(map[string]struct{}),
	}
}

// Add registers a pending permission. It refuses ids that are already
// pending or already in the responded set, preserving the at-most-one
// pending entry per tool-use id invariant.
func (l *pendingLedger) Add(p *PendingPermission) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pending[p.ToolUseID]; exists {
		return false
	}
	if _, done := l.responded[p.ToolUseID]; done {
		return false
	}

	l.pending[p.ToolUseID] = p
	return true
}

// Take removes the entry for a tool-use id and marks it responded.
// Returns nil when no entry matches (already handled, cancelled, or
// never registered).
func (l *pendingLedger) Take(toolUseID string) *PendingPermission {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[toolUseID]
	if !ok {
		return nil
	}
	delete(l.pending, toolUseID)
	l.markRespondedLocked(toolUseID)
	return p
}

// TakeBySession removes and returns the most recently received pending
// entry for a session. When several tools are pending for one session
// the most recent wins.
func (l *pendingLedger) TakeBySession(sessionID string) *PendingPermission {
	l.mu.Lock()
	defer l.mu.Unlock()

	var newest *PendingPermission
	for _, p := range l.pending {
		if p.SessionID != sessionID {
			continue
		}
		if newest == nil || p.ReceivedAt.After(newest.ReceivedAt) {
			newest = p
		}
	}
	if newest == nil {
		return nil
	}

	delete(l.pending, newest.ToolUseID)
	l.markRespondedLocked(newest.ToolUseID)
	return newest
}

// TakeExpired removes the entry only if it still exists, still belongs
// to the expected session, and has genuinely exceeded the timeout. A
// refreshed or reused id fails the checks and stays untouched.
func (l *pendingLedger) TakeExpired(toolUseID, sessionID string, timeout time.Duration, now time.Time) *PendingPermission {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[toolUseID]
	if !ok {
		return nil
	}
	if p.SessionID != sessionID {
		return nil
	}
	if now.Sub(p.ReceivedAt) < timeout {
		return nil
	}

	delete(l.pending, toolUseID)
	l.markRespondedLocked(toolUseID)
	return p
}

// Remove discards an entry without marking it responded. Used for
// consumer-issued cancellation.
func (l *pendingLedger) Remove(toolUseID string) *PendingPermission {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[toolUseID]
	if !ok {
		return nil
	}
	delete(l.pending, toolUseID)
	return p
}

// RemoveSession discards every pending entry for a session without
// marking them responded.
func (l *pendingLedger) RemoveSession(sessionID string) []*PendingPermission {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []*PendingPermission
	for id, p := range l.pending {
		if p.SessionID == sessionID {
			removed = append(removed, p)
			delete(l.pending, id)
		}
	}
	return removed
}

// Snapshot returns a copy of all pending entries, newest last.
func (l *pendingLedger) Snapshot() []*PendingPermission {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*PendingPermission, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// HasResponded reports whether a decision was already delivered for the id.
func (l *pendingLedger) HasResponded(toolUseID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.responded[toolUseID]
	return ok
}

func (l *pendingLedger) markRespondedLocked(toolUseID string) {
	if _, ok := l.responded[toolUseID]; ok {
		return
	}
	l.responded[toolUseID] = struct{}{}
	l.respondOrder = append(l.respondOrder, toolUseID)

	for len(l.respondOrder) > respondedCap {
		oldest := l.respondOrder[0]
		l.respondOrder = l.respondOrder[1:]
		delete(l.responded, oldest)
	}
}
