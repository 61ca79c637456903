package hooks

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/M4TTRX/claude-island/pkg/types"
)

// correlationCache bridges event kinds that carry a tool-use id
// (PreToolUse) to the permission request that follows without one.
// Entries are keyed by (session, tool, canonical input) and consumed
// strictly FIFO per key.
type correlationCache struct {
	mu      sync.Mutex
	entries map[string][]string
}

func newCorrelationCache() *correlationCache {
	return &correlationCache{
		entries: make(map[string][]string),
	}
}

// Put appends the event's tool-use id to the FIFO list for its key.
// Events without an id are ignored.
func (c *correlationCache) Put(ev types.HookEvent) {
	if ev.ToolUseID == "" {
		return
	}
	key := correlationKey(ev.SessionID, ev.Tool, ev.ToolInput)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append(c.entries[key], ev.ToolUseID)
}

// Pop removes and returns the oldest cached id matching the event's key.
// The key is evicted entirely once its list drains. Returns "" when no
// entry matches.
func (c *correlationCache) Pop(ev types.HookEvent) string {
	key := correlationKey(ev.SessionID, ev.Tool, ev.ToolInput)

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.entries[key]
	if len(ids) == 0 {
		return ""
	}

	id := ids[0]
	if len(ids) == 1 {
		delete(c.entries, key)
	} else {
		c.entries[key] = ids[1:]
	}
	return id
}

// CleanupSession purges every key belonging to a session. Called when a
// session ends to bound memory.
func (c *correlationCache) CleanupSession(sessionID string) {
	prefix := sessionID + keySeparator

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

const keySeparator = "\x1f"

// correlationKey builds the cache key from the session, tool name and a
// deterministic serialization of the tool input. Map keys are sorted
// recursively so structurally equal inputs always produce the same key.
func correlationKey(sessionID, tool string, input map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(sessionID)
	sb.WriteString(keySeparator)
	sb.WriteString(tool)
	sb.WriteString(keySeparator)
	writeCanonicalJSON(&sb, input)
	return sb.String()
}

// writeCanonicalJSON serializes v with object keys in sorted order.
// encoding/json already sorts map keys when marshaling maps, but nested
// values decoded as interface{} may hold types it renders differently
// between runs, so the walk is explicit.
func writeCanonicalJSON(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encoded, _ := json.Marshal(k)
			sb.Write(encoded)
			sb.WriteByte(':')
			writeCanonicalJSON(sb, val[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonicalJSON(sb, item)
		}
		sb.WriteByte(']')
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(sb, "%q", fmt.Sprint(val))
			return
		}
		sb.Write(encoded)
	}
}
