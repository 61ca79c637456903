package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M4TTRX/claude-island/internal/proctree"
	"github.com/M4TTRX/claude-island/internal/transcript"
	"github.com/M4TTRX/claude-island/pkg/types"
)

type fakeResponder struct {
	mu          sync.Mutex
	responded   []string
	bySession   []string
	cancelled   []string
	cleanedUp   []string
	lastReason  string
	lastDecided string
}

func (f *fakeResponder) RespondToPermission(toolUseID, decision, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, toolUseID)
	f.lastDecided = decision
	f.lastReason = reason
}

func (f *fakeResponder) RespondToPermissionBySession(sessionID, decision, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bySession = append(f.bySession, sessionID)
	f.lastDecided = decision
}

func (f *fakeResponder) CancelPendingPermissions(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
}

func (f *fakeResponder) CleanupSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp = append(f.cleanedUp, sessionID)
}

func (f *fakeResponder) cancelledSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func newTestMonitor(t *testing.T, responder *fakeResponder) *Monitor {
	t.Helper()
	return NewMonitor(MonitorOptions{
		Responder:      responder,
		Parser:         transcript.NewParser(zerolog.Nop()),
		TranscriptRoot: t.TempDir(),
		Logger:         zerolog.Nop(),
		Snapshot: func() (*proctree.Tree, error) {
			return proctree.New(nil), nil
		},
	})
}

func TestMonitorCreatesSessionOnFirstEvent(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		CWD:       "/home/me/project",
		Event:     types.EventSessionStart,
		Status:    "idle",
	})

	v, ok := m.Session("s1")
	require.True(t, ok)
	assert.Equal(t, "idle", v.Phase)
	assert.Equal(t, "/home/me/project", v.WorkDir)
	assert.Len(t, m.Sessions(), 1)
}

func TestMonitorPhaseFollowsStatus(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventUserPromptSubmit, Status: "processing"})

	v, _ := m.Session("s1")
	assert.Equal(t, "processing", v.Phase)

	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		Event:     types.EventPermissionRequest,
		Status:    "waiting_for_approval",
		Tool:      "Bash",
		ToolUseID: "tu_1",
	})

	v, _ = m.Session("s1")
	assert.Equal(t, "waiting_for_approval", v.Phase)
	assert.Equal(t, "tu_1", v.PendingToolUse)
	assert.Equal(t, "Bash", v.PendingTool)

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventStop, Status: "idle"})
	v, _ = m.Session("s1")
	assert.Equal(t, "idle", v.Phase)
	assert.Empty(t, v.PendingToolUse)
}

func TestMonitorPhaseFallsBackToEventKind(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart})
	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventPreToolUse, Tool: "Read"})

	v, _ := m.Session("s1")
	assert.Equal(t, "processing", v.Phase)

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventPreCompact})
	v, _ = m.Session("s1")
	assert.Equal(t, "compacting", v.Phase)

	m.HandleEvent(types.HookEvent{
		SessionID:        "s1",
		Event:            types.EventNotification,
		NotificationType: "waiting_for_input",
	})
	// compacting does not move to approval, but does accept input-wait.
	v, _ = m.Session("s1")
	assert.Equal(t, "waiting_for_input", v.Phase)
}

func TestMonitorRejectedTransitionKeepsPhase(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventStop, Status: "waiting_for_input"})

	// waiting_for_input -> waiting_for_approval is not a legal move.
	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		Event:     types.EventNotification,
		Status:    "waiting_for_approval",
		ToolUseID: "tu_x",
	})

	v, _ := m.Session("s1")
	assert.Equal(t, "waiting_for_input", v.Phase)
}

func TestMonitorDropsEventWithoutSession(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{Event: types.EventSessionStart})
	assert.Empty(t, m.Sessions())
}

func TestMonitorSessionEndTearsDown(t *testing.T) {
	responder := &fakeResponder{}
	m := newTestMonitor(t, responder)
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionEnd, Status: "ended"})

	_, ok := m.Session("s1")
	assert.False(t, ok)
	assert.Equal(t, []string{"s1"}, responder.cleanedUp)

	// A fresh event after an end starts a brand new session in idle.
	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	v, ok := m.Session("s1")
	require.True(t, ok)
	assert.Equal(t, "idle", v.Phase)
}

func TestMonitorRespond(t *testing.T) {
	responder := &fakeResponder{}
	m := newTestMonitor(t, responder)
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		Event:     types.EventPermissionRequest,
		Status:    "waiting_for_approval",
		Tool:      "Bash",
		ToolUseID: "tu_1",
	})

	require.NoError(t, m.Respond("tu_1", types.DecisionAllow, ""))

	assert.Equal(t, []string{"tu_1"}, responder.responded)
	v, _ := m.Session("s1")
	assert.Equal(t, "processing", v.Phase)
}

func TestMonitorRespondBySession(t *testing.T) {
	responder := &fakeResponder{}
	m := newTestMonitor(t, responder)
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		Event:     types.EventPermissionRequest,
		Status:    "waiting_for_approval",
		Tool:      "Edit",
		ToolUseID: "tu_2",
	})

	require.NoError(t, m.RespondBySession("s1", types.DecisionDeny, "nope"))

	assert.Equal(t, []string{"s1"}, responder.bySession)
	v, _ := m.Session("s1")
	assert.Equal(t, "processing", v.Phase)
}

func TestMonitorRespondRejectsBadDecision(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	assert.Error(t, m.Respond("tu_1", "maybe", ""))
	assert.Error(t, m.RespondBySession("s1", "", ""))
}

func TestMonitorPermissionFailureClearsApproval(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		Event:     types.EventPermissionRequest,
		Status:    "waiting_for_approval",
		Tool:      "Bash",
		ToolUseID: "tu_1",
	})

	m.HandlePermissionFailure("s1", "tu_1")

	v, _ := m.Session("s1")
	assert.Equal(t, "waiting_for_input", v.Phase)

	// A failure for an unknown session is a no-op.
	m.HandlePermissionFailure("ghost", "tu_x")
}

func TestMonitorCleanupIdleSessions(t *testing.T) {
	responder := &fakeResponder{}
	m := newTestMonitor(t, responder)
	defer m.Close()

	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventSessionStart, Status: "idle"})
	m.HandleEvent(types.HookEvent{SessionID: "s2", Event: types.EventSessionStart, Status: "idle"})

	m.mu.Lock()
	m.sessions["s1"].LastActive = time.Now().Add(-3 * time.Hour)
	m.mu.Unlock()

	m.CleanupIdleSessions(2 * time.Hour)

	_, ok := m.Session("s1")
	assert.False(t, ok)
	_, ok = m.Session("s2")
	assert.True(t, ok)
	assert.Equal(t, []string{"s1"}, responder.cleanedUp)
}

func TestMonitorAttachesProcessInfo(t *testing.T) {
	procs := []proctree.Process{
		{PID: 1, PPID: 0, TTY: "?", Command: "/sbin/init"},
		{PID: 40, PPID: 1, TTY: "?", Command: "tmux: server"},
		{PID: 50, PPID: 40, TTY: "pts/3", Command: "-zsh"},
		{PID: 60, PPID: 50, TTY: "pts/3", Command: "claude"},
	}
	m := NewMonitor(MonitorOptions{
		Responder:      &fakeResponder{},
		Parser:         transcript.NewParser(zerolog.Nop()),
		TranscriptRoot: t.TempDir(),
		Logger:         zerolog.Nop(),
		Snapshot: func() (*proctree.Tree, error) {
			return proctree.New(procs), nil
		},
	})
	defer m.Close()

	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		Event:     types.EventSessionStart,
		Status:    "idle",
		PID:       60,
	})

	m.mu.Lock()
	s := m.sessions["s1"]
	assert.Equal(t, 60, s.PID)
	assert.True(t, s.InsideTmux)
	assert.Equal(t, "pts/3", s.TTY)
	m.mu.Unlock()
}

func transcriptPathOf(t *testing.T, m *Monitor, sessionID string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	require.True(t, ok)
	return s.TranscriptPath
}

func appendTranscript(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

func TestMonitorInterruptFromTranscriptWrite(t *testing.T) {
	responder := &fakeResponder{}
	m := newTestMonitor(t, responder)
	defer m.Close()

	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		CWD:       "/home/me/brand-new-project",
		Event:     types.EventSessionStart,
		Status:    "idle",
	})

	// The project directory did not exist before the first event; the
	// monitor creates it so the watchers can attach immediately.
	path := transcriptPathOf(t, m, "s1")
	_, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)

	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		Event:     types.EventPermissionRequest,
		Status:    "waiting_for_approval",
		Tool:      "Bash",
		ToolUseID: "tu_1",
	})

	appendTranscript(t, path,
		`{"type":"user","message":{"role":"user","content":"[Request interrupted by user]"}}`,
	)

	require.Eventually(t, func() bool {
		v, ok := m.Session("s1")
		return ok && v.Phase == "waiting_for_input"
	}, 3*time.Second, 10*time.Millisecond, "interrupt never flipped the phase")

	require.Eventually(t, func() bool {
		for _, id := range responder.cancelledSessions() {
			if id == "s1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMonitorSubagentTrackingFromTranscript(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		CWD:       "/home/me/project",
		Event:     types.EventSessionStart,
		Status:    "idle",
	})
	path := transcriptPathOf(t, m, "s1")

	appendTranscript(t, path,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_task","name":"Task","input":{"prompt":"explore"}}]}}`,
	)

	require.Eventually(t, func() bool {
		v, ok := m.Session("s1")
		return ok && v.SubagentActive
	}, 3*time.Second, 10*time.Millisecond, "open Task tool never marked the session")

	appendTranscript(t, path,
		`{"type":"user","toolUseResult":{"status":"done"},"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_task","content":"done"}]}}`,
	)

	require.Eventually(t, func() bool {
		v, ok := m.Session("s1")
		return ok && !v.SubagentActive
	}, 3*time.Second, 10*time.Millisecond, "completed Task tool never cleared the session")
}

func TestMonitorClearFromTranscriptWrite(t *testing.T) {
	m := newTestMonitor(t, &fakeResponder{})
	defer m.Close()

	m.HandleEvent(types.HookEvent{
		SessionID: "s1",
		CWD:       "/home/me/project",
		Event:     types.EventSessionStart,
		Status:    "idle",
	})
	path := transcriptPathOf(t, m, "s1")
	clearLine := `{"type":"user","message":{"role":"user","content":"<command-name>/clear</command-name>"}}`

	appendTranscript(t, path,
		clearLine,
		`{"type":"user","message":{"role":"user","content":"hello"}}`,
	)
	m.HandleEvent(types.HookEvent{SessionID: "s1", Event: types.EventUserPromptSubmit, Status: "processing"})

	require.Eventually(t, func() bool {
		m.parseMu.Lock()
		defer m.parseMu.Unlock()
		return len(m.parser.Messages("s1")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The second clear marker is a user action: the session returns to idle.
	appendTranscript(t, path, clearLine)

	require.Eventually(t, func() bool {
		v, ok := m.Session("s1")
		return ok && v.Phase == "idle"
	}, 3*time.Second, 10*time.Millisecond, "clear never returned the session to idle")
}
