// Package session tracks the lifecycle of monitored CLI sessions: the
// per-session state machine, and the monitor that applies hook events,
// transcript updates and permission decisions to it.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/M4TTRX/claude-island/internal/proctree"
	"github.com/M4TTRX/claude-island/internal/store"
	"github.com/M4TTRX/claude-island/internal/transcript"
	"github.com/M4TTRX/claude-island/internal/watcher"
	"github.com/M4TTRX/claude-island/pkg/types"
)

// PermissionResponder is the slice of the socket server the monitor
// drives decisions through.
type PermissionResponder interface {
	RespondToPermission(toolUseID, decision, reason string)
	RespondToPermissionBySession(sessionID, decision, reason string)
	CancelPendingPermissions(sessionID string)
	CleanupSession(sessionID string)
}

// subagentTool is the tool name the CLI uses to spawn sub-agents.
const subagentTool = "Task"

const (
	interruptDebounce = 30 * time.Millisecond
	subagentDebounce  = 150 * time.Millisecond
)

// Session is one monitored CLI session.
type Session struct {
	ID              string
	WorkDir         string
	PID             int
	TTY             string
	TranscriptPath  string
	TerminalPID     int
	TerminalCommand string
	InsideTmux      bool
	SubagentActive  bool
	LastActive      time.Time

	machine          *StateMachine
	interruptWatcher *watcher.Watcher
	subagentWatcher  *watcher.Watcher
}

// View is an immutable snapshot of a session for API consumers.
type View struct {
	ID              string    `json:"session_id"`
	WorkDir         string    `json:"working_directory"`
	Phase           string    `json:"phase"`
	PendingToolUse  string    `json:"pending_tool_use_id,omitempty"`
	PendingTool     string    `json:"pending_tool,omitempty"`
	SubagentActive  bool      `json:"subagent_active"`
	InsideTmux      bool      `json:"inside_tmux"`
	TerminalCommand string    `json:"terminal,omitempty"`
	LastActive      time.Time `json:"last_active"`
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Responder      PermissionResponder
	Parser         *transcript.Parser
	Store          *store.Store
	TranscriptRoot string
	Logger         zerolog.Logger
	// Snapshot is swappable in tests; nil means proctree.Snapshot.
	Snapshot func() (*proctree.Tree, error)
}

// Monitor consumes hook events and watcher signals, drives each
// session's state machine and persists lifecycle changes.
type Monitor struct {
	responder      PermissionResponder
	store          *store.Store
	transcriptRoot string
	log            zerolog.Logger
	snapshot       func() (*proctree.Tree, error)

	mu       sync.Mutex
	sessions map[string]*Session

	// parseMu serializes all access to the parser, which does not
	// support concurrent calls for the same session.
	parseMu sync.Mutex
	parser  *transcript.Parser
}

// NewMonitor creates a monitor.
func NewMonitor(opts MonitorOptions) *Monitor {
	snapshot := opts.Snapshot
	if snapshot == nil {
		snapshot = proctree.Snapshot
	}
	return &Monitor{
		responder:      opts.Responder,
		parser:         opts.Parser,
		store:          opts.Store,
		transcriptRoot: opts.TranscriptRoot,
		log:            opts.Logger.With().Str("component", "monitor").Logger(),
		snapshot:       snapshot,
		sessions:       make(map[string]*Session),
	}
}

// HandleEvent applies one hook event. Safe for concurrent use; this is
// the callback handed to the socket server.
func (m *Monitor) HandleEvent(ev types.HookEvent) {
	if ev.SessionID == "" {
		m.log.Warn().Str("event", ev.Event).Msg("dropping event without session_id")
		return
	}

	now := time.Now()
	m.mu.Lock()
	s, ok := m.sessions[ev.SessionID]
	if !ok {
		s = m.newSessionLocked(ev)
	}
	s.LastActive = now
	m.attachWatchersLocked(s)
	if ev.PID != 0 && s.PID == 0 {
		s.PID = ev.PID
		m.attachProcessInfoLocked(s)
	}
	if ev.TTY != "" {
		s.TTY = ev.TTY
	}

	target := m.phaseFor(s, ev)
	applied := s.machine.Transition(target)
	phase := s.machine.Phase()
	m.mu.Unlock()

	if !applied {
		m.log.Debug().
			Str("session_id", ev.SessionID).
			Str("from", phase.String()).
			Str("to", target.String()).
			Str("event", ev.Event).
			Msg("transition rejected")
	}

	if m.store != nil {
		ctx := context.Background()
		if err := m.store.UpsertSession(ctx, ev.SessionID, ev.CWD, now); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist session")
		}
		if applied {
			if err := m.store.UpdateSessionPhase(ctx, ev.SessionID, phase.String(), now); err != nil {
				m.log.Warn().Err(err).Msg("failed to persist phase")
			}
		}
	}

	if ev.Event == types.EventSessionEnd {
		m.endSession(ev.SessionID, now)
	}
}

// newSessionLocked registers a session and starts its transcript
// watchers. Caller holds m.mu.
func (m *Monitor) newSessionLocked(ev types.HookEvent) *Session {
	s := &Session{
		ID:             ev.SessionID,
		WorkDir:        ev.CWD,
		TranscriptPath: transcript.PathFor(m.transcriptRoot, ev.CWD, ev.SessionID),
		machine:        NewStateMachine(),
	}
	m.sessions[ev.SessionID] = s
	m.attachWatchersLocked(s)

	m.log.Info().
		Str("session_id", s.ID).
		Str("work_dir", s.WorkDir).
		Msg("tracking new session")
	return s
}

// attachWatchersLocked creates any transcript watchers the session is
// still missing. The project directory may not exist before the CLI
// writes the first transcript line, so the directory is created up
// front and a failed attach is retried on the session's next event.
// Caller holds m.mu.
func (m *Monitor) attachWatchersLocked(s *Session) {
	if s.interruptWatcher != nil && s.subagentWatcher != nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.TranscriptPath), 0o755); err != nil {
		m.log.Warn().Err(err).Str("session_id", s.ID).Msg("cannot create transcript directory")
		return
	}

	if s.interruptWatcher == nil {
		iw, err := watcher.New(s.TranscriptPath, interruptDebounce, m.log, func() {
			m.onTranscriptWrite(s.ID)
		})
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", s.ID).Msg("interrupt watcher unavailable")
		} else {
			s.interruptWatcher = iw
			iw.Start()
		}
	}

	if s.subagentWatcher == nil {
		sw, err := watcher.New(s.TranscriptPath, subagentDebounce, m.log, func() {
			m.onSubagentScan(s.ID)
		})
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", s.ID).Msg("subagent watcher unavailable")
		} else {
			s.subagentWatcher = sw
			sw.Start()
		}
	}
}

// attachProcessInfoLocked resolves the session's terminal ancestor and
// tmux membership from a process tree snapshot. Caller holds m.mu.
func (m *Monitor) attachProcessInfoLocked(s *Session) {
	tree, err := m.snapshot()
	if err != nil {
		m.log.Debug().Err(err).Msg("process snapshot unavailable")
		return
	}

	if term, ok := tree.TerminalAncestor(s.PID); ok {
		s.TerminalPID = term.PID
		s.TerminalCommand = term.Command
	}
	s.InsideTmux = tree.InsideTmux(s.PID)

	if s.TTY == "" {
		if p, ok := tree.Process(s.PID); ok {
			s.TTY = p.TTY
		}
	}
}

// phaseFor derives the target phase from the event's status string,
// falling back to the event kind.
func (m *Monitor) phaseFor(s *Session, ev types.HookEvent) Phase {
	switch ev.Status {
	case "processing":
		return Processing()
	case "waiting_for_approval":
		return WaitingForApproval(PermissionContext{
			ToolUseID:  ev.ToolUseID,
			Tool:       ev.Tool,
			Input:      ev.ToolInput,
			ReceivedAt: time.Now(),
		})
	case "waiting_for_input":
		return WaitingForInput()
	case "compacting":
		return Compacting()
	case "idle":
		return Idle()
	case "ended":
		return Ended()
	}

	switch ev.Event {
	case types.EventSessionStart:
		return Idle()
	case types.EventUserPromptSubmit, types.EventPreToolUse, types.EventPostToolUse:
		return Processing()
	case types.EventPermissionRequest:
		return WaitingForApproval(PermissionContext{
			ToolUseID:  ev.ToolUseID,
			Tool:       ev.Tool,
			Input:      ev.ToolInput,
			ReceivedAt: time.Now(),
		})
	case types.EventPreCompact:
		return Compacting()
	case types.EventStop:
		return Idle()
	case types.EventSessionEnd:
		return Ended()
	case types.EventNotification:
		if ev.NotificationType == "waiting_for_input" {
			return WaitingForInput()
		}
	}

	// No phase change implied: target the current phase (always valid).
	return s.machine.Phase()
}

// HandlePermissionFailure is invoked by the socket server when a
// pending permission times out. The session leaves the approval phase
// so the UI does not show a stale prompt.
func (m *Monitor) HandlePermissionFailure(sessionID, toolUseID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	var applied bool
	if ok && s.machine.Phase().Kind == PhaseWaitingForApproval {
		applied = s.machine.Transition(WaitingForInput())
	}
	m.mu.Unlock()

	m.log.Warn().
		Str("session_id", sessionID).
		Str("tool_use_id", toolUseID).
		Bool("phase_cleared", applied).
		Msg("permission request failed")
}

// Respond delivers a decision for a tool-use id, updates the session
// phase and records the decision.
func (m *Monitor) Respond(toolUseID, decision, reason string) error {
	if err := validateDecision(decision); err != nil {
		return err
	}

	var sessionID, tool string
	m.mu.Lock()
	for _, s := range m.sessions {
		phase := s.machine.Phase()
		if phase.Kind == PhaseWaitingForApproval && phase.Approval != nil && phase.Approval.ToolUseID == toolUseID {
			sessionID = s.ID
			tool = phase.Approval.Tool
			s.machine.Transition(Processing())
			break
		}
	}
	m.mu.Unlock()

	m.responder.RespondToPermission(toolUseID, decision, reason)
	m.recordDecision(toolUseID, sessionID, tool, decision, reason)
	return nil
}

// RespondBySession delivers a decision for the most recent pending
// permission of a session.
func (m *Monitor) RespondBySession(sessionID, decision, reason string) error {
	if err := validateDecision(decision); err != nil {
		return err
	}

	var toolUseID, tool string
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		phase := s.machine.Phase()
		if phase.Kind == PhaseWaitingForApproval && phase.Approval != nil {
			toolUseID = phase.Approval.ToolUseID
			tool = phase.Approval.Tool
			s.machine.Transition(Processing())
		}
	}
	m.mu.Unlock()

	m.responder.RespondToPermissionBySession(sessionID, decision, reason)
	m.recordDecision(toolUseID, sessionID, tool, decision, reason)
	return nil
}

func validateDecision(decision string) error {
	switch decision {
	case types.DecisionAllow, types.DecisionDeny, types.DecisionAsk:
		return nil
	}
	return fmt.Errorf("invalid decision %q", decision)
}

func (m *Monitor) recordDecision(toolUseID, sessionID, tool, decision, reason string) {
	if m.store == nil || toolUseID == "" {
		return
	}
	err := m.store.RecordDecision(context.Background(), store.DecisionRow{
		ToolUseID: toolUseID,
		SessionID: sessionID,
		Tool:      tool,
		Decision:  decision,
		Reason:    reason,
		DecidedAt: time.Now(),
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to record decision")
	}
}

// onTranscriptWrite is the interrupt watcher callback: parse the new
// bytes and react to interrupts and clears.
func (m *Monitor) onTranscriptWrite(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.parseMu.Lock()
	update, err := m.parser.ParseIncremental(sessionID, s.TranscriptPath)
	m.parseMu.Unlock()
	if err != nil {
		m.log.Debug().Err(err).Str("session_id", sessionID).Msg("incremental parse failed")
		return
	}

	interrupted := false
	for _, msg := range update.NewMessages {
		if msg.Interrupted() {
			interrupted = true
			break
		}
	}

	m.mu.Lock()
	if interrupted {
		phase := s.machine.Phase()
		if phase.Kind == PhaseProcessing || phase.Kind == PhaseWaitingForApproval {
			if s.machine.Transition(WaitingForInput()) {
				m.log.Info().Str("session_id", sessionID).Msg("interrupt detected")
			}
		}
	}
	if update.ClearDetected {
		if s.machine.Transition(Idle()) {
			m.log.Info().Str("session_id", sessionID).Msg("conversation cleared")
		}
	}
	m.mu.Unlock()

	if interrupted {
		m.responder.CancelPendingPermissions(sessionID)
	}
}

// onSubagentScan is the sub-agent watcher callback: examine accumulated
// state for open sub-agent tool invocations.
func (m *Monitor) onSubagentScan(sessionID string) {
	m.parseMu.Lock()
	open := m.parser.OpenToolUses(sessionID)
	m.parseMu.Unlock()

	active := false
	for _, tu := range open {
		if tu.Name == subagentTool {
			active = true
			break
		}
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.SubagentActive != active {
		s.SubagentActive = active
		m.log.Debug().
			Str("session_id", sessionID).
			Bool("active", active).
			Msg("subagent activity changed")
	}
	m.mu.Unlock()
}

// endSession tears down a session: cancels pending permissions, purges
// the correlation cache, stops watchers and resets parse state.
func (m *Monitor) endSession(sessionID string, at time.Time) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.responder.CleanupSession(sessionID)

	if s.interruptWatcher != nil {
		_ = s.interruptWatcher.Close()
	}
	if s.subagentWatcher != nil {
		_ = s.subagentWatcher.Close()
	}

	m.parseMu.Lock()
	m.parser.ResetSession(sessionID)
	m.parseMu.Unlock()

	if m.store != nil {
		if err := m.store.EndSession(context.Background(), sessionID, at); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist session end")
		}
	}

	m.log.Info().Str("session_id", sessionID).Msg("session ended")
}

// Sessions returns a snapshot of all live sessions.
func (m *Monitor) Sessions() []View {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]View, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.viewLocked(s))
	}
	return out
}

// Session returns a snapshot of one session.
func (m *Monitor) Session(sessionID string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return View{}, false
	}
	return m.viewLocked(s), true
}

func (m *Monitor) viewLocked(s *Session) View {
	phase := s.machine.Phase()
	v := View{
		ID:              s.ID,
		WorkDir:         s.WorkDir,
		Phase:           phase.String(),
		SubagentActive:  s.SubagentActive,
		InsideTmux:      s.InsideTmux,
		TerminalCommand: s.TerminalCommand,
		LastActive:      s.LastActive,
	}
	if phase.Kind == PhaseWaitingForApproval && phase.Approval != nil {
		v.PendingToolUse = phase.Approval.ToolUseID
		v.PendingTool = phase.Approval.Tool
	}
	return v
}

// CleanupIdleSessions ends sessions with no activity inside maxIdle.
func (m *Monitor) CleanupIdleSessions(maxIdle time.Duration) {
	now := time.Now()

	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if now.Sub(s.LastActive) > maxIdle {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.log.Info().Str("session_id", id).Msg("ending idle session")
		m.endSession(id, now)
	}
}

// Close ends all sessions.
func (m *Monitor) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		m.endSession(id, now)
	}
}
