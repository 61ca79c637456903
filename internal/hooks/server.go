package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/M4TTRX/claude-island/pkg/types"
)

// EventHandler receives every decoded hook event. For permission events
// the tool-use id has been resolved when possible; events forwarded in
// degraded mode carry no id and no pending entry.
type EventHandler func(types.HookEvent)

// PermissionFailureHandler is invoked when a pending permission times
// out without a decision, so the consumer can mark the approval failed
// instead of hanging.
type PermissionFailureHandler func(sessionID, toolUseID string)

// Options configures the socket server. Zero values fall back to the
// defaults below.
type Options struct {
	SocketPath        string
	SocketMode        os.FileMode
	PermissionTimeout time.Duration
	ReadBudget        time.Duration
	ReadPollInterval  time.Duration
	BindInitialDelay  time.Duration
	BindMaxDelay      time.Duration
	BindMaxAttempts   uint64
	Logger            zerolog.Logger
}

const (
	defaultPermissionTimeout = 5 * time.Minute
	defaultReadBudget        = 500 * time.Millisecond
	defaultReadPollInterval  = 25 * time.Millisecond
	defaultBindInitialDelay  = 100 * time.Millisecond
	defaultBindMaxDelay      = 10 * time.Second
	defaultBindMaxAttempts   = 8
	defaultSocketMode        = os.FileMode(0777)
)

func (o *Options) fillDefaults() {
	if o.PermissionTimeout <= 0 {
		o.PermissionTimeout = defaultPermissionTimeout
	}
	if o.ReadBudget <= 0 {
		o.ReadBudget = defaultReadBudget
	}
	if o.ReadPollInterval <= 0 {
		o.ReadPollInterval = defaultReadPollInterval
	}
	if o.BindInitialDelay <= 0 {
		o.BindInitialDelay = defaultBindInitialDelay
	}
	if o.BindMaxDelay <= 0 {
		o.BindMaxDelay = defaultBindMaxDelay
	}
	if o.BindMaxAttempts == 0 {
		o.BindMaxAttempts = defaultBindMaxAttempts
	}
	if o.SocketMode == 0 {
		o.SocketMode = defaultSocketMode
	}
}

var errServerStopped = errors.New("hooks: server stopped")

// Server owns the Unix domain socket that hook invocations connect to.
// One JSON event is read per connection; fire-and-forget events are
// forwarded immediately, permission events hold the connection open in
// the ledger until a decision or timeout.
type Server struct {
	opts   Options
	log    zerolog.Logger
	ledger *pendingLedger
	cache  *correlationCache

	mu       sync.Mutex
	listener net.Listener
	started  bool
	stopped  bool
	stopCh   chan struct{}

	onEvent             EventHandler
	onPermissionFailure PermissionFailureHandler

	wg sync.WaitGroup
}

// NewServer creates a server for the given socket path.
func NewServer(opts Options) *Server {
	opts.fillDefaults()
	return &Server{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "hooks").Logger(),
		ledger: newPendingLedger(),
		cache:  newCorrelationCache(),
	}
}

// Start binds the socket and begins accepting connections. Accepting
// never blocks the caller. A failed bind is retried in the background
// with capped exponential backoff and jitter; once the attempt cap is
// exhausted the server stays down until explicitly restarted via Stop
// and Start.
func (s *Server) Start(onEvent EventHandler, onPermissionFailure PermissionFailureHandler) error {
	if onEvent == nil {
		return errors.New("hooks: event handler is required")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("hooks: server already started")
	}
	s.started = true
	s.stopped = false
	s.stopCh = make(chan struct{})
	s.onEvent = onEvent
	s.onPermissionFailure = onPermissionFailure
	s.mu.Unlock()

	ln, err := s.bind()
	if err == nil {
		s.startAccepting(ln)
		return nil
	}

	s.log.Warn().Err(err).Str("socket", s.opts.SocketPath).Msg("initial bind failed, retrying in background")
	s.wg.Add(1)
	go s.bindWithRetry()
	return nil
}

// Stop halts acceptance, closes held permission connections without a
// response, releases the listener and removes the socket file. A retry
// sleeping in backoff observes the stop promptly and gives up.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.started = false
	close(s.stopCh)
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	for _, p := range s.ledger.Snapshot() {
		if removed := s.ledger.Remove(p.ToolUseID); removed != nil {
			_ = removed.Conn.Close()
		}
	}

	s.wg.Wait()
	_ = os.Remove(s.opts.SocketPath)
	s.log.Info().Str("socket", s.opts.SocketPath).Msg("server stopped")
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) bind() (net.Listener, error) {
	// A stale socket file from a crashed process would fail the bind.
	if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.opts.SocketPath, err)
	}

	if err := os.Chmod(s.opts.SocketPath, s.opts.SocketMode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return ln, nil
}

func (s *Server) bindWithRetry() {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BindInitialDelay
	b.MaxInterval = s.opts.BindMaxDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	var ln net.Listener
	operation := func() error {
		// Checked after every backoff wake so a shutdown requested
		// mid-sleep is honored before touching the socket again.
		if s.isStopped() {
			return backoff.Permanent(errServerStopped)
		}
		var err error
		ln, err = s.bind()
		return err
	}

	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", next).Msg("bind failed")
	}

	err := backoff.RetryNotify(operation, backoff.WithMaxRetries(b, s.opts.BindMaxAttempts), notify)
	if err != nil {
		if !errors.Is(err, errServerStopped) {
			s.log.Error().Err(err).Msg("giving up on bind, server requires restart")
		}
		return
	}

	if s.isStopped() {
		_ = ln.Close()
		return
	}
	s.startAccepting(ln)
}

func (s *Server) startAccepting(ln net.Listener) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("socket", s.opts.SocketPath).Msg("listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads one event from the connection and routes it. The
// connection is closed here for everything except accepted permission
// events, whose descriptor moves into the ledger.
func (s *Server) handleConn(conn net.Conn) {
	data, err := s.readEvent(conn)
	if err != nil {
		_ = conn.Close()
		s.log.Debug().Err(err).Msg("dropping connection with unreadable payload")
		return
	}

	ev, err := types.DecodeHookEvent(data)
	if err != nil {
		_ = conn.Close()
		s.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable event")
		return
	}

	if ev.Event == types.EventPreToolUse && ev.ToolUseID != "" {
		s.cache.Put(ev)
	}

	if !ev.RequiresDecision() {
		_ = conn.Close()
		s.onEvent(ev)
		return
	}

	s.handlePermission(conn, ev)
}

func (s *Server) handlePermission(conn net.Conn, ev types.HookEvent) {
	toolUseID := ev.ToolUseID
	if toolUseID == "" {
		toolUseID = s.cache.Pop(ev)
	}

	if toolUseID == "" {
		// Degraded mode: the consumer is still informed, but cannot
		// deliver a decision for this specific tool use.
		_ = conn.Close()
		s.log.Warn().
			Str("session_id", ev.SessionID).
			Str("tool", ev.Tool).
			Msg("permission event without resolvable tool_use_id")
		s.onEvent(ev)
		return
	}

	resolved := ev.WithToolUseID(toolUseID)
	pending := &PendingPermission{
		SessionID:  ev.SessionID,
		ToolUseID:  toolUseID,
		Conn:       conn,
		Event:      resolved,
		ReceivedAt: time.Now(),
	}

	if !s.ledger.Add(pending) {
		_ = conn.Close()
		s.log.Warn().
			Str("tool_use_id", toolUseID).
			Msg("duplicate permission request for tool_use_id")
		s.onEvent(resolved)
		return
	}

	// The held connection waits for a decision, not more input.
	_ = conn.SetReadDeadline(time.Time{})

	sessionID := ev.SessionID
	timeout := s.opts.PermissionTimeout
	time.AfterFunc(timeout, func() {
		s.sweepTimeout(toolUseID, sessionID, timeout)
	})

	s.log.Debug().
		Str("session_id", sessionID).
		Str("tool_use_id", toolUseID).
		Str("tool", ev.Tool).
		Msg("permission request registered")
	s.onEvent(resolved)
}

// readEvent assembles one JSON value with short poll waits inside a
// bounded wall-clock window. Accumulated bytes are accepted once they
// form a complete value or the peer stops sending, with or without an
// explicit terminator.
func (s *Server) readEvent(conn net.Conn) ([]byte, error) {
	deadline := time.Now().Add(s.opts.ReadBudget)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadPollInterval)); err != nil {
			break
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if json.Valid(buf) {
				return buf, nil
			}
		}

		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if time.Now().After(deadline) {
					break
				}
				continue
			}
			// EOF or hard error: whatever accumulated is the payload.
			break
		}

		if time.Now().After(deadline) {
			break
		}
	}

	if len(buf) == 0 {
		return nil, errors.New("no bytes received")
	}
	return buf, nil
}

// RespondToPermission delivers a decision for a tool-use id. A missing
// entry (already handled, cancelled or timed out) is a silent no-op.
func (s *Server) RespondToPermission(toolUseID, decision, reason string) {
	p := s.ledger.Take(toolUseID)
	if p == nil {
		s.log.Debug().Str("tool_use_id", toolUseID).Msg("no pending permission to respond to")
		return
	}
	s.writeDecision(p, decision, reason)
}

// RespondToPermissionBySession delivers a decision for the most recently
// received pending permission of a session.
func (s *Server) RespondToPermissionBySession(sessionID, decision, reason string) {
	p := s.ledger.TakeBySession(sessionID)
	if p == nil {
		s.log.Debug().Str("session_id", sessionID).Msg("no pending permission for session")
		return
	}
	s.writeDecision(p, decision, reason)
}

func (s *Server) writeDecision(p *PendingPermission, decision, reason string) {
	defer p.Conn.Close()

	resp := types.PermissionResponse{Decision: decision, Reason: reason}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode permission response")
		return
	}

	_ = p.Conn.SetWriteDeadline(time.Now().Add(s.opts.ReadBudget))
	if _, err := p.Conn.Write(data); err != nil {
		s.log.Warn().
			Err(err).
			Str("tool_use_id", p.ToolUseID).
			Msg("failed to write permission response")
		return
	}

	s.log.Info().
		Str("session_id", p.SessionID).
		Str("tool_use_id", p.ToolUseID).
		Str("decision", decision).
		Msg("permission response delivered")
}

// CancelPendingPermission discards one outstanding request without
// writing a response.
func (s *Server) CancelPendingPermission(toolUseID string) {
	if p := s.ledger.Remove(toolUseID); p != nil {
		_ = p.Conn.Close()
		s.log.Debug().Str("tool_use_id", toolUseID).Msg("pending permission cancelled")
	}
}

// CancelPendingPermissions discards all outstanding requests for a
// session without writing responses.
func (s *Server) CancelPendingPermissions(sessionID string) {
	for _, p := range s.ledger.RemoveSession(sessionID) {
		_ = p.Conn.Close()
	}
}

// CleanupSession drops correlation cache entries for a session and
// cancels its pending permissions. Invoked on session termination.
func (s *Server) CleanupSession(sessionID string) {
	s.CancelPendingPermissions(sessionID)
	s.cache.CleanupSession(sessionID)
}

// PendingPermissions returns the current outstanding requests.
func (s *Server) PendingPermissions() []*PendingPermission {
	return s.ledger.Snapshot()
}

func (s *Server) sweepTimeout(toolUseID, sessionID string, timeout time.Duration) {
	p := s.ledger.TakeExpired(toolUseID, sessionID, timeout, time.Now())
	if p == nil {
		return
	}
	_ = p.Conn.Close()

	s.log.Warn().
		Str("session_id", sessionID).
		Str("tool_use_id", toolUseID).
		Dur("timeout", timeout).
		Msg("pending permission timed out")

	if s.onPermissionFailure != nil {
		s.onPermissionFailure(sessionID, toolUseID)
	}
}
