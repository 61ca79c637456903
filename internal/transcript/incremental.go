package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/M4TTRX/claude-island/pkg/types"
)

// clearMarker is the literal the CLI writes when the user runs the
// clear command. Its presence anywhere in a line wipes the session's
// accumulated state.
const clearMarker = "<command-name>/clear</command-name>"

// interruptMarker is written as a user message when a running turn is
// interrupted.
const interruptMarker = "[Request interrupted"

// ToolUse is a tool invocation extracted from an assistant message.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ChatMessage is a structured message accumulated by incremental
// parsing.
type ChatMessage struct {
	Role      string
	Text      string
	ToolUses  []ToolUse
	Timestamp time.Time
	Sidechain bool
}

// Interrupted reports whether this message is the interrupt marker the
// CLI records when the user aborts a turn.
func (m ChatMessage) Interrupted() bool {
	return m.Role == "user" && strings.Contains(m.Text, interruptMarker)
}

// sessionState is the per-session incremental accumulator. The offset
// is monotonically non-decreasing except across an explicit reset.
type sessionState struct {
	lastOffset        int64
	messages          []ChatMessage
	seenToolIDs       map[string]struct{}
	toolNames         map[string]string
	completedToolIDs  map[string]struct{}
	toolResults       map[string]string
	structuredResults map[string]map[string]interface{}
	lastClearOffset   int64
	clearCount        int
	clearPending      bool
}

func newSessionState() *sessionState {
	return &sessionState{
		seenToolIDs:       make(map[string]struct{}),
		toolNames:         make(map[string]string),
		completedToolIDs:  make(map[string]struct{}),
		toolResults:       make(map[string]string),
		structuredResults: make(map[string]map[string]interface{}),
	}
}

// resetAccumulators wipes everything derived from transcript content
// while keeping clear bookkeeping intact.
func (s *sessionState) resetAccumulators() {
	s.messages = nil
	s.seenToolIDs = make(map[string]struct{})
	s.toolNames = make(map[string]string)
	s.completedToolIDs = make(map[string]struct{})
	s.toolResults = make(map[string]string)
	s.structuredResults = make(map[string]map[string]interface{})
}

// Update is the result of one incremental parse call.
type Update struct {
	NewMessages    []ChatMessage
	CompletedTools []string
	// ClearDetected is one-shot: reported true at most once per clear.
	ClearDetected bool
	// Reset is true when the file shrank and the whole state was
	// discarded before this read.
	Reset bool
}

// ResetSession drops all incremental state for a session.
func (p *Parser) ResetSession(sessionID string) {
	delete(p.states, sessionID)
}

// Messages returns the accumulated messages for a session.
func (p *Parser) Messages(sessionID string) []ChatMessage {
	if state, ok := p.states[sessionID]; ok {
		return state.messages
	}
	return nil
}

// ToolName returns the recorded name for a tool-use id.
func (p *Parser) ToolName(sessionID, toolUseID string) (string, bool) {
	state, ok := p.states[sessionID]
	if !ok {
		return "", false
	}
	name, ok := state.toolNames[toolUseID]
	return name, ok
}

// ToolResult returns the textual result payload for a completed tool.
func (p *Parser) ToolResult(sessionID, toolUseID string) (string, bool) {
	state, ok := p.states[sessionID]
	if !ok {
		return "", false
	}
	res, ok := state.toolResults[toolUseID]
	return res, ok
}

// OpenToolUses returns tool invocations that have not produced a
// result yet.
func (p *Parser) OpenToolUses(sessionID string) []ToolUse {
	state, ok := p.states[sessionID]
	if !ok {
		return nil
	}

	var open []ToolUse
	for _, msg := range state.messages {
		for _, tu := range msg.ToolUses {
			if _, done := state.completedToolIDs[tu.ID]; !done {
				open = append(open, tu)
			}
		}
	}
	return open
}

// ParseIncremental reads only the bytes appended since the previous
// call for this session. A file that shrank below the recorded offset
// resets the state wholesale and resumes from offset zero. The offset
// always advances to the current file size, even when no new messages
// were produced.
func (p *Parser) ParseIncremental(sessionID, path string) (Update, error) {
	state, ok := p.states[sessionID]
	if !ok {
		state = newSessionState()
		p.states[sessionID] = state
	}

	info, err := os.Stat(path)
	if err != nil {
		return Update{}, fmt.Errorf("stat transcript: %w", err)
	}

	update := Update{}
	if info.Size() < state.lastOffset {
		p.log.Info().
			Str("session_id", sessionID).
			Int64("offset", state.lastOffset).
			Int64("size", info.Size()).
			Msg("transcript shrank, resetting session state")
		state = newSessionState()
		p.states[sessionID] = state
		update.Reset = true
	}

	if info.Size() == state.lastOffset {
		return update, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Update{}, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if state.lastOffset > 0 {
		if _, err := f.Seek(state.lastOffset, io.SeekStart); err != nil {
			return Update{}, fmt.Errorf("seek transcript: %w", err)
		}
	}

	offset := state.lastOffset
	// Read only up to the size observed by stat. A writer appending
	// mid-parse would otherwise push lines past the recorded offset and
	// get them re-read as duplicates on the next call.
	scanner := bufio.NewScanner(io.LimitReader(f, info.Size()-state.lastOffset))
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		lineStart := offset
		offset += int64(len(raw)) + 1

		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		p.applyLine(state, &update, raw, lineStart)
	}
	if err := scanner.Err(); err != nil {
		return Update{}, fmt.Errorf("scan transcript: %w", err)
	}

	// Unconditional, so undecodable trailing garbage is never re-read.
	state.lastOffset = info.Size()

	if state.clearPending {
		update.ClearDetected = true
		state.clearPending = false
	}
	return update, nil
}

// applyLine classifies a raw line by cheap substring markers before
// paying for a JSON decode.
func (p *Parser) applyLine(state *sessionState, update *Update, raw []byte, lineStart int64) {
	if bytes.Contains(raw, []byte(clearMarker)) {
		state.clearCount++
		state.lastClearOffset = lineStart
		state.resetAccumulators()
		if state.clearCount >= 2 {
			state.clearPending = true
		}
		return
	}

	switch {
	case bytes.Contains(raw, []byte(`"toolUseResult"`)):
		p.applyToolResult(state, update, raw)
	case bytes.Contains(raw, []byte(`"type":"user"`)), bytes.Contains(raw, []byte(`"type":"assistant"`)):
		p.applyChatMessage(state, update, raw)
	}
}

func (p *Parser) applyToolResult(state *sessionState, update *Update, raw []byte) {
	line, err := types.ParseTranscriptLine(raw)
	if err != nil {
		p.log.Debug().Err(err).Msg("skipping undecodable tool result line")
		return
	}

	for _, block := range line.Message.ContentBlocks() {
		if block.Type != types.BlockTypeToolResult || block.ToolUseID == "" {
			continue
		}
		if _, done := state.completedToolIDs[block.ToolUseID]; done {
			continue
		}
		state.completedToolIDs[block.ToolUseID] = struct{}{}
		state.toolResults[block.ToolUseID] = resultText(block.Content)
		update.CompletedTools = append(update.CompletedTools, block.ToolUseID)

		if len(line.ToolUseResult) > 0 {
			var structured map[string]interface{}
			if err := json.Unmarshal(line.ToolUseResult, &structured); err == nil {
				state.structuredResults[block.ToolUseID] = structured
			}
		}
	}
}

func (p *Parser) applyChatMessage(state *sessionState, update *Update, raw []byte) {
	line, err := types.ParseTranscriptLine(raw)
	if err != nil {
		p.log.Debug().Err(err).Msg("skipping undecodable message line")
		return
	}
	if line.Message == nil {
		return
	}

	msg := ChatMessage{
		Role:      line.Message.Role,
		Timestamp: line.Timestamp,
		Sidechain: line.IsSidechain,
	}

	for _, block := range line.Message.ContentBlocks() {
		switch block.Type {
		case types.BlockTypeText:
			if msg.Text == "" {
				msg.Text = block.Text
			}
		case types.BlockTypeToolUse:
			if block.ID == "" {
				continue
			}
			// The CLI re-emits tool_use blocks when a message is
			// extended; keep the first occurrence only.
			if _, seen := state.seenToolIDs[block.ID]; seen {
				continue
			}
			state.seenToolIDs[block.ID] = struct{}{}
			state.toolNames[block.ID] = block.Name
			msg.ToolUses = append(msg.ToolUses, ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}

	if msg.Text == "" && len(msg.ToolUses) == 0 {
		return
	}

	state.messages = append(state.messages, msg)
	update.NewMessages = append(update.NewMessages, msg)
}

// resultText flattens a tool_result content payload, which is either a
// plain string or a list of text blocks.
func resultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}

	var blocks []types.ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var buf bytes.Buffer
		for _, b := range blocks {
			if b.Type == types.BlockTypeText {
				buf.WriteString(b.Text)
			}
		}
		return buf.String()
	}
	return ""
}
