package types

import (
	"encoding/json"
	"time"
)

// Transcript line types. Each line of a session transcript is an
// independent JSON object tagged by "type".
const (
	LineTypeUser      = "user"
	LineTypeAssistant = "assistant"
	LineTypeSummary   = "summary"
	LineTypeSystem    = "system"
)

// Content block types nested inside transcript messages
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// TranscriptLine is one line of a session's JSONL transcript.
type TranscriptLine struct {
	Type          string             `json:"type"`
	UUID          string             `json:"uuid,omitempty"`
	ParentUUID    *string            `json:"parentUuid,omitempty"`
	SessionID     string             `json:"sessionId,omitempty"`
	Timestamp     time.Time          `json:"timestamp,omitempty"`
	IsSidechain   bool               `json:"isSidechain,omitempty"`
	Summary       string             `json:"summary,omitempty"`
	Message       *TranscriptMessage `json:"message,omitempty"`
	ToolUseResult json.RawMessage    `json:"toolUseResult,omitempty"`
	CWD           string             `json:"cwd,omitempty"`
}

// TranscriptMessage is the chat message payload carried on user and
// assistant lines.
type TranscriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// ContentBlock is a single content element inside a transcript message:
// text, thinking, a tool invocation or a tool result.
type ContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// Usage holds the token counters attached to assistant messages.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the sum of all token counters.
func (u Usage) Total() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens + u.OutputTokens
}

// ParseTranscriptLine decodes one transcript line.
func ParseTranscriptLine(data []byte) (TranscriptLine, error) {
	var line TranscriptLine
	if err := json.Unmarshal(data, &line); err != nil {
		return TranscriptLine{}, err
	}
	return line, nil
}

// ContentBlocks decodes the message content into structured blocks.
// Plain-string content (the short form used for user prompts) is wrapped
// into a single text block.
func (m *TranscriptMessage) ContentBlocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []ContentBlock{{Type: BlockTypeText, Text: text}}
	}

	return nil
}
