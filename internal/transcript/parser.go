// Package transcript parses the append-only JSONL conversation logs
// written by the CLI, both as whole-file summaries and as incremental
// reads driven by file watchers.
package transcript

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/M4TTRX/claude-island/pkg/types"
)

const (
	// Files above this size are read from the tail only.
	defaultLargeFileThreshold = 10 << 20
	// maxLineSize bounds scanner buffers; transcript lines with large
	// tool results can run to megabytes.
	maxLineSize = 10 << 20
)

// Summary is the cold-path result for one transcript file.
type Summary struct {
	Summary           string
	FirstUserMessage  string
	LastMessageRole   string
	LastTool          string
	LastUserMessageAt time.Time
	Usage             types.Usage
	MessageCount      int
}

type cachedSummary struct {
	modTime time.Time
	size    int64
	summary Summary
}

// Parser owns per-session incremental state and a summary cache.
// Callers must serialize calls for the same session; concurrent parses
// of one session are not supported.
type Parser struct {
	log                zerolog.Logger
	largeFileThreshold int64

	summaries map[string]cachedSummary
	states    map[string]*sessionState
}

// NewParser creates a parser.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{
		log:                logger.With().Str("component", "transcript").Logger(),
		largeFileThreshold: defaultLargeFileThreshold,
		summaries:          make(map[string]cachedSummary),
		states:             make(map[string]*sessionState),
	}
}

// Parse reads a whole transcript file and summarizes it. The result is
// cached by modification time and size, so unchanged files cost one
// stat. Large files are read from the tail, discarding the partial
// leading line.
func (p *Parser) Parse(path string) (Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Summary{}, fmt.Errorf("stat transcript: %w", err)
	}

	if cached, ok := p.summaries[path]; ok &&
		cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.summary, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	skipFirstLine := false
	if info.Size() > p.largeFileThreshold {
		if _, err := f.Seek(-p.largeFileThreshold, io.SeekEnd); err != nil {
			return Summary{}, fmt.Errorf("seek transcript tail: %w", err)
		}
		skipFirstLine = true
	}

	summary := Summary{}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	first := true
	for scanner.Scan() {
		raw := scanner.Bytes()
		if first && skipFirstLine {
			first = false
			continue
		}
		first = false
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		line, err := types.ParseTranscriptLine(raw)
		if err != nil {
			p.log.Debug().Err(err).Str("path", path).Msg("skipping undecodable transcript line")
			continue
		}
		applyToSummary(&summary, line)
	}
	if err := scanner.Err(); err != nil {
		return Summary{}, fmt.Errorf("scan transcript: %w", err)
	}

	p.summaries[path] = cachedSummary{
		modTime: info.ModTime(),
		size:    info.Size(),
		summary: summary,
	}
	return summary, nil
}

func applyToSummary(s *Summary, line types.TranscriptLine) {
	switch line.Type {
	case types.LineTypeSummary:
		if line.Summary != "" {
			s.Summary = line.Summary
		}
	case types.LineTypeUser:
		s.MessageCount++
		s.LastMessageRole = "user"
		if !line.Timestamp.IsZero() {
			s.LastUserMessageAt = line.Timestamp
		}
		if s.FirstUserMessage == "" {
			for _, block := range line.Message.ContentBlocks() {
				if block.Type == types.BlockTypeText && block.Text != "" {
					s.FirstUserMessage = block.Text
					break
				}
			}
		}
	case types.LineTypeAssistant:
		s.MessageCount++
		s.LastMessageRole = "assistant"
		for _, block := range line.Message.ContentBlocks() {
			if block.Type == types.BlockTypeToolUse && block.Name != "" {
				s.LastTool = block.Name
			}
		}
		if line.Message != nil && line.Message.Usage != nil {
			s.Usage.Add(*line.Message.Usage)
		}
	}
}
