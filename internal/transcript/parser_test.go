package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummarizesTranscript(t *testing.T) {
	p := NewParser(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "s1.jsonl")

	writeLines(t, path,
		`{"type":"summary","summary":"Fixing the flaky watcher test"}`,
		`{"type":"user","timestamp":"2026-08-29T10:00:00Z","message":{"role":"user","content":"please fix the watcher"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Edit","input":{}}],"usage":{"input_tokens":100,"output_tokens":40}}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":20,"cache_read_input_tokens":500,"output_tokens":10}}}`,
	)

	s, err := p.Parse(path)
	require.NoError(t, err)

	assert.Equal(t, "Fixing the flaky watcher test", s.Summary)
	assert.Equal(t, "please fix the watcher", s.FirstUserMessage)
	assert.Equal(t, "assistant", s.LastMessageRole)
	assert.Equal(t, "Edit", s.LastTool)
	assert.Equal(t, 3, s.MessageCount)
	assert.Equal(t, 120, s.Usage.InputTokens)
	assert.Equal(t, 500, s.Usage.CacheReadInputTokens)
	assert.Equal(t, 50, s.Usage.OutputTokens)
	assert.Equal(t, 670, s.Usage.Total())
	assert.Equal(t, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC), s.LastUserMessageAt)
}

func TestParseCachesByModTimeAndSize(t *testing.T) {
	p := NewParser(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "s1.jsonl")

	writeLines(t, path, userLine("hello"))
	first, err := p.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, 1, first.MessageCount)

	// Unchanged file comes out of the cache.
	cached, err := p.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	// Growing the file invalidates the entry.
	writeLines(t, path, userLine("more"))
	again, err := p.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, 2, again.MessageCount)
}

func TestParseSkipsGarbageLines(t *testing.T) {
	p := NewParser(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "s1.jsonl")

	writeLines(t, path,
		"not json at all",
		"",
		userLine("real message"),
	)

	s, err := p.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.MessageCount)
	assert.Equal(t, "real message", s.FirstUserMessage)
}

func TestParseLargeFileReadsTailOnly(t *testing.T) {
	p := NewParser(zerolog.Nop())
	p.largeFileThreshold = 256
	path := filepath.Join(t.TempDir(), "s1.jsonl")

	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, userLine("padding message to push the file over the threshold"))
	}
	writeLines(t, path, lines...)

	s, err := p.Parse(path)
	require.NoError(t, err)

	// Far fewer than 50: only whole lines inside the tail window count.
	assert.Greater(t, s.MessageCount, 0)
	assert.Less(t, s.MessageCount, 10)
}

func TestParseMissingFile(t *testing.T) {
	p := NewParser(zerolog.Nop())
	_, err := p.Parse(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestPathFor(t *testing.T) {
	root := "/home/me/.claude/projects"

	path := PathFor(root, "/Users/me/code/my_app", "abc-123")
	assert.Equal(t, filepath.Join(root, "-Users-me-code-my-app", "abc-123.jsonl"), path)

	// Only letters, digits and dashes survive sanitization.
	path = PathFor(root, "/tmp/weird dir.name", "s1")
	assert.Equal(t, filepath.Join(root, "-tmp-weird-dir-name", "s1.jsonl"), path)
}

func TestDefaultRoot(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".claude", "projects"), DefaultRoot())
}
