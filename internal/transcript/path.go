package transcript

import (
	"os"
	"path/filepath"
)

// sanitizeProjectDir maps a working directory to the directory name the
// CLI uses under its projects root: every character outside
// [A-Za-z0-9-] becomes '-'.
func sanitizeProjectDir(cwd string) string {
	out := make([]rune, 0, len(cwd))
	for _, r := range cwd {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// DefaultRoot returns the default transcript root directory.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// PathFor derives the transcript file path for a session from the
// transcript root, the session's working directory and its id.
func PathFor(root, cwd, sessionID string) string {
	return filepath.Join(root, sanitizeProjectDir(cwd), sessionID+".jsonl")
}
