// Package proctree indexes a point-in-time process listing for
// ancestor and descendant queries. Snapshots are immutable once built
// and safe to share.
package proctree

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// maxAncestorDepth bounds ancestor walks so malformed listings with
// parent-pid cycles cannot loop forever.
const maxAncestorDepth = 20

// terminalCommands are command-name substrings that identify a
// terminal-like ancestor process.
var terminalCommands = []string{
	"Terminal", "iTerm", "alacritty", "kitty", "wezterm", "ghostty",
	"gnome-terminal", "konsole", "xterm", "tmux",
}

// Process is one entry of the listing.
type Process struct {
	PID     int
	PPID    int
	TTY     string
	Command string
}

// Tree holds the PID index and a parent-to-children index built once
// per snapshot for O(1) children lookup.
type Tree struct {
	byPID    map[int]Process
	children map[int][]int
}

// New builds a tree from a slice of processes.
func New(procs []Process) *Tree {
	byPID := make(map[int]Process, len(procs))
	children := make(map[int][]int)
	for _, p := range procs {
		byPID[p.PID] = p
		children[p.PPID] = append(children[p.PPID], p.PID)
	}
	return &Tree{byPID: byPID, children: children}
}

// Snapshot runs the system process listing and indexes it.
func Snapshot() (*Tree, error) {
	out, err := exec.Command("ps", "-axo", "pid=,ppid=,tty=,command=").Output()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return New(ParseListing(string(out))), nil
}

// ParseListing parses pid/ppid/tty/command columns from ps-shaped
// output. Lines that do not parse are skipped.
func ParseListing(out string) []Process {
	var procs []Process

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		tty := fields[2]
		if tty == "??" || tty == "?" {
			tty = ""
		}
		procs = append(procs, Process{
			PID:     pid,
			PPID:    ppid,
			TTY:     tty,
			Command: strings.Join(fields[3:], " "),
		})
	}

	return procs
}

// Process returns the entry for a pid.
func (t *Tree) Process(pid int) (Process, bool) {
	p, ok := t.byPID[pid]
	return p, ok
}

// Ancestors returns the chain of ancestors starting with the parent of
// pid, bounded to a fixed depth.
func (t *Tree) Ancestors(pid int) []Process {
	var chain []Process
	current, ok := t.byPID[pid]
	if !ok {
		return nil
	}

	for i := 0; i < maxAncestorDepth; i++ {
		parent, ok := t.byPID[current.PPID]
		if !ok || parent.PID == current.PID {
			break
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain
}

// TerminalAncestor walks up from pid looking for a terminal-like
// process, returning the closest match.
func (t *Tree) TerminalAncestor(pid int) (Process, bool) {
	for _, p := range t.Ancestors(pid) {
		for _, name := range terminalCommands {
			if strings.Contains(p.Command, name) {
				return p, true
			}
		}
	}
	return Process{}, false
}

// InsideTmux reports whether pid has a tmux ancestor.
func (t *Tree) InsideTmux(pid int) bool {
	self, ok := t.byPID[pid]
	if ok && strings.Contains(self.Command, "tmux") {
		return true
	}
	for _, p := range t.Ancestors(pid) {
		if strings.Contains(p.Command, "tmux") {
			return true
		}
	}
	return false
}

// Descendants enumerates all descendants of pid breadth-first using the
// children index.
func (t *Tree) Descendants(pid int) []Process {
	var out []Process
	visited := map[int]struct{}{pid: {}}
	queue := append([]int(nil), t.children[pid]...)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}

		if p, ok := t.byPID[current]; ok {
			out = append(out, p)
		}
		queue = append(queue, t.children[current]...)
	}
	return out
}

// DescendantsOf is the O(n) fallback for callers holding only a flat
// process slice with no prebuilt index.
func DescendantsOf(procs []Process, pid int) []Process {
	return New(procs).Descendants(pid)
}
