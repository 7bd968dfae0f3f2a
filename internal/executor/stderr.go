package executor

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultStderrTailLines bounds how much child stderr is retained for
// failure reporting.
const DefaultStderrTailLines = 50

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// StderrTail is an io.Writer that keeps the last lines a child wrote to
// stderr, with ANSI escape sequences stripped. When a child exits nonzero
// without reporting an error through its protocol, the tail becomes the
// execution's lastError.
type StderrTail struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
}

func NewStderrTail(maxLines int) *StderrTail {
	if maxLines <= 0 {
		maxLines = DefaultStderrTailLines
	}
	return &StderrTail{max: maxLines}
}

func (t *StderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := t.partial + string(p)
	parts := strings.Split(data, "\n")
	t.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		line = cleanStderrLine(line)
		if line == "" {
			continue
		}
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
	}
	return len(p), nil
}

// Tail returns the retained lines joined with newlines, including any
// unterminated trailing fragment.
func (t *StderrTail) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := strings.Join(t.lines, "\n")
	if frag := cleanStderrLine(t.partial); frag != "" {
		if out != "" {
			out += "\n"
		}
		out += frag
	}
	return out
}

// Lines returns a copy of the retained complete lines.
func (t *StderrTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func cleanStderrLine(line string) string {
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.TrimRight(line, "\r \t")
}
