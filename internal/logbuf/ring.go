package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// Ring is a thread-safe ring buffer that keeps the last N lines written to it.
// It implements io.Writer so it can sit behind a child process's stdout/stderr.
type Ring struct {
	mu    sync.Mutex
	lines []string
	size  int
	pos   int
	full  bool
	total int
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		lines: make([]string, n),
		size:  n,
	}
}

// Write splits input on newlines and stores each complete line.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.Write(p)

	for {
		line, err := r.partial.ReadString('\n')
		if err != nil {
			r.partial.Reset()
			r.partial.WriteString(line)
			break
		}
		r.addLine(strings.TrimRight(line, "\r\n"))
	}

	return len(p), nil
}

// Flush stores any trailing partial line. Call it once the writer side has
// closed so output without a final newline is not lost.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.partial.Len() == 0 {
		return
	}
	r.addLine(strings.TrimRight(r.partial.String(), "\r"))
	r.partial.Reset()
}

func (r *Ring) addLine(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	r.total++
	if r.pos == 0 {
		r.full = true
	}
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]string, r.pos)
		copy(result, r.lines[:r.pos])
		return result
	}

	result := make([]string, r.size)
	copy(result, r.lines[r.pos:])
	copy(result[r.size-r.pos:], r.lines[:r.pos])
	return result
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Contains reports whether any retained line contains substr.
func (r *Ring) Contains(substr string) bool {
	for _, line := range r.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// Total returns how many complete lines were ever written, including lines
// that have since been evicted.
func (r *Ring) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
