package logbuf

import (
	"bytes"
	"io"
	"sync"
)

// Relay forwards complete lines to a shared operator stream, each prefixed
// with a fixed label. Several relays may share one destination; Sink
// serializes their writes so lines from different processes never interleave
// mid-line.
type Relay struct {
	sink   *Sink
	prefix string

	mu      sync.Mutex
	partial bytes.Buffer
}

// Sink is a mutex-guarded destination shared by relays.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink wraps w for concurrent line-at-a-time writes.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) writeLine(prefix string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prefix != "" {
		io.WriteString(s.w, prefix)
	}
	s.w.Write(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		io.WriteString(s.w, "\n")
	}
}

// Relay returns a writer that prefixes every line with "[name] ".
// An empty name relays lines unchanged.
func (s *Sink) Relay(name string) *Relay {
	prefix := ""
	if name != "" {
		prefix = "[" + name + "] "
	}
	return &Relay{sink: s, prefix: prefix}
}

// Write emits every complete line in p and buffers the remainder.
func (r *Relay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.Write(p)
	for {
		line, err := r.partial.ReadBytes('\n')
		if err != nil {
			r.partial.Reset()
			r.partial.Write(line)
			break
		}
		r.sink.writeLine(r.prefix, line)
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (r *Relay) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.partial.Len() == 0 {
		return
	}
	r.sink.writeLine(r.prefix, r.partial.Bytes())
	r.partial.Reset()
}

// Line writes one line of text, newline-terminated, without a prefix.
func (s *Sink) Line(text string) {
	s.writeLine("", []byte(text))
}
