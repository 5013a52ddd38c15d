// Package console prints the operator-facing lines of a run: progress,
// success and failure markers, banners and separators. Lines go through the
// same sink as relayed process output so the two never interleave mid-line.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/benaskins/chainrun/internal/logbuf"
)

const ruleWidth = 50

var (
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	titleStyle    = lipgloss.NewStyle().Bold(true)
	ruleStyle     = lipgloss.NewStyle().Faint(true)
)

// Console writes marked lines to a sink.
type Console struct {
	sink   *logbuf.Sink
	styled bool
}

// New returns a console writing to w. Styling is enabled when w is a
// terminal.
func New(w io.Writer) *Console {
	return &Console{sink: logbuf.NewSink(w), styled: isTerminal(w)}
}

// Plain returns a console that never styles its output.
func Plain(w io.Writer) *Console {
	return &Console{sink: logbuf.NewSink(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Sink is shared with process output relays.
func (c *Console) Sink() *logbuf.Sink {
	return c.sink
}

func (c *Console) render(style lipgloss.Style, s string) string {
	if !c.styled {
		return s
	}
	return style.Render(s)
}

func (c *Console) marked(marker string, style lipgloss.Style, format string, args ...any) {
	c.sink.Line(c.render(style, marker) + " " + fmt.Sprintf(format, args...))
}

// Progress prints "→ message".
func (c *Console) Progress(format string, args ...any) {
	c.marked("→", progressStyle, format, args...)
}

// Success prints "✓ message".
func (c *Console) Success(format string, args ...any) {
	c.marked("✓", successStyle, format, args...)
}

// Failure prints "✗ message".
func (c *Console) Failure(format string, args ...any) {
	c.marked("✗", failureStyle, format, args...)
}

// Warn prints "! message".
func (c *Console) Warn(format string, args ...any) {
	c.marked("!", warnStyle, format, args...)
}

// Hint prints an indented follow-up line.
func (c *Console) Hint(format string, args ...any) {
	c.sink.Line("  " + fmt.Sprintf(format, args...))
}

// Banner prints a title underlined with "=".
func (c *Console) Banner(title string) {
	c.sink.Line(c.render(titleStyle, title))
	c.sink.Line(c.render(ruleStyle, strings.Repeat("=", ruleWidth)))
}

// Rule prints a "-" separator.
func (c *Console) Rule() {
	c.sink.Line(c.render(ruleStyle, strings.Repeat("-", ruleWidth)))
}

// Blank prints an empty line.
func (c *Console) Blank() {
	c.sink.Line("")
}
