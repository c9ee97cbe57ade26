// Package report renders the scheduler's progress to the terminal. It is
// the default, minimal implementation of the external TUI collaborator
// described for the orchestration loop; a richer renderer can subscribe to
// the same event bus instead of implementing Reporter directly.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/cloudforge/cloudforge/internal/events"
)

// Reporter surfaces progress. The scheduler publishes events on the bus;
// Subscribe calls the Reporter for each of them.
type Reporter interface {
	PhaseStarted(phase string, iteration, subTaskNumber, totalSubTasks int)
	Progress(message string)
	TokenUsage(input, output int)
	Countdown(reason string, remaining time.Duration)
	Warn(message string)
	Halted(reason string)
	Completed(summary string)
}

var (
	phaseStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	haltStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Console is the default Reporter: plain line-oriented output, styled with
// lipgloss when stdout is a terminal and falling back to unstyled text when
// it is not (redirected to a file, piped into CI logs).
type Console struct {
	out     io.Writer
	colored bool
}

// NewConsole creates a Console writing to w. colored is auto-detected from
// w's terminal-ness when w is *os.File.
func NewConsole(w io.Writer) *Console {
	colored := false
	if f, ok := w.(*os.File); ok {
		colored = term.IsTerminal(int(f.Fd()))
	}
	return &Console{out: w, colored: colored}
}

func (c *Console) style(s lipgloss.Style, text string) string {
	if !c.colored {
		return text
	}
	return s.Render(text)
}

func (c *Console) PhaseStarted(phase string, iteration, subTaskNumber, totalSubTasks int) {
	label := fmt.Sprintf("[iteration %d] %s", iteration, phase)
	if totalSubTasks > 0 {
		label += fmt.Sprintf(" (sub-task %d/%d)", subTaskNumber, totalSubTasks)
	}
	fmt.Fprintln(c.out, c.style(phaseStyle, label))
}

func (c *Console) Progress(message string) {
	fmt.Fprintln(c.out, c.style(dimStyle, message))
}

func (c *Console) TokenUsage(input, output int) {
	fmt.Fprintln(c.out, c.style(dimStyle, fmt.Sprintf("tokens: +%d in / +%d out", input, output)))
}

func (c *Console) Countdown(reason string, remaining time.Duration) {
	fmt.Fprintf(c.out, "%s waiting %s: %s\r", c.style(warnStyle, "..."), remaining.Round(time.Second), reason)
}

func (c *Console) Warn(message string) {
	fmt.Fprintln(c.out, c.style(warnStyle, "warning: "+message))
}

func (c *Console) Halted(reason string) {
	fmt.Fprintln(c.out, c.style(haltStyle, "halted: "+reason))
}

func (c *Console) Completed(summary string) {
	fmt.Fprintln(c.out, c.style(successStyle, "complete: "+summary))
}

// Subscribe wires a Reporter to the scheduler's event bus, translating
// published events into Reporter calls.
func Subscribe(bus *events.Bus, r Reporter) {
	bus.SubscribeAll(func(e events.Event) {
		switch evt := e.(type) {
		case events.PhaseStartedEvent:
			r.PhaseStarted(evt.Phase, evt.Iteration, evt.SubTaskNumber, evt.TotalSubTasks)
		case events.TextEvent:
			if text := strings.TrimSpace(evt.Text); text != "" {
				r.Progress(text)
			}
		case events.ToolUseEvent:
			r.Progress(evt.Summary)
		case events.TokenDeltaEvent:
			r.TokenUsage(evt.InputTokens, evt.OutputTokens)
		case events.RetryWaitEvent:
			r.Countdown(evt.Reason, evt.Remaining)
		case events.WarnEvent:
			r.Warn(evt.Message)
		case events.HaltEvent:
			r.Halted(evt.Reason)
		case events.CompleteEvent:
			r.Completed(evt.Summary)
		}
	})
}
