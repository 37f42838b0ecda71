// Package console renders the conversation and session status in a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/sjawhar/ghost-voice/internal/rtc"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	topics    lipgloss.Style
	state     lipgloss.Style
	err       lipgloss.Style
	dim       lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		user:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FFFF")),
		assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF00FF")),
		topics:    r.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		state:     r.NewStyle().Foreground(lipgloss.Color("#666666")),
		err:       r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
		dim:       r.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// Printer writes finalized lines, late topic tags, state changes and remote
// errors. Live updates are left to the web UI.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	styles  styles
	printed map[string]string
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{
		w:       w,
		styles:  newStyles(lipgloss.NewRenderer(w)),
		printed: make(map[string]string),
	}
}

func (p *Printer) RenderLine(line transcript.Line) {
	if line.Live {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tags := strings.Join(line.Topics, ", ")
	prev, seen := p.printed[line.ID]
	switch {
	case !seen:
		label := p.styles.user.Render("you")
		if line.Role == transcript.RoleAssistant {
			label = p.styles.assistant.Render("guide")
		}
		out := fmt.Sprintf("%s %s", label, line.Text)
		if tags != "" {
			out += " " + p.styles.topics.Render("["+tags+"]")
		}
		fmt.Fprintln(p.w, out)
	case tags != "" && tags != prev:
		fmt.Fprintln(p.w, p.styles.dim.Render("  tagged")+" "+p.styles.topics.Render("["+tags+"]"))
	}
	p.printed[line.ID] = tags
}

func (p *Printer) SessionStateChanged(change rtc.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if change.To == rtc.StateIdle {
		clear(p.printed)
	}

	msg := fmt.Sprintf("session %s: %s -> %s", change.SessionID, change.From, change.To)
	if change.Error != "" {
		fmt.Fprintln(p.w, p.styles.err.Render(msg+": "+change.Error))
		return
	}
	fmt.Fprintln(p.w, p.styles.state.Render(msg))
}

func (p *Printer) RemoteErrorReported(err *rtc.RemoteError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, p.styles.err.Render("remote error: "+err.Message))
}
