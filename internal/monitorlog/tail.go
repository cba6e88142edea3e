package monitorlog

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tailModel is a minimal scrolling viewer over a Buffer, following the
// usual bubbletea/lipgloss model-update-view shape.
type tailModel struct {
	buf      *Buffer
	lines    []Line
	follow   bool
	quitting bool
	height   int
}

type tickMsg time.Time

func pollTick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m tailModel) Init() tea.Cmd {
	return pollTick()
}

func (m tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
	case tickMsg:
		if m.follow {
			m.lines = m.buf.Snapshot()
		}
		return m, pollTick()
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
		}
	}
	return m, nil
}

var levelStyles = map[string]lipgloss.Style{
	"ERROR": lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	"WARN":  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	"INFO":  lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	"DEBUG": lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
}

func (m tailModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("105")).Render("boorukeep monitor log")
	b.WriteString(title)
	b.WriteString(fmt.Sprintf("  (follow=%v, [f] toggle, [q] quit)\n\n", m.follow))

	start := 0
	if m.height > 4 && len(m.lines) > m.height-4 {
		start = len(m.lines) - (m.height - 4)
	}
	for _, l := range m.lines[start:] {
		style, ok := levelStyles[l.Level.String()]
		if !ok {
			style = lipgloss.NewStyle()
		}
		b.WriteString(style.Render(l.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// Follow runs an interactive, auto-refreshing tail view over buf's current
// and future contents (the `serve --tui` admin view).
func Follow(buf *Buffer) error {
	m := tailModel{buf: buf, lines: buf.Snapshot(), follow: true}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
