package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/qzbxw/chatline/internal/wire"
	"github.com/qzbxw/chatline/pkg/chatline"
)

// state mirrors the bubbletea "State int" convention used throughout the
// pack's chat TUIs (see go-tui/internal/ui/chat.State).
type state int

const (
	stateConnecting state = iota
	stateReady
	stateEnded
)

type transcriptLine struct {
	from string
	text string
	at   time.Time
}

// model is the Bubble Tea model driving the demo TUI: a transcript
// viewport, a composing textinput, and a connecting spinner, wired to a
// live chatline.Client instead of a local inference backend.
type model struct {
	client *chatline.Client

	state state
	theme styles

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	lines []transcriptLine
	err   error

	activities <-chan chatline.ActivityEvent
	statuses   <-chan wire.ConnectionStatus
}

type styles struct {
	header   lipgloss.Style
	self     lipgloss.Style
	bot      lipgloss.Style
	system   lipgloss.Style
	errStyle lipgloss.Style
}

func newStyles() styles {
	return styles{
		header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		self:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		bot:      lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		system:   lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true),
		errStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
}

func newModel(client *chatline.Client) model {
	ti := textinput.New()
	ti.Placeholder = "say something..."
	ti.Focus()
	ti.CharLimit = 2000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle())

	return model{
		client:     client,
		activities: client.Activities(),
		statuses:   client.ConnectionStatus(),

		state:    stateConnecting,
		theme:    newStyles(),
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
		renderer: renderer,
	}
}

// --- bubbletea messages bridging chatline's channels into the Update loop ---

type activityMsg chatline.ActivityEvent
type statusMsg wire.ConnectionStatus
type postResultMsg chatline.PostResult

func waitForActivity(ch <-chan chatline.ActivityEvent) tea.Cmd {
	return func() tea.Msg { return activityMsg(<-ch) }
}

func waitForStatus(ch <-chan wire.ConnectionStatus) tea.Cmd {
	return func() tea.Msg { return statusMsg(<-ch) }
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForActivity(m.activities),
		waitForStatus(m.statuses),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 4
		m.input.Width = msg.Width - 2
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.client.End()
			return m, tea.Quit
		case "enter":
			return m.submit()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case activityMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.state = stateEnded
			m.appendLine("system", fmt.Sprintf("connection ended: %v", msg.Err))
			return m, nil
		}
		if msg.Activity != nil && msg.Activity.Type == wire.MessageActivityType {
			m.appendLine(fromLabel(msg.Activity), msg.Activity.Text)
		}
		return m, waitForActivity(m.activities)

	case statusMsg:
		switch wire.ConnectionStatus(msg) {
		case wire.Online:
			m.state = stateReady
		case wire.Connecting:
			m.state = stateConnecting
		case wire.Ended:
			m.state = stateEnded
		}
		return m, waitForStatus(m.statuses)

	case postResultMsg:
		if msg.Err != nil {
			m.appendLine("system", fmt.Sprintf("send failed: %v", msg.Err))
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.state != stateReady {
		return m, nil
	}
	m.input.SetValue("")
	m.appendLine("you", text)

	activity := wire.Activity{Type: wire.MessageActivityType, Text: text}
	resultCh := m.client.PostActivity(context.Background(), activity)
	return m, func() tea.Msg { return postResultMsg(<-resultCh) }
}

func (m *model) appendLine(from, text string) {
	m.lines = append(m.lines, transcriptLine{from: from, text: text, at: time.Now()})
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m model) renderTranscript() string {
	var b strings.Builder
	for _, line := range m.lines {
		style := m.theme.bot
		text := line.text
		switch line.from {
		case "you":
			style = m.theme.self
		case "system":
			style = m.theme.system
		default:
			// Bot activities may carry markdown; render it the way the
			// rest of the pack's chat TUIs do for assistant output.
			if m.renderer != nil {
				if rendered, err := m.renderer.Render(text); err == nil {
					text = strings.TrimRight(rendered, "\n")
				}
			}
		}
		ago := humanize.Time(line.at)
		b.WriteString(style.Render(fmt.Sprintf("[%s] %s:", ago, line.from)))
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) View() string {
	var status string
	switch m.state {
	case stateConnecting:
		status = m.spinner.View() + " connecting..."
	case stateReady:
		status = m.theme.header.Render("online")
	case stateEnded:
		status = m.theme.errStyle.Render("ended")
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.theme.header.Render("chatline"),
		m.viewport.View(),
		m.input.View(),
		status,
	)
}

func fromLabel(a *wire.Activity) string {
	if a.From != nil && a.From.ID != "" {
		return a.From.ID
	}
	return "bot"
}
