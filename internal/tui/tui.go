package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"social-duel/server/internal/engine"
	"social-duel/server/internal/models"
	"social-duel/server/internal/scenario"
)

type sessionState int

const (
	stateResumePrompt sessionState = iota
	stateWaiting
	statePlaying
	stateError
)

type model struct {
	state    sessionState
	session  *engine.Orchestrator
	catalog  *scenario.Catalog
	game     models.GameState
	notice   string
	err      error
	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int
}

var (
	playerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EEEEEE")).
			Background(lipgloss.Color("#5F5F87")).
			Bold(true).
			PaddingLeft(1)

	opponentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D7AF5F")).
			Italic(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			PaddingLeft(2).
			Foreground(lipgloss.Color("#AAAAAA"))

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true).
			Underline(true)
)

func NewModel(session *engine.Orchestrator, catalog *scenario.Catalog, restore engine.RestoreResult) model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 280
	ti.Width = 60

	m := model{
		state:    statePlaying,
		session:  session,
		catalog:  catalog,
		game:     session.View(),
		input:    ti,
		viewport: viewport.New(80, 20),
	}
	if restore.NeedsPrompt {
		m.state = stateResumePrompt
		m.game = restore.State
		ti.Placeholder = "y / n"
	} else {
		ti.Placeholder = "Say something..."
	}
	m.input = ti
	m.viewport.SetContent(m.renderLog())
	return m
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

// stateMsg carries the outcome of an orchestrator call
type stateMsg struct {
	state models.GameState
	err   error
}

// command is one parsed input line
type command struct {
	name string
	arg  string
}

// parseCommand splits "/act charm" style input; anything else is a chat line
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", arg: line}
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			return m.submit(line)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = int(float64(msg.Width) * 0.7)
		m.viewport.Height = msg.Height - 6
		m.viewport.SetContent(m.renderLog())

	case stateMsg:
		if msg.err != nil && !isRejection(msg.err) {
			m.err = msg.err
			m.state = stateError
			return m, nil
		}
		m.state = statePlaying
		m.input.Placeholder = "Say something..."
		m.notice = ""
		if msg.err != nil {
			m.notice = msg.err.Error()
			m.game = m.session.View()
		} else {
			m.game = msg.state
		}
		m.viewport.SetContent(m.renderLog())
		m.viewport.GotoBottom()
		return m, nil
	}

	if m.state == statePlaying || m.state == stateResumePrompt {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m model) submit(line string) (tea.Model, tea.Cmd) {
	switch m.state {
	case stateResumePrompt:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			m.state = stateWaiting
			return m, m.run(m.session.Resume)
		case "n", "no":
			m.state = stateWaiting
			return m, m.run(m.session.Discard)
		}
		return m, nil

	case statePlaying:
	default:
		return m, nil
	}

	c := parseCommand(line)
	if c.name == "say" && c.arg == "" {
		return m, nil
	}

	var op func(ctx context.Context) (models.GameState, error)
	switch c.name {
	case "quit":
		return m, tea.Quit
	case "say":
		op = func(ctx context.Context) (models.GameState, error) { return m.session.SendMessage(ctx, c.arg) }
	case "open":
		op = m.session.OpenRound
	case "end":
		op = m.session.EndTurn
	case "act":
		op = func(ctx context.Context) (models.GameState, error) { return m.session.SelectAction(ctx, c.arg) }
	case "final":
		op = func(ctx context.Context) (models.GameState, error) { return m.session.SelectFinalChoice(ctx, c.arg) }
	case "restart":
		op = m.session.Restart
	default:
		m.notice = fmt.Sprintf("unknown command /%s", c.name)
		return m, nil
	}

	m.state = stateWaiting
	return m, m.run(op)
}

func (m model) run(op func(ctx context.Context) (models.GameState, error)) tea.Cmd {
	return func() tea.Msg {
		s, err := op(context.Background())
		return stateMsg{state: s, err: err}
	}
}

// isRejection reports errors the player can recover from by doing
// something else
func isRejection(err error) bool {
	for _, target := range []error{
		engine.ErrWrongPhase, engine.ErrMessageLimit, engine.ErrBusy,
		engine.ErrInvalidAction, engine.ErrAlreadySelected, engine.ErrEmptyMessage,
		engine.ErrResumePending, engine.ErrNoResumePending,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (m model) View() string {
	var s string

	switch m.state {
	case stateResumePrompt:
		s = fmt.Sprintf(
			"An unfinished game was found (round %d, %s).\n\nResume it? %s",
			m.game.Round, m.game.CurrentPhase, m.input.View(),
		)

	case stateError:
		s = fmt.Sprintf("\n  Error: %v\n\nPress Esc to quit.", m.err)

	default:
		main := lipgloss.JoinHorizontal(lipgloss.Top, m.viewport.View(), m.renderPanel())
		prompt := m.input.View()
		if m.state == stateWaiting {
			prompt = helpStyle.Render("waiting for the other guest...")
		}
		lines := []string{main, "\n" + prompt}
		if m.notice != "" {
			lines = append(lines, noticeStyle.Render(m.notice))
		}
		lines = append(lines, helpStyle.Render("Commands: /open, /end, /act <tag>, /final <tag>, /restart, /quit"))
		s = lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	return "\n" + s + "\n"
}

func (m model) renderLog() string {
	setup := m.session.Setup()
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}

	var b strings.Builder
	for _, msg := range m.game.ChatLog {
		text := msg.Text()
		switch msg.SenderID {
		case models.Player1:
			b.WriteString(playerStyle.Width(width).Render("> " + text))
		case models.Player2:
			b.WriteString(opponentStyle.Width(width).Render(setup.Opponent.Name + ": " + text))
		default:
			b.WriteString(systemStyle.Width(width).Render(text))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func (m model) renderPanel() string {
	s := m.game
	var b strings.Builder

	b.WriteString(titleStyle.Render("ROUND") + "\n")
	fmt.Fprintf(&b, "%d of %d, %s\n", s.Round, m.catalog.MaxRounds(), s.CurrentPhase)
	fmt.Fprintf(&b, "Messages: %d\n\n", s.MessagesThisRound(models.Player1))

	b.WriteString(titleStyle.Render("MISSION") + "\n")
	background := m.session.Setup().Player.Background
	b.WriteString(m.catalog.MissionFor(background).MainMission + "\n")
	if mission, ok := s.SideMissions.AtRound(models.Player1, s.Round); ok {
		b.WriteString("Side: " + mission.Description + "\n")
	}
	b.WriteString("\n")

	switch s.CurrentPhase {
	case models.PhaseSelectAction:
		b.WriteString(titleStyle.Render("ACTIONS") + "\n")
		for _, a := range m.catalog.ActionsFor(s.Round) {
			fmt.Fprintf(&b, "%s: %s\n", a.Tag, a.Label)
		}
	case models.PhaseFinalDecision:
		b.WriteString(titleStyle.Render("FINAL CHOICE") + "\n")
		for _, c := range m.catalog.FinalChoicesFor(background) {
			fmt.Fprintf(&b, "%s: %s\n", c.Tag, c.Label)
		}
	case models.PhaseResult:
		if s.FinalScore != nil {
			b.WriteString(titleStyle.Render(strings.ToUpper(s.FinalScore.Title)) + "\n")
			fmt.Fprintf(&b, "Score: %d\n%s\n", s.FinalScore.TotalScore, s.FinalScore.EndingText)
		}
	}

	width := int(float64(m.width) * 0.28)
	if width <= 0 {
		width = 30
	}
	return panelStyle.Width(width).Height(m.viewport.Height).Render(b.String())
}

func Run(session *engine.Orchestrator, catalog *scenario.Catalog, restore engine.RestoreResult) error {
	p := tea.NewProgram(NewModel(session, catalog, restore), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
