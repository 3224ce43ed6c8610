package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/control"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow session state changes live",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

const historySize = 8

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(11)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).MarginTop(1)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	stateColors = map[string]lipgloss.Color{
		"Idle":               lipgloss.Color("8"),
		"AwaitingPermission": lipgloss.Color("11"),
		"Establishing":       lipgloss.Color("11"),
		"Running":            lipgloss.Color("10"),
		"Stopping":           lipgloss.Color("11"),
		"Failed":             lipgloss.Color("9"),
	}
)

type (
	eventMsg        control.StateView
	stateMsg        control.StateView
	disconnectedMsg struct{}
	clockMsg        time.Time
	errMsg          struct{ err error }
)

// watchModel renders the session and the most recent transitions.
type watchModel struct {
	client  *control.Client
	spinner spinner.Model

	state   control.StateView
	since   time.Time
	now     time.Time
	history []control.StateView
	err     error
	gone    bool
}

func newWatchModel(client *control.Client, initial control.StateView) watchModel {
	m := watchModel{
		client: client,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("11"))),
		),
		now: time.Now(),
	}
	m.setState(initial)
	return m
}

func (m *watchModel) setState(s control.StateView) {
	m.state = s
	m.since = time.Time{}
	if s.State == "Running" {
		m.since = s.Time.Add(-time.Duration(s.Uptime * float64(time.Second)))
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.client), tickClock())
}

func waitForEvent(c *control.Client) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-c.Events()
		if !ok {
			return disconnectedMsg{}
		}
		return eventMsg(ev)
	}
}

// refresh fetches the full snapshot; pushed events carry no interface details.
func refresh(c *control.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), common.RequestTimeout)
		defer cancel()
		s, err := c.GetState(ctx)
		if err != nil {
			return errMsg{err}
		}
		return stateMsg(s)
	}
}

func tickClock() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case eventMsg:
		m.history = append(m.history, control.StateView(msg))
		if len(m.history) > historySize {
			m.history = m.history[len(m.history)-historySize:]
		}
		m.err = nil
		return m, tea.Batch(refresh(m.client), waitForEvent(m.client))
	case stateMsg:
		m.setState(control.StateView(msg))
	case errMsg:
		m.err = msg.err
	case disconnectedMsg:
		m.gone = true
		return m, tea.Quit
	case clockMsg:
		m.now = time.Time(msg)
		return m, tickClock()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func busy(state string) bool {
	switch state {
	case "AwaitingPermission", "Establishing", "Stopping":
		return true
	}
	return false
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(common.AppName+" session") + "\n\n")

	state := lipgloss.NewStyle().Bold(true).Foreground(stateColors[m.state.State]).Render(m.state.State)
	if busy(m.state.State) {
		state = m.spinner.View() + " " + state
	}
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	row("State", state)
	if m.state.TunName != "" {
		row("Interface", fmt.Sprintf("%s (fd %d)", m.state.TunName, m.state.TunFD))
	}
	if !m.since.IsZero() {
		row("Uptime", formatDuration(m.now.Sub(m.since)))
	}
	if m.state.LastError != nil {
		row("Error", errorStyle.Render(m.state.LastError.Error()))
	}

	if len(m.history) > 0 {
		b.WriteString("\n" + titleStyle.Render("Transitions") + "\n")
		for _, ev := range m.history {
			line := fmt.Sprintf("%s  %s → %s", ev.Time.Local().Format("15:04:05"), ev.Previous, ev.State)
			if ev.LastError != nil {
				line += "  " + errorStyle.Render(ev.LastError.Code)
			}
			b.WriteString(line + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n" +
		helpStyle.Render("q: quit") + "\n"
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), common.RequestTimeout)
	initial, err := c.GetState(ctx)
	cancel()
	if err != nil {
		return err
	}

	p := tea.NewProgram(newWatchModel(c, initial),
		tea.WithContext(cmd.Context()),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.gone {
		return fmt.Errorf("daemon closed the connection")
	}
	return nil
}
