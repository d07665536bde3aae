package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/insightd/internal/daemon"
)

// StatusFunc fetches the daemon status.
type StatusFunc func() (*daemon.Status, error)

// CommandFunc sends a track or refresh command for one insight.
type CommandFunc func(kind, id string) error

// maxEvents is how many recent notifications the watch view shows.
const maxEvents = 8

type statusMsg struct {
	status *daemon.Status
	err    error
}

type pollMsg time.Time

type commandMsg struct {
	text string
	err  error
}

// WatchModel is the interactive view behind `insightd watch`.
type WatchModel struct {
	fetch    StatusFunc
	send     CommandFunc
	interval time.Duration

	spinner spinner.Model
	input   textinput.Model
	adding  bool

	status  *daemon.Status
	err     error
	cursor  int
	message string
	width   int
}

// NewWatchModel creates a watch view polling fetch every interval.
func NewWatchModel(fetch StatusFunc, send CommandFunc, interval time.Duration) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = InfoStyle

	ti := textinput.New()
	ti.Placeholder = "insight short id"
	ti.CharLimit = 64
	ti.Width = 24

	return WatchModel{
		fetch:    fetch,
		send:     send,
		interval: interval,
		spinner:  s,
		input:    ti,
		width:    80,
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m WatchModel) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		st, err := fetch()
		return statusMsg{status: st, err: err}
	}
}

func (m WatchModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

func (m WatchModel) command(kind, id string) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		if err := send(kind, id); err != nil {
			return commandMsg{err: fmt.Errorf("%s %s: %w", kind, id, err)}
		}
		return commandMsg{text: fmt.Sprintf("%s %s sent", kind, id)}
	}
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.adding {
			return m.updateInput(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < m.rows()-1 {
				m.cursor++
			}
		case "r":
			if id, ok := m.selected(); ok {
				return m, m.command("refresh", id)
			}
		case "t":
			m.adding = true
			m.input.Reset()
			return m, m.input.Focus()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case statusMsg:
		m.status, m.err = msg.status, msg.err
		if n := m.rows(); m.cursor >= n && n > 0 {
			m.cursor = n - 1
		}
		return m, m.schedule()

	case pollMsg:
		return m, m.poll()

	case commandMsg:
		if msg.err != nil {
			m.message = ErrorStyle.Render(msg.err.Error())
		} else {
			m.message = SuccessStyle.Render(CheckMark + " " + msg.text)
		}
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m WatchModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+c":
		m.adding = false
		m.input.Blur()
		return m, nil
	case "enter":
		m.adding = false
		m.input.Blur()
		id := strings.TrimSpace(m.input.Value())
		if id == "" {
			return m, nil
		}
		return m, m.command("track", id)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m WatchModel) rows() int {
	if m.status == nil {
		return 0
	}
	return len(m.status.Engine.Insights)
}

func (m WatchModel) selected() (string, bool) {
	if m.cursor >= m.rows() {
		return "", false
	}
	return m.status.Engine.Insights[m.cursor].ID, true
}

func (m WatchModel) View() string {
	var b strings.Builder

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		MiniLogo(),
		"  ",
		TitleStyle.Render(" WATCH "),
	)
	b.WriteString(header + "\n\n")

	switch {
	case m.err != nil:
		b.WriteString(ErrorStyle.Render("  "+CrossMark+" "+m.err.Error()) + "\n")
	case m.status == nil:
		b.WriteString("  " + m.spinner.View() + DimStyle.Render(" connecting to daemon...") + "\n")
	default:
		b.WriteString(m.viewStatus())
	}

	if m.message != "" {
		b.WriteString("\n  " + m.message + "\n")
	}

	b.WriteString("\n")
	if m.adding {
		b.WriteString("  " + LabelStyle.Render("track: ") + m.input.View() + "\n")
		b.WriteString(HelpStyle.Render("  enter confirm • esc cancel"))
	} else {
		b.WriteString(HelpStyle.Render("  ↑/↓ select • r refresh • t track • q quit"))
	}
	return b.String()
}

func (m WatchModel) viewStatus() string {
	st := m.status
	var b strings.Builder

	ready := SuccessStyle.Render(BulletPoint + " ready")
	if !st.Engine.Ready {
		ready = WarningStyle.Render(Hollow + " not ready")
	}
	b.WriteString(fmt.Sprintf("  %s  %s  %s\n",
		ready,
		DimStyle.Render(st.Host),
		DimStyle.Render("up "+st.Uptime),
	))
	if st.Engine.Breaker != "" && st.Engine.Breaker != "closed" {
		b.WriteString("  " + WarningStyle.Render("breaker "+st.Engine.Breaker) + "\n")
	}
	b.WriteString("\n")

	var rows strings.Builder
	rows.WriteString(SubtitleStyle.Render("Insights") + "\n")
	if len(st.Engine.Insights) == 0 {
		rows.WriteString(DimStyle.Render("  none tracked, press t to add one") + "\n")
	}
	for i, s := range st.Engine.Insights {
		line := fmt.Sprintf("%s %-16s %-10s %8s %s", m.indicator(s.InFlight, s.Cached, s.Fresh), s.ID, age(s.Cached, s.Age), size(s.Bytes), string(s.Mode))
		if i == m.cursor {
			line = SelectedRowStyle.Render(line)
		}
		rows.WriteString("  " + line + "\n")
	}

	rows.WriteString("\n" + SubtitleStyle.Render("Recent") + "\n")
	events := st.Events
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	if len(events) == 0 {
		rows.WriteString(DimStyle.Render("  no notifications yet") + "\n")
	}
	for _, ev := range events {
		rows.WriteString("  " + EventLine(ev) + "\n")
	}

	width := m.width - 4
	if width > 76 {
		width = 76
	}
	if width < 40 {
		width = 40
	}
	b.WriteString(BorderStyle.Width(width).Render(strings.TrimRight(rows.String(), "\n")))
	b.WriteString("\n")
	return b.String()
}

func (m WatchModel) indicator(inFlight, cached, fresh bool) string {
	switch {
	case inFlight:
		return m.spinner.View()
	case cached && fresh:
		return SuccessStyle.Render(CheckMark)
	case cached:
		return WarningStyle.Render(Hollow)
	default:
		return DimStyle.Render(Hollow)
	}
}

// EventLine renders one notification.
func EventLine(ev daemon.Event) string {
	ts := DimStyle.Render(ev.At.Local().Format("15:04:05"))
	switch ev.Kind {
	case "data_available":
		return fmt.Sprintf("%s %s %s", ts, ValueStyle.Render(ev.InsightID), SuccessStyle.Render(fmt.Sprintf("data (%s)", size(ev.Bytes))))
	case "error":
		return fmt.Sprintf("%s %s %s", ts, ValueStyle.Render(ev.InsightID), ErrorStyle.Render(ev.Reason))
	default:
		return fmt.Sprintf("%s %s %s", ts, ValueStyle.Render(ev.InsightID), InfoStyle.Render(ev.State))
	}
}

func age(cached bool, d time.Duration) string {
	if !cached {
		return "-"
	}
	return d.Round(time.Second).String()
}

func size(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
