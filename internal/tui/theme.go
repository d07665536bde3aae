package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// insightd theme
var (
	// Primary colors
	Teal      = lipgloss.Color("#2EC4B6")
	DeepTeal  = lipgloss.Color("#11998E")
	LightTeal = lipgloss.Color("#B2F1EA")
	Amber     = lipgloss.Color("#FFB347")

	// Neutral colors
	White     = lipgloss.Color("#FFFFFF")
	LightGray = lipgloss.Color("#B0B0B0")
	DarkGray  = lipgloss.Color("#404040")
	Black     = lipgloss.Color("#1A1A2E")

	// Status colors
	Success = lipgloss.Color("#00FF88")
	Warning = lipgloss.Color("#FFD700")
	Error   = lipgloss.Color("#FF6B6B")
	Info    = lipgloss.Color("#7FDBFF")

	// Styles
	TitleStyle = lipgloss.NewStyle().
			Foreground(White).
			Background(DeepTeal).
			Bold(true).
			Padding(0, 2)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(LightTeal).
			Bold(true)

	LogoStyle = lipgloss.NewStyle().
			Foreground(Teal).
			Bold(true)

	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Teal).
			Padding(1, 2)

	LabelStyle = lipgloss.NewStyle().
			Foreground(LightTeal)

	ValueStyle = lipgloss.NewStyle().
			Foreground(White).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(Info)

	DimStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	HighlightStyle = lipgloss.NewStyle().
			Foreground(Amber).
			Bold(true)

	SelectedRowStyle = lipgloss.NewStyle().
				Foreground(White).
				Background(DeepTeal).
				Bold(true)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(LightGray).
			Background(DarkGray).
			Padding(0, 1)

	HelpStyle = lipgloss.NewStyle().
			Foreground(LightGray)
)

// MiniLogo returns the short product mark.
func MiniLogo() string {
	return LogoStyle.Render(Diamond + " insightd")
}

// Tagline returns the project tagline
func Tagline() string {
	return DimStyle.Render("Analytics insights, kept fresh")
}

// Divider returns a horizontal divider
func Divider(width int) string {
	return DimStyle.Render(strings.Repeat("─", width))
}

// LogLine colors a daemon log line by its content.
func LogLine(line string) string {
	switch {
	case strings.Contains(line, " error") || strings.Contains(line, "failed") || strings.Contains(line, "unreachable"):
		return ErrorStyle.Render(line)
	case strings.Contains(line, "retrying") || strings.Contains(line, "breaker") || strings.Contains(line, "escalating"):
		return WarningStyle.Render(line)
	case strings.Contains(line, "[notify]"):
		return SuccessStyle.Render(line)
	default:
		return DimStyle.Render(line)
	}
}

// Symbols
const (
	BulletPoint = "●"
	ArrowRight  = "→"
	CheckMark   = "✓"
	CrossMark   = "✗"
	Diamond     = "◆"
	Hollow      = "○"
)
