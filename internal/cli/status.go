package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"github.com/insightd/internal/daemon"
	"github.com/insightd/internal/tui"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show insightd status",
	Long: `Display the current status of the insightd daemon.

Examples:
  insightd status          Show current status
  insightd status --json   Output as JSON`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := daemon.FetchStatus(false)
	if err != nil {
		fmt.Println()
		fmt.Println(tui.ErrorStyle.Render("  " + tui.CrossMark + " insightd is not running"))
		fmt.Println()
		fmt.Println(tui.DimStyle.Render("  Start with: insightd run -d"))
		fmt.Println()
		return nil
	}

	if statusJSON {
		output, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(renderStatus(status))
	return nil
}

func renderStatus(status *daemon.Status) string {
	var out strings.Builder
	out.WriteString("\n")

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		tui.MiniLogo(),
		"  ",
		tui.TitleStyle.Render(" STATUS "),
	)
	out.WriteString(header + "\n\n")

	if status.Engine.Ready {
		out.WriteString("  " + tui.SuccessStyle.Render(tui.BulletPoint+" READY") + "\n\n")
	} else {
		out.WriteString("  " + tui.WarningStyle.Render(tui.Hollow+" NOT READY (offline or missing credentials)") + "\n\n")
	}

	var content strings.Builder

	content.WriteString(tui.SubtitleStyle.Render("Upstream"))
	content.WriteString("\n")
	content.WriteString(fmt.Sprintf("  Host:      %s\n", tui.ValueStyle.Render(status.Host)))
	if status.Engine.Breaker != "" {
		content.WriteString(fmt.Sprintf("  Breaker:   %s\n", tui.ValueStyle.Render(status.Engine.Breaker)))
	}
	content.WriteString(fmt.Sprintf("  In flight: %s\n", tui.ValueStyle.Render(fmt.Sprintf("%d", status.Engine.InFlight))))
	content.WriteString("\n")

	content.WriteString(tui.SubtitleStyle.Render("Insights"))
	content.WriteString("\n")
	if len(status.Engine.Insights) == 0 {
		content.WriteString(tui.DimStyle.Render("  none tracked") + "\n")
	}
	for _, s := range status.Engine.Insights {
		state := tui.DimStyle.Render("not loaded")
		switch {
		case s.InFlight:
			state = tui.InfoStyle.Render("loading (" + string(s.Mode) + ")")
		case s.Cached && s.Fresh:
			state = tui.SuccessStyle.Render(fmt.Sprintf("fresh, %s old", s.Age.Round(time.Second)))
		case s.Cached:
			state = tui.WarningStyle.Render(fmt.Sprintf("stale, %s old", s.Age.Round(time.Second)))
		}
		content.WriteString(fmt.Sprintf("  %s %s\n", tui.LabelStyle.Render(fmt.Sprintf("%-16s", s.ID)), state))
	}
	content.WriteString("\n")

	content.WriteString(tui.SubtitleStyle.Render("Fetch latency"))
	content.WriteString("\n")
	if status.Latency.Count == 0 {
		content.WriteString(tui.DimStyle.Render("  no requests yet") + "\n")
	} else {
		content.WriteString(fmt.Sprintf("  p50 %s  p95 %s  p99 %s  (%d requests)\n",
			tui.ValueStyle.Render(status.Latency.P50.String()),
			tui.ValueStyle.Render(status.Latency.P95.String()),
			tui.ValueStyle.Render(status.Latency.P99.String()),
			status.Latency.Count,
		))
	}
	content.WriteString("\n")

	content.WriteString(tui.SubtitleStyle.Render("Uptime"))
	content.WriteString("\n")
	content.WriteString(fmt.Sprintf("  %s  %s\n", tui.ValueStyle.Render(status.Uptime), tui.DimStyle.Render(fmt.Sprintf("PID %d", status.PID))))

	out.WriteString(tui.BorderStyle.Width(60).Render(content.String()))
	out.WriteString("\n")
	return out.String()
}
