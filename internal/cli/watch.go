package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/insightd/internal/daemon"
	"github.com/insightd/internal/tui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	watchInterval time.Duration
	watchPlain    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of insights and notifications",
	Long: `Watch the daemon's insights and notifications as they arrive.
An interactive view is used on a terminal; otherwise one line is printed per
notification.

Keys (interactive):
  ↑/↓  select an insight
  r    force the selected insight to recompute
  t    track a new insight
  q    quit`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", time.Second, "Status poll interval")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Line output even on a terminal")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !daemon.IsRunning() {
		fmt.Println()
		fmt.Println(tui.ErrorStyle.Render("  " + tui.CrossMark + " insightd is not running"))
		fmt.Println()
		return nil
	}

	if watchPlain || !term.IsTerminal(int(os.Stdout.Fd())) {
		return watchLines()
	}

	fetch := func() (*daemon.Status, error) { return daemon.FetchStatus(false) }
	m := tui.NewWatchModel(fetch, sendInsightCommand, watchInterval)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// watchLines prints each new notification as a plain line.
func watchLines() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var last time.Time
	for {
		status, err := daemon.FetchStatus(false)
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		for _, ev := range status.Events {
			if !ev.At.After(last) {
				continue
			}
			last = ev.At
			fmt.Println(tui.EventLine(ev))
		}

		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
		}
	}
}
