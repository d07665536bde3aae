package cli

import (
	"errors"
	"fmt"

	"github.com/insightd/internal/daemon"
	"github.com/insightd/internal/tui"
	"github.com/spf13/cobra"
)

var trackCmd = &cobra.Command{
	Use:   "track <insight-id>...",
	Short: "Start tracking insights",
	Long: `Ask the daemon to load the given insights and keep them fresh.
Fresh cached data is served immediately and revalidated in the background.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAll("track", args)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <insight-id>...",
	Short: "Force insights to recompute",
	Long:  `Ask the daemon to recompute the given insights, bypassing any cache.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAll("refresh", args)
	},
}

func init() {
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(refreshCmd)
}

func sendAll(kind string, ids []string) error {
	fmt.Println()
	var failed bool
	for _, id := range ids {
		if err := sendInsightCommand(kind, id); err != nil {
			fmt.Println(tui.ErrorStyle.Render("  " + tui.CrossMark + " " + err.Error()))
			failed = true
			continue
		}
		fmt.Println(tui.SuccessStyle.Render(fmt.Sprintf("  %s %s %s", tui.CheckMark, kind, id)))
	}
	fmt.Println()
	if failed {
		return fmt.Errorf("%s failed", kind)
	}
	return nil
}

func sendInsightCommand(kind, id string) error {
	resp, err := daemon.SendCommand(daemon.Command{Type: kind, ID: id})
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Message)
	}
	return nil
}
