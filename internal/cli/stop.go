package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/insightd/internal/daemon"
	"github.com/insightd/internal/tui"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the insightd daemon",
	Long: `Stop the running insightd daemon gracefully.
Outstanding requests are cancelled before shutting down.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := daemon.GetPidPath()

	fmt.Println()
	if resp, err := daemon.SendCommand(daemon.Command{Type: "stop"}); err == nil && resp.Success {
		fmt.Println(tui.InfoStyle.Render("  Stopping insightd..."))
	} else if !signalDaemon(pidPath) {
		return nil
	}

	// Wait for process to exit (max 5 seconds)
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(pidPath); os.IsNotExist(err) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println(tui.SuccessStyle.Render("  " + tui.CheckMark + " insightd stopped"))
	fmt.Println()
	return nil
}

// signalDaemon falls back to SIGTERM when the control socket is gone.
func signalDaemon(pidPath string) bool {
	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Println(tui.WarningStyle.Render("  insightd is not running"))
		fmt.Println()
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		fmt.Println(tui.ErrorStyle.Render("  Invalid PID file"))
		fmt.Println()
		return false
	}

	process, err := os.FindProcess(pid)
	if err == nil {
		err = process.Signal(syscall.SIGTERM)
	}
	if err != nil {
		// Process already finished, clean up PID file
		os.Remove(pidPath)
		fmt.Println(tui.SuccessStyle.Render("  " + tui.CheckMark + " insightd stopped (was already finished)"))
		fmt.Println()
		return false
	}

	fmt.Println(tui.InfoStyle.Render("  Stopping insightd (PID: " + strconv.Itoa(pid) + ")..."))
	return true
}
