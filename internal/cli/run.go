package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/insightd/internal/config"
	"github.com/insightd/internal/daemon"
	"github.com/insightd/internal/tui"
	"github.com/spf13/cobra"
)

var (
	configPath string
	detach     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the insightd daemon with a config file",
	Long: `Run the insightd daemon using a YAML configuration file.
Credentials in the file are reloaded when it changes.

Example:
  insightd run --config insightd.yaml
  insightd run --config insightd.yaml --detach`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "insightd.yaml", "Path to configuration file")
	runCmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run as background daemon")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if daemon.IsRunning() {
		fmt.Println()
		fmt.Println(tui.WarningStyle.Render("  insightd is already running"))
		fmt.Println()
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if detach {
		return startBackground(configPath)
	}

	fmt.Printf("%s starting (config: %s)\n", tui.MiniLogo(), configPath)
	fmt.Printf("  Host:     %s\n", cfg.API.Credentials().Host())
	fmt.Printf("  Insights: %d\n", len(cfg.Insights))
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:  %s%s\n", cfg.Metrics.Address, cfg.Metrics.Path)
	}
	fmt.Println()

	d, err := daemon.New(cfg, configPath)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	fmt.Println(tui.DimStyle.Render("insightd stopped"))
	return nil
}

// startBackground re-executes the binary in the foreground mode and detaches.
func startBackground(path string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "run", "--config", path)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	// Wait for the control socket to come up
	for i := 0; i < 50; i++ {
		if daemon.IsRunning() {
			fmt.Println()
			fmt.Println(tui.SuccessStyle.Render(fmt.Sprintf("  %s insightd started (PID: %d)", tui.CheckMark, pid)))
			fmt.Println(tui.DimStyle.Render("  Logs: " + daemon.GetLogPath()))
			fmt.Println()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not start, see %s", daemon.GetLogPath())
}
