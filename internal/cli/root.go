package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "insightd",
	Short: "Keep analytics insights fresh in the background",
	Long: `insightd fetches analytics insight results over plain HTTP/1.1,
caches them locally and keeps them fresh in the background.

Get started:
  insightd run       Run the daemon with a config file
  insightd track     Start tracking an insight
  insightd refresh   Force an insight to recompute
  insightd status    Check the running daemon
  insightd watch     Live view of insights and notifications
  insightd logs      View daemon logs
  insightd stop      Stop the running daemon`,
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func versionString() string {
	return fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildTime)
}

// SetVersion sets the version info
func SetVersion(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = versionString()
}

// SetGitCommit sets the commit the binary was built from
func SetGitCommit(c string) {
	gitCommit = c
	rootCmd.Version = versionString()
}
