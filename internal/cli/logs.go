package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/insightd/internal/daemon"
	"github.com/insightd/internal/tui"
	"github.com/spf13/cobra"
)

var (
	logsFollow  bool
	logsTail    int
	logsInsight string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View insightd logs",
	Long: `View logs from the insightd daemon, including every notification
it delivered.

Examples:
  insightd logs          Show recent logs
  insightd logs -f       Follow logs in real-time
  insightd logs -n 50    Show last 50 lines
  insightd logs --insight abc123`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 20, "Number of lines to show")
	logsCmd.Flags().StringVar(&logsInsight, "insight", "", "Only show lines mentioning this insight")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	logPath := daemon.GetLogPath()

	// Check if log file exists
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Println()
		fmt.Println(tui.WarningStyle.Render("  No logs found"))
		fmt.Println(tui.DimStyle.Render("  insightd may not have been started yet"))
		fmt.Println()
		return nil
	}

	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	fmt.Println()
	fmt.Println(tui.TitleStyle.Render(" insightd logs "))
	fmt.Println(tui.DimStyle.Render(fmt.Sprintf(" %s", logPath)))
	fmt.Println(tui.Divider(50))
	fmt.Println()

	if logsFollow {
		return followLogs(file)
	}

	return tailLogs(file, logsTail)
}

func tailLogs(file *os.File, n int) error {
	// Read all lines
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if matchesInsight(scanner.Text()) {
			lines = append(lines, scanner.Text())
		}
	}

	// Get last n lines
	start := 0
	if len(lines) > n {
		start = len(lines) - n
	}

	for _, line := range lines[start:] {
		printLogLine(line)
	}

	fmt.Println()
	return nil
}

func followLogs(file *os.File) error {
	// Seek to end
	file.Seek(0, io.SeekEnd)

	reader := bufio.NewReader(file)

	fmt.Println(tui.DimStyle.Render("Waiting for new logs... (Ctrl+C to exit)"))
	fmt.Println()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		printLogLine(strings.TrimRight(line, "\n"))
	}
}

func matchesInsight(line string) bool {
	return logsInsight == "" || strings.Contains(line, " "+logsInsight+" ")
}

func printLogLine(line string) {
	if !matchesInsight(line) {
		return
	}
	fmt.Println(tui.LogLine(line))
}
