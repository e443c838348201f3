package cli

import (
	"fmt"
	"syscall"
	"time"

	"github.com/harun/steer/internal/daemon"
	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running steer server",
	Long: `Stop a running steer server gracefully.
Sends SIGTERM and waits for it to close its sessions and exit.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the server to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.NewPIDFile(cfg.DataDir)
	if !pidFile.IsRunning() {
		_ = pidFile.Remove()
		return fmt.Errorf("steer is not running")
	}

	if err := pidFile.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !pidFile.IsRunning() {
			_ = pidFile.Remove()
			fmt.Fprintln(out, "steer stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := pidFile.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	_ = pidFile.Remove()
	fmt.Fprintln(out, "steer killed")
	return nil
}
