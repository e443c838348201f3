package cli

import (
	"fmt"
	"time"

	"github.com/harun/steer/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a steer server is running",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.NewPIDFile(cfg.DataDir)
	if !pidFile.IsRunning() {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := pidFile.Read()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	fmt.Fprintf(out, "Address: %s\n", cfg.Server.Addr())
	if uptime, err := pidFile.Since(); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(uptime))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
