package cli

import (
	"fmt"

	"github.com/harun/steer/internal/daemon"
	"github.com/harun/steer/internal/logger"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the steer HTTP server",
	Long: `Run the steer HTTP server in the foreground until SIGINT or SIGTERM.
Open sessions are closed and their browsers shut down on exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.NewPIDFile(cfg.DataDir)
	if pidFile.IsRunning() {
		return fmt.Errorf("steer is already running (PID file: %s)", pidFile.Path())
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	zl := log.Zerolog()
	zl.Info().
		Str("version", version).
		Str("config", loader.GetConfigPath()).
		Msg("Loaded configuration")

	d, err := daemon.New(cfg, log, daemon.WithLoader(loader))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	return d.Wait()
}
