package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edoras/edoras/pkg/logx"
	"github.com/edoras/edoras/pkg/server"
)

// Version is set at build time via ldflags
var Version = "dev"

type flags struct {
	configPath string
	envFile    string
	host       string
	port       int
	httpPort   int
	journal    string
	logLevel   string
	logFormat  string
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:           "edoras-server",
		Short:         "Edoras session server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	fs := rootCmd.Flags()
	fs.StringVar(&f.configPath, "config", "~/.edoras/config.toml", "Path to config file (created with defaults if missing)")
	fs.StringVar(&f.envFile, "env-file", ".env", "Optional .env file with EDORAS_* overrides")
	fs.StringVar(&f.host, "host", "", "Address to bind (overrides config)")
	fs.IntVar(&f.port, "port", 0, "TCP port to listen on (overrides config)")
	fs.IntVar(&f.httpPort, "http-port", 0, "Admin HTTP/WebSocket port, 0 disables (overrides config)")
	fs.StringVar(&f.journal, "journal", "", "Path to the SQLite session journal (overrides config)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: console or json")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, f flags) error {
	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(f.configPath)
	if err != nil {
		return err
	}

	env, err := server.LoadEnv(f.envFile)
	if err != nil {
		return err
	}
	if err := config.ApplyEnv(env); err != nil {
		return err
	}

	// Command-line flags override config file and environment
	changed := cmd.Flags().Changed
	if changed("host") {
		config.Server.Host = f.host
	}
	if changed("port") {
		config.Server.TCPPort = f.port
	}
	if changed("http-port") {
		config.Server.HTTPPort = f.httpPort
	}
	if changed("journal") {
		config.Server.JournalPath = f.journal
	}
	if changed("log-level") {
		config.Log.Level = f.logLevel
	}
	if changed("log-format") {
		config.Log.Format = f.logFormat
	}

	logger, err := logx.New(config.Log.Level, config.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	cfg := config.ToServerConfig()
	srv, err := server.New(cfg, server.NewRegistry(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create server")
		return err
	}
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start server")
		srv.Stop()
		return err
	}

	event := logger.Info().
		Str("version", Version).
		Str("addr", srv.Addr().String()).
		Str("username_policy", cfg.UsernamePolicy)
	if addr := srv.HTTPAddr(); addr != nil {
		event = event.Str("http_addr", addr.String())
	}
	if cfg.JournalPath != "" {
		event = event.Str("journal", cfg.JournalPath)
	}
	event.Msg("Edoras server started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Stringer("signal", sig).Msg("Shutting down server")
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		return err
	}
	return nil
}
