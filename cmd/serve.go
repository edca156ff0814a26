package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway in the foreground",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging()

	path, err := configPath()
	if err != nil {
		return err
	}
	mgr := config.NewManager(path)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("providers", len(cfg.Providers)).
		Int("categories", len(cfg.Categories)).
		Msg("starting gateway")

	srv := server.New(mgr, logger)
	return srv.Start()
}
