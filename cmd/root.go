// Package cmd implements the modelgate CLI.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	AppName = "modelgate"
	Version = "0.1.0"
)

var (
	logger   zerolog.Logger
	cfgPath  string
	verbose  bool
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:     AppName,
	Short:   "LLM gateway with category routing and failover",
	Long:    `modelgate accepts Anthropic Messages API traffic and serves it from OpenAI, Gemini or Anthropic backends, with category routing, load balancing and rate-limit fallback.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default ~/.modelgate/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging() {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	if jsonLogs {
		logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
		return
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func configPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "."+AppName, "config.json"), nil
}
