package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	mgr := config.NewManager(path)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	// Keys stay out of terminal scrollback.
	redacted := *cfg
	redacted.APIKey = redact(cfg.APIKey)
	redacted.Providers = make([]config.Provider, len(cfg.Providers))
	for i, p := range cfg.Providers {
		p.APIKey = redact(p.APIKey)
		redacted.Providers[i] = p
	}

	data, err := json.MarshalIndent(&redacted, "", "  ")
	if err != nil {
		return err
	}
	color.Blue("Configuration (%s):", path)
	fmt.Println(string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if _, err := config.NewManager(path).Load(); err != nil {
		color.Red("Configuration invalid: %v", err)
		return err
	}
	color.Green("Configuration valid: %s", path)
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	mgr := config.NewManager(path)
	if mgr.Exists() {
		color.Yellow("Configuration already exists at %s", path)
		return nil
	}

	cfg := &config.Config{
		Host: config.DefaultHost,
		Port: config.DefaultPort,
		Providers: []config.Provider{
			{
				Name:    "openai",
				Format:  "openai",
				APIBase: "https://api.openai.com",
				APIKey:  os.Getenv("OPENAI_API_KEY"),
			},
		},
		Categories: map[string][]config.PoolEntry{
			config.CategoryDefault: {
				{Provider: "openai", Model: "gpt-4o"},
			},
			config.CategoryBackground: {
				{Provider: "openai", Model: "gpt-4o-mini"},
			},
		},
		FallbackChains: map[string][]string{
			config.FallbackKey("openai", "gpt-4o"): {"gpt-4o-mini"},
		},
	}

	if err := mgr.Save(cfg); err != nil {
		return err
	}
	color.Green("Wrote starter configuration to %s", path)
	color.Yellow("Edit it to add your providers, category pools and fallback chains.")
	return nil
}

func redact(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
