package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Query a running gateway for its per-provider health state.`,
	RunE:  runStatus,
}

type statusPayload struct {
	Status     string   `json:"status"`
	Categories []string `json:"categories"`
	Providers  []struct {
		Provider            string `json:"provider"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
		RateLimited         int    `json:"rate_limited"`
		CooldownRemaining   string `json:"cooldown_remaining"`
		LastLatencyMs       int64  `json:"last_latency_ms"`
	} `json:"providers"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	mgr := config.NewManager(path)
	cfg := mgr.Get()

	url := fmt.Sprintf("http://%s:%d/status", cfg.Host, cfg.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		color.Red("Gateway not reachable at %s", url)
		return err
	}
	defer resp.Body.Close()

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-12s: %s\n", "Endpoint", url)
	fmt.Printf("  %-12s: %s\n", "Status", payload.Status)
	fmt.Printf("  %-12s: %v\n", "Categories", payload.Categories)

	if len(payload.Providers) == 0 {
		fmt.Println("  No provider traffic observed yet.")
		return nil
	}
	for _, p := range payload.Providers {
		line := fmt.Sprintf("  %-20s failures=%d rate_limited=%d latency=%dms",
			p.Provider, p.ConsecutiveFailures, p.RateLimited, p.LastLatencyMs)
		if p.CooldownRemaining != "" {
			color.Yellow("%s cooldown=%s", line, p.CooldownRemaining)
			continue
		}
		fmt.Println(line)
	}
	return nil
}
