package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relaykit/taskrunner/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check a running server's health",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.API.Listen + "/healthz")
	if err != nil {
		return fmt.Errorf("reach server at %s: %w", cfg.API.Listen, err)
	}
	defer resp.Body.Close()

	var report struct {
		Overall    string `json:"Overall"`
		Components []struct {
			Name    string `json:"Name"`
			Status  string `json:"Status"`
			Message string `json:"Message"`
		} `json:"Components"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode health report: %w", err)
	}

	overall := color.GreenString(report.Overall)
	if report.Overall != "healthy" {
		overall = color.RedString(report.Overall)
	}
	fmt.Printf("server:  %s\n", cfg.API.Listen)
	fmt.Printf("overall: %s\n", overall)
	for _, c := range report.Components {
		fmt.Printf("  - %-16s %-10s %s\n", c.Name, c.Status, c.Message)
	}
	return nil
}
