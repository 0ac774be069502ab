package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/relaykit/taskrunner/internal/config"
)

func cancelCmd() *cobra.Command {
	var token string
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a running or pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			endpoint := fmt.Sprintf("http://%s/v1/jobs/%s", cfg.API.Listen, args[0])
			if reason != "" {
				endpoint += "?reason=" + url.QueryEscape(reason)
			}
			req, err := http.NewRequest(http.MethodDelete, endpoint, nil)
			if err != nil {
				return err
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				return fmt.Errorf("cancel failed: server returned %s", resp.Status)
			}
			fmt.Printf("cancelling %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bearer token, if the server requires authentication")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded against the job's result on cancellation")
	return cmd
}
