package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaykit/taskrunner/internal/config"
)

func submitCmd() *cobra.Command {
	var tool string
	var paramFlags []string
	var timeoutMs int64
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and print its job ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{}
			for _, kv := range paramFlags {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --param %q, want key=value", kv)
				}
				params[parts[0]] = parts[1]
			}
			return runSubmit(tool, params, timeoutMs, wait)
		},
	}

	cmd.Flags().StringVar(&tool, "tool", "", "tool to run (search, heavy_search)")
	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "key=value parameter, repeatable")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "job deadline in milliseconds, 0 for none")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job reaches a terminal state")
	cmd.MarkFlagRequired("tool")

	return cmd
}

func runSubmit(tool string, params map[string]interface{}, timeoutMs int64, wait bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	body, _ := json.Marshal(map[string]interface{}{"tool": tool, "params": params, "timeout_ms": timeoutMs})
	resp, err := http.Post("http://"+cfg.API.Listen+"/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	var submitResp struct {
		JobID        string `json:"job_id"`
		Deduplicated bool   `json:"deduplicated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Println(submitResp.JobID)

	if !wait {
		return nil
	}
	return pollUntilTerminal(cfg.API.Listen, submitResp.JobID)
}

func pollUntilTerminal(addr, jobID string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	for {
		resp, err := client.Get(fmt.Sprintf("http://%s/v1/jobs/%s", addr, jobID))
		if err != nil {
			return err
		}
		var result struct {
			Status     string      `json:"status"`
			Result     interface{} `json:"result"`
			Error      string      `json:"error"`
			NextPollMs int64       `json:"next_poll_ms"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if decodeErr != nil {
			return decodeErr
		}

		switch result.Status {
		case "COMPLETED":
			out, _ := json.MarshalIndent(result.Result, "", "  ")
			fmt.Println(string(out))
			return nil
		case "FAILED":
			return fmt.Errorf("job failed: %s", result.Error)
		}

		delay := time.Duration(result.NextPollMs) * time.Millisecond
		if delay <= 0 {
			delay = 500 * time.Millisecond
		}
		time.Sleep(delay)
	}
}
