package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	version = "dev"
	rootCmd *cobra.Command
)

func main() {
	rootCmd = &cobra.Command{
		Use:     "taskrunnerd",
		Short:   "Adaptive task orchestration runtime",
		Version: version,
		Long: `taskrunnerd runs the job queue, scheduler, and file search engine
behind a single HTTP surface: submit a job, poll or stream its progress,
cancel it, or search a directory tree for matches.`,
		Example: `  # Start the server with defaults
  taskrunnerd start

  # Start against a config file
  taskrunnerd start --config taskrunner.yaml

  # Submit a job from the CLI and wait for it to finish
  taskrunnerd submit --tool search --param root=/var/log --param pattern=*.log --wait

  # Check a running server's health
  taskrunnerd status`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./taskrunner.yaml)")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(cancelCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
