package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sayonatsu/herald/cmd/herald/commands"
)

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "herald - scheduled group announcement daemon",
	Long: `herald tracks announcement requests from submission through approval,
scheduling, and posting to a group platform, with durable timers that
survive restarts.

Available commands:
  serve   - Run the announcement daemon
  list    - List a partition's tracked requests
  cancel  - Cancel a queued announcement by job id
  config  - Inspect or initialize configuration
  version - Show version information

Examples:
  herald serve                          # Run the daemon
  herald list --partition guild-100     # Show tracked requests
  herald cancel --partition guild-100 --job job_abc
  herald config init                    # Write a default herald.toml`,
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ListCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
