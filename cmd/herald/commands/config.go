package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sayonatsu/herald/config"
	"github.com/sayonatsu/herald/errors"
)

// ConfigCmd groups configuration subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}

		// Secrets stay out of terminal output.
		if cfg.OpenRouter.APIKey != "" {
			redacted := *cfg
			redacted.OpenRouter.APIKey = "<redacted>"
			cfg = &redacted
		}

		data, err := config.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default herald.toml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := "herald.toml"
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote default configuration to %s\n", path)
		pterm.Info.Println("Set openrouter.api_key and vrchat.group_id before running `herald serve`")
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configInitCmd)
}
