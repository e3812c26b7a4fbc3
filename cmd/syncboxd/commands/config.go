package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/syncbox/syncbox/pkg/config"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the syncboxd configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file populated with the default values.

The file is written to the path given with --config, or to the default
location at $XDG_CONFIG_HOME/syncbox/config.yaml.

Examples:
  # Write the default config
  syncboxd config init

  # Write to a custom path
  syncboxd config init --config /etc/syncbox/config.yaml

  # Overwrite an existing file
  syncboxd config init --force`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file and report whether it is valid.

Examples:
  syncboxd config validate
  syncboxd config validate --config /etc/syncbox/config.yaml`,
	RunE: runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce && fileExists(path) {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: syncboxd start")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	fmt.Println("Configuration is valid.")
	return nil
}
