// Package main implements the config commands for inspecting and
// bootstrapping the settings file.
package main

import (
	"fmt"
	"os"

	"llamaterm/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configInitForce bool

// configCmd manages the settings file
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage llamaterm settings",
	Long: `Inspect or bootstrap the settings file.

Subcommands:
  init - Write a settings file with defaults
  show - Print the effective settings`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file with defaults",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE:  runConfigShow,
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgPath); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	}
	if err := config.Default().Save(cfgPath); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	fmt.Printf("✅ Wrote %s\n", cfgPath)
	return nil
}

// runConfigShow prints the settings after file, environment and derived-path
// resolution, so what it shows is what the engine runs with.
func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render settings: %w", err)
	}
	fmt.Printf("# %s\n%s", cfgPath, data)
	return nil
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing settings file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
}
