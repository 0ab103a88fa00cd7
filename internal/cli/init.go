package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/config"
)

// Top-level init command - alias for 'identity init' that also writes a
// default config file.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize safnode",
	Long: `Initialize a new safnode identity and config on this machine.

This is 'safnode identity init' plus a default config.toml when none
exists yet.

Examples:
  safnode init
  safnode init --keychain
  safnode init --name relay-1`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	// Mirror the same flags as identity init
	initCmd.Flags().String("name", "", "identity name (default user-hostname)")
	initCmd.Flags().Bool("keychain", false, "store the passphrase in the system keychain")
	initCmd.Flags().Bool("force", false, "overwrite an existing identity")
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := runIdentityInit(cmd, args); err != nil {
		return err
	}

	path := cfgFile
	if path == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return fmt.Errorf("get paths: %w", err)
		}
		path = paths.ConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cfg := config.Default()
	name, _ := cmd.Flags().GetString("name")
	cfg.Identity.Name = name
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
