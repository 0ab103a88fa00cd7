package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/client"
	"safnode.dev/go/safnode/internal/config"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation
var RootCmd = &cobra.Command{
	Use:   "safnode",
	Short: "Store-and-forward relay node",
	Long: `safnode - a store-and-forward relay node

Peers exchange end-to-end encrypted envelopes. When a recipient is
offline, nodes close to it hold the message and hand it over once the
recipient comes back and asks for stored messages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/safnode/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}

// loadConfig reads --config if given, otherwise the default config file.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if verboseLog {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// daemonClient returns an API client for the configured daemon.
func daemonClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.FromConfig(cfg)
}

// notRunning rewrites ErrDaemonNotRunning into a hint.
func notRunning(err error) error {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		return fmt.Errorf("daemon not running. Start with: safnode daemon start")
	}
	return err
}
