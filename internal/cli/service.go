package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/service"
)

func init() {
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install daemon as user service",
	Long: `Install the daemon as a user service.

On Linux, this creates and enables a systemd user service.
On macOS, this creates a launchd agent.
On Windows, this creates a scheduled task that runs at logon.

The daemon must be able to unlock the identity without a prompt, so
create the identity with --keychain first.`,
	RunE: runDaemonInstall,
}

func runDaemonInstall(cmd *cobra.Command, args []string) error {
	opts := service.Options{}
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		opts.ConfigFile = abs
	}

	inst := service.NewInstaller(opts)
	if err := inst.Install(); err != nil {
		if errors.Is(err, service.ErrAlreadyInstalled) {
			fmt.Println("Service is already installed.")
			return nil
		}
		return err
	}
	fmt.Println("Service installed.")

	if err := inst.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	fmt.Println("Service started.")
	return nil
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove daemon user service",
	RunE:  runDaemonUninstall,
}

func runDaemonUninstall(cmd *cobra.Command, args []string) error {
	if err := service.NewInstaller(service.Options{}).Uninstall(); err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			fmt.Println("Service is not installed.")
			return nil
		}
		return err
	}
	fmt.Println("Service removed.")
	return nil
}
