package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/config"
	"safnode.dev/go/safnode/internal/daemon"
)

var (
	daemonP2PPort int
	daemonAPIPort int
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)

	daemonRunCmd.Flags().IntVar(&daemonP2PPort, "p2p-port", 0, "P2P port (overrides config)")
	daemonRunCmd.Flags().IntVar(&daemonAPIPort, "api-port", -1, "local API port, 0 disables (overrides config)")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long: `Control the safnode background daemon.

The daemon holds peer connections, stores messages for offline peers,
asks its neighbours for stored messages and serves the local API.`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run daemon in foreground",
	Long: `Run the daemon in the foreground.

This is typically used by service managers (systemd, launchd).
For manual use, prefer 'safnode daemon start'.`,
	RunE: runDaemonRun,
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonP2PPort > 0 {
		cfg.Daemon.P2PPort = daemonP2PPort
	}
	if daemonAPIPort >= 0 {
		cfg.Daemon.APIPort = daemonAPIPort
	}

	identity, err := unlockIdentity(paths, cfg.Identity.Name)
	if err != nil {
		return err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	if c, err := daemonClient(); err == nil && c.IsRunning(cmd.Context()) {
		return fmt.Errorf("daemon is already running")
	}

	d, err := daemon.New(&daemon.Options{
		Paths:    paths,
		Config:   cfg,
		Identity: identity,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	slog.SetDefault(d.Logger())

	return d.Run(cmd.Context())
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start daemon in background",
	Long: `Start the daemon in the background.

The daemon will continue running after this command exits.
Use 'safnode daemon status' to check if it's running.`,
	RunE: runDaemonStart,
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	c, err := daemonClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if c.IsRunning(ctx) {
		fmt.Println("Daemon is already running.")
		return nil
	}
	if !paths.IdentityExists() {
		return fmt.Errorf("no identity found. Run 'safnode init' first")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable: %w", err)
	}

	runArgs := []string{"daemon", "run"}
	if cfgFile != "" {
		runArgs = append(runArgs, "--config", cfgFile)
	}
	proc := exec.Command(exe, runArgs...)
	proc.Stdin = os.Stdin // For passphrase input
	proc.Stdout = os.Stdout
	proc.Stderr = os.Stderr

	if err := proc.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	// Give plenty of time for passphrase entry
	timeout := time.After(60 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon failed to start: %w", err)
			}
			return fmt.Errorf("daemon exited unexpectedly")

		case <-ticker.C:
			if c.IsRunning(ctx) {
				fmt.Printf("Daemon started (PID %d).\n", proc.Process.Pid)
				fmt.Println("Use 'safnode daemon status' for details.")
				return nil
			}

		case <-timeout:
			fmt.Println("Timeout waiting for daemon to start.")
			fmt.Println("The daemon process may still be running in the background.")
			return nil
		}
	}
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE:  runDaemonStop,
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	data, err := os.ReadFile(paths.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Daemon is not running (no PID file).")
			return nil
		}
		return fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	fmt.Printf("Sending SIGTERM to daemon (PID %d)...\n", pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	// The daemon removes its PID file once shutdown completes, which
	// includes the store-and-forward grace period.
	for range 100 {
		if _, err := os.Stat(paths.PIDFile); os.IsNotExist(err) {
			fmt.Println("Daemon stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Daemon did not stop gracefully. Consider 'kill -9'.")
	return nil
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}
