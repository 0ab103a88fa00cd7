package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/client"
	"safnode.dev/go/safnode/internal/service"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Long: `Display the running daemon's identity, connections and
store-and-forward counters.

Examples:
  safnode status`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}

	status, err := c.Status(cmd.Context())
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Println("Daemon is not running.")
		if svc, err := service.NewInstaller(service.Options{}).Status(); err == nil && svc.Installed {
			fmt.Println("A user service is installed but not running.")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	fmt.Println("Daemon Status")
	fmt.Println()
	fmt.Printf("  Running:     yes\n")
	fmt.Printf("  PID:         %d\n", status.PID)
	fmt.Printf("  Uptime:      %s\n", status.Uptime)
	fmt.Printf("  Identity:    %s\n", status.Name)
	fmt.Printf("  Public key:  %s\n", status.PublicKey)
	fmt.Printf("  Node ID:     %s\n", status.NodeID)
	fmt.Printf("  P2P Address: %s\n", status.P2PAddr)
	fmt.Printf("  Peers:       %d connected, %d known\n", status.ConnectedPeers, status.KnownPeers)
	fmt.Printf("  Inbox:       %d messages\n", status.InboxMessages)

	fmt.Println()
	fmt.Println("Store and forward")
	fmt.Println()
	fmt.Printf("  Held for peers:   %d\n", status.StoredMessages)
	fmt.Printf("  Requests served:  %d (%d rejected)\n", status.SAF.RequestsServed, status.SAF.RequestsRejected)
	fmt.Printf("  Messages handed:  %d\n", status.SAF.MessagesReturned)
	fmt.Printf("  Recovered:        %d of %d received\n", status.SAF.MessagesForwarded, status.SAF.MessagesReceived)
	fmt.Printf("  Dropped:          %d benign, %d malfunction, %d violation\n",
		status.SAF.DroppedBenign, status.SAF.DroppedMalfunction, status.SAF.DroppedViolation)
	if status.LastRequestAt.IsZero() {
		fmt.Printf("  Last request:     never\n")
	} else {
		fmt.Printf("  Last request:     %s\n", status.LastRequestAt.Local().Format(time.DateTime))
	}

	return nil
}
