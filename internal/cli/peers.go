package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/config"
	"safnode.dev/go/safnode/internal/crypto"
)

var (
	peerAddName    string
	peerAddAddress string
)

func init() {
	rootCmd.AddCommand(peersCmd)

	peersCmd.AddCommand(peersListCmd)
	peersCmd.AddCommand(peersAddCmd)
	peersCmd.AddCommand(peersRemoveCmd)
	peersCmd.AddCommand(peersVerifyCmd)

	peersAddCmd.Flags().StringVar(&peerAddName, "name", "", "display name for the peer")
	peersAddCmd.Flags().StringVar(&peerAddAddress, "address", "", "peer URL to connect to, e.g. ws://10.0.0.5:7946/p2p")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Peer management commands",
	Long: `Manage the peer directory.

Peers are discovered automatically via mDNS on the local network.
You can also add peers manually by public key and address.`,
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peers",
	RunE:  runPeersList,
}

func runPeersList(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	peers, err := c.Peers(cmd.Context())
	if err != nil {
		return notRunning(err)
	}

	if len(peers) == 0 {
		fmt.Println("No known peers.")
		fmt.Println()
		fmt.Println("Peers are discovered automatically via mDNS on the local network.")
		fmt.Println("To add a peer manually: safnode peers add <public-key> --address <url>")
		return nil
	}

	fmt.Printf("Known Peers (%d)\n\n", len(peers))
	for _, p := range peers {
		status := "disconnected"
		if p.Connected {
			status = "connected"
		}
		name := p.Name
		if name == "" {
			name = p.NodeID
		}

		fmt.Printf("  %s [%s]\n", name, status)
		fmt.Printf("    Public key: %s\n", p.PublicKey)
		fmt.Printf("    Node ID:    %s\n", p.NodeID)
		for _, addr := range p.Addresses {
			fmt.Printf("    Address:    %s\n", addr)
		}
		if !p.LastSeen.IsZero() {
			fmt.Printf("    Last seen:  %s\n", p.LastSeen.Local().Format(time.DateTime))
		}
		fmt.Println()
	}
	return nil
}

var peersAddCmd = &cobra.Command{
	Use:   "add <public-key>",
	Short: "Add a peer manually",
	Long: `Add a peer by public key.

With --address the daemon also connects to the peer. Use this when mDNS
discovery isn't available (e.g., across subnets or over a VPN).

Example:
  safnode peers add 3f9a... --name relay-1 --address ws://192.168.1.50:7946/p2p`,
	Args: cobra.ExactArgs(1),
	RunE: runPeersAdd,
}

func runPeersAdd(cmd *cobra.Command, args []string) error {
	if _, err := crypto.ParsePublicKey(args[0]); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	c, err := daemonClient()
	if err != nil {
		return err
	}
	p, err := c.AddPeer(cmd.Context(), args[0], peerAddName, peerAddAddress)
	if err != nil {
		return notRunning(err)
	}

	fmt.Printf("Added peer %s (node %s).\n", args[0], p.NodeID)
	if peerAddAddress != "" {
		fmt.Printf("Connecting to %s...\n", peerAddAddress)
	}
	return nil
}

var peersRemoveCmd = &cobra.Command{
	Use:     "remove <public-key>",
	Aliases: []string{"forget"},
	Short:   "Remove a peer from the directory",
	Args:    cobra.ExactArgs(1),
	RunE:    runPeersRemove,
}

func runPeersRemove(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	if err := c.RemovePeer(cmd.Context(), args[0]); err != nil {
		return notRunning(err)
	}
	fmt.Println("Peer removed.")
	return nil
}

var peersVerifyCmd = &cobra.Command{
	Use:   "verify <public-key>",
	Short: "Show the safety phrase shared with a peer",
	Long: `Print the safety phrase derived from your public key and the peer's.

Both sides see the same words. Compare them over a trusted channel (in
person, on a call) to confirm the key really belongs to the peer.
Does not require the daemon to be running.`,
	Args: cobra.ExactArgs(1),
	RunE: runPeersVerify,
}

func runPeersVerify(cmd *cobra.Command, args []string) error {
	theirs, err := crypto.ParsePublicKey(args[0])
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	pub, err := crypto.LoadPublic(paths.IdentityPubFile)
	if err != nil {
		return fmt.Errorf("load public identity: %w", err)
	}

	phrase, err := crypto.SafetyPhrase(pub.PublicKey, theirs)
	if err != nil {
		return fmt.Errorf("derive safety phrase: %w", err)
	}

	fmt.Println("Safety phrase:")
	fmt.Println()
	fmt.Printf("  %s\n", phrase)
	fmt.Println()
	fmt.Println("The peer should see the same words when verifying your key.")
	return nil
}
