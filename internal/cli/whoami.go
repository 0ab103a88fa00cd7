package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/config"
	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/tui"
)

var whoamiQR bool

func init() {
	rootCmd.AddCommand(whoamiCmd)

	whoamiCmd.Flags().BoolVar(&whoamiQR, "qr", false, "show the public key as a QR code")
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show identity information",
	Long: `Display your safnode identity information.

Shows the identity name, public key and node ID. Share the public key with
peers so they can add you and send you messages.
Does not require the daemon to be running.

Examples:
  safnode whoami
  safnode whoami --qr`,
	RunE: runWhoami,
}

func runWhoami(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if !paths.IdentityExists() {
		fmt.Println("No identity found.")
		fmt.Println()
		fmt.Println("To create an identity, run: safnode init")
		return nil
	}

	// Load public identity (doesn't require passphrase)
	pub, err := crypto.LoadPublic(paths.IdentityPubFile)
	if err != nil {
		return fmt.Errorf("load public identity: %w", err)
	}

	printIdentity(pub)
	fmt.Println()
	fmt.Printf("Identity file: %s\n", paths.IdentityFile)
	fmt.Printf("Public key:    %s\n", paths.IdentityPubFile)

	if whoamiQR {
		fmt.Println()
		return tui.WriteQR(os.Stdout, pub.PublicKey.String())
	}
	return nil
}
