package cli

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/config"
	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/keychain"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/tui"
)

const maxIdentityName = 64

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Identity management commands",
	Long: `Manage the node identity.

The identity is the node's long-term key pair. Its public key is how other
peers address this node, and its node ID decides which stored messages the
node is responsible for.`,
}

func init() {
	rootCmd.AddCommand(identityCmd)
}

// Init command

var identityInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new identity",
	Long: `Create a new node identity.

The secret key is encrypted with a passphrase (Argon2id) and written to the
config directory. With --keychain the passphrase is also stored in the
system keychain so the daemon can start without a prompt.

Examples:
  safnode identity init
  safnode identity init --name relay-1 --keychain`,
	RunE: runIdentityInit,
}

func init() {
	identityInitCmd.Flags().String("name", "", "identity name (default user-hostname)")
	identityInitCmd.Flags().Bool("keychain", false, "store the passphrase in the system keychain")
	identityInitCmd.Flags().Bool("force", false, "overwrite an existing identity")
	identityCmd.AddCommand(identityInitCmd)
}

func runIdentityInit(cmd *cobra.Command, args []string) error {
	nameFlag, _ := cmd.Flags().GetString("name")
	useKeychain, _ := cmd.Flags().GetBool("keychain")
	force, _ := cmd.Flags().GetBool("force")

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if paths.IdentityExists() && !force {
		return fmt.Errorf("identity already exists at %s\nUse --force to replace it", paths.IdentityFile)
	}

	name := nameFlag
	if name == "" {
		def, err := defaultIdentityName()
		if err != nil {
			def = "safnode"
		}
		name, err = tui.ReadLineDefault("Identity name: ", def)
		if err != nil {
			return fmt.Errorf("reading name: %w", err)
		}
	}
	if err := validateIdentityName(name); err != nil {
		return err
	}

	fmt.Println("Set a passphrase to encrypt your identity.")
	pass, err := tui.ReadNewPassphrase("Passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return err
	}
	defer pass.Destroy()

	fmt.Print("Generating identity...")
	identity, err := crypto.GenerateIdentity(name)
	if err != nil {
		fmt.Println(" failed")
		return fmt.Errorf("generate identity: %w", err)
	}
	fmt.Println(" done")

	if err := saveIdentity(paths, identity, pass); err != nil {
		return err
	}

	if useKeychain {
		if err := keychain.Store(name, string(pass.Bytes())); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not store passphrase in keychain: %v\n", err)
		} else {
			fmt.Println("Passphrase stored in system keychain.")
		}
	}

	fmt.Println()
	fmt.Println("Identity created.")
	printIdentity(identity.Public())
	fmt.Println()
	fmt.Println("Back up your recovery words with: safnode identity export")
	return nil
}

func saveIdentity(paths *config.Paths, identity *crypto.Identity, pass *crypto.Passphrase) error {
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	fmt.Print("Saving encrypted identity...")
	if err := identity.SaveEncrypted(paths.IdentityFile, pass.Bytes()); err != nil {
		fmt.Println(" failed")
		return fmt.Errorf("save identity: %w", err)
	}
	fmt.Println(" done")

	fmt.Print("Saving public key...")
	if err := identity.SavePublic(paths.IdentityPubFile); err != nil {
		fmt.Println(" failed")
		return fmt.Errorf("save public key: %w", err)
	}
	fmt.Println(" done")
	return nil
}

func printIdentity(pub *crypto.PublicIdentity) {
	fmt.Printf("  Name:       %s\n", pub.Name)
	fmt.Printf("  Public key: %s\n", pub.PublicKey)
	fmt.Printf("  Node ID:    %s\n", peer.NodeIDFromPublicKey(pub.PublicKey))
	if !pub.CreatedAt.IsZero() {
		fmt.Printf("  Created:    %s\n", pub.CreatedAt.Format(time.DateOnly))
	}
}

func validateIdentityName(name string) error {
	if name == "" {
		return fmt.Errorf("identity name is required")
	}
	if len(name) > maxIdentityName {
		return fmt.Errorf("identity name too long (max %d characters)", maxIdentityName)
	}
	return nil
}

func defaultIdentityName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "local"
	}

	// Clean up hostname (remove domain parts)
	if idx := strings.Index(hostname, "."); idx > 0 {
		hostname = hostname[:idx]
	}
	if len(hostname) > 20 {
		hostname = hostname[:20]
	}

	return fmt.Sprintf("%s-%s", u.Username, hostname), nil
}

// unlockIdentity loads the encrypted identity, taking the passphrase from
// the keychain when one is stored and prompting otherwise.
func unlockIdentity(paths *config.Paths, name string) (*crypto.Identity, error) {
	if !paths.IdentityExists() {
		return nil, fmt.Errorf("no identity found. Run 'safnode init' first")
	}

	if stored, err := keychain.Get(name); err == nil {
		pass := crypto.NewPassphrase([]byte(stored))
		identity, err := crypto.LoadEncrypted(paths.IdentityFile, pass.Bytes())
		pass.Destroy()
		if err == nil {
			return identity, nil
		}
		fmt.Fprintln(os.Stderr, "Keychain passphrase did not unlock the identity.")
	}

	const attempts = 3
	for i := range attempts {
		pass, err := tui.ReadPassphrase("Passphrase: ")
		if err != nil {
			return nil, err
		}
		identity, err := crypto.LoadEncrypted(paths.IdentityFile, pass.Bytes())
		pass.Destroy()
		if err == nil {
			return identity, nil
		}
		if i < attempts-1 {
			fmt.Fprintln(os.Stderr, "Invalid passphrase. Try again.")
		}
	}
	return nil, fmt.Errorf("failed to load identity after %d attempts", attempts)
}

// Export command

var identityExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export identity for backup",
	Long: `Export your identity as a paper backup using recovery words.

The recovery words can be used to restore your identity on a new machine.
Store them securely - anyone with these words can impersonate this node.

Examples:
  safnode identity export
  safnode identity export --plain
  safnode identity export --qr
  safnode identity export --output backup.txt`,
	RunE: runIdentityExport,
}

func init() {
	identityExportCmd.Flags().Bool("plain", false, "plain text output (no box)")
	identityExportCmd.Flags().Bool("qr", false, "display as QR code")
	identityExportCmd.Flags().String("output", "", "write to file instead of stdout")
	identityCmd.AddCommand(identityExportCmd)
}

func runIdentityExport(cmd *cobra.Command, args []string) error {
	plain, _ := cmd.Flags().GetBool("plain")
	qrFlag, _ := cmd.Flags().GetBool("qr")
	output, _ := cmd.Flags().GetString("output")

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if !paths.IdentityExists() {
		return fmt.Errorf("no identity found. Create one with: safnode init")
	}

	pass, err := tui.ReadPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	identity, err := crypto.LoadEncrypted(paths.IdentityFile, pass.Bytes())
	pass.Destroy()
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	mnemonic, err := identity.RecoveryPhrase()
	if err != nil {
		return fmt.Errorf("encoding mnemonic: %w", err)
	}

	var sb strings.Builder
	switch {
	case qrFlag:
		if err := tui.WriteQR(&sb, mnemonic); err != nil {
			return fmt.Errorf("generating QR code: %w", err)
		}
	case plain:
		fmt.Fprintf(&sb, "Recovery words: %s\n", mnemonic)
	default:
		sb.WriteString(formatPaperBackup(identity, strings.Fields(mnemonic)))
	}

	if output != "" {
		if err := os.WriteFile(output, []byte(sb.String()), 0600); err != nil {
			return fmt.Errorf("writing file: %w", err)
		}
		fmt.Printf("Backup written to %s\n", output)
		fmt.Println("Store this file securely and delete after printing.")
		return nil
	}
	fmt.Print(sb.String())
	return nil
}

func formatPaperBackup(identity *crypto.Identity, words []string) string {
	var sb strings.Builder

	line := func(format string, args ...any) {
		fmt.Fprintf(&sb, "|  %-60s|\n", fmt.Sprintf(format, args...))
	}

	sb.WriteString("\n")
	sb.WriteString("+==============================================================+\n")
	line("%s", "                  SAFNODE IDENTITY BACKUP")
	line("")
	line("Name:        %s", identity.Name)
	line("Fingerprint: %s", identity.Fingerprint())
	line("Created:     %s", identity.CreatedAt.Format(time.DateOnly))
	line("")
	line("Recovery Words (%d):", len(words))
	line("")

	// Four columns, numbered down each column.
	rows := (len(words) + 3) / 4
	for row := range rows {
		var cols strings.Builder
		for col := range 4 {
			idx := row + col*rows
			if idx < len(words) {
				fmt.Fprintf(&cols, "%2d. %-10s", idx+1, words[idx])
			}
		}
		line("%s", cols.String())
	}

	line("")
	line("WARNING: Store this in a secure location.")
	line("Anyone with these words can recover your identity.")
	sb.WriteString("+==============================================================+\n")
	sb.WriteString("\nPrint this page and store securely.\n")

	return sb.String()
}

// Recover command

var identityRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover identity from paper backup",
	Long: `Recover your identity using the recovery words from a paper backup.

You will be prompted to enter the words and set a new passphrase.

Examples:
  safnode identity recover
  safnode identity recover --words "apple banana cherry ..."
  safnode identity recover --name relay-1 --words "..."`,
	RunE: runIdentityRecover,
}

func init() {
	identityRecoverCmd.Flags().String("words", "", "recovery words (space-separated)")
	identityRecoverCmd.Flags().String("name", "", "identity name")
	identityCmd.AddCommand(identityRecoverCmd)
}

func runIdentityRecover(cmd *cobra.Command, args []string) error {
	wordsFlag, _ := cmd.Flags().GetString("words")
	nameFlag, _ := cmd.Flags().GetString("name")

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if paths.IdentityExists() {
		return fmt.Errorf("identity already exists at %s\nDelete it first if you want to recover a different identity", paths.IdentityFile)
	}

	mnemonic := wordsFlag
	if mnemonic == "" {
		fmt.Println("Enter recovery words (space-separated):")
		mnemonic, err = tui.ReadLine("> ")
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
	}

	if err := crypto.ValidateMnemonic(mnemonic); err != nil {
		return fmt.Errorf("invalid recovery words: %w", err)
	}
	entropy, err := crypto.MnemonicToEntropy(mnemonic)
	if err != nil {
		return fmt.Errorf("decoding recovery words: %w", err)
	}
	defer crypto.ZeroBytes(entropy)

	name := nameFlag
	if name == "" {
		name, err = tui.ReadLine("Enter identity name: ")
		if err != nil {
			return fmt.Errorf("reading name: %w", err)
		}
	}
	if err := validateIdentityName(name); err != nil {
		return err
	}

	identity, err := crypto.IdentityFromEntropy(entropy, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reconstructing identity: %w", err)
	}

	fmt.Println()
	fmt.Println("Recovered identity:")
	printIdentity(identity.Public())
	fmt.Println()

	fmt.Println("Set a passphrase to encrypt your recovered identity.")
	pass, err := tui.ReadNewPassphrase("Passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return err
	}
	defer pass.Destroy()

	if err := saveIdentity(paths, identity, pass); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Identity recovered successfully!")
	fmt.Printf("  Identity file:   %s\n", paths.IdentityFile)
	fmt.Printf("  Public key file: %s\n", paths.IdentityPubFile)
	return nil
}
