package cli

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"safnode.dev/go/safnode/internal/client"
)

var (
	inboxDrain bool
	logsLevel  string
	logsLimit  int
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(safCmd)
	rootCmd.AddCommand(logsCmd)

	safCmd.AddCommand(safRequestCmd)

	inboxCmd.Flags().BoolVar(&inboxDrain, "drain", false, "remove the messages after printing them")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug, info, warn, error)")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "number of entries to show")
}

var sendCmd = &cobra.Command{
	Use:   "send <public-key> <text...>",
	Short: "Send an encrypted text message",
	Long: `Send a text message to a peer.

The message is delivered directly if the peer is connected. Otherwise it
is handed to the connected peers closest to the recipient, which hold it
until the recipient asks for stored messages.

Example:
  safnode send 3f9a... hello there`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	tag, err := c.Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
	if err != nil {
		return notRunning(err)
	}
	fmt.Printf("Message queued (tag %s).\n", tag)
	return nil
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show received messages",
	RunE:  runInbox,
}

func runInbox(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	msgs, err := c.Inbox(cmd.Context(), inboxDrain)
	if err != nil {
		return notRunning(err)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range msgs {
		fmt.Println(formatMessage(m))
	}
	return nil
}

func formatMessage(m client.Message) string {
	from := m.FromName
	if from == "" {
		from = m.From
		if len(from) > 16 {
			from = from[:16]
		}
	}
	return fmt.Sprintf("[%s] %s: %s", m.SentAt.Local().Format(time.DateTime), from, m.Text)
}

var safCmd = &cobra.Command{
	Use:   "saf",
	Short: "Store-and-forward commands",
}

var safRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask neighbours for messages stored for this node",
	Long: `Send a stored-message request to the closest connected peers.

The daemon does this on its own whenever a peer connects; use this
command to ask again without reconnecting.`,
	RunE: runSAFRequest,
}

func runSAFRequest(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	n, err := c.RequestStored(cmd.Context())
	if err != nil {
		return notRunning(err)
	}
	if n == 0 {
		fmt.Println("No connected peers to ask.")
		return nil
	}
	fmt.Printf("Requested stored messages from %d peers.\n", n)
	return nil
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon log entries",
	RunE:  runLogs,
}

func runLogs(cmd *cobra.Command, args []string) error {
	c, err := daemonClient()
	if err != nil {
		return err
	}
	entries, err := c.Logs(cmd.Context(), logsLevel, logsLimit)
	if err != nil {
		return notRunning(err)
	}
	for _, e := range entries {
		fmt.Println(formatLogEntry(e))
	}
	return nil
}

func formatLogEntry(e client.LogEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %-5s %s", e.Timestamp.Local().Format(time.TimeOnly), strings.ToUpper(e.Level), e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Fields[k])
	}
	return sb.String()
}
