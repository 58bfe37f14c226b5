package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

var (
	sendName    string
	historySize int
)

func init() {
	rootCmd.AddCommand(sendCmd, readCmd, inboxCmd, historyCmd, listenCmd)
	sendCmd.Flags().StringVar(&sendName, "name", "", "display name of the receiver")
	historyCmd.Flags().IntVarP(&historySize, "limit", "n", 20, "number of messages")
}

var sendCmd = &cobra.Command{
	Use:   "send <userId> <message...>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		msg, err := client.Chat.Send(ctx, args[0], sendName, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <userId>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Chat.LoadConversation(ctx, args[0], 0); err != nil {
			return err
		}
		return client.Chat.MarkRead(ctx, args[0])
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WITH\tUNREAD\tLAST\tAT")
		for _, s := range client.Chat.Summaries() {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", who(s.OtherID, s.OtherName), s.UnreadCount, truncate(s.LastMessage, 40), clock(s.LastMessageTime))
		}
		return tw.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <userId>",
	Short: "Show the conversation with one identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		client, cfg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Chat.LoadConversation(ctx, args[0], historySize); err != nil {
			return err
		}
		for _, m := range client.Chat.Messages(args[0]) {
			printMessage(cmd, cfg.Identity.ID, m)
		}
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen [caseId...]",
	Short: "Stay connected and print incoming events",
	Long:  "Print messages, read receipts and notifications as they arrive.\nCase ids given as arguments are followed as well.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()

		client, cfg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		client.Transport.On(protocol.EventChatReceive, func(env protocol.Envelope) {
			var m domain.ChatMessage
			if json.Unmarshal(env.Data, &m) == nil {
				printMessage(cmd, cfg.Identity.ID, m)
			}
		})
		client.Transport.On(protocol.EventChatReadConfirm, func(env protocol.Envelope) {
			var p protocol.ChatReadConfirmPayload
			if json.Unmarshal(env.Data, &p) == nil {
				fmt.Fprintf(out, "%s read your messages\n", p.UserID)
			}
		})
		client.Transport.On(protocol.EventNotificationReceive, func(env protocol.Envelope) {
			fmt.Fprintf(out, "notification: %s\n", string(env.Data))
		})

		offline := make(chan *domain.ConnectionError, 1)
		client.Transport.OnOffline(func(err *domain.ConnectionError) { offline <- err })

		for _, id := range args {
			view, err := client.Cases.View(ctx, id, func(c domain.Case) { printCase(cmd, c) })
			if err != nil {
				return err
			}
			defer view.Close()
		}

		fmt.Fprintf(out, "listening as %s (Ctrl-C to stop)\n", cfg.Identity.ID)
		select {
		case <-ctx.Done():
			return nil
		case err := <-offline:
			return err
		}
	},
}

func printMessage(cmd *cobra.Command, self string, m domain.ChatMessage) {
	from := who(m.SenderID, m.SenderName)
	if m.SenderID == self {
		from = "you"
	}
	mark := ""
	if m.Read {
		mark = " ✓"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s%s\n", clock(m.Timestamp), from, m.Body, mark)
}

func who(id, name string) string {
	if name == "" {
		return id
	}
	return name + " (" + id + ")"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
