package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/carchat/internal/api"
	"github.com/matheus3301/carchat/internal/model"
	"github.com/matheus3301/carchat/internal/session"
)

var (
	profileFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "carchatctl",
		Short:         "Control a running carchatd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		statusCmd(),
		loginCmd(),
		logoutCmd(),
		reconnectCmd(),
		foregroundCmd(),
		conversationsCmd(),
		openCmd(),
		closeCmd(),
		typeCmd(),
		sendCmd(),
		messagesCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withClient dials the profile's daemon and runs fn with a request deadline.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	profile := session.Resolve(profileFlag)
	if err := session.ValidateName(profile); err != nil {
		return err
	}
	c, err := api.NewClient(session.SocketPath(profile))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", profile, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(st)
				return nil
			})
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Store a bearer token and connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Login(ctx, args[0])
				if err != nil {
					return err
				}
				printStatus(st)
				return nil
			})
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Disconnect and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Logout(ctx)
				if err != nil {
					return err
				}
				printStatus(st)
				return nil
			})
		},
	}
}

func reconnectCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Restart the realtime session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Reconnect(ctx, endpoint)
				if err != nil {
					return err
				}
				printStatus(st)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "switch to this realtime endpoint")
	return cmd
}

func foregroundCmd() *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "foreground",
		Short: "Mark the client as foregrounded (or --background)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.SetForeground(ctx, !background)
				if err != nil {
					return err
				}
				printStatus(st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "start the background grace period instead")
	return cmd
}

func conversationsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Conversations(ctx, refresh)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				if len(resp.Conversations) == 0 {
					fmt.Println("No conversations.")
					return nil
				}
				for _, conv := range resp.Conversations {
					preview := ""
					if conv.LastMessage != nil {
						preview = truncate(conv.LastMessage.Content, 40)
					}
					fmt.Printf("%-24s unread=%-3d %s\n", conv.ID, conv.UnreadCount, preview)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the list from the server")
	return cmd
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation screen in the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Open(ctx, args[0])
				if err != nil {
					return err
				}
				printConversation(st)
				return nil
			})
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Close a conversation screen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				return c.CloseConversation(ctx, args[0])
			})
		},
	}
}

func typeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "type <conversation-id> <text>",
		Short: "Set the composer text of an open conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Type(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printConversation(st)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> [text]",
		Short: "Send text (or the current composer) to an open conversation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Send(ctx, args[0], text)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("sent %s\n", resp.Message.ID)
				return nil
			})
		},
	}
}

func messagesCmd() *cobra.Command {
	var reload bool
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Show a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Messages(ctx, args[0], reload)
				if err != nil {
					return err
				}
				if jsonFlag {
					outputJSON(resp)
					return nil
				}
				for _, m := range resp.Messages {
					printMessage(m)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "fetch history from the server")
	return cmd
}

func watchCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profile := session.Resolve(profileFlag)
			c, err := api.NewClient(session.SocketPath(profile))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			err = c.Watch(ctx, prefix, func(evt *api.Event) error {
				if jsonFlag {
					outputJSON(evt)
					return nil
				}
				ts := time.UnixMilli(evt.OccurredAtUnixMs).Format("15:04:05.000")
				fmt.Printf("%s %-24s %s\n", ts, evt.Kind, string(evt.Payload))
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only events whose kind starts with this (e.g. conn.)")
	return cmd
}

func printStatus(st *api.StatusReply) {
	if jsonFlag {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:   %s\n", st.Profile)
	fmt.Printf("State:     %s\n", st.State)
	fmt.Printf("Logged in: %v\n", st.LoggedIn)
	if st.UserID != "" {
		fmt.Printf("User:      %s\n", st.UserID)
	}
	if st.Endpoint != "" {
		fmt.Printf("Endpoint:  %s\n", st.Endpoint)
	}
	if st.Attempts > 0 {
		fmt.Printf("Attempts:  %d\n", st.Attempts)
	}
	if len(st.OpenConversations) > 0 {
		fmt.Printf("Open:      %v\n", st.OpenConversations)
	}
	fmt.Printf("Uptime:    %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
}

func printConversation(st *api.ConversationState) {
	if jsonFlag {
		outputJSON(st)
		return
	}
	fmt.Printf("%s [%s] online=%v viewing=%v typing=%v\n", st.ConversationID, st.Phase, st.PeerOnline, st.PeerViewing, st.PeerTyping)
	if st.Input != "" {
		fmt.Printf("input: %s\n", st.Input)
	}
}

func printMessage(m model.Message) {
	mark := " "
	if model.IsProvisional(m.ID) {
		mark = "…"
	} else if m.Read {
		mark = "✓"
	}
	fmt.Printf("%s %s %-12s %s\n", m.CreatedAt.Local().Format("01-02 15:04"), mark, m.SenderID, m.Content)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
