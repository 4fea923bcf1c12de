package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsechat/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send / dm send
	sendCode      bool
	sendLang      string
	sendImage     string
	sendWorkspace string

	// search / dm search
	searchPage  int
	searchLimit int

	// react
	reactChannel string

	// delete
	deleteChannel string
	deleteDirect  bool
)

func init() {
	rootCmd.AddCommand(historyCmd, sendCmd, searchCmd, reactCmd, deleteCmd, dmCmd)
	dmCmd.AddCommand(dmHistoryCmd, dmSendCmd, dmSearchCmd)

	for _, c := range []*cobra.Command{sendCmd, dmSendCmd} {
		c.Flags().BoolVar(&sendCode, "code", false, "send the content as a code block")
		c.Flags().StringVar(&sendLang, "lang", "", "code block language")
		c.Flags().StringVar(&sendImage, "image", "", "image URL to attach")
	}
	sendCmd.Flags().StringVar(&sendWorkspace, "workspace", "", "workspace ID (defaults to default.workspace_id)")

	for _, c := range []*cobra.Command{searchCmd, dmSearchCmd} {
		c.Flags().IntVar(&searchPage, "page", 1, "result page")
		c.Flags().IntVar(&searchLimit, "limit", 20, "results per page")
	}

	reactCmd.Flags().StringVar(&reactChannel, "channel", "", "channel the message belongs to")
	_ = reactCmd.MarkFlagRequired("channel")

	deleteCmd.Flags().StringVar(&deleteChannel, "channel", "", "channel the message belongs to")
	deleteCmd.Flags().BoolVar(&deleteDirect, "direct", false, "the message is a direct message")
}

func draftFromFlags(channelID, content string) chatsync.Draft {
	return chatsync.Draft{
		ChannelID: channelID,
		Content:   content,
		Image:     sendImage,
		IsCode:    sendCode,
		Language:  sendLang,
	}
}

// ============================================================================
// Channel commands
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <channel-id>",
	Short: "Show the messages of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		if err := s.LoadChannel(ctx, args[0]); err != nil {
			return cliError(err)
		}
		printMessages(os.Stdout, s.Store().Messages(chatsync.ScopeChannel))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <message>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		workspace := valueOrDefault(sendWorkspace, cfg.Default.WorkspaceID)
		if workspace == "" {
			return fmt.Errorf("no workspace: pass --workspace or set default.workspace_id")
		}

		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()
		s.Store().SelectChannel(args[0])

		ctx, cancel := withTimeout()
		defer cancel()

		m, err := s.SendMessage(ctx, draftFromFlags(args[0], args[1]), workspace)
		if err != nil {
			return cliError(err)
		}
		fmt.Printf("Message sent to %s\n", args[0])
		fmt.Printf("  %s  %s\n", m.ID, formatMessage(*m, time.Now()))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <channel-id> <query>",
	Short: "Search the loaded messages of a channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		// Results are limited to cached messages, so load the channel first.
		if err := s.LoadChannel(ctx, args[0]); err != nil {
			return cliError(err)
		}
		st, err := s.SearchMessages(ctx, args[0], strings.Join(args[1:], " "), searchPage, searchLimit)
		if err != nil {
			return cliError(err)
		}
		printSearch(os.Stdout, st)
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Toggle your reaction on a channel message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		me := configIdentity(cfg)
		if me == nil {
			return fmt.Errorf("no user ID: set auth.user_id or use a token that carries one")
		}
		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		if err := s.LoadChannel(ctx, reactChannel); err != nil {
			return cliError(err)
		}
		if err := s.ReactToMessage(ctx, args[0], args[1], reactChannel, me.ID); err != nil {
			return cliError(err)
		}
		if m, ok := s.Store().Find(chatsync.ScopeChannel, args[0]); ok {
			fmt.Println(formatMessage(m, time.Now()))
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a channel or direct message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !deleteDirect && deleteChannel == "" {
			return fmt.Errorf("pass --channel for channel messages or --direct for direct messages")
		}
		cfg := requireConfig()
		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		if err := s.DeleteMessage(ctx, args[0], deleteChannel, deleteDirect); err != nil {
			return cliError(err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// Direct message commands
// ============================================================================

var dmCmd = &cobra.Command{
	Use:   "dm",
	Short: "Direct message commands",
}

var dmHistoryCmd = &cobra.Command{
	Use:   "history <friend-id>",
	Short: "Show the conversation with a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		if err := s.LoadDirect(ctx, args[0]); err != nil {
			return cliError(err)
		}
		printMessages(os.Stdout, s.Store().Messages(chatsync.ScopeDirect))
		return nil
	},
}

var dmSendCmd = &cobra.Command{
	Use:   "send <friend-id> <message>",
	Short: "Send a direct message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()
		s.Store().SelectFriend(args[0])

		ctx, cancel := withTimeout()
		defer cancel()

		m, err := s.SendDirectMessage(ctx, draftFromFlags("", args[1]), args[0])
		if err != nil {
			return cliError(err)
		}
		fmt.Printf("Message sent to %s\n", args[0])
		fmt.Printf("  %s  %s\n", m.ID, formatMessage(*m, time.Now()))
		return nil
	},
}

var dmSearchCmd = &cobra.Command{
	Use:   "search <friend-id> <query>",
	Short: "Search the conversation with a friend",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		s := newSyncer(cfg, newClient(cfg), newLogger())
		defer s.Close()

		ctx, cancel := withTimeout()
		defer cancel()

		if err := s.LoadDirect(ctx, args[0]); err != nil {
			return cliError(err)
		}
		st, err := s.SearchDirectMessages(ctx, args[0], strings.Join(args[1:], " "), searchPage, searchLimit)
		if err != nil {
			return cliError(err)
		}
		printSearch(os.Stdout, st)
		return nil
	},
}
