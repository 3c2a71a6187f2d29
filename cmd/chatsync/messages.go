package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roomline/chatsync"
)

var (
	// messages
	messagesLimit  int
	messagesBefore string
)

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <room-id>",
	Short: "Print a page of room history grouped by day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		var before time.Time
		if messagesBefore != "" {
			before, err = chatsync.ParseServerTime(messagesBefore)
			if err != nil {
				return fmt.Errorf("invalid --before: %w", err)
			}
		}
		loc, err := e.location()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		msgs, err := e.client.Messages(ctx, chatsync.ID(args[0]), messagesLimit, before)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		norm := chatsync.NewNormalizer(loc)
		for i := range msgs {
			msgs[i] = norm.History(msgs[i])
		}
		for label, m := range chatsync.GroupByDay(msgs) {
			if label != "" {
				fmt.Printf("── %s ──\n", label)
			}
			fmt.Println(formatLine(m))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message>",
	Short: "Send a message to a room and wait for the server copy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, body := chatsync.ID(args[0]), args[1]
		if err := chatsync.ValidateMessage(body); err != nil {
			return err
		}

		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		opts, err := e.sessionOptions()
		if err != nil {
			return err
		}
		s := chatsync.NewSession(e.client, append(opts, chatsync.WithPollInterval(0))...)
		defer s.Close()

		// Handlers run on the session loop one at a time.
		delivered := make(chan chatsync.Message, 1)
		sawPending := false
		s.OnMessagesChange(func(_ chatsync.ID, msgs []chatsync.Message) {
			pending := false
			for _, m := range msgs {
				pending = pending || m.Pending
			}
			if pending {
				sawPending = true
				return
			}
			if sawPending && len(msgs) > 0 {
				sawPending = false
				select {
				case delivered <- msgs[len(msgs)-1]:
				default:
				}
			}
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("session start failed: %w", err)
		}
		if err := s.SelectRoom(ctx, roomID); err != nil {
			return err
		}
		if err := waitUntil(ctx, func() bool { return s.RoomState() == chatsync.StateOpen }); err != nil {
			return fmt.Errorf("room connection not established: %w", err)
		}

		echo, err := s.Send(ctx, body)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		select {
		case m := <-delivered:
			if jsonOutput {
				return printJSON(m)
			}
			fmt.Printf("Message sent to room %s\n", roomID)
			fmt.Printf("  Message ID: %s\n", m.ID)
			fmt.Printf("  Content:    %s\n", m.Body)
		case <-ctx.Done():
			fmt.Printf("Message sent to room %s (not yet confirmed)\n", roomID)
			fmt.Printf("  Local ID: %s\n", echo.ID)
		}
		return nil
	},
}

// waitUntil polls cond until it holds or ctx ends.
func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func init() {
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", chatsync.DefaultPageSize, "Maximum number of messages to return")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Only messages created before this time (RFC 3339)")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
