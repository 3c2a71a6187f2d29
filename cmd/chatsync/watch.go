package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roomline/chatsync"
)

var watchCmd = &cobra.Command{
	Use:   "watch [room-id]",
	Short: "Follow live activity",
	Long: "Follow roster activity on the notification stream. With a room id, also\n" +
		"print that room's messages as they arrive and send each line read from stdin.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		opts, err := e.sessionOptions()
		if err != nil {
			return err
		}
		s := chatsync.NewSession(e.client, opts...)
		defer s.Close()

		w := newWatcher()
		s.OnRosterChange(w.roster)
		s.OnMessagesChange(w.messages)
		s.OnConnectivityChange(func(ok bool) {
			if ok {
				fmt.Println("* connected")
			} else {
				fmt.Println("* disconnected")
			}
		})
		s.OnError(func(err error) {
			e.logger.Warn("background request failed", zap.Error(err))
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("session start failed: %w", err)
		}
		fmt.Printf("Watching as %s. Press Ctrl-C to stop.\n", valueOrDefault(s.Me().Name, string(s.Me().UserID)))

		if len(args) == 1 {
			if err := s.SelectRoom(ctx, chatsync.ID(args[0])); err != nil {
				return err
			}
			go readInput(ctx, s)
		}

		<-ctx.Done()
		return nil
	},
}

// readInput sends every non-empty stdin line to the active room.
func readInput(ctx context.Context, s *chatsync.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := s.Send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// watcher prints what changed between successive observer calls. Its
// methods run on the session loop, so it needs no locking.
type watcher struct {
	unread  map[chatsync.ID]int
	room    chatsync.ID
	printed map[chatsync.ID]struct{}
}

func newWatcher() *watcher {
	return &watcher{
		unread:  make(map[chatsync.ID]int),
		printed: make(map[chatsync.ID]struct{}),
	}
}

func (w *watcher) roster(rooms []chatsync.Room) {
	first := len(w.unread) == 0
	next := make(map[chatsync.ID]int, len(rooms))
	for _, r := range rooms {
		next[r.ID] = r.Unread
		if !first && r.Unread > w.unread[r.ID] {
			fmt.Printf("* %s: %s (%d unread)\n", r.Name, r.Preview, r.Unread)
		}
	}
	w.unread = next
}

func (w *watcher) messages(roomID chatsync.ID, msgs []chatsync.Message) {
	if roomID != w.room {
		w.room = roomID
		w.printed = make(map[chatsync.ID]struct{})
	}
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		if _, ok := w.printed[m.ID]; ok {
			continue
		}
		w.printed[m.ID] = struct{}{}
		fmt.Println(formatLine(m))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
