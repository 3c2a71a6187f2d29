package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roomline/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// rooms create
	roomsCreateName string
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		rooms, err := e.client.ListRooms(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		roster := chatsync.NewRoster()
		roster.Load(rooms)

		if jsonOutput {
			return printJSON(roster.Rooms())
		}
		if roster.Len() == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		loc, err := e.location()
		if err != nil {
			return err
		}
		for _, r := range roster.Rooms() {
			unread := ""
			if r.Unread > 0 {
				unread = fmt.Sprintf(" (%d unread)", r.Unread)
			}
			when := ""
			if !r.LastActivity.IsZero() {
				when = r.LastActivity.In(loc).Format("2006-01-02 15:04")
			}
			fmt.Printf("  %s  %-6s %-30s %s%s\n", r.ID, roomKind(r), r.Name, when, unread)
			if r.Preview != "" {
				fmt.Printf("      %s\n", r.Preview)
			}
		}
		return nil
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <user-id>...",
	Short: "Create a direct room, or a group room with --name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ids := make([]chatsync.ID, len(args))
		for i, a := range args {
			ids[i] = chatsync.ID(a)
		}

		ctx, cancel := requestContext()
		defer cancel()

		created, err := e.client.CreateRoom(ctx, ids, roomsCreateName)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(created)
		}
		fmt.Printf("Room created: %s\n", created.RoomID)
		if created.DisplayName != "" {
			fmt.Printf("  Name: %s\n", created.DisplayName)
		}
		return nil
	},
}

var roomsRenameCmd = &cobra.Command{
	Use:   "rename <room-id> <name>",
	Short: "Rename a group room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := e.client.RenameRoom(ctx, chatsync.ID(args[0]), args[1]); err != nil {
			return fmt.Errorf("rename failed: %w", err)
		}
		fmt.Printf("Room %s renamed to %s\n", args[0], args[1])
		return nil
	},
}

var roomsReadCmd = &cobra.Command{
	Use:   "read <room-id>",
	Short: "Mark a room as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := e.client.MarkRead(ctx, chatsync.ID(args[0])); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Room %s marked as read\n", args[0])
		return nil
	},
}

var roomsMembersCmd = &cobra.Command{
	Use:   "members <room-id>",
	Short: "List the members of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		members, err := e.client.RoomMembers(ctx, chatsync.ID(args[0]))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(members)
		}
		for _, u := range members {
			fmt.Printf("  %s  %s\n", u.ID, u.Name)
		}
		return nil
	},
}

var roomsLeaveCmd = &cobra.Command{
	Use:   "leave <room-id>",
	Short: "Leave a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		me, err := e.client.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := e.client.LeaveRoom(ctx, chatsync.ID(args[0]), me.UserID); err != nil {
			return fmt.Errorf("leave failed: %w", err)
		}
		fmt.Printf("Left room %s\n", args[0])
		return nil
	},
}

var roomsDeleteCmd = &cobra.Command{
	Use:   "delete <room-id>",
	Short: "Delete a room for every member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := e.client.DeleteRoom(ctx, chatsync.ID(args[0])); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Room %s deleted\n", args[0])
		return nil
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users you can start a room with",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		users, err := e.client.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %s  %s\n", u.ID, u.Name)
		}
		return nil
	},
}

// formatLine renders one message for terminal output.
func formatLine(m chatsync.Message) string {
	at := m.DisplayAt
	if at.IsZero() {
		at = m.CreatedAt
	}
	name := valueOrDefault(m.SenderName, string(m.SenderID))
	return fmt.Sprintf("[%s] %s: %s", at.Format(time.TimeOnly), name, m.Body)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")

	roomsCreateCmd.Flags().StringVar(&roomsCreateName, "name", "", "Group room name (required for more than one user)")

	roomsCmd.AddCommand(roomsCreateCmd)
	roomsCmd.AddCommand(roomsRenameCmd)
	roomsCmd.AddCommand(roomsReadCmd)
	roomsCmd.AddCommand(roomsMembersCmd)
	roomsCmd.AddCommand(roomsLeaveCmd)
	roomsCmd.AddCommand(roomsDeleteCmd)

	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(usersCmd)
}
