package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roomline/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:      %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Timezone:    %s\n", valueOrDefault(cfg.Default.Timezone, "(local)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserName != "" {
			fmt.Printf("  User:        %s (%s)\n", cfg.Auth.UserName, cfg.Auth.UserID)
		}
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		e, err := getClient()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := requestContext()
		defer cancel()

		me, err := e.client.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		rooms, err := e.client.ListRooms(ctx)
		if err != nil {
			fmt.Printf("  Error fetching rooms: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.Unread
		}
		fmt.Printf("  User ID:     %s\n", me.UserID)
		fmt.Printf("  Rooms:       %d\n", len(rooms))
		fmt.Printf("  Unread:      %d\n", unread)
		return nil
	},
}

func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	info, err := chatsync.ParseToken(token)
	if err != nil {
		return "present (opaque)"
	}
	if info.ExpiresAt.IsZero() {
		return "present (no expiry set)"
	}
	if info.Expired(now) {
		return fmt.Sprintf("EXPIRED (expired %s)", info.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("valid (expires %s)", info.ExpiresAt.Format(time.RFC3339))
}
