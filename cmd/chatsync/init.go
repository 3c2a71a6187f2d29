package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roomline/chatsync"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store server URL and token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the chat server URL and your bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, token := strings.TrimRight(args[0], "/"), args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		cfg.Auth.Token = token
		cfg.Auth.UserID, cfg.Auth.UserName = "", ""
		if info, err := chatsync.ParseToken(token); err == nil {
			cfg.Auth.UserID = string(info.UserID)
			cfg.Auth.UserName = info.UserName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		if cfg.Auth.UserName != "" {
			fmt.Printf("  Signed in as %s (%s)\n", cfg.Auth.UserName, cfg.Auth.UserID)
		}
		return nil
	},
}
