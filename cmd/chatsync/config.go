package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file and any environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			fmt.Println("No configuration file found. Run 'chatsync init <base-url> <token>' to create one.")
		case err != nil:
			return fmt.Errorf("cannot read config file: %w", err)
		default:
			fmt.Printf("# %s\n", path)
			fmt.Print(maskTokenLine(string(data)))
		}

		file, err := loadConfig()
		if err != nil {
			return err
		}
		resolved := *file
		if err := applyEnv(&resolved); err != nil {
			return err
		}
		overrides := envOverrides(file, &resolved)
		if len(overrides) == 0 {
			return nil
		}
		fmt.Println("\n# Overridden by environment")
		for _, o := range overrides {
			fmt.Println(o)
		}
		return nil
	},
}

// envOverrides lists the settings whose resolved value differs from the file,
// as "key = value" lines in config order. The token is masked.
func envOverrides(file, resolved *Config) []string {
	fields := []struct {
		key        string
		file, have string
	}{
		{"default.base_url", file.Default.BaseURL, resolved.Default.BaseURL},
		{"default.timezone", file.Default.Timezone, resolved.Default.Timezone},
		{"auth.token", file.Auth.Token, resolved.Auth.Token},
		{"session.page_size", strconv.Itoa(file.Session.PageSize), strconv.Itoa(resolved.Session.PageSize)},
		{"session.poll_interval", file.Session.PollInterval, resolved.Session.PollInterval},
		{"session.auto_reconnect", strconv.FormatBool(file.Session.AutoReconnect), strconv.FormatBool(resolved.Session.AutoReconnect)},
	}
	var out []string
	for _, f := range fields {
		if f.file == f.have {
			continue
		}
		v := f.have
		if f.key == "auth.token" {
			v = maskKey(v)
		}
		out = append(out, fmt.Sprintf("%s = %s", f.key, v))
	}
	return out
}

// maskTokenLine masks the value of a token line in raw TOML text.
func maskTokenLine(data string) string {
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "token" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `'"`)
		lines[i] = fmt.Sprintf("%s= '%s'", key, maskKey(value))
	}
	return strings.Join(lines, "\n")
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.timezone Asia/Tokyo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
