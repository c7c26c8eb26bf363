package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration",
	Long:  "Display the resolved CLI configuration and the session identity that will be replayed onto the next stream.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:   %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:   (not set)")
		}
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  App ID:    %s\n", valueOrDefault(cfg.Default.AppID, "(not set)"))
		fmt.Printf("  Device ID: %s\n", valueOrDefault(cfg.Default.DeviceID, "(not set)"))

		fmt.Println()
		fmt.Println("Session:")
		fmt.Printf("  User ID: %s\n", valueOrDefault(cfg.Session.UserID, "(not registered)"))
		if len(cfg.Session.Tags) > 0 {
			fmt.Printf("  Tags:    %s\n", strings.Join(cfg.Session.Tags, ", "))
		} else {
			fmt.Println("  Tags:    (none)")
		}
		return nil
	},
}
