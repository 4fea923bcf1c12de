package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"whoami"},
	Short:   "Show current configuration and identity",
	Long:    "Display the effective configuration, the identity messages are sent as, and whether the token has expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Workspace:   %s\n", valueOrDefault(cfg.Default.WorkspaceID, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		if me := configIdentity(cfg); me != nil {
			fmt.Printf("  User ID:     %s\n", me.ID)
			fmt.Printf("  Username:    %s\n", valueOrDefault(me.Username, "(not set)"))
		} else {
			fmt.Println("  User ID:     (unknown)")
		}
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))
		return nil
	},
}

func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	masked := maskKey(token)
	info, ok := tokenClaims(token)
	if !ok {
		return masked + " (opaque)"
	}
	if info.ExpiresAt.IsZero() {
		return masked + " (no expiry)"
	}
	when := humanize.RelTime(info.ExpiresAt, now, "ago", "from now")
	if now.Before(info.ExpiresAt) {
		return fmt.Sprintf("%s (valid, expires %s)", masked, when)
	}
	return fmt.Sprintf("%s (EXPIRED %s)", masked, when)
}
