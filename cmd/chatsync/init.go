package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initBaseURL   string
	initWorkspace string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (e.g. https://chat.example.com/api)")
	initCmd.Flags().StringVar(&initWorkspace, "workspace", "", "default workspace ID")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.chatsync/config.toml",
	Long:  "Initialize the CLI by storing your token and, when the token is a JWT, the identity it names.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = strings.TrimRight(initBaseURL, "/")
		}
		if initWorkspace != "" {
			cfg.Default.WorkspaceID = initWorkspace
		}
		if c, ok := tokenClaims(token); ok {
			cfg.Auth.UserID = valueOrDefault(c.UserID, cfg.Auth.UserID)
			cfg.Auth.Username = valueOrDefault(c.Username, cfg.Auth.Username)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user ID found in the token. Set one with 'chatsync config set auth.user_id <id>'.")
		}
		return nil
	},
}
