package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
}

// configKey describes one settable key: how to read it back and which
// environment variable overrides it.
type configKey struct {
	name   string
	env    string
	secret bool
	get    func(*Config) string
}

var configKeys = []configKey{
	{name: "default.base_url", env: "CHATSYNC_BASE_URL", get: func(c *Config) string { return c.Default.BaseURL }},
	{name: "default.workspace_id", env: "CHATSYNC_WORKSPACE", get: func(c *Config) string { return c.Default.WorkspaceID }},
	{name: "auth.token", env: "CHATSYNC_TOKEN", secret: true, get: func(c *Config) string { return c.Auth.Token }},
	{name: "auth.user_id", get: func(c *Config) string { return c.Auth.UserID }},
	{name: "auth.username", get: func(c *Config) string { return c.Auth.Username }},
	{name: "auth.avatar", get: func(c *Config) string { return c.Auth.Avatar }},
}

func envValue(k configKey, getenv func(string) string) string {
	if k.env == "" {
		return ""
	}
	return getenv(k.env)
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

func (k configKey) display(v string) string {
	if k.secret {
		v = maskKey(v)
	}
	return valueOrDefault(v, "(not set)")
}

func configKeyNames() []string {
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.name
	}
	return names
}

// renderConfig prints every key of the config file. Keys shadowed by an
// environment variable show the value commands will actually use.
func renderConfig(w io.Writer, file *Config, getenv func(string) string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range configKeys {
		line := k.name + "\t" + k.display(k.get(file))
		if v := envValue(k, getenv); v != "" {
			line += fmt.Sprintf("\t(overridden by %s: %s)", k.env, k.display(v))
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the configuration stored in ~/.chatsync/config.toml (or $CHATSYNC_HOME/config.toml).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if *cfg == (Config{}) {
			fmt.Println("Nothing configured yet. Run 'chatsync init <token>' to create a config.")
		}
		renderConfig(os.Stdout, cfg, os.Getenv)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.workspace_id w-123",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, ok := lookupConfigKey(args[0])
		if !ok {
			return fmt.Errorf("unknown key %q (valid: %s)", args[0], strings.Join(configKeyNames(), ", "))
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key.name, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key.name, key.display(key.get(cfg)))
		if envValue(key, os.Getenv) != "" {
			fmt.Fprintf(os.Stderr, "Note: %s is set and takes precedence over this value.\n", key.env)
		}
		return nil
	},
}
