package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// configKey describes one key accepted by "config get" and "config set".
type configKey struct {
	name   string
	help   string
	secret bool
	get    func(*Config) string
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

var configKeys = []configKey{
	{name: "server.url", help: "server base URL", get: func(c *Config) string { return c.Server.URL }},

	{name: "auth.username", help: "login name", get: func(c *Config) string { return c.Auth.Username }},
	{name: "auth.password", help: "password, only used without a token", secret: true, get: func(c *Config) string { return c.Auth.Password }},
	{name: "auth.token", help: "personal access or resume token", secret: true, get: func(c *Config) string { return c.Auth.Token }},
	{name: "auth.user_id", help: "user ID belonging to the token", get: func(c *Config) string { return c.Auth.UserID }},

	{name: "client.batch_size", help: "messages per history page (default 50)", get: func(c *Config) string { return itoa(c.Client.BatchSize) }},
	{name: "client.seed_history", help: "messages loaded per room at startup", get: func(c *Config) string { return itoa(c.Client.SeedHistory) }},
	{name: "client.user_page_size", help: "users per directory page", get: func(c *Config) string { return itoa(c.Client.UserPageSize) }},
	{name: "client.thread_resolve_rounds", help: "history pages loaded to find a thread root (default 10)", get: func(c *Config) string { return itoa(c.Client.ThreadResolveRounds) }},
	{name: "client.discussion_activity_threshold", help: "idle time before discussion activity is shown again, e.g. 10m", get: func(c *Config) string { return c.Client.DiscussionActivityThreshold }},
	{name: "client.heartbeat_interval", help: "realtime connection heartbeat, e.g. 30s", get: func(c *Config) string { return c.Client.HeartbeatInterval }},
	{name: "client.rest_rate", help: "REST requests per second", get: func(c *Config) string {
		if c.Client.RESTRate == 0 {
			return ""
		}
		return strconv.FormatFloat(c.Client.RESTRate, 'g', -1, 64)
	}},

	{name: "log.file", help: "log file, logging is off without one", get: func(c *Config) string { return c.Log.File }},
	{name: "log.level", help: "debug, info, warn or error", get: func(c *Config) string { return c.Log.Level }},

	{name: "webhook.url", help: "endpoint receiving event posts", get: func(c *Config) string { return c.Webhook.URL }},
	{name: "webhook.secret", help: "HMAC secret for webhook signatures", secret: true, get: func(c *Config) string { return c.Webhook.Secret }},
	{name: "webhook.hooks", help: "comma separated events posted to the webhook", get: func(c *Config) string { return strings.Join(c.Webhook.Hooks, ",") }},
}

func lookupConfigKey(name string) (configKey, error) {
	for _, k := range configKeys {
		if k.name == name {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown config key %q, see 'rocketterm config --help'", name)
}

func configKeyList() string {
	var b strings.Builder
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-38s %s\n", k.name, k.help)
	}
	return b.String()
}

// redactConfig returns a copy of cfg with all secrets masked.
func redactConfig(cfg *Config) *Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return maskKey(s)
	}
	out.Auth.Password = mask(cfg.Auth.Password)
	out.Auth.Token = mask(cfg.Auth.Token)
	out.Webhook.Secret = mask(cfg.Webhook.Secret)
	return &out
}

var configReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "print secrets in clear text")
	configGetCmd.Flags().BoolVar(&configReveal, "reveal", false, "print secrets in clear text")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the rocketterm configuration",
	Long: "Inspect or change the configuration file (default ~/.rocketterm/config.toml).\n" +
		"Event hooks live in the [hooks] table and are edited by hand.\n\n" +
		"Keys:\n" + configKeyList(),
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s does not exist, run 'rocketterm init <server-url>'\n", path)
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Password != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: the config holds a plain text password, 'rocketterm login' stores a token instead")
		}
		if !configReveal {
			cfg = redactConfig(cfg)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a single configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		value := key.get(cfg)
		if key.secret && value != "" && !configReveal {
			value = maskKey(value)
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change a configuration value",
	Example: "  rocketterm config set client.batch_size 100\n  rocketterm config set webhook.hooks mentioned,room_added",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key.name, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		shown := key.get(cfg)
		if key.secret {
			shown = maskKey(shown)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key.name, shown)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
