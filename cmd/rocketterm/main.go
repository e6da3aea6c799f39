package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.rocketterm/config.toml.
type Config struct {
	Server  ConfigServer          `toml:"server"`
	Auth    ConfigAuth            `toml:"auth"`
	Client  ConfigClient          `toml:"client"`
	Log     ConfigLog             `toml:"log"`
	Hooks   map[string][][]string `toml:"hooks,omitempty"`
	Webhook ConfigWebhook         `toml:"webhook"`
}

type ConfigServer struct {
	URL string `toml:"url"`
}

// ConfigAuth holds login state. Password is only used if no token is
// stored.
type ConfigAuth struct {
	Username     string `toml:"username"`
	Password     string `toml:"password,omitempty"`
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires,omitempty"`
}

// ConfigClient tunes the controller. Zero values select the defaults.
type ConfigClient struct {
	BatchSize                   int     `toml:"batch_size,omitempty"`
	SeedHistory                 int     `toml:"seed_history,omitempty"`
	UserPageSize                int     `toml:"user_page_size,omitempty"`
	DiscussionActivityThreshold string  `toml:"discussion_activity_threshold,omitempty"`
	ThreadResolveRounds         int     `toml:"thread_resolve_rounds,omitempty"`
	RESTRate                    float64 `toml:"rest_rate,omitempty"`
	HeartbeatInterval           string  `toml:"heartbeat_interval,omitempty"`
}

type ConfigLog struct {
	File  string `toml:"file,omitempty"`
	Level string `toml:"level,omitempty"`
}

type ConfigWebhook struct {
	URL    string   `toml:"url,omitempty"`
	Secret string   `toml:"secret,omitempty"`
	Hooks  []string `toml:"hooks,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.rocketterm, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".rocketterm")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file, honoring --config.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func parseIntValue(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func checkDuration(key, value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s must be a duration like 10m: %w", key, err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	section, field := parts[0], parts[1]

	var err error
	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "username":
			cfg.Auth.Username = value
		case "password":
			cfg.Auth.Password = value
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "client":
		switch field {
		case "batch_size":
			cfg.Client.BatchSize, err = parseIntValue(key, value)
		case "seed_history":
			cfg.Client.SeedHistory, err = parseIntValue(key, value)
		case "user_page_size":
			cfg.Client.UserPageSize, err = parseIntValue(key, value)
		case "thread_resolve_rounds":
			cfg.Client.ThreadResolveRounds, err = parseIntValue(key, value)
		case "discussion_activity_threshold":
			if err = checkDuration(key, value); err == nil {
				cfg.Client.DiscussionActivityThreshold = value
			}
		case "heartbeat_interval":
			if err = checkDuration(key, value); err == nil {
				cfg.Client.HeartbeatInterval = value
			}
		case "rest_rate":
			cfg.Client.RESTRate, err = strconv.ParseFloat(value, 64)
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "log":
		switch field {
		case "file":
			cfg.Log.File = value
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "webhook":
		switch field {
		case "url":
			cfg.Webhook.URL = value
		case "secret":
			cfg.Webhook.Secret = value
		case "hooks":
			cfg.Webhook.Hooks = strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, client, log, webhook)", section)
	}
	return err
}

// ============================================================================
// Root command
// ============================================================================

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "rocketterm",
	Short: "Terminal chat client",
	Long: "rocketterm is a terminal client for Rocket.Chat servers.\n" +
		"Without a subcommand it starts the interactive chat interface.",
	SilenceUsage: true,
	RunE:         runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.rocketterm/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
