package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the session token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:   %s\n", valueOrDefault(cfg.Server.URL, "(not set)"))
		if cfg.Log.File != "" {
			fmt.Printf("  Log file: %s (%s)\n", cfg.Log.File, valueOrDefault(cfg.Log.Level, "info"))
		}
		fmt.Printf("  Hooks:    %d configured\n", countHooks(cfg))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		} else {
			fmt.Println("  Username: (not logged in)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			masked := maskKey(cfg.Auth.Token)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("%s valid (expires %s)", masked, expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("%s EXPIRED (expired %s)", masked, expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("%s (unparseable expiry: %s)", masked, cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = masked + " (no expiry set)"
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		if cfg.Server.URL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		log, closer, err := openLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		login, err := loginData(cfg)
		if err != nil {
			return err
		}
		comm, _, err := dial(ctx, cfg, log, login)
		if err != nil {
			fmt.Printf("  Error connecting: %v\n", err)
			return nil
		}
		defer comm.Close()

		if info, err := comm.ServerInfo(ctx); err == nil {
			fmt.Printf("  Server version: %s\n", info.Version)
		}
		me, err := comm.LoggedInUser(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:       %s\n", me.Username)
		fmt.Printf("  Name:           %s\n", me.FriendlyName())
		fmt.Printf("  Presence:       %s\n", me.Status)
		if me.StatusText != "" {
			fmt.Printf("  Status text:    %s\n", me.StatusText)
		}
		if rooms, err := comm.JoinedRooms(ctx); err == nil {
			fmt.Printf("  Joined rooms:   %d\n", len(rooms))
		}
		return nil
	},
}

func countHooks(cfg *Config) int {
	n := 0
	for _, cmds := range cfg.Hooks {
		n += len(cmds)
	}
	if cfg.Webhook.URL != "" {
		n++
	}
	return n
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
