package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rocketterm/rocketterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	loginPassword      string
	loginKeepPassword  bool
	loginPersonalToken string
)

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted for if omitted)")
	loginCmd.Flags().BoolVar(&loginKeepPassword, "store-password", false, "Also store the password in the config file")
	loginCmd.Flags().StringVar(&loginPersonalToken, "token", "", "Log in with a personal access token instead of a password")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session token",
	Long:  "Log in to the configured server and store the returned resume token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var login rocketterm.LoginData
		if loginPersonalToken != "" {
			login = rocketterm.TokenLogin{Token: loginPersonalToken}
		} else {
			password := loginPassword
			if password == "" {
				if password, err = promptPassword(); err != nil {
					return err
				}
			}
			login = rocketterm.PasswordLogin{Username: username, Password: password}
			if loginKeepPassword {
				cfg.Auth.Password = password
			}
		}

		log, closer, err := openLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		comm, res, err := dial(ctx, cfg, log, login)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		defer comm.Close()

		cfg.Auth.Username = username
		cfg.Auth.UserID = res.UserID
		cfg.Auth.Token = res.Token
		cfg.Auth.TokenExpires = ""
		if !res.Expires.IsZero() {
			cfg.Auth.TokenExpires = res.Expires.Format(time.RFC3339)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID:  %s\n", res.UserID)
		fmt.Printf("  Username: %s\n", username)
		if cfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal to read the password from; use --password")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return string(pw), nil
}
