package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/recsync/internal/creds"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a credentials file",
	Long: `Init prompts for the account password and sync passphrase and writes
them to a credentials file readable only by the current user.`,
	Example: `  recsync init --username alice@example.com
  recsync init --username alice@example.com --out ~/.config/recsync/credentials.json`,
	Args: cobra.NoArgs,
	RunE: runInit,
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var (
	initUsername string
	initOut      string
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVarP(&initUsername, "username", "u", "",
		"Account username (required)")
	initCmd.Flags().StringVarP(&initOut, "out", "o", "credentials.json",
		"Where to write the credentials")

	_ = initCmd.MarkFlagRequired("username")
}

func runInit(cmd *cobra.Command, args []string) error {
	password, err := promptPassword("Password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	passphrase, err := promptPassword("Sync passphrase: ")
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}

	c := &creds.Credentials{
		Username:   creds.NormalizeUsername(initUsername),
		Password:   password,
		Passphrase: passphrase,
	}
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(initOut), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(initOut, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	printSuccess("Credentials for %s written to %s", c.Username, initOut)
	printInfo("Set account.credentials_file to this path in recsync.yaml")
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read password without echo
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}

	return string(password), nil
}
