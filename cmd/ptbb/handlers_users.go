// handlers_users.go implements the users command group against the
// configured data directory, without needing a running server.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jsarkisian/PTBudgetBuster/internal/users"
)

// openUserManager resolves the user store from the configuration.
func openUserManager(cmd *cobra.Command, configPath string) (*users.Manager, error) {
	cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return users.NewManager(filepath.Join(cfg.Data.Dir, usersFile),
		users.WithAdminPassword(cfg.Auth.AdminPassword),
	)
}

// runUsersAdd creates an account, prompting for the password twice.
func runUsersAdd(cmd *cobra.Command, configPath, username, role, displayName, email string) error {
	mgr, err := openUserManager(cmd, configPath)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(cmd.InOrStdin())
	password := promptPassword(reader, "Password")
	if confirm := promptPassword(reader, "Confirm password"); confirm != password {
		return fmt.Errorf("passwords do not match")
	}

	user, err := mgr.Create(username, password, role, displayName, email)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s created (role %s)\n", user.Username, user.Role)
	return nil
}

// runUsersList prints the account table.
func runUsersList(cmd *cobra.Command, configPath string) error {
	mgr, err := openUserManager(cmd, configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %-10s %-10s %s\n", "USERNAME", "ROLE", "STATUS", "LAST LOGIN")
	for _, user := range mgr.List() {
		status := "active"
		if user.Disabled {
			status = "disabled"
		}
		lastLogin := user.LastLogin
		if lastLogin == "" {
			lastLogin = "never"
		}
		fmt.Fprintf(out, "%-20s %-10s %-10s %s\n", user.Username, user.Role, status, lastLogin)
	}
	return nil
}

// runUsersDelete removes an account.
func runUsersDelete(cmd *cobra.Command, configPath, username string) error {
	mgr, err := openUserManager(cmd, configPath)
	if err != nil {
		return err
	}
	if err := mgr.Delete(username); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted\n", username)
	return nil
}

// promptPassword prompts for a password without showing input.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
