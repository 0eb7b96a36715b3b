package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/types"
)

// User commands operate on the database directly, so they work without
// the server running and without the session or vault secrets.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create USERNAME",
	Short: "Create an operator account",
	Long: `Create an operator account in the Nexus database.

The password is read from --password or, when the flag is omitted,
prompted for on the terminal. There is no signup endpoint; accounts are
only ever created here.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		dbPath, _ := cmd.Flags().GetString("db")
		password, _ := cmd.Flags().GetString("password")

		if password == "" {
			var err error
			password, err = promptPassword(true)
			if err != nil {
				return err
			}
		}
		if password == "" {
			return fmt.Errorf("password must not be empty")
		}

		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %v", err)
		}
		defer store.Close()

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %v", err)
		}

		id, err := store.CreateUser(context.Background(), &types.User{
			Username:     username,
			PasswordHash: string(hash),
		})
		if err != nil {
			return fmt.Errorf("failed to create user: %v", err)
		}

		fmt.Printf("✓ User '%s' created (id %s)\n", username, id)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operator accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")

		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %v", err)
		}
		defer store.Close()

		users, err := store.ListUsers(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list users: %v", err)
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}

		fmt.Printf("%-36s  %-24s  %-5s  %s\n", "ID", "USERNAME", "2FA", "LAST LOGIN")
		for _, u := range users {
			lastLogin := "never"
			if u.LastLoginAt != nil {
				lastLogin = u.LastLoginAt.Format(time.RFC3339)
			}
			twoFactor := "off"
			if u.TwoFactorEnabled() {
				twoFactor = "on"
			}
			fmt.Printf("%-36s  %-24s  %-5s  %s\n", u.ID, u.Username, twoFactor, lastLogin)
		}
		return nil
	},
}

var userResetPasswordCmd = &cobra.Command{
	Use:   "reset-password USERNAME",
	Short: "Reset an account's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		dbPath, _ := cmd.Flags().GetString("db")
		password, _ := cmd.Flags().GetString("password")

		if password == "" {
			var err error
			password, err = promptPassword(true)
			if err != nil {
				return err
			}
		}
		if password == "" {
			return fmt.Errorf("password must not be empty")
		}

		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %v", err)
		}
		defer store.Close()

		user, err := store.GetUser(context.Background(), username)
		if err != nil {
			return fmt.Errorf("failed to find user: %v", err)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %v", err)
		}
		if err := store.UpdateUserPassword(context.Background(), user.ID, string(hash)); err != nil {
			return fmt.Errorf("failed to update password: %v", err)
		}

		fmt.Printf("✓ Password reset for '%s'\n", username)
		return nil
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete USERNAME",
	Short: "Delete an operator account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		dbPath, _ := cmd.Flags().GetString("db")

		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %v", err)
		}
		defer store.Close()

		if err := store.DeleteUser(context.Background(), username); err != nil {
			return fmt.Errorf("failed to delete user: %v", err)
		}

		fmt.Printf("✓ User '%s' deleted\n", username)
		return nil
	},
}

func init() {
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userResetPasswordCmd)
	userCmd.AddCommand(userDeleteCmd)

	userCmd.PersistentFlags().String("db", "nexus.db", "Path to the Nexus database")
	userCreateCmd.Flags().String("password", "", "Password (prompted when omitted)")
	userResetPasswordCmd.Flags().String("password", "", "Password (prompted when omitted)")
}

// promptPassword reads a password from the terminal without echo, or from
// stdin when not attached to one. With confirm set it asks twice.
func promptPassword(confirm bool) (string, error) {
	first, err := readSecret("Password: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return first, nil
	}

	second, err := readSecret("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}

func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %v", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
