package cmd

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailharvest/credential"
)

// NewCredentialCmd manages the IMAP password stored in the system keyring.
func NewCredentialCmd() *cobra.Command {
	credentialCmd := &cobra.Command{
		Use:   "credential",
		Short: "Store or remove the IMAP password in the system keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the IMAP password for --imap-user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := imapUser(cmd)
			if err != nil {
				return err
			}

			password, err := pterm.DefaultInteractiveTextInput.
				WithMask("*").
				Show(fmt.Sprintf("IMAP password for %s", user))
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if password == "" {
				return fmt.Errorf("password is empty")
			}

			if err := credential.Set(credential.IMAPKey(user), password); err != nil {
				return err
			}
			pterm.Success.Printf("Stored IMAP password for %s\n", user)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored IMAP password for --imap-user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := imapUser(cmd)
			if err != nil {
				return err
			}
			if err := credential.Delete(credential.IMAPKey(user)); err != nil {
				return err
			}
			pterm.Success.Printf("Removed IMAP password for %s\n", user)
			return nil
		},
	}

	credentialCmd.AddCommand(setCmd, deleteCmd)
	return credentialCmd
}

func imapUser(cmd *cobra.Command) (string, error) {
	user, err := cmd.Flags().GetString("imap-user")
	if err != nil {
		return "", err
	}
	user = strings.TrimSpace(user)
	if user == "" {
		return "", fmt.Errorf("--imap-user is required")
	}
	return user, nil
}
