package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/teamvault"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage secrets",
}

var secretsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a secret from stdin or --value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, _ := cmd.Flags().GetString("value")
		plaintext := []byte(value)
		if value == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read secret from stdin: %w", err)
			}
			plaintext = data
		}

		category, _ := cmd.Flags().GetString("category")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		autoRotate, _ := cmd.Flags().GetBool("auto-rotate")
		interval, _ := cmd.Flags().GetInt("rotation-days")

		secret, err := vault.Secrets.CreateSecret(cmd.Context(), session, args[0], plaintext, teamvault.CreateOptions{
			Category:             category,
			Tags:                 tags,
			AutoRotate:           autoRotate,
			RotationIntervalDays: interval,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created secret %s (ID %s)\n", secret.Name, secret.ID)
		return nil
	},
}

var secretsGetCmd = &cobra.Command{
	Use:   "get <secret-id>",
	Short: "Decrypt and print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, warning, err := vault.Secrets.ReadSecret(cmd.Context(), session, args[0])
		if err != nil {
			return err
		}
		if warning != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", warning)
		}
		os.Stdout.Write(plaintext)
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secrets you can access",
	RunE: func(cmd *cobra.Command, args []string) error {
		secrets, warnings, err := vault.Secrets.ListSecrets(cmd.Context(), session)
		if err != nil {
			return err
		}
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", warning)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tROLE\tVERSION\tUPDATED")
		for _, s := range secrets {
			role := ""
			if entry := s.Entry(session.UserID); entry != nil {
				role = string(entry.Role)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.ID, s.Name, role, s.Version, s.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var secretsEditCmd = &cobra.Command{
	Use:   "edit <secret-id>",
	Short: "Replace a secret's value from stdin or --value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, _ := cmd.Flags().GetString("value")
		plaintext := []byte(value)
		if value == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read secret from stdin: %w", err)
			}
			plaintext = data
		}

		secret, err := vault.Secrets.EditSecret(cmd.Context(), session, args[0], plaintext)
		if err != nil {
			return err
		}
		fmt.Printf("Updated secret %s (version %d)\n", secret.ID, secret.Version)
		return nil
	},
}

var secretsShareCmd = &cobra.Command{
	Use:   "share <secret-id> <user-id>",
	Short: "Share a secret with another user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleName, _ := cmd.Flags().GetString("role")
		expireDays, _ := cmd.Flags().GetInt("expire-days")

		var expiresAt *time.Time
		if expireDays > 0 {
			t := time.Now().UTC().AddDate(0, 0, expireDays)
			expiresAt = &t
		}

		secret, err := vault.Secrets.ShareSecret(cmd.Context(), session, args[0], args[1], teamvault.Role(roleName), expiresAt)
		if err != nil {
			return err
		}
		fmt.Printf("Shared secret %s with %s as %s\n", secret.ID, args[1], roleName)
		return nil
	},
}

var secretsRevokeCmd = &cobra.Command{
	Use:   "revoke <secret-id> <user-id>",
	Short: "Revoke a user's access and re-key the secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := vault.Secrets.RevokeAccess(cmd.Context(), session, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Revoked access of %s to secret %s\n", args[1], args[0])
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <secret-id>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		revoked, err := vault.Secrets.DeleteSecret(cmd.Context(), session, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deleted secret %s\n", args[0])
		for _, userID := range revoked {
			fmt.Printf("Revoked access for user %s\n", userID)
		}
		return nil
	},
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate <secret-id>",
	Short: "Rotate a secret's encryption key now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := vault.Rotation.RotateSecretKey(cmd.Context(), session, args[0]); err != nil {
			return err
		}
		fmt.Printf("Rotated key for secret %s\n", args[0])
		return nil
	},
}

func init() {
	secretsCreateCmd.Flags().String("value", "", "secret value (omit to read from stdin)")
	secretsCreateCmd.Flags().String("category", "", "secret category")
	secretsCreateCmd.Flags().StringSlice("tags", nil, "secret tags")
	secretsCreateCmd.Flags().Bool("auto-rotate", false, "enable automatic key rotation")
	secretsCreateCmd.Flags().Int("rotation-days", 0, "rotation interval in days")

	secretsEditCmd.Flags().String("value", "", "secret value (omit to read from stdin)")

	secretsShareCmd.Flags().String("role", "viewer", "role to grant (editor, sharer, viewer)")
	secretsShareCmd.Flags().Int("expire-days", 0, "days until the grant expires (0 = never)")

	secretsCmd.AddCommand(secretsCreateCmd, secretsGetCmd, secretsListCmd,
		secretsEditCmd, secretsShareCmd, secretsRevokeCmd, secretsDeleteCmd,
		secretsRotateCmd)
	rootCmd.AddCommand(secretsCmd)
}
