package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a new account",
	Long: `Create a new account. The password never leaves this process: the
master key, auth hash and keypair are all derived locally and only public or
sealed values are stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email := viper.GetString("auth.email")
		password := viper.GetString("auth.password")
		if password == "" {
			password = os.Getenv("TEAMVAULT_PASSWORD")
		}
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password (or TEAMVAULT_PASSWORD) are required")
		}

		s, err := vault.Auth.Register(cmd.Context(), email, password)
		if err != nil {
			return err
		}
		session = s
		fmt.Printf("Registered %s (user ID %s)\n", s.Email, s.UserID)
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("User ID: %s\nEmail:   %s\n", session.UserID, session.Email)
		warning, err := vault.Integrity.VerifyUserIntegrity(cmd.Context(), session.UserID, 0)
		if err != nil {
			return err
		}
		if warning != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", warning)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(whoamiCmd)
}
