package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate authority operations",
}

var caIssueCmd = &cobra.Command{
	Use:   "issue <user-id>",
	Short: "Issue a certificate for a user's public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, err := vault.CA.IssueCertificate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Issued certificate %s for user %s (expires %s)\n",
			cert.SerialNumber, cert.UserID, cert.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var caVerifyCmd = &cobra.Command{
	Use:   "verify <serial-number>",
	Short: "Verify a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, cert, err := vault.CA.VerifyCertificate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if result.Valid {
			fmt.Printf("Certificate %s is valid (user %s, expires %s)\n",
				cert.SerialNumber, cert.UserID, cert.ExpiresAt.Format(time.RFC3339))
			return nil
		}
		return fmt.Errorf("certificate %s is invalid: %s", cert.SerialNumber, result.Reason)
	},
}

var caRevokeCmd = &cobra.Command{
	Use:   "revoke <serial-number>",
	Short: "Revoke a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := vault.CA.RevokeCertificate(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Printf("Revoked certificate %s\n", args[0])
		return nil
	},
}

var caPublicKeyCmd = &cobra.Command{
	Use:   "public-key",
	Short: "Print the CA's verifying key as a JWK",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(vault.CA.PublicKey(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	caRevokeCmd.Flags().String("reason", "unspecified", "revocation reason")

	caCmd.AddCommand(caIssueCmd, caVerifyCmd, caRevokeCmd, caPublicKeyCmd)
	rootCmd.AddCommand(caCmd)
}
