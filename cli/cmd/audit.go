package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/teamvault/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		userID, _ := cmd.Flags().GetString("user")
		secretID, _ := cmd.Flags().GetString("secret")
		failuresOnly, _ := cmd.Flags().GetBool("failures")
		securityOnly, _ := cmd.Flags().GetBool("security")
		limit, _ := cmd.Flags().GetInt("limit")
		sinceHours, _ := cmd.Flags().GetInt("since-hours")

		options := audit.QueryOptions{
			Action:       action,
			UserID:       userID,
			SecretID:     secretID,
			SecurityOnly: securityOnly,
			Limit:        limit,
		}
		if failuresOnly {
			f := false
			options.Success = &f
		}
		if sinceHours > 0 {
			since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
			options.Since = &since
		}

		result, err := vault.AuditLogger().Query(options)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tACTION\tOK\tUSER\tSECRET\tERROR")
		for _, event := range result.Events {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
				event.Timestamp.Format(time.RFC3339), event.Action, event.Success,
				event.UserID, event.SecretID, event.Error)
		}
		if err = w.Flush(); err != nil {
			return err
		}
		if result.HasMore {
			fmt.Printf("(%d of %d matching events shown)\n", len(result.Events), result.Filtered)
		}
		return nil
	},
}

func init() {
	auditQueryCmd.Flags().String("action", "", "filter by action")
	auditQueryCmd.Flags().String("user", "", "filter by user ID")
	auditQueryCmd.Flags().String("secret", "", "filter by secret ID")
	auditQueryCmd.Flags().Bool("failures", false, "show only failed operations")
	auditQueryCmd.Flags().Bool("security", false, "show only security-relevant events")
	auditQueryCmd.Flags().Int("limit", 50, "maximum events to show")
	auditQueryCmd.Flags().Int("since-hours", 0, "only events from the last N hours")

	auditCmd.AddCommand(auditQueryCmd)
	rootCmd.AddCommand(auditCmd)
}
