package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check vault storage health",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := vault.Store()
		if err := store.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("store (%s) unhealthy: %w", store.GetType(), err)
		}
		fmt.Printf("Store:  %s (healthy)\n", store.GetType())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
