package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "requisition-service",
	Short: "Warehouse stock requisition service",
	Long: `Requisition service for the warehouse platform: stock request
lifecycle with dual approval, batch issuance, deliveries against the
stock ledger, and scoped reporting.`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}
