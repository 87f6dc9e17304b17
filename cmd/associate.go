/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/basket-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// associateCmd represents the associate command
var associateCmd = &cobra.Command{
	Use:   "associate",
	Short: "upsert or delete a security/portfolio adapter association",
	Long:  `upsert or delete a security/portfolio adapter association`,
	Run:   bootstrap.StartAssociate,
}

func init() {
	rootCmd.AddCommand(associateCmd)
	associateCmd.PersistentFlags().String("kind", "security", "association kind security|portfolio")
	associateCmd.PersistentFlags().String("key", "", "security id or portfolio name")
	associateCmd.PersistentFlags().String("adapter-id", "", "adapter id (uuid)")
	associateCmd.PersistentFlags().Bool("delete", false, "delete the association instead of upserting it")
}
