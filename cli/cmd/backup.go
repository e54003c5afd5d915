package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage the key material backup",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the current key material as the active backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := shield.BackupKeyMaterial(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Backup %s created (%s)\n", info.ID, info.Algorithm)
		return nil
	},
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := shield.BackupStatus()
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Println("No active backup")
			return nil
		}
		fmt.Printf("Backup %s (%s), created %s\n", info.ID, info.Algorithm, info.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

var backupTrustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Declare the last migration permanent and discard the backup",
	Long: `Discards the pre-migration backup and checkpoint. After trusting, the
migration can no longer be rolled back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := shield.TrustMigration(); err != nil {
			return err
		}
		fmt.Println("Migration trusted; rollback window closed")
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupStatusCmd)
	backupCmd.AddCommand(backupTrustCmd)
	rootCmd.AddCommand(backupCmd)
}
