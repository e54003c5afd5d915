package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the pre-migration key material from the checkpoint",
	Long: `Restores key material from the most recent checkpoint and discards the
backup and checkpoint. Entries already converted to the new scheme are NOT
re-converted; they stay unreadable until a forward migration is retried.`,
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	run, err := shield.Rollback(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Rolled back run %s\n", run.ID)
	if run.StrandedCount > 0 {
		fmt.Printf("WARNING: %d entries remain on the new scheme and cannot be read until a forward migration is retried\n",
			run.StrandedCount)
	}
	return nil
}
