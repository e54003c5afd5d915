package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	pqls "github.com/genexlance/postquantumlattice-sub000"
)

var (
	migrateLevel     string
	migrateBatchSize int
	migrateVerify    bool
	migrateResume    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Re-encrypt all stored entries under a new security level",
	Long: `Starts a checkpointed migration to the given security level and drives
it batch by batch until it completes, fails or is rolled back. Requires an
existing key backup (see "pqls backup create"). Use --resume to continue an
interrupted run instead of starting a new one.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateLevel, "level", pqls.SecurityHigh, "target security level (standard, high)")
	migrateCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 25, "entries per batch")
	migrateCmd.Flags().BoolVar(&migrateVerify, "verify", true, "verify each entry round-trips after re-encryption")
	migrateCmd.Flags().BoolVar(&migrateResume, "resume", false, "resume an in-progress run")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var run *pqls.MigrationRun
	var err error
	if migrateResume {
		log.Info("resuming migration")
	} else {
		run, err = shield.StartMigration(ctx, migrateLevel, migrateBatchSize, migrateVerify)
		if err != nil {
			return err
		}
		log.WithField("run_id", run.ID).
			WithField("target", run.TargetAlgorithm).
			WithField("entries", run.TotalEntries).
			Info("migration started")
	}

	for {
		run, err = shield.ProcessBatch(ctx)
		if err != nil {
			return err
		}
		log.WithField("migrated", run.MigratedCount).
			WithField("failed", run.FailedCount).
			Info("batch processed")

		if run.Status != pqls.StatusInProgress {
			break
		}
	}

	switch run.Status {
	case pqls.StatusCompleted:
		fmt.Printf("Migration completed: %d entries migrated", run.MigratedCount)
		if run.IntegrityFailures > 0 {
			fmt.Printf(", %d integrity warnings", run.IntegrityFailures)
		}
		fmt.Println()
		fmt.Println(`The previous key material is retained as backup. Run "pqls backup trust" once verified.`)
	case pqls.StatusRolledBack:
		fmt.Printf("Migration failed and was rolled back: %d entries failed, %d stranded\n",
			run.FailedCount, run.StrandedCount)
	default:
		fmt.Printf("Migration ended with status %s\n", run.Status)
	}
	return nil
}
