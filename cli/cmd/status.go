package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installation and service status",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	report, err := shield.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println("Shield Status")
	fmt.Println("=============")
	fmt.Printf("Site ID:        %s\n", report.SiteID)
	fmt.Printf("Algorithm:      %s\n", report.Algorithm)
	fmt.Printf("Security Level: %s\n", report.SecurityLevel)
	fmt.Printf("Entries:        %d\n", report.EntryCount)
	fmt.Printf("Backup:         %v\n", report.HasBackup)

	if report.Migration != nil {
		fmt.Printf("Migration:      %s (%d migrated, %d failed)\n",
			report.Migration.Status, report.Migration.MigratedCount, report.Migration.FailedCount)
	}
	if report.Notice != nil {
		fmt.Printf("NOTICE:         [%s] %s\n", report.Notice.Code, report.Notice.Message)
	}
	if report.Service != nil {
		fmt.Printf("Service:        healthy=%v version=%s algorithms=%v\n",
			report.Service.Healthy, report.Service.Version, report.Service.Algorithms)
	} else {
		fmt.Println("Service:        unreachable")
	}
	return nil
}
