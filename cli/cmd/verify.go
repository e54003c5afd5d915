package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Sample stored entries and check they decrypt under the current key",
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	report, err := shield.VerifyIntegrity(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Checked:  %d\n", report.TotalChecked)
	fmt.Printf("Verified: %d\n", report.Verified)
	fmt.Printf("Failed:   %d\n", report.Failed)
	fmt.Printf("Success:  %.1f%%\n", report.SuccessRatePercent)

	if report.Failed > 0 {
		return fmt.Errorf("%d entries failed verification", report.Failed)
	}
	return nil
}
