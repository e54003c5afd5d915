package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var noticeCmd = &cobra.Command{
	Use:   "notice",
	Short: "Show the standing admin notice",
	RunE: func(cmd *cobra.Command, args []string) error {
		notice, err := shield.Reporter().ActiveNotice()
		if err != nil {
			return err
		}
		if notice == nil {
			fmt.Println("No active notice")
			return nil
		}
		fmt.Printf("[%s] %s\n", notice.Code, notice.Message)
		fmt.Printf("Raised by %s at %s\n", notice.Operation, notice.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

var noticeDismissCmd = &cobra.Command{
	Use:   "dismiss",
	Short: "Dismiss the standing notice",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := shield.Reporter().DismissNotice(); err != nil {
			return err
		}
		fmt.Println("Notice dismissed")
		return nil
	},
}

func init() {
	noticeCmd.AddCommand(noticeDismissCmd)
	rootCmd.AddCommand(noticeCmd)
}
