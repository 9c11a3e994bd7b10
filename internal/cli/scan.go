package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-resolver/internal/app"
)

var (
	scanMarketsOnly  bool
	scanDisputesOnly bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single resolution cycle and exit",
	Long:  "Run one market scan and one dispute scan, print a status line per item and exit. Intended for external cron schedulers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanMarketsOnly && scanDisputesOnly {
			return fmt.Errorf("--markets-only and --disputes-only are mutually exclusive")
		}
		return getApp().Scan(cmd.Context(), app.ScanOptions{
			MarketsOnly:  scanMarketsOnly,
			DisputesOnly: scanDisputesOnly,
		})
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanMarketsOnly, "markets-only", false, "Skip dispute finalization")
	scanCmd.Flags().BoolVar(&scanDisputesOnly, "disputes-only", false, "Skip market resolution")
}
