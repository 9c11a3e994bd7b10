package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"market-resolver/internal/app"
)

var (
	validateEndTime    string
	validateInitialYes string
	validateInitialNo  string
)

var validateCmd = &cobra.Command{
	Use:   "validate-question <question>",
	Short: "Ask the oracle whether a market question can be resolved",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return fmt.Errorf("question must not be empty")
		}
		endTime, err := time.Parse(time.RFC3339, validateEndTime)
		if err != nil {
			return fmt.Errorf("invalid --end-time value: %w", err)
		}
		return getApp().ValidateQuestion(cmd.Context(), app.ValidateOptions{
			Question:   question,
			EndTime:    endTime,
			InitialYes: validateInitialYes,
			InitialNo:  validateInitialNo,
		})
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateEndTime, "end-time", "", "Market end time (RFC3339)")
	validateCmd.Flags().StringVar(&validateInitialYes, "initial-yes", "0.5", "Initial YES liquidity")
	validateCmd.Flags().StringVar(&validateInitialNo, "initial-no", "0.5", "Initial NO liquidity")
	_ = validateCmd.MarkFlagRequired("end-time")
}
