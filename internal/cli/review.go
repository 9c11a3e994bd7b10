package cli

import (
	"github.com/spf13/cobra"

	"market-resolver/internal/app"
	"market-resolver/internal/market"
)

var (
	reviewToken     string
	reviewDisputeID uint64
)

var reviewCmd = &cobra.Command{
	Use:   "review-dispute",
	Short: "Ask the oracle to review an open dispute (read-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := market.ParseTokenType(reviewToken)
		if err != nil {
			return err
		}
		return getApp().ReviewDispute(cmd.Context(), app.ReviewOptions{
			Token:     token,
			DisputeID: reviewDisputeID,
		})
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewToken, "token", "BNB", "Dispute contract denomination (BNB or PDX)")
	reviewCmd.Flags().Uint64Var(&reviewDisputeID, "id", 0, "Dispute id")
	_ = reviewCmd.MarkFlagRequired("id")
}
