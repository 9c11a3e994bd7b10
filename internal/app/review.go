package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"market-resolver/internal/market"
	"market-resolver/internal/oracle"
)

// ValidateOptions configure validate-question.
type ValidateOptions struct {
	Question   string
	EndTime    time.Time
	InitialYes string
	InitialNo  string
}

// ValidateQuestion asks the oracle whether a market question is resolvable.
func (a *App) ValidateQuestion(ctx context.Context, opts ValidateOptions) error {
	client := oracle.NewClient(a.oracleOptions(), nil, a.Logger)
	answer := client.Validate(ctx, opts.Question, opts.EndTime, opts.InitialYes, opts.InitialNo)
	printValidation(os.Stdout, answer)
	if answer.Err != nil {
		return answer.Err
	}
	return nil
}

func printValidation(w io.Writer, answer oracle.ValidationAnswer) {
	fmt.Fprintf(w, "valid:    %t\n", answer.Valid)
	if answer.Category != "" {
		fmt.Fprintf(w, "category: %s\n", answer.Category)
	}
	fmt.Fprintf(w, "reason:   %s\n", answer.Reason)
	fmt.Fprintf(w, "oracle:   %s\n", sourceLabel(answer.Meta))
}

// ReviewOptions configure review-dispute.
type ReviewOptions struct {
	Token     market.TokenType
	DisputeID uint64
}

// ReviewDispute reads a dispute and its market from chain and asks the oracle
// for a second opinion. Nothing is written on chain.
func (a *App) ReviewDispute(ctx context.Context, opts ReviewOptions) error {
	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	dc, ok := c.disputes[opts.Token]
	if !ok {
		return fmt.Errorf("no dispute contract configured for %s", opts.Token)
	}
	mc, ok := c.markets[opts.Token]
	if !ok {
		return fmt.Errorf("no market contract configured for %s", opts.Token)
	}

	d, err := dc.DisputeInfo(ctx, opts.DisputeID)
	if err != nil {
		return fmt.Errorf("read dispute %s: %w", market.Label(opts.Token, opts.DisputeID), err)
	}
	m, err := mc.Market(ctx, d.MarketID)
	if err != nil {
		return fmt.Errorf("read market %s: %w", market.Label(opts.Token, d.MarketID), err)
	}

	answer := c.oracle.Dispute(ctx, oracle.DisputeRequest{
		Question:          m.Question,
		Reason:            d.Reason,
		CurrentResolution: m.Outcome.String(),
		CurrentOutcome:    m.Outcome,
		EndTime:           m.EndTime.Unix(),
		MarketID:          d.MarketID,
	})

	out := os.Stdout
	fmt.Fprintf(out, "dispute:        %s (status %s, voting ends %s)\n",
		market.Label(opts.Token, opts.DisputeID), d.Status, d.VotingEndTime.Format(time.RFC3339))
	fmt.Fprintf(out, "market:         %s %q (outcome %s)\n", market.Label(opts.Token, d.MarketID), m.Question, m.Outcome)
	fmt.Fprintf(out, "disputer:       %s\n", d.Disputer.Hex())
	printDisputeAnswer(out, answer)
	if answer.Err != nil {
		return answer.Err
	}
	return nil
}

func printDisputeAnswer(w io.Writer, answer oracle.DisputeAnswer) {
	fmt.Fprintf(w, "valid:          %t\n", answer.Valid)
	fmt.Fprintf(w, "confidence:     %.1f\n", answer.Confidence)
	if answer.Recommendation != "" {
		fmt.Fprintf(w, "recommendation: %s\n", answer.Recommendation)
	}
	if answer.EvidenceStrength != "" {
		fmt.Fprintf(w, "evidence:       %s\n", answer.EvidenceStrength)
	}
	if answer.AlternativeOutcome != nil {
		fmt.Fprintf(w, "alternative:    %d\n", *answer.AlternativeOutcome)
	}
	fmt.Fprintf(w, "reason:         %s\n", answer.Reason)
	fmt.Fprintf(w, "oracle:         %s\n", sourceLabel(answer.Meta))
}

func sourceLabel(meta oracle.Meta) string {
	switch {
	case meta.Err != nil:
		return "unavailable"
	case meta.FallbackUsed:
		return string(meta.Source) + " (fallback)"
	default:
		return string(meta.Source)
	}
}

func (a *App) oracleOptions() oracle.Options {
	cfg := a.Config.Oracle
	return oracle.Options{
		PrimaryURL:      cfg.PrimaryURL,
		FallbackURL:     cfg.FallbackURL,
		PrimaryTimeout:  cfg.PrimaryTimeout,
		FallbackTimeout: cfg.FallbackTimeout,
		UserAgent:       cfg.UserAgent,
	}
}
