package resolver

import (
	"errors"
	"fmt"

	"market-resolver/internal/chain"
	"market-resolver/internal/market"
	"market-resolver/internal/oracle"
)

// Status is the per-market outcome of one cycle.
type Status string

const (
	StatusFullyResolved    Status = "Fully resolved"
	StatusLowConfidence    Status = "AI confidence too low"
	StatusOnChainFailed    Status = "AI success but on-chain failed"
	StatusAlreadyProcessed Status = "Already processed"
	StatusAlreadyResolved  Status = "Already resolved"
	StatusDryRun           Status = "Would resolve (dry run)"
	StatusNoAction         Status = "No action needed"
	StatusError            Status = "Error"
)

// Result describes what happened to one market. String renders the operator
// status line, e.g. "BNB-7: Fully resolved".
type Result struct {
	Token        market.TokenType
	MarketID     uint64
	Status       Status
	MarketStatus market.Status
	Requested    bool
	Outcome      market.Outcome
	Confidence   float64
	OracleSource oracle.Backend
	Detail       string
	// Err is the read error of a candidate that could not be loaded.
	Err error
}

func (r Result) Label() string {
	return market.Label(r.Token, r.MarketID)
}

func (r Result) String() string {
	switch r.Status {
	case StatusNoAction:
		return fmt.Sprintf("%s: %s (status %s)", r.Label(), r.Status, r.MarketStatus)
	case StatusError:
		return fmt.Sprintf("%s: %s - %s", r.Label(), r.Status, r.Detail)
	default:
		return fmt.Sprintf("%s: %s", r.Label(), r.Status)
	}
}

// Resolved reports whether resolveMarket was confirmed this cycle.
func (r Result) Resolved() bool {
	return r.Status == StatusFullyResolved
}

// Missing reports whether the id slot holds no market at all.
func (r Result) Missing() bool {
	return errors.Is(r.Err, chain.ErrMarketNotFound)
}
