package oracle

import (
	"market-resolver/internal/market"
)

// Backend names which oracle host served an answer.
type Backend string

const (
	BackendPrimary  Backend = "primary"
	BackendFallback Backend = "fallback"
)

// Meta records how an answer was obtained. Err is set when no backend answered.
type Meta struct {
	Source       Backend
	FallbackUsed bool
	Err          error
}

// ResolveAnswer is the response of /api/resolveMarket.
type ResolveAnswer struct {
	Success    bool     `json:"success"`
	Outcome    *int     `json:"outcome"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	Sources    []string `json:"sources,omitempty"`
	APIError   bool     `json:"apiError"`

	Meta `json:"-"`
}

// MarketOutcome converts the wire outcome (1 yes, 2 no, null) to the contract enum.
func (a ResolveAnswer) MarketOutcome() (market.Outcome, bool) {
	if a.Outcome == nil {
		return market.OutcomeUndecided, false
	}
	switch *a.Outcome {
	case int(market.OutcomeYes):
		return market.OutcomeYes, true
	case int(market.OutcomeNo):
		return market.OutcomeNo, true
	default:
		return market.OutcomeUndecided, false
	}
}

// ValidationAnswer is the response of /api/validateMarket.
type ValidationAnswer struct {
	Valid    bool   `json:"valid"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
	APIError bool   `json:"apiError"`

	Meta `json:"-"`
}

// DisputeAnswer is the response of /api/disputeMarket.
type DisputeAnswer struct {
	Valid              bool    `json:"valid"`
	Confidence         float64 `json:"confidence"`
	Reason             string  `json:"reason"`
	Recommendation     string  `json:"recommendation"`
	EvidenceStrength   string  `json:"evidence_strength,omitempty"`
	AlternativeOutcome *int    `json:"alternative_outcome,omitempty"`
	Analysis           string  `json:"analysis,omitempty"`
	APIError           bool    `json:"apiError"`

	Meta `json:"-"`
}

// DisputeRequest carries the fields of /api/disputeMarket.
type DisputeRequest struct {
	Question          string
	Reason            string
	CurrentResolution string
	CurrentOutcome    market.Outcome
	EndTime           int64
	MarketID          uint64
}

type resolveRequest struct {
	Question string `json:"question"`
	EndTime  int64  `json:"endTime"`
	MarketID uint64 `json:"marketId"`
}

type validateRequest struct {
	Question   string `json:"question"`
	EndTime    int64  `json:"endTime"`
	InitialYes string `json:"initialYes"`
	InitialNo  string `json:"initialNo"`
}

type disputeRequest struct {
	Question          string `json:"question"`
	DisputeReason     string `json:"disputeReason"`
	CurrentResolution string `json:"currentResolution"`
	CurrentOutcome    uint8  `json:"currentOutcome"`
	EndTime           int64  `json:"endTime"`
	MarketID          uint64 `json:"marketId"`
}
