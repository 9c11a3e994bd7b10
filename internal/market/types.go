package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenType identifies the denomination a market or dispute contract settles in.
type TokenType string

const (
	TokenBNB TokenType = "BNB"
	TokenPDX TokenType = "PDX"
)

// Tokens lists every supported denomination in scan order.
var Tokens = []TokenType{TokenBNB, TokenPDX}

// ParseTokenType accepts either denomination name case-insensitively.
func ParseTokenType(v string) (TokenType, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case string(TokenBNB):
		return TokenBNB, nil
	case string(TokenPDX):
		return TokenPDX, nil
	default:
		return "", fmt.Errorf("unknown token type %q", v)
	}
}

// Status mirrors the market contract's status enum.
type Status uint8

const (
	StatusOpen Status = iota
	StatusClosed
	StatusResolutionRequested
	StatusResolved
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClosed:
		return "Closed"
	case StatusResolutionRequested:
		return "ResolutionRequested"
	case StatusResolved:
		return "Resolved"
	case StatusDisputed:
		return "Disputed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Outcome mirrors the market contract's outcome enum.
type Outcome uint8

const (
	OutcomeUndecided Outcome = iota
	OutcomeYes
	OutcomeNo
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUndecided:
		return "Undecided"
	case OutcomeYes:
		return "Yes"
	case OutcomeNo:
		return "No"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Valid reports whether o is a final outcome the contract accepts in resolveMarket.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Market is the subset of on-chain market state the resolver acts on.
type Market struct {
	ID                   uint64
	Token                TokenType
	Status               Status
	EndTime              time.Time
	Question             string
	Category             string
	Outcome              Outcome
	ResolutionConfidence uint8
}

// Key returns the idempotency key label, e.g. "BNB-7".
func (m Market) Key() string {
	return Label(m.Token, m.ID)
}

// Label renders the token/id pair the way operators read it in logs.
func Label(token TokenType, id uint64) string {
	return fmt.Sprintf("%s-%d", token, id)
}

// DisputeStatus mirrors the dispute contract's status enum.
type DisputeStatus uint8

const (
	DisputeActive DisputeStatus = iota
	DisputeVotingInProgress
	DisputeResolved
	DisputeRejectedByAuthority
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeActive:
		return "Active"
	case DisputeVotingInProgress:
		return "VotingInProgress"
	case DisputeResolved:
		return "Resolved"
	case DisputeRejectedByAuthority:
		return "RejectedByAuthority"
	default:
		return fmt.Sprintf("DisputeStatus(%d)", uint8(s))
	}
}

// Dispute is the on-chain dispute record.
type Dispute struct {
	ID             uint64
	Token          TokenType
	Status         DisputeStatus
	VotingEndTime  time.Time
	MarketContract common.Address
	MarketID       uint64
	Disputer       common.Address
	Reason         string
}

// Settled reports whether the dispute reached a terminal status.
func (d Dispute) Settled() bool {
	return d.Status == DisputeResolved || d.Status == DisputeRejectedByAuthority
}

// ReadyToFinalize reports whether the voting window has closed on a still-active dispute.
func (d Dispute) ReadyToFinalize(now time.Time) bool {
	return d.Status == DisputeActive && !d.VotingEndTime.After(now)
}
