package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-resolver/internal/chain"
)

// Classification tells the orchestrator what a market needs this cycle.
type Classification int

const (
	NoAction Classification = iota
	// NeedsResolutionRequest markets are Open and past endTime. The orchestrator
	// chains the oracle resolution onto the request in the same cycle.
	NeedsResolutionRequest
	NeedsOracleResolution
)

func (c Classification) String() string {
	switch c {
	case NeedsResolutionRequest:
		return "needs_resolution_request"
	case NeedsOracleResolution:
		return "needs_oracle_resolution"
	default:
		return "no_action"
	}
}

// NeedsOracle reports whether the oracle should be consulted for this classification.
func (c Classification) NeedsOracle() bool {
	return c == NeedsResolutionRequest || c == NeedsOracleResolution
}

// Classify decides the action for a market at the given instant.
func Classify(m Market, now time.Time) Classification {
	ended := !m.EndTime.After(now)
	switch {
	case m.Status == StatusOpen && ended:
		return NeedsResolutionRequest
	case m.Status == StatusResolutionRequested:
		return NeedsOracleResolution
	default:
		return NoAction
	}
}

// Reader is the read side of a market contract.
type Reader interface {
	NextMarketID(ctx context.Context) (uint64, error)
	Market(ctx context.Context, id uint64) (Market, error)
}

// Candidate is one scanned market. Err is set when the market could not be read.
type Candidate struct {
	Token          TokenType
	ID             uint64
	Market         Market
	Classification Classification
	Err            error
}

// Label returns "BNB-7" style identifiers.
func (c Candidate) Label() string {
	return Label(c.Token, c.ID)
}

// ScannerOptions tune the scanner.
type ScannerOptions struct {
	Now func() time.Time
}

// Scanner enumerates markets per denomination and classifies them.
type Scanner struct {
	readers map[TokenType]Reader
	now     func() time.Time
	logger  zerolog.Logger
}

// NewScanner builds a scanner over one reader per denomination.
func NewScanner(readers map[TokenType]Reader, opts ScannerOptions, logger zerolog.Logger) *Scanner {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scanner{
		readers: readers,
		now:     now,
		logger:  logger.With().Str("component", "scanner").Logger(),
	}
}

// nextMarketId comes from the chain; never size allocations from it directly.
const maxPrealloc = 1024

// ListCandidates reads every market of the denomination in ascending id order.
// Only a failure to read the market count is returned as an error.
func (s *Scanner) ListCandidates(ctx context.Context, token TokenType) ([]Candidate, error) {
	reader, ok := s.readers[token]
	if !ok || reader == nil {
		return nil, fmt.Errorf("no market contract configured for %s", token)
	}

	count, err := reader.NextMarketID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s market count: %w", token, err)
	}
	s.logger.Debug().Str("token", string(token)).Uint64("count", count).Msg("scanning markets")

	candidates := make([]Candidate, 0, min(count, maxPrealloc))
	for id := uint64(0); id < count; id++ {
		if err := ctx.Err(); err != nil {
			return candidates, err
		}

		cand := Candidate{Token: token, ID: id}
		m, err := reader.Market(ctx, id)
		if err != nil {
			cand.Err = err
			if !errors.Is(err, chain.ErrMarketNotFound) {
				s.logger.Error().Err(err).Str("token", string(token)).Uint64("market_id", id).Msg("failed to read market")
			}
			candidates = append(candidates, cand)
			continue
		}

		m.ID = id
		m.Token = token
		cand.Market = m
		cand.Classification = Classify(m, s.now())
		candidates = append(candidates, cand)
	}
	return candidates, nil
}
