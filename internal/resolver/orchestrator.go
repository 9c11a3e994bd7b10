package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-resolver/internal/chain"
	"market-resolver/internal/market"
	"market-resolver/internal/metrics"
	"market-resolver/internal/oracle"
	"market-resolver/internal/processed"
	"market-resolver/internal/storage"
)

// ConfidenceThreshold is the minimum oracle confidence (inclusive) for an
// on-chain resolution.
const ConfidenceThreshold = 70.0

const (
	defaultRequestReason   = "Automatic resolution request"
	defaultMaxReasonLength = 200
)

// MarketWriter is the write side of a market contract.
type MarketWriter interface {
	RequestResolution(ctx context.Context, id uint64, reason string) (*types.Receipt, error)
	ResolveMarket(ctx context.Context, id uint64, outcome market.Outcome, reason string, confidence uint8) (*types.Receipt, error)
}

// Oracle resolves market questions.
type Oracle interface {
	Resolve(ctx context.Context, question string, endTime time.Time, marketID uint64) oracle.ResolveAnswer
}

// Recorder persists attempts for auditing.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt storage.Attempt) error
}

// Options tune the orchestrator.
type Options struct {
	RequestReason   string
	MaxReasonLength int
	DryRun          bool
}

// Orchestrator drives one market through request, oracle and resolve.
type Orchestrator struct {
	writers   map[market.TokenType]MarketWriter
	oracle    Oracle
	processed processed.Set
	recorder  Recorder
	opts      Options
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds an orchestrator. recorder may be nil.
func New(writers map[market.TokenType]MarketWriter, oc Oracle, set processed.Set, recorder Recorder, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	if opts.RequestReason == "" {
		opts.RequestReason = defaultRequestReason
	}
	if opts.MaxReasonLength <= 0 {
		opts.MaxReasonLength = defaultMaxReasonLength
	}
	if set == nil {
		set = processed.NewMemory()
	}
	return &Orchestrator{
		writers:   writers,
		oracle:    oc,
		processed: set,
		recorder:  recorder,
		opts:      opts,
		metrics:   m,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Process handles one scanned market. It never returns an error: every
// failure becomes a Result so the batch continues.
func (o *Orchestrator) Process(ctx context.Context, cand market.Candidate) (res Result) {
	res = Result{
		Token:        cand.Token,
		MarketID:     cand.ID,
		MarketStatus: cand.Market.Status,
	}
	log := o.logger.With().
		Str("market", cand.Label()).
		Str("cycle_id", storage.CycleIDFrom(ctx)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("market processing panicked")
			res.Status = StatusError
			res.Detail = fmt.Sprintf("panic: %v", r)
		}
		o.metrics.Item(storage.KindMarket, string(cand.Token), metricLabel(res.Status))
	}()

	if cand.Err != nil {
		res.Status = StatusError
		res.Detail = cand.Err.Error()
		res.Err = cand.Err
		return res
	}

	key := processed.MarketKey(cand.Token, cand.ID)
	done, err := o.processed.Has(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("processed lookup failed, continuing")
	}
	if done {
		res.Status = StatusAlreadyProcessed
		return res
	}

	if !cand.Classification.NeedsOracle() {
		res.Status = StatusNoAction
		return res
	}

	writer, ok := o.writers[cand.Token]
	if !ok || writer == nil {
		res.Status = StatusError
		res.Detail = fmt.Sprintf("no market contract configured for %s", cand.Token)
		return res
	}
	m := cand.Market

	if cand.Classification == market.NeedsResolutionRequest {
		if o.opts.DryRun {
			log.Info().Msg("dry run: skipping requestResolution")
		} else {
			reason := truncate(o.opts.RequestReason, o.opts.MaxReasonLength)
			receipt, err := writer.RequestResolution(ctx, cand.ID, reason)
			o.record(ctx, cand, "requestResolution", receipt, err, nil)
			switch {
			case err == nil:
				res.Requested = true
				log.Info().Str("tx", txHash(receipt)).Msg("resolution requested")
			case errors.Is(err, chain.ErrAlreadyRequested):
				log.Info().Msg("resolution already requested, continuing to oracle")
			case errors.Is(err, chain.ErrAlreadyResolved):
				o.markProcessed(ctx, key, log)
				res.Status = StatusAlreadyResolved
				return res
			default:
				log.Error().Err(err).Msg("requestResolution failed")
				res.Status = StatusError
				res.Detail = err.Error()
				return res
			}
		}
	}

	answer := o.oracle.Resolve(ctx, m.Question, m.EndTime, cand.ID)
	res.Confidence = answer.Confidence
	res.OracleSource = answer.Source
	outcome, hasOutcome := answer.MarketOutcome()
	res.Outcome = outcome

	if !answer.Success || !hasOutcome || answer.Confidence < ConfidenceThreshold {
		log.Warn().
			Bool("success", answer.Success).
			Float64("confidence", answer.Confidence).
			Str("reason", answer.Reason).
			Msg("oracle answer below gate, leaving market pending")
		res.Status = StatusLowConfidence
		res.Detail = answer.Reason
		return res
	}

	confidence := clampConfidence(answer.Confidence)
	reason := truncate(answer.Reason, o.opts.MaxReasonLength)

	if o.opts.DryRun {
		log.Info().Str("outcome", outcome.String()).Uint8("confidence", confidence).Msg("dry run: skipping resolveMarket")
		o.recordDryRun(ctx, cand, answer)
		res.Status = StatusDryRun
		return res
	}

	receipt, err := writer.ResolveMarket(ctx, cand.ID, outcome, reason, confidence)
	o.record(ctx, cand, "resolveMarket", receipt, err, &answer)
	switch {
	case err == nil:
		o.markProcessed(ctx, key, log)
		log.Info().
			Str("tx", txHash(receipt)).
			Str("outcome", outcome.String()).
			Uint8("confidence", confidence).
			Str("oracle", string(answer.Source)).
			Msg("market resolved")
		res.Status = StatusFullyResolved
	case errors.Is(err, chain.ErrAlreadyResolved):
		o.markProcessed(ctx, key, log)
		res.Status = StatusAlreadyResolved
	default:
		log.Error().Err(err).Msg("resolveMarket failed")
		res.Status = StatusOnChainFailed
		res.Detail = err.Error()
	}
	return res
}

func (o *Orchestrator) markProcessed(ctx context.Context, key processed.Key, log zerolog.Logger) {
	if err := o.processed.Add(ctx, key); err != nil {
		log.Warn().Err(err).Msg("failed to mark market processed")
	}
}

func (o *Orchestrator) record(ctx context.Context, cand market.Candidate, action string, receipt *types.Receipt, err error, answer *oracle.ResolveAnswer) {
	if o.recorder == nil {
		return
	}
	attempt := storage.Attempt{
		Kind:   storage.KindMarket,
		Token:  string(cand.Token),
		ItemID: int64(cand.ID),
		Action: action,
		Result: storage.ResultOK,
		TxHash: storage.StringPtr(txHash(receipt)),
	}
	if err != nil {
		attempt.Result = storage.ResultError
		if errors.Is(err, chain.ErrAlreadyRequested) || errors.Is(err, chain.ErrAlreadyResolved) {
			attempt.Result = storage.ResultConflict
		}
		attempt.Detail = storage.StringPtr(err.Error())
	}
	if answer != nil {
		fillAnswer(&attempt, *answer)
	}
	o.save(ctx, attempt)
}

func (o *Orchestrator) recordDryRun(ctx context.Context, cand market.Candidate, answer oracle.ResolveAnswer) {
	if o.recorder == nil {
		return
	}
	attempt := storage.Attempt{
		Kind:   storage.KindMarket,
		Token:  string(cand.Token),
		ItemID: int64(cand.ID),
		Action: "resolveMarket",
		Result: storage.ResultDryRun,
	}
	fillAnswer(&attempt, answer)
	o.save(ctx, attempt)
}

func (o *Orchestrator) save(ctx context.Context, attempt storage.Attempt) {
	if err := o.recorder.RecordAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		o.logger.Warn().Err(err).Str("action", attempt.Action).Msg("failed to record attempt")
	}
}

func fillAnswer(attempt *storage.Attempt, answer oracle.ResolveAnswer) {
	if outcome, ok := answer.MarketOutcome(); ok {
		v := int16(outcome)
		attempt.Outcome = &v
	}
	c := decimal.NewFromFloat(answer.Confidence)
	attempt.Confidence = &c
	attempt.OracleSource = storage.StringPtr(string(answer.Source))
	if attempt.Detail == nil {
		attempt.Detail = storage.StringPtr(truncate(answer.Reason, defaultMaxReasonLength))
	}
}

func metricLabel(s Status) string {
	switch s {
	case StatusFullyResolved:
		return "resolved"
	case StatusLowConfidence:
		return "low_confidence"
	case StatusOnChainFailed, StatusError:
		return "error"
	case StatusAlreadyProcessed, StatusAlreadyResolved:
		return "skipped"
	case StatusDryRun:
		return "dry_run"
	default:
		return "no_action"
	}
}

func txHash(receipt *types.Receipt) string {
	if receipt == nil {
		return ""
	}
	return receipt.TxHash.Hex()
}

func clampConfidence(v float64) uint8 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return uint8(v)
	}
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
