package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-resolver/internal/chain"
	"market-resolver/internal/contracts"
	"market-resolver/internal/market"
	"market-resolver/internal/metrics"
	"market-resolver/internal/processed"
	"market-resolver/internal/storage"
)

// DefaultLookbackBlocks bounds the DisputeCreated log query.
const DefaultLookbackBlocks uint64 = 10_000

const weiDecimals = 18

// Chain is the dispute contract surface the finalizer drives.
type Chain interface {
	LatestBlock(ctx context.Context) (uint64, error)
	DisputeCreatedIDs(ctx context.Context, from, to uint64) ([]uint64, error)
	DisputeInfo(ctx context.Context, id uint64) (market.Dispute, error)
	FinalizeDispute(ctx context.Context, id uint64) (contracts.Resolution, error)
}

var _ Chain = (*contracts.DisputeContract)(nil)

// Recorder persists finalize attempts.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt storage.Attempt) error
}

// Status is the per-dispute outcome of one scan.
type Status string

const (
	StatusFinalized        Status = "Finalized"
	StatusVotingOpen       Status = "Voting still open"
	StatusNotActive        Status = "Not active"
	StatusAlreadyProcessed Status = "Already processed"
	StatusDryRun           Status = "Would finalize (dry run)"
	StatusError            Status = "Error"
)

// Item is the report line for one dispute.
type Item struct {
	Token       market.TokenType
	DisputeID   uint64
	MarketID    uint64
	Status      Status
	Verdict     string
	AcceptStake decimal.Decimal
	RejectStake decimal.Decimal
	TxHash      string
	Detail      string
}

func (it Item) String() string {
	label := market.Label(it.Token, it.DisputeID)
	switch it.Status {
	case StatusFinalized:
		if it.Verdict == "" {
			return fmt.Sprintf("%s: %s", label, it.Status)
		}
		return fmt.Sprintf("%s: %s %s (accept %s, reject %s)", label, it.Status, it.Verdict,
			it.AcceptStake.String(), it.RejectStake.String())
	case StatusError:
		return fmt.Sprintf("%s: %s - %s", label, it.Status, it.Detail)
	default:
		return fmt.Sprintf("%s: %s", label, it.Status)
	}
}

// Report summarises one Scan.
type Report struct {
	Token     market.TokenType
	FromBlock uint64
	ToBlock   uint64
	Items     []Item
}

// Finalized counts disputes finalized during the scan.
func (r Report) Finalized() int {
	n := 0
	for _, it := range r.Items {
		if it.Status == StatusFinalized {
			n++
		}
	}
	return n
}

// Options tune the finalizer.
type Options struct {
	LookbackBlocks uint64
	DryRun         bool
	Now            func() time.Time
}

// Finalizer closes disputes whose voting window has ended.
type Finalizer struct {
	chains    map[market.TokenType]Chain
	processed processed.Set
	recorder  Recorder
	lookback  uint64
	dryRun    bool
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewFinalizer builds a finalizer over one dispute contract per denomination. recorder may be nil.
func NewFinalizer(chains map[market.TokenType]Chain, set processed.Set, recorder Recorder, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Finalizer {
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = DefaultLookbackBlocks
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if set == nil {
		set = processed.NewMemory()
	}
	return &Finalizer{
		chains:    chains,
		processed: set,
		recorder:  recorder,
		lookback:  opts.LookbackBlocks,
		dryRun:    opts.DryRun,
		now:       opts.Now,
		metrics:   m,
		logger:    logger.With().Str("component", "dispute_finalizer").Logger(),
	}
}

// Scan finalizes every ready dispute created within the lookback window.
// Only failures to read the block height or the event log are returned.
func (f *Finalizer) Scan(ctx context.Context, token market.TokenType) (Report, error) {
	report := Report{Token: token}
	c, ok := f.chains[token]
	if !ok || c == nil {
		return report, fmt.Errorf("no dispute contract configured for %s", token)
	}

	latest, err := c.LatestBlock(ctx)
	if err != nil {
		return report, fmt.Errorf("read %s block height: %w", token, err)
	}
	from := uint64(0)
	if latest > f.lookback {
		from = latest - f.lookback
	}
	report.FromBlock, report.ToBlock = from, latest

	ids, err := c.DisputeCreatedIDs(ctx, from, latest)
	if err != nil {
		return report, fmt.Errorf("list %s disputes: %w", token, err)
	}
	f.logger.Debug().Str("token", string(token)).Uint64("from", from).Uint64("to", latest).Int("disputes", len(ids)).Msg("scanning disputes")

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item := f.process(context.WithoutCancel(ctx), c, token, id)
		f.metrics.Item(storage.KindDispute, string(token), metricLabel(item.Status))
		report.Items = append(report.Items, item)
	}
	return report, nil
}

func (f *Finalizer) process(ctx context.Context, c Chain, token market.TokenType, id uint64) (item Item) {
	item = Item{Token: token, DisputeID: id}
	log := f.logger.With().
		Str("token", string(token)).
		Uint64("dispute_id", id).
		Str("cycle_id", storage.CycleIDFrom(ctx)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("dispute processing panicked")
			item.Status = StatusError
			item.Detail = fmt.Sprintf("panic: %v", r)
		}
	}()

	key := processed.DisputeKey(token, id)
	done, err := f.processed.Has(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("processed lookup failed, continuing")
	}
	if done {
		item.Status = StatusAlreadyProcessed
		return item
	}

	d, err := c.DisputeInfo(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("failed to read dispute")
		item.Status = StatusError
		item.Detail = err.Error()
		return item
	}
	item.MarketID = d.MarketID

	if d.Settled() {
		f.markProcessed(ctx, key, log)
		item.Status = StatusNotActive
		return item
	}
	if !d.ReadyToFinalize(f.now()) {
		item.Status = StatusVotingOpen
		return item
	}

	if f.dryRun {
		log.Info().Msg("dry run: skipping finalizeDispute")
		f.record(ctx, token, id, storage.ResultDryRun, "", nil)
		item.Status = StatusDryRun
		return item
	}

	res, err := c.FinalizeDispute(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrDisputeNotActive):
		f.record(ctx, token, id, storage.ResultConflict, "", err)
		f.markProcessed(ctx, key, log)
		item.Status = StatusNotActive
		return item
	default:
		log.Error().Err(err).Msg("finalizeDispute failed")
		f.record(ctx, token, id, storage.ResultError, "", err)
		item.Status = StatusError
		item.Detail = err.Error()
		return item
	}

	f.markProcessed(ctx, key, log)
	item.Status = StatusFinalized
	item.TxHash = res.TxHash.Hex()
	f.record(ctx, token, id, storage.ResultOK, item.TxHash, nil)

	if !res.Found {
		log.Warn().Str("tx", item.TxHash).Msg("dispute finalized, DisputeResolved event not found")
		return item
	}
	item.Verdict = "REJECTED"
	if res.Accepted() {
		item.Verdict = "ACCEPTED"
	}
	item.AcceptStake = FormatWei(res.AcceptStake)
	item.RejectStake = FormatWei(res.RejectStake)
	log.Info().
		Str("tx", item.TxHash).
		Str("verdict", item.Verdict).
		Str("accept_stake", item.AcceptStake.String()).
		Str("reject_stake", item.RejectStake.String()).
		Msg("dispute finalized")
	return item
}

func (f *Finalizer) markProcessed(ctx context.Context, key processed.Key, log zerolog.Logger) {
	if err := f.processed.Add(ctx, key); err != nil {
		log.Warn().Err(err).Msg("failed to mark dispute processed")
	}
}

func (f *Finalizer) record(ctx context.Context, token market.TokenType, id uint64, result, txHash string, err error) {
	if f.recorder == nil {
		return
	}
	attempt := storage.Attempt{
		Kind:   storage.KindDispute,
		Token:  string(token),
		ItemID: int64(id),
		Action: "finalizeDispute",
		Result: result,
		TxHash: storage.StringPtr(txHash),
	}
	if err != nil {
		attempt.Detail = storage.StringPtr(err.Error())
	}
	if recErr := f.recorder.RecordAttempt(ctx, attempt); recErr != nil {
		f.logger.Warn().Err(recErr).Uint64("dispute_id", id).Msg("failed to record attempt")
	}
}

// FormatWei converts an 18-decimal token amount to whole units.
func FormatWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -weiDecimals)
}

func metricLabel(s Status) string {
	switch s {
	case StatusFinalized:
		return "finalized"
	case StatusError:
		return "error"
	case StatusDryRun:
		return "dry_run"
	case StatusAlreadyProcessed, StatusNotActive:
		return "skipped"
	default:
		return "pending"
	}
}
