package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-resolver/internal/alerting"
	"market-resolver/internal/dispute"
	"market-resolver/internal/market"
	"market-resolver/internal/metrics"
	"market-resolver/internal/resolver"
	"market-resolver/internal/scheduler"
	"market-resolver/internal/storage"
)

// ErrCycleInProgress is returned when a cycle is requested while another runs.
var ErrCycleInProgress = errors.New("resolution cycle already in progress")

const (
	cycleMarkets  = "markets"
	cycleDisputes = "disputes"
	cycleAll      = "all"

	pruneEvery = time.Hour
)

// Scanner lists the markets of one denomination.
type Scanner interface {
	ListCandidates(ctx context.Context, token market.TokenType) ([]market.Candidate, error)
}

// Processor drives one market through the resolution flow.
type Processor interface {
	Process(ctx context.Context, cand market.Candidate) resolver.Result
}

// DisputeScanner finalizes the ready disputes of one denomination.
type DisputeScanner interface {
	Scan(ctx context.Context, token market.TokenType) (dispute.Report, error)
}

// Options configure the service.
type Options struct {
	Tokens        []market.TokenType
	DisputeTokens []market.TokenType
	LockKey       int64
	DryRun        bool
	Retention     time.Duration
}

// Deps are the collaborators of a Service. Disputes, Store and Notifier may be nil.
type Deps struct {
	Scanner   Scanner
	Processor Processor
	Disputes  DisputeScanner
	Store     storage.AttemptStore
	Notifier  alerting.Notifier
	Metrics   *metrics.Metrics
}

// Service runs resolution cycles: scan, process, finalize disputes, report.
type Service struct {
	opts      Options
	scanner   Scanner
	processor Processor
	disputes  DisputeScanner
	store     storage.AttemptStore
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// sem serialises cycles within the process.
	sem       chan struct{}
	lastPrune time.Time
	now       func() time.Time
}

// New constructs the resolution service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		opts:      opts,
		scanner:   deps.Scanner,
		processor: deps.Processor,
		disputes:  deps.Disputes,
		store:     deps.Store,
		locker:    locker,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "service").Logger(),
		sem:       make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Run drives the market scheduler and, when given, the dispute scheduler until ctx ends.
func (s *Service) Run(ctx context.Context, markets, disputes *scheduler.Scheduler) error {
	if markets == nil {
		return fmt.Errorf("scheduler not configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return markets.Run(gctx, s.marketTick)
	})
	if disputes != nil && s.disputes != nil && len(s.opts.DisputeTokens) > 0 {
		g.Go(func() error {
			return disputes.Run(gctx, s.disputeTick)
		})
	}
	return g.Wait()
}

// RunCycle runs a market scan followed by a dispute scan. It returns
// ErrCycleInProgress instead of waiting when another cycle holds the lock.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	return s.run(ctx, cycleAll, false)
}

// RunScanCycle scans and processes markets only.
func (s *Service) RunScanCycle(ctx context.Context) (CycleReport, error) {
	return s.run(ctx, cycleMarkets, false)
}

// RunDisputeCycle finalizes disputes only.
func (s *Service) RunDisputeCycle(ctx context.Context) (CycleReport, error) {
	return s.run(ctx, cycleDisputes, false)
}

// 定时任务排队等待而不是跳过, 两个调度器同时触发时不会丢周期。
func (s *Service) marketTick(ctx context.Context, _ time.Time) error {
	_, err := s.run(ctx, cycleMarkets, true)
	return err
}

func (s *Service) disputeTick(ctx context.Context, _ time.Time) error {
	_, err := s.run(ctx, cycleDisputes, true)
	return err
}

func (s *Service) run(ctx context.Context, kind string, wait bool) (CycleReport, error) {
	if err := ctx.Err(); err != nil {
		return CycleReport{}, err
	}
	if wait {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return CycleReport{}, ctx.Err()
		}
	} else {
		select {
		case s.sem <- struct{}{}:
		default:
			return CycleReport{}, ErrCycleInProgress
		}
	}
	defer func() { <-s.sem }()

	report := CycleReport{
		CycleID:   uuid.NewString(),
		Kind:      kind,
		StartedAt: s.now().UTC(),
		DryRun:    s.opts.DryRun,
	}
	ctx = storage.WithCycleID(ctx, report.CycleID)
	log := s.logger.With().Str("cycle_id", report.CycleID).Str("kind", kind).Logger()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		log.Info().Msg("skip cycle because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	if kind == cycleMarkets || kind == cycleAll {
		s.scanMarkets(ctx, &report, log)
	}
	if kind == cycleDisputes || kind == cycleAll {
		s.scanDisputes(ctx, &report, log)
	}

	report.Duration = s.now().Sub(report.StartedAt)
	s.metrics.ObserveCycle(kind, report.Duration)
	log.Info().
		Int("markets", len(report.Markets)).
		Int("resolved", report.ResolvedCount()).
		Int("disputes", len(report.Disputes)).
		Int("finalized", report.FinalizedCount()).
		Int("errors", len(report.Errors)).
		Dur("duration", report.Duration).
		Msg("cycle complete")

	s.notify(ctx, report, log)
	s.prune(ctx, log)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) scanMarkets(ctx context.Context, report *CycleReport, log zerolog.Logger) {
	if s.scanner == nil || s.processor == nil {
		return
	}
	for _, token := range s.opts.Tokens {
		if ctx.Err() != nil {
			return
		}
		candidates, err := s.scanner.ListCandidates(ctx, token)
		if err != nil {
			log.Error().Err(err).Str("token", string(token)).Msg("market scan failed")
			report.Errors = append(report.Errors, err.Error())
			if len(candidates) == 0 {
				continue
			}
		}
		for _, cand := range candidates {
			if ctx.Err() != nil {
				log.Warn().Msg("cycle cancelled, stopping before next market")
				return
			}
			res := s.processor.Process(context.WithoutCancel(ctx), cand)
			report.Markets = append(report.Markets, res)

			ev := log.Debug()
			if res.Status != resolver.StatusNoAction && res.Status != resolver.StatusAlreadyProcessed {
				ev = log.Info()
			}
			ev.Str("token", string(res.Token)).Uint64("market_id", res.MarketID).Msg(res.String())
		}
	}
}

func (s *Service) scanDisputes(ctx context.Context, report *CycleReport, log zerolog.Logger) {
	if s.disputes == nil {
		return
	}
	for _, token := range s.opts.DisputeTokens {
		if ctx.Err() != nil {
			return
		}
		rep, err := s.disputes.Scan(ctx, token)
		report.Disputes = append(report.Disputes, rep.Items...)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("token", string(token)).Msg("dispute scan failed")
			report.Errors = append(report.Errors, err.Error())
		}
		for _, item := range rep.Items {
			if item.Status == dispute.StatusVotingOpen || item.Status == dispute.StatusAlreadyProcessed {
				continue
			}
			log.Info().Str("token", string(token)).Uint64("dispute_id", item.DisputeID).Msg(item.String())
		}
	}
}

func (s *Service) notify(ctx context.Context, report CycleReport, log zerolog.Logger) {
	if s.notifier == nil {
		return
	}
	note := report.Notification()
	if note.Empty() {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch cycle summary")
	}
}

func (s *Service) prune(ctx context.Context, log zerolog.Logger) {
	if s.store == nil || s.opts.Retention <= 0 {
		return
	}
	now := s.now()
	if now.Sub(s.lastPrune) < pruneEvery {
		return
	}
	s.lastPrune = now
	if err := s.store.DeleteAttemptsBefore(context.WithoutCancel(ctx), now.Add(-s.opts.Retention)); err != nil {
		log.Warn().Err(err).Msg("failed to prune attempt log")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
