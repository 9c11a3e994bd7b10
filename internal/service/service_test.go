package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-resolver/internal/alerting"
	"market-resolver/internal/dispute"
	"market-resolver/internal/market"
	"market-resolver/internal/resolver"
	"market-resolver/internal/storage"
)

type fakeScanner struct {
	byToken map[market.TokenType][]market.Candidate
	errs    map[market.TokenType]error
	calls   []market.TokenType
}

func (f *fakeScanner) ListCandidates(_ context.Context, token market.TokenType) ([]market.Candidate, error) {
	f.calls = append(f.calls, token)
	return f.byToken[token], f.errs[token]
}

type fakeProcessor struct {
	mu      sync.Mutex
	seen    []string
	status  resolver.Status
	block   chan struct{}
	started chan struct{}
	onCall  func()
	ctxErrs []error
}

func (f *fakeProcessor) Process(ctx context.Context, cand market.Candidate) resolver.Result {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.onCall != nil {
		f.onCall()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, cand.Label())
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	status := f.status
	if status == "" {
		status = resolver.StatusFullyResolved
	}
	return resolver.Result{Token: cand.Token, MarketID: cand.ID, Status: status}
}

type fakeDisputes struct {
	items map[market.TokenType][]dispute.Item
}

func (f *fakeDisputes) Scan(_ context.Context, token market.TokenType) (dispute.Report, error) {
	return dispute.Report{Token: token, Items: f.items[token]}, nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n alerting.Notification) error {
	f.notes = append(f.notes, n)
	return nil
}

type fakeStore struct {
	acquired bool
	locks    int
	unlocks  int
	pruned   []time.Time
}

func (f *fakeStore) RecordAttempt(context.Context, storage.Attempt) error { return nil }
func (f *fakeStore) ListRecentAttempts(context.Context, int) ([]storage.Attempt, error) {
	return nil, nil
}
func (f *fakeStore) CountAttempts(context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) DeleteAttemptsBefore(_ context.Context, t time.Time) error {
	f.pruned = append(f.pruned, t)
	return nil
}
func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.locks++
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocks++ }, true, nil
}

func cands(token market.TokenType, ids ...uint64) []market.Candidate {
	out := make([]market.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, market.Candidate{Token: token, ID: id})
	}
	return out
}

func TestRunScanCycleProcessesTokensInOrder(t *testing.T) {
	scanner := &fakeScanner{byToken: map[market.TokenType][]market.Candidate{
		market.TokenBNB: cands(market.TokenBNB, 0, 1),
		market.TokenPDX: cands(market.TokenPDX, 0),
	}}
	proc := &fakeProcessor{}
	notifier := &fakeNotifier{}
	svc := New(Options{Tokens: []market.TokenType{market.TokenBNB, market.TokenPDX}}, Deps{
		Scanner: scanner, Processor: proc, Notifier: notifier,
	}, zerolog.Nop())

	report, err := svc.RunScanCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BNB-0", "BNB-1", "PDX-0"}, proc.seen)
	assert.Equal(t, 3, report.ResolvedCount())
	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, []string{"BNB-0: Fully resolved", "BNB-1: Fully resolved", "PDX-0: Fully resolved"}, report.Lines())
	require.Len(t, notifier.notes, 1)
	assert.Len(t, notifier.notes[0].Resolved, 3)
}

func TestScanFailureOfOneTokenDoesNotBlockOthers(t *testing.T) {
	scanner := &fakeScanner{
		byToken: map[market.TokenType][]market.Candidate{market.TokenPDX: cands(market.TokenPDX, 4)},
		errs:    map[market.TokenType]error{market.TokenBNB: errors.New("all endpoints failed")},
	}
	proc := &fakeProcessor{status: resolver.StatusNoAction}
	notifier := &fakeNotifier{}
	svc := New(Options{Tokens: []market.TokenType{market.TokenBNB, market.TokenPDX}}, Deps{
		Scanner: scanner, Processor: proc, Notifier: notifier,
	}, zerolog.Nop())

	report, err := svc.RunScanCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"PDX-4"}, proc.seen)
	assert.Len(t, report.Errors, 1)
	assert.Empty(t, notifier.notes, "nothing changed on chain")
}

func TestConcurrentCycleIsRejected(t *testing.T) {
	proc := &fakeProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	scanner := &fakeScanner{byToken: map[market.TokenType][]market.Candidate{market.TokenBNB: cands(market.TokenBNB, 1)}}
	svc := New(Options{Tokens: []market.TokenType{market.TokenBNB}}, Deps{Scanner: scanner, Processor: proc}, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunCycle(context.Background())
		done <- err
	}()
	<-proc.started

	_, err := svc.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(proc.block)
	require.NoError(t, <-done)

	_, err = svc.RunCycle(context.Background())
	assert.NoError(t, err, "lock must be released after the cycle")
}

func TestCancellationStopsBeforeNextItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := &fakeProcessor{}
	proc.onCall = cancel
	scanner := &fakeScanner{byToken: map[market.TokenType][]market.Candidate{market.TokenBNB: cands(market.TokenBNB, 0, 1, 2)}}
	svc := New(Options{Tokens: []market.TokenType{market.TokenBNB}}, Deps{Scanner: scanner, Processor: proc}, zerolog.Nop())

	report, err := svc.RunScanCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"BNB-0"}, proc.seen)
	assert.Len(t, report.Markets, 1)
	assert.NoError(t, proc.ctxErrs[0], "in-flight item must not see the cancellation")

	_, err = svc.RunScanCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled, "no new cycle after cancellation")
}

func TestAdvisoryLockHeldElsewhereSkipsCycle(t *testing.T) {
	store := &fakeStore{acquired: false}
	proc := &fakeProcessor{}
	scanner := &fakeScanner{byToken: map[market.TokenType][]market.Candidate{market.TokenBNB: cands(market.TokenBNB, 0)}}
	svc := New(Options{Tokens: []market.TokenType{market.TokenBNB}, LockKey: 42}, Deps{
		Scanner: scanner, Processor: proc, Store: store,
	}, zerolog.Nop())

	report, err := svc.RunScanCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Empty(t, proc.seen)
	assert.Empty(t, scanner.calls)
	assert.Equal(t, 1, store.locks)
}

func TestAdvisoryLockReleasedAndPruned(t *testing.T) {
	store := &fakeStore{acquired: true}
	svc := New(Options{Tokens: []market.TokenType{market.TokenBNB}, LockKey: 42, Retention: 24 * time.Hour}, Deps{
		Scanner: &fakeScanner{}, Processor: &fakeProcessor{}, Store: store,
	}, zerolog.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, err := svc.RunScanCycle(context.Background())
	require.NoError(t, err)
	_, err = svc.RunScanCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, store.unlocks)
	require.Len(t, store.pruned, 1, "pruning runs at most hourly")
	assert.Equal(t, now.Add(-24*time.Hour), store.pruned[0])
}

func TestRunCycleIncludesDisputes(t *testing.T) {
	disputes := &fakeDisputes{items: map[market.TokenType][]dispute.Item{
		market.TokenBNB: {
			{Token: market.TokenBNB, DisputeID: 5, Status: dispute.StatusFinalized, Verdict: "ACCEPTED"},
			{Token: market.TokenBNB, DisputeID: 6, Status: dispute.StatusVotingOpen},
		},
	}}
	notifier := &fakeNotifier{}
	svc := New(Options{
		Tokens:        []market.TokenType{market.TokenBNB},
		DisputeTokens: []market.TokenType{market.TokenBNB},
	}, Deps{
		Scanner:   &fakeScanner{},
		Processor: &fakeProcessor{},
		Disputes:  disputes,
		Notifier:  notifier,
	}, zerolog.Nop())

	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.FinalizedCount())
	assert.Len(t, report.Disputes, 2)
	require.Len(t, notifier.notes, 1)
	assert.Len(t, notifier.notes[0].Finalized, 1)

	report, err = svc.RunScanCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Disputes, "scan cycle skips disputes")
}
