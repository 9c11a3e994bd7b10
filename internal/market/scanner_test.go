package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-resolver/internal/chain"
)

type fakeReader struct {
	markets  map[uint64]Market
	errs     map[uint64]error
	count    uint64
	countErr error
}

func (f *fakeReader) NextMarketID(context.Context) (uint64, error) {
	return f.count, f.countErr
}

func (f *fakeReader) Market(_ context.Context, id uint64) (Market, error) {
	if err, ok := f.errs[id]; ok {
		return Market{}, err
	}
	m, ok := f.markets[id]
	if !ok {
		return Market{}, fmt.Errorf("%w: market %d", chain.ErrMarketNotFound, id)
	}
	return m, nil
}

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		market Market
		want   Classification
	}{
		{"open ended", Market{Status: StatusOpen, EndTime: now.Add(-time.Second)}, NeedsResolutionRequest},
		{"open ends now", Market{Status: StatusOpen, EndTime: now}, NeedsResolutionRequest},
		{"open running", Market{Status: StatusOpen, EndTime: now.Add(time.Second)}, NoAction},
		{"requested", Market{Status: StatusResolutionRequested, EndTime: now.Add(-time.Hour)}, NeedsOracleResolution},
		{"closed", Market{Status: StatusClosed, EndTime: now.Add(-time.Hour)}, NoAction},
		{"resolved", Market{Status: StatusResolved, EndTime: now.Add(-time.Hour)}, NoAction},
		{"disputed", Market{Status: StatusDisputed, EndTime: now.Add(-time.Hour)}, NoAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.market, now); got != tc.want {
				t.Fatalf("分类错误: got %s want %s", got, tc.want)
			}
		})
	}
}

func TestListCandidatesIsolatesFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		count: 4,
		markets: map[uint64]Market{
			0: {Status: StatusResolved, EndTime: now.Add(-time.Hour), Question: "a"},
			2: {Status: StatusOpen, EndTime: now.Add(-time.Minute), Question: "c"},
			3: {Status: StatusResolutionRequested, EndTime: now.Add(-time.Hour), Question: "d"},
		},
		errs: map[uint64]error{1: errors.New("rpc timeout")},
	}
	s := NewScanner(map[TokenType]Reader{TokenPDX: reader}, ScannerOptions{Now: func() time.Time { return now }}, zerolog.Nop())

	cands, err := s.ListCandidates(context.Background(), TokenPDX)
	require.NoError(t, err)
	require.Len(t, cands, 4)

	for i, c := range cands {
		assert.EqualValues(t, i, c.ID, "ascending order")
		assert.Equal(t, TokenPDX, c.Token)
	}
	assert.Equal(t, NoAction, cands[0].Classification)
	assert.EqualError(t, cands[1].Err, "rpc timeout")
	assert.Equal(t, NeedsResolutionRequest, cands[2].Classification)
	assert.Equal(t, "PDX-2", cands[2].Market.Key())
	assert.Equal(t, NeedsOracleResolution, cands[3].Classification)
}

type cancellingReader struct {
	fakeReader
	reads  int
	cancel context.CancelFunc
}

func (c *cancellingReader) Market(ctx context.Context, id uint64) (Market, error) {
	c.reads++
	if c.reads == 3 {
		c.cancel()
	}
	return c.fakeReader.Market(ctx, id)
}

func TestListCandidatesHugeCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &cancellingReader{fakeReader: fakeReader{count: math.MaxUint64}, cancel: cancel}
	s := NewScanner(map[TokenType]Reader{TokenBNB: reader}, ScannerOptions{}, zerolog.Nop())

	var (
		cands []Candidate
		err   error
	)
	require.NotPanics(t, func() {
		cands, err = s.ListCandidates(ctx, TokenBNB)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, cands, 3)
	assert.LessOrEqual(t, cap(cands), maxPrealloc)
}

func TestListCandidatesCountError(t *testing.T) {
	reader := &fakeReader{countErr: errors.New("boom")}
	s := NewScanner(map[TokenType]Reader{TokenBNB: reader}, ScannerOptions{}, zerolog.Nop())

	_, err := s.ListCandidates(context.Background(), TokenBNB)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BNB market count")
}

func TestListCandidatesUnknownToken(t *testing.T) {
	s := NewScanner(map[TokenType]Reader{}, ScannerOptions{}, zerolog.Nop())
	_, err := s.ListCandidates(context.Background(), TokenBNB)
	assert.Error(t, err)
}

func TestParseTokenType(t *testing.T) {
	tok, err := ParseTokenType(" pdx ")
	require.NoError(t, err)
	assert.Equal(t, TokenPDX, tok)

	_, err = ParseTokenType("eth")
	assert.Error(t, err)
}

func TestDisputeReadyToFinalize(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := Dispute{Status: DisputeActive, VotingEndTime: now.Add(-time.Second)}
	assert.True(t, d.ReadyToFinalize(now))

	d.VotingEndTime = now.Add(time.Second)
	assert.False(t, d.ReadyToFinalize(now))

	d.VotingEndTime = now
	assert.True(t, d.ReadyToFinalize(now))

	d.Status = DisputeResolved
	d.VotingEndTime = now.Add(-time.Hour)
	assert.False(t, d.ReadyToFinalize(now))
}

func TestDisputeSettled(t *testing.T) {
	assert.False(t, Dispute{Status: DisputeActive}.Settled())
	assert.False(t, Dispute{Status: DisputeVotingInProgress}.Settled())
	assert.True(t, Dispute{Status: DisputeResolved}.Settled())
	assert.True(t, Dispute{Status: DisputeRejectedByAuthority}.Settled())
}
