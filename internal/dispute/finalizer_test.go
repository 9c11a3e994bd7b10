package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-resolver/internal/chain"
	"market-resolver/internal/contracts"
	"market-resolver/internal/market"
	"market-resolver/internal/processed"
	"market-resolver/internal/storage"
)

type fakeChain struct {
	latest      uint64
	ids         []uint64
	disputes    map[uint64]market.Dispute
	infoErr     map[uint64]error
	finalizeErr map[uint64]error
	resolutions map[uint64]contracts.Resolution

	gotFrom, gotTo uint64
	finalized      []uint64
}

func (f *fakeChain) LatestBlock(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) DisputeCreatedIDs(_ context.Context, from, to uint64) ([]uint64, error) {
	f.gotFrom, f.gotTo = from, to
	return f.ids, nil
}

func (f *fakeChain) DisputeInfo(_ context.Context, id uint64) (market.Dispute, error) {
	if err := f.infoErr[id]; err != nil {
		return market.Dispute{}, err
	}
	return f.disputes[id], nil
}

func (f *fakeChain) FinalizeDispute(_ context.Context, id uint64) (contracts.Resolution, error) {
	f.finalized = append(f.finalized, id)
	if err := f.finalizeErr[id]; err != nil {
		return contracts.Resolution{DisputeID: id}, err
	}
	if res, ok := f.resolutions[id]; ok {
		return res, nil
	}
	return contracts.Resolution{DisputeID: id, TxHash: common.HexToHash("0xabc")}, nil
}

type memRecorder struct {
	attempts []storage.Attempt
}

func (m *memRecorder) RecordAttempt(_ context.Context, a storage.Attempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}

func ether(v string) *big.Int {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic(v)
	}
	return n
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newFinalizer(c *fakeChain, set processed.Set, rec Recorder, dryRun bool) *Finalizer {
	return NewFinalizer(
		map[market.TokenType]Chain{market.TokenBNB: c},
		set, rec,
		Options{DryRun: dryRun, Now: func() time.Time { return testNow }},
		nil, zerolog.Nop(),
	)
}

func TestScanFinalizesOnlyEndedVoting(t *testing.T) {
	c := &fakeChain{
		latest: 50_000,
		ids:    []uint64{5, 6},
		disputes: map[uint64]market.Dispute{
			5: {ID: 5, Status: market.DisputeActive, VotingEndTime: testNow.Add(-time.Second), MarketID: 9},
			6: {ID: 6, Status: market.DisputeActive, VotingEndTime: testNow.Add(time.Second)},
		},
		resolutions: map[uint64]contracts.Resolution{
			5: {
				DisputeID:   5,
				TxHash:      common.HexToHash("0x05"),
				Found:       true,
				Outcome:     contracts.DisputeOutcomeAccepted,
				AcceptStake: ether("1500000000000000000"),
				RejectStake: ether("200000000000000000"),
			},
		},
	}
	set := processed.NewMemory()
	rec := &memRecorder{}
	f := newFinalizer(c, set, rec, false)

	report, err := f.Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)

	assert.EqualValues(t, 40_000, c.gotFrom)
	assert.EqualValues(t, 50_000, c.gotTo)
	assert.Equal(t, []uint64{5}, c.finalized)
	require.Len(t, report.Items, 2)
	assert.Equal(t, 1, report.Finalized())

	first := report.Items[0]
	assert.Equal(t, StatusFinalized, first.Status)
	assert.Equal(t, "ACCEPTED", first.Verdict)
	assert.Equal(t, "1.5", first.AcceptStake.String())
	assert.Equal(t, "0.2", first.RejectStake.String())
	assert.EqualValues(t, 9, first.MarketID)
	assert.Equal(t, "BNB-5: Finalized ACCEPTED (accept 1.5, reject 0.2)", first.String())

	assert.Equal(t, StatusVotingOpen, report.Items[1].Status)

	done, err := set.Has(context.Background(), processed.DisputeKey(market.TokenBNB, 5))
	require.NoError(t, err)
	assert.True(t, done)
	done, err = set.Has(context.Background(), processed.DisputeKey(market.TokenBNB, 6))
	require.NoError(t, err)
	assert.False(t, done)

	require.Len(t, rec.attempts, 1)
	assert.Equal(t, storage.KindDispute, rec.attempts[0].Kind)
	assert.Equal(t, storage.ResultOK, rec.attempts[0].Result)
}

func TestScanRejectedVerdict(t *testing.T) {
	c := &fakeChain{
		latest:   100,
		ids:      []uint64{1},
		disputes: map[uint64]market.Dispute{1: {Status: market.DisputeActive, VotingEndTime: testNow}},
		resolutions: map[uint64]contracts.Resolution{
			1: {DisputeID: 1, Found: true, Outcome: 0, AcceptStake: big.NewInt(0), RejectStake: ether("3000000000000000000")},
		},
	}
	report, err := newFinalizer(c, nil, nil, false).Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)

	assert.EqualValues(t, 0, c.gotFrom)
	require.Len(t, report.Items, 1)
	assert.Equal(t, "REJECTED", report.Items[0].Verdict)
	assert.Equal(t, "3", report.Items[0].RejectStake.String())
}

func TestNotActiveOnFinalizeMarksProcessed(t *testing.T) {
	c := &fakeChain{
		latest:      100,
		ids:         []uint64{3},
		disputes:    map[uint64]market.Dispute{3: {Status: market.DisputeActive, VotingEndTime: testNow.Add(-time.Hour)}},
		finalizeErr: map[uint64]error{3: fmt.Errorf("finalizeDispute: %w", chain.ErrDisputeNotActive)},
	}
	set := processed.NewMemory()
	f := newFinalizer(c, set, nil, false)

	report, err := f.Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)
	assert.Equal(t, StatusNotActive, report.Items[0].Status)

	report, err = f.Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyProcessed, report.Items[0].Status)
	assert.Len(t, c.finalized, 1, "processed dispute must not be finalized again")
}

func TestSettledDisputeIsSkipped(t *testing.T) {
	c := &fakeChain{
		latest:   100,
		ids:      []uint64{2},
		disputes: map[uint64]market.Dispute{2: {Status: market.DisputeResolved, VotingEndTime: testNow.Add(-time.Hour)}},
	}
	set := processed.NewMemory()
	report, err := newFinalizer(c, set, nil, false).Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)

	assert.Equal(t, StatusNotActive, report.Items[0].Status)
	assert.Empty(t, c.finalized)
	assert.Equal(t, 1, set.Len())
}

func TestVotingInProgressIsReadAgain(t *testing.T) {
	c := &fakeChain{
		latest:   100,
		ids:      []uint64{4},
		disputes: map[uint64]market.Dispute{4: {Status: market.DisputeVotingInProgress, VotingEndTime: testNow.Add(-time.Hour)}},
	}
	set := processed.NewMemory()
	f := newFinalizer(c, set, nil, false)

	for i := 0; i < 2; i++ {
		report, err := f.Scan(context.Background(), market.TokenBNB)
		require.NoError(t, err)
		require.Len(t, report.Items, 1)
		assert.Equal(t, StatusVotingOpen, report.Items[0].Status)
	}
	assert.Equal(t, 0, set.Len(), "投票中的争议不应标记为已处理")
	assert.Empty(t, c.finalized)

	c.disputes[4] = market.Dispute{Status: market.DisputeRejectedByAuthority}
	report, err := f.Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)
	assert.Equal(t, StatusNotActive, report.Items[0].Status)
	assert.Equal(t, 1, set.Len())
}

func TestPerDisputeErrorsDoNotBlock(t *testing.T) {
	c := &fakeChain{
		latest: 100,
		ids:    []uint64{1, 2, 3},
		disputes: map[uint64]market.Dispute{
			2: {Status: market.DisputeActive, VotingEndTime: testNow.Add(-time.Hour)},
			3: {Status: market.DisputeActive, VotingEndTime: testNow.Add(-time.Hour)},
		},
		infoErr:     map[uint64]error{1: errors.New("rpc timeout")},
		finalizeErr: map[uint64]error{2: errors.New("nonce too low")},
	}
	report, err := newFinalizer(c, nil, nil, false).Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)

	require.Len(t, report.Items, 3)
	assert.Equal(t, "BNB-1: Error - rpc timeout", report.Items[0].String())
	assert.Equal(t, StatusError, report.Items[1].Status)
	assert.Equal(t, StatusFinalized, report.Items[2].Status)
	assert.Equal(t, []uint64{2, 3}, c.finalized)
}

func TestDryRunDoesNotFinalize(t *testing.T) {
	c := &fakeChain{
		latest:   100,
		ids:      []uint64{1},
		disputes: map[uint64]market.Dispute{1: {Status: market.DisputeActive, VotingEndTime: testNow.Add(-time.Hour)}},
	}
	rec := &memRecorder{}
	report, err := newFinalizer(c, nil, rec, true).Scan(context.Background(), market.TokenBNB)
	require.NoError(t, err)

	assert.Equal(t, StatusDryRun, report.Items[0].Status)
	assert.Empty(t, c.finalized)
	require.Len(t, rec.attempts, 1)
	assert.Equal(t, storage.ResultDryRun, rec.attempts[0].Result)
}

func TestScanUnknownToken(t *testing.T) {
	_, err := newFinalizer(&fakeChain{}, nil, nil, false).Scan(context.Background(), market.TokenPDX)
	assert.Error(t, err)
}

func TestFormatWei(t *testing.T) {
	assert.Equal(t, "0", FormatWei(nil).String())
	assert.Equal(t, "0.01", FormatWei(ether("10000000000000000")).String())
	assert.Equal(t, "12.345", FormatWei(ether("12345000000000000000")).String())
}
