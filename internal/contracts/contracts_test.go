package contracts

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-resolver/internal/chain"
	"market-resolver/internal/market"
)

type fakeBackend struct {
	responses map[string][]byte
	logs      []types.Log
	query     ethereum.FilterQuery
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if res, ok := f.responses[string(msg.Data[:4])]; ok {
		return res, nil
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 20000, nil }

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.query = q
	return f.logs, nil
}

type fakeTransactor struct {
	data    [][]byte
	err     error
	receipt *types.Receipt
}

func (f *fakeTransactor) Transact(_ context.Context, _ common.Address, data []byte) (*types.Receipt, error) {
	f.data = append(f.data, data)
	if f.err != nil {
		return nil, f.err
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

var (
	marketAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	disputeAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	creator     = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func packMarket(t *testing.T, creatorAddr common.Address, status uint8, endTime int64) []byte {
	t.Helper()
	zero := big.NewInt(0)
	out, err := marketABI.Methods["markets"].Outputs.Pack(
		creatorAddr, "Will BTC close above 100k?", "crypto", big.NewInt(endTime), status, uint8(0),
		common.Address{}, common.Address{}, zero, zero, zero, zero, zero, zero,
		common.Address{}, "", big.NewInt(85),
	)
	require.NoError(t, err)
	return out
}

func selector(a interface{ Pack(string, ...interface{}) ([]byte, error) }, method string, args ...interface{}) string {
	data, err := a.Pack(method, args...)
	if err != nil {
		panic(err)
	}
	return string(data[:4])
}

func TestMarketContractReadsMarket(t *testing.T) {
	count, err := marketABI.Methods["nextMarketId"].Outputs.Pack(big.NewInt(8))
	require.NoError(t, err)

	backend := &fakeBackend{responses: map[string][]byte{
		selector(marketABI, "nextMarketId"):           count,
		selector(marketABI, "markets", big.NewInt(0)): packMarket(t, creator, uint8(market.StatusOpen), 1000),
	}}
	c := NewMarketContract(marketAddr, market.TokenBNB, backend, nil, nil, zerolog.Nop())

	n, err := c.NextMarketID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)

	m, err := c.Market(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.ID)
	assert.Equal(t, market.TokenBNB, m.Token)
	assert.Equal(t, market.StatusOpen, m.Status)
	assert.Equal(t, time.Unix(1000, 0).UTC(), m.EndTime)
	assert.Equal(t, "crypto", m.Category)
	assert.Equal(t, uint8(85), m.ResolutionConfidence)
	assert.Equal(t, "BNB-7", m.Key())
}

func TestMarketContractEmptyRecordIsNotFound(t *testing.T) {
	backend := &fakeBackend{responses: map[string][]byte{
		selector(marketABI, "markets", big.NewInt(0)): packMarket(t, common.Address{}, 0, 0),
	}}
	c := NewMarketContract(marketAddr, market.TokenPDX, backend, nil, nil, zerolog.Nop())

	_, err := c.Market(context.Background(), 3)
	require.ErrorIs(t, err, chain.ErrMarketNotFound)
}

func TestMarketContractWrites(t *testing.T) {
	tx := &fakeTransactor{}
	c := NewMarketContract(marketAddr, market.TokenBNB, &fakeBackend{}, tx, nil, zerolog.Nop())

	_, err := c.RequestResolution(context.Background(), 7, "Market ended")
	require.NoError(t, err)
	_, err = c.ResolveMarket(context.Background(), 7, market.OutcomeYes, "BTC closed at 101k", 85)
	require.NoError(t, err)
	require.Len(t, tx.data, 2)

	args, err := marketABI.Methods["resolveMarket"].Inputs.Unpack(tx.data[1][4:])
	require.NoError(t, err)
	assert.Equal(t, uint64(7), args[0].(*big.Int).Uint64())
	assert.Equal(t, uint8(1), args[1].(uint8))
	assert.Equal(t, "BTC closed at 101k", args[2].(string))
	assert.Equal(t, uint64(85), args[3].(*big.Int).Uint64())

	_, err = c.ResolveMarket(context.Background(), 7, market.OutcomeUndecided, "", 85)
	require.Error(t, err)
	assert.Len(t, tx.data, 2)
}

func TestMarketContractClassifiesRevert(t *testing.T) {
	tx := &fakeTransactor{err: errors.New("estimate gas: execution reverted: AlreadyRequested")}
	c := NewMarketContract(marketAddr, market.TokenBNB, &fakeBackend{}, tx, nil, zerolog.Nop())

	_, err := c.RequestResolution(context.Background(), 7, "Market ended")
	require.ErrorIs(t, err, chain.ErrAlreadyRequested)
}

func TestReadOnlyBindingRefusesWrites(t *testing.T) {
	c := NewMarketContract(marketAddr, market.TokenBNB, &fakeBackend{}, nil, nil, zerolog.Nop())
	_, err := c.RequestResolution(context.Background(), 1, "x")
	require.ErrorIs(t, err, ErrReadOnly)

	d := NewDisputeContract(disputeAddr, market.TokenBNB, &fakeBackend{}, nil, nil, zerolog.Nop())
	_, err = d.FinalizeDispute(context.Background(), 1)
	require.ErrorIs(t, err, ErrReadOnly)
}

func idTopic(id int64) common.Hash {
	return common.BigToHash(big.NewInt(id))
}

func TestDisputeCreatedIDsDeduplicates(t *testing.T) {
	created := disputeABI.Events["DisputeCreated"].ID
	backend := &fakeBackend{logs: []types.Log{
		{Address: disputeAddr, Topics: []common.Hash{created, idTopic(4), {}, idTopic(7)}},
		{Address: disputeAddr, Topics: []common.Hash{created, idTopic(2), {}, idTopic(1)}},
		{Address: disputeAddr, Topics: []common.Hash{created, idTopic(4), {}, idTopic(7)}},
		{Address: disputeAddr, Topics: []common.Hash{created, idTopic(9)}, Removed: true},
	}}
	d := NewDisputeContract(disputeAddr, market.TokenBNB, backend, nil, nil, zerolog.Nop())

	ids, err := d.DisputeCreatedIDs(context.Background(), 10000, 20000)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 2}, ids)
	assert.Equal(t, uint64(10000), backend.query.FromBlock.Uint64())
	assert.Equal(t, []common.Address{disputeAddr}, backend.query.Addresses)
}

func TestDisputeInfoDecodes(t *testing.T) {
	zero := big.NewInt(0)
	info, err := disputeABI.Methods["getDisputeInfo"].Outputs.Pack(
		marketAddr, big.NewInt(7), creator, "wrong source", big.NewInt(1e18),
		uint8(market.DisputeActive), uint8(0), zero, zero, big.NewInt(5000),
	)
	require.NoError(t, err)
	backend := &fakeBackend{responses: map[string][]byte{
		selector(disputeABI, "getDisputeInfo", big.NewInt(0)): info,
	}}
	d := NewDisputeContract(disputeAddr, market.TokenPDX, backend, nil, nil, zerolog.Nop())

	got, err := d.DisputeInfo(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.ID)
	assert.Equal(t, market.DisputeActive, got.Status)
	assert.Equal(t, marketAddr, got.MarketContract)
	assert.Equal(t, uint64(7), got.MarketID)
	assert.Equal(t, time.Unix(5000, 0).UTC(), got.VotingEndTime)
	assert.Equal(t, "wrong source", got.Reason)
}

func TestFinalizeDisputeParsesResolvedEvent(t *testing.T) {
	resolved := disputeABI.Events["DisputeResolved"]
	data, err := resolved.Inputs.NonIndexed().Pack(uint8(1), big.NewInt(3e18), big.NewInt(1e18))
	require.NoError(t, err)

	tx := &fakeTransactor{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: common.HexToHash("0xabc"),
		Logs: []*types.Log{
			{Address: marketAddr, Topics: []common.Hash{resolved.ID}},
			{Address: disputeAddr, Topics: []common.Hash{resolved.ID, idTopic(4)}, Data: data},
		},
	}}
	d := NewDisputeContract(disputeAddr, market.TokenBNB, &fakeBackend{}, tx, nil, zerolog.Nop())

	res, err := d.FinalizeDispute(context.Background(), 4)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.Accepted())
	assert.Equal(t, "3000000000000000000", res.AcceptStake.String())
	assert.Equal(t, "1000000000000000000", res.RejectStake.String())
	assert.Equal(t, common.HexToHash("0xabc"), res.TxHash)
}

func TestFinalizeDisputeNotActive(t *testing.T) {
	tx := &fakeTransactor{err: errors.New("execution reverted: Dispute not active")}
	d := NewDisputeContract(disputeAddr, market.TokenBNB, &fakeBackend{}, tx, nil, zerolog.Nop())

	_, err := d.FinalizeDispute(context.Background(), 4)
	require.ErrorIs(t, err, chain.ErrDisputeNotActive)
}
