package contracts

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"market-resolver/internal/chain"
	"market-resolver/internal/market"
	"market-resolver/internal/metrics"
)

// marketRecord mirrors the markets(uint256) getter tuple.
type marketRecord struct {
	Creator               common.Address
	Question              string
	Category              string
	EndTime               *big.Int
	Status                uint8
	Outcome               uint8
	YesToken              common.Address
	NoToken               common.Address
	YesPool               *big.Int
	NoPool                *big.Int
	LpTotalSupply         *big.Int
	TotalBacking          *big.Int
	PlatformFees          *big.Int
	ResolutionRequestedAt *big.Int
	ResolutionRequester   common.Address
	ResolutionReason      string
	ResolutionConfidence  *big.Int
}

// MarketContract binds one prediction market deployment.
type MarketContract struct {
	address common.Address
	token   market.TokenType
	backend Backend
	tx      Transactor
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewMarketContract builds the binding. tx may be nil for read-only use.
func NewMarketContract(address common.Address, token market.TokenType, backend Backend, tx Transactor, m *metrics.Metrics, logger zerolog.Logger) *MarketContract {
	return &MarketContract{
		address: address,
		token:   token,
		backend: backend,
		tx:      tx,
		metrics: m,
		logger:  logger.With().Str("component", "market_contract").Str("token", string(token)).Logger(),
	}
}

// Address returns the contract address.
func (c *MarketContract) Address() common.Address {
	return c.address
}

// NextMarketID returns the number of markets created so far.
func (c *MarketContract) NextMarketID(ctx context.Context) (uint64, error) {
	res, err := call(ctx, c.backend, marketABI, c.address, "nextMarketId")
	if err != nil {
		return 0, err
	}
	out, err := marketABI.Unpack("nextMarketId", res)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("unexpected nextMarketId response")
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("failed to decode nextMarketId output")
	}
	return n.Uint64(), nil
}

// Market reads markets(id). An empty record (zero creator) is reported as
// chain.ErrMarketNotFound.
func (c *MarketContract) Market(ctx context.Context, id uint64) (market.Market, error) {
	res, err := call(ctx, c.backend, marketABI, c.address, "markets", new(big.Int).SetUint64(id))
	if err != nil {
		return market.Market{}, err
	}

	var rec marketRecord
	if err := marketABI.UnpackIntoInterface(&rec, "markets", res); err != nil {
		return market.Market{}, fmt.Errorf("decode market %d: %w", id, err)
	}
	if rec.Creator == (common.Address{}) {
		return market.Market{}, fmt.Errorf("market %d: %w", id, chain.ErrMarketNotFound)
	}

	m := market.Market{
		ID:       id,
		Token:    c.token,
		Status:   market.Status(rec.Status),
		Outcome:  market.Outcome(rec.Outcome),
		Question: rec.Question,
		Category: rec.Category,
	}
	if rec.EndTime != nil {
		m.EndTime = time.Unix(rec.EndTime.Int64(), 0).UTC()
	}
	if rec.ResolutionConfidence != nil && rec.ResolutionConfidence.IsUint64() {
		if v := rec.ResolutionConfidence.Uint64(); v <= 100 {
			m.ResolutionConfidence = uint8(v)
		}
	}
	return m, nil
}

// RequestResolution moves an ended market to ResolutionRequested.
func (c *MarketContract) RequestResolution(ctx context.Context, id uint64, reason string) (*types.Receipt, error) {
	return c.transact(ctx, "requestResolution", new(big.Int).SetUint64(id), reason)
}

// ResolveMarket sets the final outcome.
func (c *MarketContract) ResolveMarket(ctx context.Context, id uint64, outcome market.Outcome, reason string, confidence uint8) (*types.Receipt, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("invalid outcome %s", outcome)
	}
	return c.transact(ctx, "resolveMarket", new(big.Int).SetUint64(id), uint8(outcome), reason, big.NewInt(int64(confidence)))
}

func (c *MarketContract) transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	if c.tx == nil {
		return nil, ErrReadOnly
	}
	payload, err := marketABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("method", method).Msg("submitting transaction")
	receipt, err := c.tx.Transact(ctx, c.address, payload)
	err = chain.Classify(err)
	c.metrics.Transaction(method, resultLabel(err))
	if err != nil {
		return receipt, fmt.Errorf("%s: %w", method, err)
	}
	return receipt, nil
}

var _ market.Reader = (*MarketContract)(nil)
