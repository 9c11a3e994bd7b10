package contracts

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"market-resolver/internal/chain"
	"market-resolver/internal/market"
	"market-resolver/internal/metrics"
)

// DisputeOutcomeAccepted is the DisputeResolved outcome value for an upheld dispute.
const DisputeOutcomeAccepted uint8 = 1

type disputeRecord struct {
	MarketContract   common.Address
	MarketId         *big.Int
	Disputer         common.Address
	Reason           string
	DisputeStake     *big.Int
	Status           uint8
	Outcome          uint8
	TotalAcceptStake *big.Int
	TotalRejectStake *big.Int
	VotingEndTime    *big.Int
}

// Resolution is the decoded DisputeResolved event of a finalize receipt.
// Found is false when the receipt carried no such event.
type Resolution struct {
	DisputeID   uint64
	TxHash      common.Hash
	Found       bool
	Outcome     uint8
	AcceptStake *big.Int
	RejectStake *big.Int
}

// Accepted reports whether the dispute was upheld.
func (r Resolution) Accepted() bool {
	return r.Outcome == DisputeOutcomeAccepted
}

// DisputeContract binds one dispute resolution deployment.
type DisputeContract struct {
	address common.Address
	token   market.TokenType
	backend Backend
	tx      Transactor
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewDisputeContract builds the binding. tx may be nil for read-only use.
func NewDisputeContract(address common.Address, token market.TokenType, backend Backend, tx Transactor, m *metrics.Metrics, logger zerolog.Logger) *DisputeContract {
	return &DisputeContract{
		address: address,
		token:   token,
		backend: backend,
		tx:      tx,
		metrics: m,
		logger:  logger.With().Str("component", "dispute_contract").Str("token", string(token)).Logger(),
	}
}

func (c *DisputeContract) Address() common.Address {
	return c.address
}

// LatestBlock returns the current block height.
func (c *DisputeContract) LatestBlock(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// DisputeCreatedIDs returns the ids of DisputeCreated events in [from, to],
// deduplicated and in log order.
func (c *DisputeContract) DisputeCreatedIDs(ctx context.Context, from, to uint64) ([]uint64, error) {
	event := disputeABI.Events["DisputeCreated"]
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter DisputeCreated: %w", err)
	}

	seen := make(map[uint64]struct{}, len(logs))
	ids := make([]uint64, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// DisputeInfo reads getDisputeInfo(id).
func (c *DisputeContract) DisputeInfo(ctx context.Context, id uint64) (market.Dispute, error) {
	res, err := call(ctx, c.backend, disputeABI, c.address, "getDisputeInfo", new(big.Int).SetUint64(id))
	if err != nil {
		return market.Dispute{}, err
	}

	var rec disputeRecord
	if err := disputeABI.UnpackIntoInterface(&rec, "getDisputeInfo", res); err != nil {
		return market.Dispute{}, fmt.Errorf("decode dispute %d: %w", id, err)
	}

	d := market.Dispute{
		ID:             id,
		Token:          c.token,
		Status:         market.DisputeStatus(rec.Status),
		MarketContract: rec.MarketContract,
		Disputer:       rec.Disputer,
		Reason:         rec.Reason,
	}
	if rec.MarketId != nil {
		d.MarketID = rec.MarketId.Uint64()
	}
	if rec.VotingEndTime != nil {
		d.VotingEndTime = time.Unix(rec.VotingEndTime.Int64(), 0).UTC()
	}
	return d, nil
}

// FinalizeDispute closes the voting window and decodes the resulting event.
func (c *DisputeContract) FinalizeDispute(ctx context.Context, id uint64) (Resolution, error) {
	res := Resolution{DisputeID: id}
	if c.tx == nil {
		return res, ErrReadOnly
	}
	payload, err := disputeABI.Pack("finalizeDispute", new(big.Int).SetUint64(id))
	if err != nil {
		return res, err
	}

	receipt, err := c.tx.Transact(ctx, c.address, payload)
	err = chain.Classify(err)
	c.metrics.Transaction("finalizeDispute", resultLabel(err))
	if err != nil {
		return res, fmt.Errorf("finalizeDispute: %w", err)
	}

	res.TxHash = receipt.TxHash
	if err := c.parseResolved(receipt, &res); err != nil {
		c.logger.Warn().Err(err).Uint64("dispute_id", id).Msg("failed to decode DisputeResolved")
	}
	return res, nil
}

func (c *DisputeContract) parseResolved(receipt *types.Receipt, res *Resolution) error {
	event := disputeABI.Events["DisputeResolved"]
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.address || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		values, err := disputeABI.Unpack("DisputeResolved", lg.Data)
		if err != nil {
			return err
		}
		if len(values) != 3 {
			return fmt.Errorf("unexpected DisputeResolved payload")
		}
		outcome, ok1 := values[0].(uint8)
		accept, ok2 := values[1].(*big.Int)
		reject, ok3 := values[2].(*big.Int)
		if !ok1 || !ok2 || !ok3 {
			return fmt.Errorf("unexpected DisputeResolved types")
		}
		res.Found = true
		res.Outcome = outcome
		res.AcceptStake = accept
		res.RejectStake = reject
		return nil
	}
	return nil
}
