package contracts

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"market-resolver/internal/chain"
)

const (
	predictionMarketABIJSON = `[
		{"name":"nextMarketId","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"markets","type":"function","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
			{"name":"creator","type":"address"},
			{"name":"question","type":"string"},
			{"name":"category","type":"string"},
			{"name":"endTime","type":"uint256"},
			{"name":"status","type":"uint8"},
			{"name":"outcome","type":"uint8"},
			{"name":"yesToken","type":"address"},
			{"name":"noToken","type":"address"},
			{"name":"yesPool","type":"uint256"},
			{"name":"noPool","type":"uint256"},
			{"name":"lpTotalSupply","type":"uint256"},
			{"name":"totalBacking","type":"uint256"},
			{"name":"platformFees","type":"uint256"},
			{"name":"resolutionRequestedAt","type":"uint256"},
			{"name":"resolutionRequester","type":"address"},
			{"name":"resolutionReason","type":"string"},
			{"name":"resolutionConfidence","type":"uint256"}
		]},
		{"name":"requestResolution","type":"function","stateMutability":"nonpayable","inputs":[{"name":"marketId","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
		{"name":"resolveMarket","type":"function","stateMutability":"nonpayable","inputs":[{"name":"marketId","type":"uint256"},{"name":"outcome","type":"uint8"},{"name":"reason","type":"string"},{"name":"confidence","type":"uint256"}],"outputs":[]}
	]`

	disputeResolutionABIJSON = `[
		{"name":"getDisputeInfo","type":"function","stateMutability":"view","inputs":[{"name":"disputeId","type":"uint256"}],"outputs":[
			{"name":"marketContract","type":"address"},
			{"name":"marketId","type":"uint256"},
			{"name":"disputer","type":"address"},
			{"name":"reason","type":"string"},
			{"name":"disputeStake","type":"uint256"},
			{"name":"status","type":"uint8"},
			{"name":"outcome","type":"uint8"},
			{"name":"totalAcceptStake","type":"uint256"},
			{"name":"totalRejectStake","type":"uint256"},
			{"name":"votingEndTime","type":"uint256"}
		]},
		{"name":"finalizeDispute","type":"function","stateMutability":"nonpayable","inputs":[{"name":"disputeId","type":"uint256"}],"outputs":[]},
		{"name":"DisputeCreated","type":"event","anonymous":false,"inputs":[
			{"indexed":true,"name":"disputeId","type":"uint256"},
			{"indexed":true,"name":"marketContract","type":"address"},
			{"indexed":true,"name":"marketId","type":"uint256"},
			{"indexed":false,"name":"disputer","type":"address"},
			{"indexed":false,"name":"reason","type":"string"},
			{"indexed":false,"name":"stake","type":"uint256"}
		]},
		{"name":"DisputeResolved","type":"event","anonymous":false,"inputs":[
			{"indexed":true,"name":"disputeId","type":"uint256"},
			{"indexed":false,"name":"outcome","type":"uint8"},
			{"indexed":false,"name":"acceptStake","type":"uint256"},
			{"indexed":false,"name":"rejectStake","type":"uint256"}
		]}
	]`
)

var (
	marketABI  abi.ABI
	disputeABI abi.ABI
)

func init() {
	var err error
	marketABI, err = abi.JSON(strings.NewReader(predictionMarketABIJSON))
	if err != nil {
		panic("failed to parse prediction market ABI: " + err.Error())
	}
	disputeABI, err = abi.JSON(strings.NewReader(disputeResolutionABIJSON))
	if err != nil {
		panic("failed to parse dispute resolution ABI: " + err.Error())
	}
}

// ErrReadOnly is returned by write methods on a binding built without a transactor.
var ErrReadOnly = errors.New("contract binding is read-only")

// Backend is the read side of the chain client.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Transactor submits signed transactions and waits for their receipt.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

var (
	_ Backend    = (*chain.Client)(nil)
	_ Transactor = (*chain.Transactor)(nil)
)

func call(ctx context.Context, backend Backend, contract abi.ABI, address common.Address, method string, args ...interface{}) ([]byte, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	return backend.CallContract(ctx, ethereum.CallMsg{To: &address, Data: payload})
}

// resultLabel buckets a write error for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, chain.ErrAlreadyRequested), errors.Is(err, chain.ErrAlreadyResolved), errors.Is(err, chain.ErrDisputeNotActive):
		return "conflict"
	case errors.Is(err, chain.ErrReverted):
		return "reverted"
	default:
		return "error"
	}
}
