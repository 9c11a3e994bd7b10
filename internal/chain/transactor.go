package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// TxBackend is the subset of node calls needed to sign and submit transactions.
type TxBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// TransactorOptions parameterise the signer.
type TransactorOptions struct {
	PrivateKey string
	// ChainID is queried from the node when nil or zero.
	ChainID             *big.Int
	GasPriceBumpPercent int64
	GasLimitBumpPercent int64
	ReceiptTimeout      time.Duration
	PollInterval        time.Duration
}

// Transactor signs legacy transactions with the resolver key, broadcasts them
// and waits for the receipt. Calls are serialised so nonces never collide.
type Transactor struct {
	backend TxBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	opts    TransactorOptions
	logger  zerolog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

// ParsePrivateKey accepts a hex key with or without 0x prefix.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingKey
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// NewTransactor builds a transactor. It fails when no usable key is configured.
func NewTransactor(backend TxBackend, opts TransactorOptions, logger zerolog.Logger) (*Transactor, error) {
	key, err := ParsePrivateKey(opts.PrivateKey)
	if err != nil {
		return nil, err
	}
	if opts.GasPriceBumpPercent <= 0 {
		opts.GasPriceBumpPercent = 10
	}
	if opts.GasLimitBumpPercent <= 0 {
		opts.GasLimitBumpPercent = 20
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}

	t := &Transactor{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		opts:    opts,
		logger:  logger.With().Str("component", "transactor").Logger(),
	}
	if opts.ChainID != nil && opts.ChainID.Sign() > 0 {
		t.chainID = new(big.Int).Set(opts.ChainID)
	}
	return t, nil
}

// Address is the signer account.
func (t *Transactor) Address() common.Address {
	return t.from
}

// Balance returns the signer's native balance in wei.
func (t *Transactor) Balance(ctx context.Context) (*big.Int, error) {
	return t.backend.BalanceAt(ctx, t.from)
}

// Transact sends data to the contract and returns the mined receipt. Reverts
// detected during gas estimation are classified and no transaction is sent.
func (t *Transactor) Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chainID, err := t.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}
	gasPrice = bump(gasPrice, t.opts.GasPriceBumpPercent)

	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     t.from,
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", Classify(err))
	}
	gas = gas * uint64(100+t.opts.GasLimitBumpPercent) / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := t.backend.SendRawTransaction(ctx, signed); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil, fmt.Errorf("send tx: %w", Classify(err))
		}
		t.logger.Debug().Str("tx", signed.Hash().Hex()).Msg("transaction already in mempool")
	}
	t.logger.Info().
		Str("tx", signed.Hash().Hex()).
		Str("to", to.Hex()).
		Uint64("nonce", nonce).
		Uint64("gas", gas).
		Msg("transaction sent")

	receipt, err := t.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, signed.Hash().Hex())
	}
	t.logger.Info().
		Str("tx", signed.Hash().Hex()).
		Uint64("gas_used", receipt.GasUsed).
		Msg("transaction confirmed")
	return receipt, nil
}

func (t *Transactor) resolveChainID(ctx context.Context) (*big.Int, error) {
	if t.chainID != nil {
		return t.chainID, nil
	}
	id, err := t.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	t.chainID = id
	return id, nil
}

func (t *Transactor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			t.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func bump(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(100+percent))
	return out.Div(out, big.NewInt(100))
}
