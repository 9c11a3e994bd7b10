package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"market-resolver/internal/alerting"
	"market-resolver/internal/chain"
	"market-resolver/internal/config"
	"market-resolver/internal/contracts"
	"market-resolver/internal/dispute"
	"market-resolver/internal/market"
	"market-resolver/internal/metrics"
	"market-resolver/internal/oracle"
	"market-resolver/internal/processed"
	"market-resolver/internal/resolver"
	"market-resolver/internal/scheduler"
	"market-resolver/internal/server"
	"market-resolver/internal/service"
	"market-resolver/internal/storage"
)

// ErrLowBalance is returned at startup when the signer cannot pay for gas.
var ErrLowBalance = errors.New("signer balance below minimum")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components is everything one resolver process wires together.
type components struct {
	metrics   *metrics.Metrics
	client    *chain.Client
	tx        *chain.Transactor
	markets   map[market.TokenType]*contracts.MarketContract
	disputes  map[market.TokenType]*contracts.DisputeContract
	oracle    *oracle.Client
	processed processed.Set
	store     *storage.Store
	notifier  alerting.Notifier
	closers   []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// build wires the chain, contracts and oracle. A signer is only created when
// withSigner is set; read-only commands run without a key.
func (a *App) build(ctx context.Context, withSigner bool) (*components, error) {
	cfg := a.Config
	c := &components{
		metrics:  metrics.New(),
		markets:  make(map[market.TokenType]*contracts.MarketContract),
		disputes: make(map[market.TokenType]*contracts.DisputeContract),
	}

	client, err := chain.NewClient(chain.Options{
		URLs:               cfg.Chain.RPCURLs,
		FailureThreshold:   cfg.Chain.FailureThreshold,
		MinRequestInterval: cfg.Chain.MinRequestInterval,
		BackoffInitial:     cfg.Chain.BackoffInitial,
		BackoffMax:         cfg.Chain.BackoffMax,
		RequestTimeout:     cfg.Chain.RequestTimeout,
	}, c.metrics, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("create rpc client: %w", err)
	}
	c.client = client
	c.closers = append(c.closers, client.Close)

	var tx contracts.Transactor
	if withSigner {
		signer, err := chain.NewTransactor(client, chain.TransactorOptions{
			PrivateKey:          cfg.Signer.PrivateKey,
			ChainID:             big.NewInt(cfg.Chain.ChainID),
			GasPriceBumpPercent: cfg.Signer.GasPriceBumpPercent,
			GasLimitBumpPercent: cfg.Signer.GasLimitBumpPercent,
			ReceiptTimeout:      cfg.Signer.ReceiptTimeout,
			PollInterval:        cfg.Signer.PollInterval,
		}, a.Logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("signer: %w", err)
		}
		c.tx = signer
		tx = signer
	}

	for _, token := range market.Tokens {
		set := cfg.Contracts.For(token)
		if set.Market != "" {
			c.markets[token] = contracts.NewMarketContract(common.HexToAddress(set.Market), token, client, tx, c.metrics, a.Logger)
		}
		if set.Dispute != "" {
			c.disputes[token] = contracts.NewDisputeContract(common.HexToAddress(set.Dispute), token, client, tx, c.metrics, a.Logger)
		}
	}

	c.oracle = oracle.NewClient(a.oracleOptions(), c.metrics, a.Logger)

	set, err := a.openProcessed(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.processed = set
	if r, ok := set.(*processed.Redis); ok {
		c.closers = append(c.closers, func() { _ = r.Close() })
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; attempt log and advisory lock disabled")
	} else {
		c.store = store
		c.closers = append(c.closers, closeStore)
	}

	c.notifier = a.newNotifier()
	return c, nil
}

func (a *App) openProcessed(ctx context.Context) (processed.Set, error) {
	cfg := a.Config.Processed
	if !strings.EqualFold(cfg.Backend, "redis") {
		return processed.NewMemory(), nil
	}
	set, err := processed.DialRedis(ctx, processed.RedisOptions{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Prefix:     cfg.Redis.Prefix,
		TTL:        cfg.Redis.TTL,
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Str("addr", cfg.Redis.Addr).Msg("processed markers shared via redis")
	return set, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newService assembles the cycle service from wired components.
func (a *App) newService(c *components) *service.Service {
	cfg := a.Config

	readers := make(map[market.TokenType]market.Reader, len(c.markets))
	writers := make(map[market.TokenType]resolver.MarketWriter, len(c.markets))
	tokens := make([]market.TokenType, 0, len(c.markets))
	for _, token := range market.Tokens {
		if mc, ok := c.markets[token]; ok {
			readers[token] = mc
			writers[token] = mc
			tokens = append(tokens, token)
		}
	}
	chains := make(map[market.TokenType]dispute.Chain, len(c.disputes))
	disputeTokens := make([]market.TokenType, 0, len(c.disputes))
	for _, token := range market.Tokens {
		if dc, ok := c.disputes[token]; ok && cfg.Scheduler.DisputesEnabled {
			chains[token] = dc
			disputeTokens = append(disputeTokens, token)
		}
	}

	var recorder resolver.Recorder
	var store storage.AttemptStore
	if c.store != nil {
		recorder = c.store
		store = c.store
	}

	scanner := market.NewScanner(readers, market.ScannerOptions{}, a.Logger)
	orchestrator := resolver.New(writers, c.oracle, c.processed, recorder, resolver.Options{
		RequestReason:   cfg.Resolver.RequestReason,
		MaxReasonLength: cfg.Resolver.MaxReasonLength,
		DryRun:          cfg.App.DryRun,
	}, c.metrics, a.Logger)

	deps := service.Deps{
		Scanner:   scanner,
		Processor: orchestrator,
		Store:     store,
		Notifier:  c.notifier,
		Metrics:   c.metrics,
	}
	if len(chains) > 0 {
		var disputeRecorder dispute.Recorder
		if c.store != nil {
			disputeRecorder = c.store
		}
		deps.Disputes = dispute.NewFinalizer(chains, c.processed, disputeRecorder, dispute.Options{
			LookbackBlocks: cfg.Resolver.DisputeLookbackBlocks,
			DryRun:         cfg.App.DryRun,
		}, c.metrics, a.Logger)
	}

	return service.New(service.Options{
		Tokens:        tokens,
		DisputeTokens: disputeTokens,
		LockKey:       cfg.Scheduler.AdvisoryLockKey,
		DryRun:        cfg.App.DryRun,
		Retention:     cfg.Database.Retention,
	}, deps, a.Logger)
}

// checkSigner verifies the signer can pay for gas. Any failure is fatal at startup.
func (a *App) checkSigner(ctx context.Context, c *components) error {
	if c.tx == nil {
		return chain.ErrMissingKey
	}
	balance, err := c.tx.Balance(ctx)
	if err != nil {
		return fmt.Errorf("read signer balance: %w", err)
	}
	return checkBalance(a.Logger, c.tx.Address(), balance, a.Config.Signer.MinBalance)
}

func checkBalance(logger zerolog.Logger, addr common.Address, wei *big.Int, min float64) error {
	balance := dispute.FormatWei(wei)
	minimum := decimal.NewFromFloat(min)
	logger.Info().
		Str("address", addr.Hex()).
		Str("balance", balance.String()).
		Str("min_balance", minimum.String()).
		Msg("signer ready")
	if balance.LessThan(minimum) {
		return fmt.Errorf("%w: %s < %s", ErrLowBalance, balance.String(), minimum.String())
	}
	return nil
}

// Run executes the long-running resolver service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := a.checkSigner(ctx, c); err != nil {
		return err
	}
	if a.Config.App.DryRun {
		a.Logger.Warn().Msg("dry run enabled; no transactions will be sent")
	}

	svc := a.newService(c)
	marketSched := scheduler.New(scheduler.Options{
		Name:           "markets",
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToInterval,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)
	disputeSched := scheduler.New(scheduler.Options{
		Name:           "disputes",
		Interval:       a.Config.Scheduler.DisputeInterval,
		AlignToStart:   a.Config.Scheduler.AlignToInterval,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, marketSched, disputeSched)
	})
	if a.Config.Server.Enabled {
		srv := server.New(server.Options{
			Addr:          a.Config.Server.Addr,
			TriggerSecret: a.Config.Server.TriggerSecret,
			ReadTimeout:   a.Config.Server.ReadTimeout,
			WriteTimeout:  a.Config.Server.WriteTimeout,
		}, svc, c.metrics.Handler(), a.Logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	a.Logger.Info().Strs("rpc", redactAll(a.Config.Chain.RPCURLs)).Msg("starting resolver service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("resolver service stopped")
	return nil
}

func redactAll(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, chain.RedactURL(u))
	}
	return out
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ScanOptions configure a one-shot cycle.
type ScanOptions struct {
	MarketsOnly  bool
	DisputesOnly bool
}
