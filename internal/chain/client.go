package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-resolver/internal/metrics"
)

// Conn is a JSON-RPC connection to a single endpoint. *rpc.Client satisfies it.
type Conn interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// DialFunc opens a connection to one endpoint URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Options parameterise the failover client.
type Options struct {
	URLs               []string
	FailureThreshold   int
	MinRequestInterval time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	RequestTimeout     time.Duration

	// Dial and Sleep are replaced in tests.
	Dial  DialFunc
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client sends JSON-RPC requests through the endpoint pool with pacing,
// exponential backoff and failover.
type Client struct {
	opts    Options
	pool    *Pool
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *metrics.Metrics

	connMu sync.Mutex
	conns  map[string]Conn
}

// NewClient builds a client over the configured URLs.
func NewClient(opts Options, m *metrics.Metrics, logger zerolog.Logger) (*Client, error) {
	pool, err := NewPool(opts.URLs, opts.FailureThreshold, logger)
	if err != nil {
		return nil, err
	}
	if opts.MinRequestInterval <= 0 {
		opts.MinRequestInterval = 100 * time.Millisecond
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = dialRPC
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Client{
		opts:    opts,
		pool:    pool,
		limiter: rate.NewLimiter(rate.Every(opts.MinRequestInterval), 1),
		logger:  logger.With().Str("component", "rpc_client").Logger(),
		metrics: m,
		conns:   make(map[string]Conn),
	}, nil
}

// Pool exposes the endpoint pool for inspection.
func (c *Client) Pool() *Pool {
	return c.pool
}

// Send performs one logical JSON-RPC call. Transport failures are retried with
// backoff on the current endpoint until the pool rotates; once every endpoint
// has been tried the call fails with *AllEndpointsFailedError. Errors returned
// by a healthy node (reverts, nonce errors) are returned immediately.
func (c *Client) Send(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	bo := c.newBackOff()
	tried := make(map[int]struct{}, c.pool.Len())
	var errs []error

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}

		idx, url := c.pool.Current()
		tried[idx] = struct{}{}
		label := strconv.Itoa(idx)

		err := c.call(ctx, url, result, method, params...)
		if err == nil {
			c.pool.RecordSuccess(idx)
			c.metrics.RPCRequest(label, "ok")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", method, ctxErr)
		}
		if isApplicationError(err) {
			c.pool.RecordSuccess(idx)
			c.metrics.RPCRequest(label, "app_error")
			return err
		}

		rateLimited := isRateLimited(err)
		if rateLimited {
			c.metrics.RPCRequest(label, "rate_limited")
		} else {
			c.metrics.RPCRequest(label, "error")
		}
		errs = append(errs, fmt.Errorf("endpoint %d: %w", idx, err))
		c.logger.Warn().
			Err(err).
			Str("method", method).
			Int("endpoint", idx).
			Str("host", RedactURL(url)).
			Int("attempt", attempt).
			Msg("rpc request failed")

		if c.pool.RecordFailure(idx, rateLimited) {
			c.metrics.RPCRotation()
			c.dropConn(url)
			if len(tried) >= c.pool.Len() {
				return &AllEndpointsFailedError{Method: method, Attempts: attempt, Errs: errs}
			}
		}

		if err := c.opts.Sleep(ctx, bo.NextBackOff()); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}
}

// Close releases every cached connection.
func (c *Client) Close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	for url, conn := range c.conns {
		conn.Close()
		delete(c.conns, url)
	}
}

func (c *Client) call(ctx context.Context, url string, result interface{}, method string, params ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	conn, err := c.conn(ctx, url)
	if err != nil {
		return err
	}
	return conn.CallContext(ctx, result, method, params...)
}

func (c *Client) conn(ctx context.Context, url string) (Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if conn, ok := c.conns[url]; ok {
		return conn, nil
	}
	conn, err := c.opts.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.conns[url] = conn
	return conn, nil
}

func (c *Client) dropConn(url string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if conn, ok := c.conns[url]; ok {
		conn.Close()
		delete(c.conns, url)
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func dialRPC(ctx context.Context, url string) (Conn, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsEndpointExhaustion reports whether err came from a call that ran out of endpoints.
func IsEndpointExhaustion(err error) bool {
	var target *AllEndpointsFailedError
	return errors.As(err, &target)
}
