package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-resolver/internal/metrics"
)

const (
	opValidate = "validateMarket"
	opResolve  = "resolveMarket"
	opDispute  = "disputeMarket"
)

// Options parameterise the oracle client.
type Options struct {
	PrimaryURL      string
	FallbackURL     string
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	UserAgent       string
}

// Client calls the oracle service, trying the primary host first and the
// fallback host on any failure. Methods always return an answer; when both
// hosts fail the answer is unsuccessful and Meta.Err names both errors.
type Client struct {
	opts     Options
	primary  *http.Client
	fallback *http.Client
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewClient constructs an oracle client.
func NewClient(opts Options, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = 10 * time.Second
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 8 * time.Second
	}
	opts.PrimaryURL = strings.TrimRight(strings.TrimSpace(opts.PrimaryURL), "/")
	opts.FallbackURL = strings.TrimRight(strings.TrimSpace(opts.FallbackURL), "/")

	return &Client{
		opts:     opts,
		primary:  &http.Client{Timeout: opts.PrimaryTimeout},
		fallback: &http.Client{Timeout: opts.FallbackTimeout},
		logger:   logger.With().Str("component", "oracle_client").Logger(),
		metrics:  m,
	}
}

// Resolve asks the oracle for the outcome of an ended market.
func (c *Client) Resolve(ctx context.Context, question string, endTime time.Time, marketID uint64) ResolveAnswer {
	var answer ResolveAnswer
	meta := c.post(ctx, opResolve, resolveRequest{
		Question: question,
		EndTime:  endTime.Unix(),
		MarketID: marketID,
	}, decodeInto(&answer))
	if meta.Err != nil {
		answer = ResolveAnswer{Reason: meta.Err.Error(), APIError: true}
	}
	answer.Meta = meta
	return answer
}

// Validate checks a question before market creation.
func (c *Client) Validate(ctx context.Context, question string, endTime time.Time, initialYes, initialNo string) ValidationAnswer {
	var answer ValidationAnswer
	meta := c.post(ctx, opValidate, validateRequest{
		Question:   question,
		EndTime:    endTime.Unix(),
		InitialYes: initialYes,
		InitialNo:  initialNo,
	}, decodeInto(&answer))
	if meta.Err != nil {
		answer = ValidationAnswer{Reason: meta.Err.Error(), APIError: true}
	}
	answer.Meta = meta
	return answer
}

// Dispute asks the oracle to adjudicate a dispute against a resolution.
func (c *Client) Dispute(ctx context.Context, req DisputeRequest) DisputeAnswer {
	var answer DisputeAnswer
	meta := c.post(ctx, opDispute, disputeRequest{
		Question:          req.Question,
		DisputeReason:     req.Reason,
		CurrentResolution: req.CurrentResolution,
		CurrentOutcome:    uint8(req.CurrentOutcome),
		EndTime:           req.EndTime,
		MarketID:          req.MarketID,
	}, decodeInto(&answer))
	if meta.Err != nil {
		answer = DisputeAnswer{Reason: meta.Err.Error(), Recommendation: "review", APIError: true}
	}
	answer.Meta = meta
	return answer
}

func (c *Client) post(ctx context.Context, op string, body interface{}, decode func([]byte) error) Meta {
	payload, err := json.Marshal(body)
	if err != nil {
		return Meta{Err: fmt.Errorf("encode %s request: %w", op, err)}
	}

	primaryErr := errors.New("not configured")
	if c.opts.PrimaryURL != "" {
		primaryErr = c.try(ctx, c.primary, BackendPrimary, op, c.opts.PrimaryURL, payload, decode)
		if primaryErr == nil {
			return Meta{Source: BackendPrimary}
		}
		c.logger.Warn().Err(primaryErr).Str("operation", op).Msg("primary oracle failed, falling back")
	}

	fallbackErr := errors.New("not configured")
	if c.opts.FallbackURL != "" {
		fallbackErr = c.try(ctx, c.fallback, BackendFallback, op, c.opts.FallbackURL, payload, decode)
		if fallbackErr == nil {
			return Meta{Source: BackendFallback, FallbackUsed: true}
		}
	}

	c.logger.Error().
		Str("operation", op).
		AnErr("primary_error", primaryErr).
		AnErr("fallback_error", fallbackErr).
		Msg("both oracle backends failed")
	return Meta{
		Source:       BackendFallback,
		FallbackUsed: true,
		Err:          fmt.Errorf("primary and fallback oracle backends failed. primary: %v, fallback: %v", primaryErr, fallbackErr),
	}
}

// decodeInto returns a decoder that unmarshals each body into a fresh value
// and only assigns dst when the whole body decoded. A partially decoded
// primary reply never leaks fields into the fallback answer.
func decodeInto[T any](dst *T) func([]byte) error {
	return func(raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func (c *Client) try(ctx context.Context, client *http.Client, backend Backend, op, baseURL string, payload []byte, decode func([]byte) error) error {
	raw, err := c.do(ctx, client, baseURL+"/api/"+op, payload)
	if err == nil {
		err = decode(raw)
		if err != nil {
			err = fmt.Errorf("decode response: %w", err)
		}
	}
	if err != nil {
		c.metrics.OracleRequest(op, string(backend), "error")
		return err
	}
	c.metrics.OracleRequest(op, string(backend), "ok")
	return nil
}

func (c *Client) do(ctx context.Context, client *http.Client, endpoint string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "market-resolver/1.0")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

type errorResponse struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("oracle api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Reason != "" {
			return fmt.Errorf("oracle api error (%d): %s", status, apiErr.Reason)
		}
	}
	if len(payload) > 0 && len(payload) < 512 {
		return fmt.Errorf("oracle api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("oracle api error (%d)", status)
}
