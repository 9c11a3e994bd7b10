package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrNoEndpoints indicates the pool was built without any RPC URL.
	ErrNoEndpoints = errors.New("chain: no rpc endpoints configured")
	// ErrMissingKey indicates no signing credential was configured.
	ErrMissingKey = errors.New("chain: signing key not configured")
	// ErrReverted is returned when a mined transaction has status 0.
	ErrReverted = errors.New("transaction reverted")

	ErrAlreadyRequested = errors.New("resolution already requested")
	ErrAlreadyResolved  = errors.New("market already resolved")
	ErrDisputeNotActive = errors.New("dispute not active")
	ErrMarketNotFound   = errors.New("market does not exist")
)

// AllEndpointsFailedError is returned once every endpoint in the pool has been
// tried during a single logical call.
type AllEndpointsFailedError struct {
	Method   string
	Attempts int
	Errs     []error
}

func (e *AllEndpointsFailedError) Error() string {
	last := "unknown error"
	if n := len(e.Errs); n > 0 {
		last = e.Errs[n-1].Error()
	}
	return fmt.Sprintf("%s: all rpc endpoints failed after %d attempts (last: %s)", e.Method, e.Attempts, last)
}

func (e *AllEndpointsFailedError) Unwrap() []error {
	return e.Errs
}

type revertRule struct {
	sentinel error
	selector []byte
	phrases  []string
}

var revertRules = []revertRule{
	{ErrAlreadyRequested, errorSelector("AlreadyRequested()"), []string{"alreadyrequested", "already requested"}},
	{ErrAlreadyResolved, errorSelector("AlreadyResolved()"), []string{"alreadyresolved", "already resolved"}},
	{ErrDisputeNotActive, errorSelector("DisputeNotActive()"), []string{"disputenotactive", "dispute not active"}},
	{ErrMarketNotFound, errorSelector("MarketDoesNotExist()"), []string{"marketdoesnotexist", "market does not exist"}},
}

func errorSelector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// Classify maps a contract revert to one of the package sentinels so callers
// can use errors.Is instead of matching messages. Custom error selectors in the
// revert data win over message text. Unrecognised errors are returned as-is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, rule := range revertRules {
		if errors.Is(err, rule.sentinel) {
			return err
		}
	}

	data := revertData(err)
	if len(data) >= 4 {
		for _, rule := range revertRules {
			if bytes.Equal(data[:4], rule.selector) {
				return fmt.Errorf("%w: %w", rule.sentinel, err)
			}
		}
	}

	msg := strings.ToLower(err.Error())
	if reason, uerr := abi.UnpackRevert(data); uerr == nil {
		msg += " " + strings.ToLower(reason)
	}
	for _, rule := range revertRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(msg, phrase) {
				return fmt.Errorf("%w: %w", rule.sentinel, err)
			}
		}
	}
	return err
}

func revertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		if b, derr := hexutil.Decode(v); derr == nil {
			return b
		}
	case []byte:
		return v
	}
	return nil
}

var rateLimitPhrases = []string{"rate limit", "too many requests", "429", "limit exceeded", "request limit"}

// isRateLimited reports whether the endpoint asked us to slow down.
func isRateLimited(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32005, 429:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

var applicationPhrases = []string{
	"execution reverted",
	"revert",
	"nonce too low",
	"already known",
	"insufficient funds",
	"replacement transaction underpriced",
	"gas required exceeds allowance",
}

// isApplicationError reports whether a healthy endpoint answered with a
// deterministic JSON-RPC error. These are returned to the caller untouched and
// never count against the endpoint.
func isApplicationError(err error) bool {
	if isRateLimited(err) {
		return false
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.ErrorCode() == 3 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range applicationPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
