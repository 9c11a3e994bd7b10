package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Attempt kinds.
const (
	KindMarket  = "market"
	KindDispute = "dispute"
)

// Attempt results.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
	ResultDryRun   = "dry_run"
)

// Attempt is one on-chain write (or dry-run decision) made by the resolver.
type Attempt struct {
	ID           int64
	CycleID      string
	Kind         string
	Token        string
	ItemID       int64
	Action       string
	Result       string
	TxHash       *string
	Outcome      *int16
	Confidence   *decimal.Decimal
	OracleSource *string
	Detail       *string
	CreatedAt    time.Time
}

type cycleIDKey struct{}

// WithCycleID tags ctx with the id of the running cycle so recorded attempts
// can be grouped.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

// CycleIDFrom returns the cycle id carried by ctx, or "".
func CycleIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}

// StringPtr returns nil for empty strings.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
