// Package processed tracks markets and disputes the resolver has already
// settled so it does not spend gas re-estimating transactions the contract
// would reject. Losing the set is always safe: the contract rejects duplicates.
package processed

import (
	"context"
	"fmt"
	"sync"

	"market-resolver/internal/market"
)

// Kind separates market and dispute ids, which live in different id spaces.
type Kind string

const (
	KindMarket  Kind = "market"
	KindDispute Kind = "dispute"
)

// Key identifies one settled item.
type Key struct {
	Kind  Kind
	Token market.TokenType
	ID    uint64
}

func MarketKey(token market.TokenType, id uint64) Key {
	return Key{Kind: KindMarket, Token: token, ID: id}
}

func DisputeKey(token market.TokenType, id uint64) Key {
	return Key{Kind: KindDispute, Token: token, ID: id}
}

// String renders "market:BNB-7".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, market.Label(k.Token, k.ID))
}

// Set is the idempotency marker store.
type Set interface {
	Has(ctx context.Context, key Key) (bool, error)
	Add(ctx context.Context, key Key) error
}

// Memory is a process-lifetime Set.
type Memory struct {
	mu   sync.Mutex
	keys map[Key]struct{}
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[Key]struct{})}
}

func (m *Memory) Has(_ context.Context, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *Memory) Add(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = struct{}{}
	return nil
}

// Len returns the number of marked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

var _ Set = (*Memory)(nil)
