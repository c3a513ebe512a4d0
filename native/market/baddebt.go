package market

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

var ErrUnknownMarket = errors.New("market: unknown market")

// Settler is a market that can net its bad debt against its surplus.
type Settler interface {
	Address() common.Address
	SettleBadDebt(ctx context.Context, limit *uint256.Int) (*uint256.Int, error)
}

// BadDebtRegistry is the protocol-wide BadDebtSink. It tracks the shortfall
// reported by each market and drives settlement.
type BadDebtRegistry struct {
	mu        sync.Mutex
	shortfall map[common.Address]*uint256.Int
	total     uint256.Int
	markets   map[common.Address]Settler
}

// NewBadDebtRegistry returns an empty registry.
func NewBadDebtRegistry() *BadDebtRegistry {
	return &BadDebtRegistry{
		shortfall: make(map[common.Address]*uint256.Int),
		markets:   make(map[common.Address]Settler),
	}
}

// Register makes a market eligible for settlement.
func (r *BadDebtRegistry) Register(s Settler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets[s.Address()] = s
}

// OnBadDebt records a shortfall reported by market.
func (r *BadDebtRegistry) OnBadDebt(market common.Address, value *uint256.Int) {
	if value == nil || value.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := fixed.Clone(r.shortfall[market])
	cur.Add(cur, value)
	r.shortfall[market] = cur
	r.total.Add(&r.total, value)
}

// Shortfall returns the outstanding bad debt recorded for market.
func (r *BadDebtRegistry) Shortfall(market common.Address) *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fixed.Clone(r.shortfall[market])
}

// Total returns the outstanding bad debt across all markets.
func (r *BadDebtRegistry) Total() *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fixed.Clone(&r.total)
}

// SettleBadDebt asks each listed market to write off its recorded shortfall
// against its surplus and returns the total value settled. Markets settle
// independently: an error stops the loop but earlier settlements stand.
func (r *BadDebtRegistry) SettleBadDebt(ctx context.Context, markets []common.Address) (*uint256.Int, error) {
	settled := fixed.Zero()
	for _, addr := range markets {
		r.mu.Lock()
		s, ok := r.markets[addr]
		owed := fixed.Clone(r.shortfall[addr])
		r.mu.Unlock()
		if !ok {
			return settled, fmt.Errorf("%w: %s", ErrUnknownMarket, addr.Hex())
		}
		if owed.IsZero() {
			continue
		}
		done, err := s.SettleBadDebt(ctx, owed)
		if err != nil {
			return settled, fmt.Errorf("market %s: %w", addr.Hex(), err)
		}
		r.mu.Lock()
		cur := fixed.Clone(r.shortfall[addr])
		done = fixed.Min(done, cur)
		left := new(uint256.Int).Sub(cur, done)
		if left.IsZero() {
			delete(r.shortfall, addr)
		} else {
			r.shortfall[addr] = left
		}
		r.total.Sub(&r.total, done)
		r.mu.Unlock()
		settled.Add(settled, done)
	}
	return settled, nil
}
