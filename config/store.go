package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
)

type marketParams struct {
	collateralFactor uint64
	penalty          uint64
	treasuryBps      uint64
	minDebt          *uint256.Int
	rate             fixed.Wad
	userFactors      map[common.Address]uint64
}

// MarketBinding is the parsed wiring of one market.
type MarketBinding struct {
	Address    common.Address
	Collateral common.Address
	Debt       common.Address
	Oracle     string
}

// Store serves parsed risk parameters to the engines. It satisfies the debt
// market's RiskConfig and the engines' pause view, and can be swapped for a
// new document at runtime.
type Store struct {
	mu       sync.RWMutex
	treasury common.Address
	pauses   Pauses
	quota    nativecommon.Quota
	markets  map[common.Address]marketParams
	bindings []MarketBinding
}

// NewStore validates r and builds a store from it.
func NewStore(r Risk) (*Store, error) {
	s := &Store{}
	if err := s.Apply(r); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply replaces the served parameters with r. A document that fails
// validation leaves the store untouched.
func (s *Store) Apply(r Risk) error {
	if err := ValidateRisk(r); err != nil {
		return err
	}
	var treasury common.Address
	if strings.TrimSpace(r.Treasury) != "" {
		treasury = common.HexToAddress(strings.TrimSpace(r.Treasury))
	}
	volume, err := parseAmount(r.Quota.MaxVolumePerEpoch)
	if err != nil {
		return err
	}
	quota := nativecommon.Quota{
		MaxRequestsPerEpoch: r.Quota.MaxRequestsPerEpoch,
		MaxVolumePerEpoch:   *volume,
		EpochSeconds:        r.Quota.EpochSeconds,
	}
	markets := make(map[common.Address]marketParams, len(r.Markets))
	bindings := make([]MarketBinding, 0, len(r.Markets))
	for _, m := range r.Markets {
		addr := common.HexToAddress(strings.TrimSpace(m.Address))
		minDebt, err := parseAmount(m.MinDebtSize)
		if err != nil {
			return err
		}
		rate, err := parseRate(m.InterestPerSecond)
		if err != nil {
			return err
		}
		users := make(map[common.Address]uint64, len(m.UserFactors))
		for user, factor := range m.UserFactors {
			users[common.HexToAddress(strings.TrimSpace(user))] = factor
		}
		markets[addr] = marketParams{
			collateralFactor: m.CollateralFactor,
			penalty:          m.LiquidationPenalty,
			treasuryBps:      m.LiquidationTreasuryBps,
			minDebt:          minDebt,
			rate:             rate,
			userFactors:      users,
		}
		bindings = append(bindings, MarketBinding{
			Address:    addr,
			Collateral: common.HexToAddress(strings.TrimSpace(m.Collateral)),
			Debt:       common.HexToAddress(strings.TrimSpace(m.Debt)),
			Oracle:     strings.TrimSpace(m.Oracle),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.treasury = treasury
	s.pauses = r.Pauses
	s.quota = quota
	s.markets = markets
	s.bindings = bindings
	return nil
}

func (s *Store) params(m common.Address) marketParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets[m]
}

// Markets returns the configured market wiring in document order.
func (s *Store) Markets() []MarketBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MarketBinding(nil), s.bindings...)
}

// Quota returns the per-caller service quota.
func (s *Store) Quota() nativecommon.Quota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota
}

// CollateralFactor returns user's override when one is configured and the
// market default otherwise. Unknown markets lend nothing.
func (s *Store) CollateralFactor(m, user common.Address) uint64 {
	p := s.params(m)
	if f, ok := p.userFactors[user]; ok {
		return f
	}
	return p.collateralFactor
}

func (s *Store) LiquidationPenalty(m common.Address) uint64 { return s.params(m).penalty }

func (s *Store) LiquidationTreasuryBps(m common.Address) uint64 { return s.params(m).treasuryBps }

func (s *Store) MinDebtSize(m common.Address) *uint256.Int {
	return fixed.Clone(s.params(m).minDebt)
}

func (s *Store) InterestPerSecond(m common.Address) fixed.Wad { return s.params(m).rate }

func (s *Store) Treasury() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.treasury
}

// IsPaused implements the engines' pause view.
func (s *Store) IsPaused(module string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch strings.ToLower(strings.TrimSpace(module)) {
	case "vault":
		return s.pauses.Vault
	case "market":
		return s.pauses.Market
	case "strategy":
		return s.pauses.Strategy
	default:
		return false
	}
}

// String summarises the store for startup logs.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("risk(markets=%d treasury=%s)", len(s.markets), s.treasury.Hex())
}
