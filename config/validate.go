package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
	"cdpledger/native/market"
)

var (
	// MaxLiquidationPenalty bounds the seize multiplier at 150%.
	MaxLiquidationPenalty = uint64(150_000)
	// MaxInterestPerSecond bounds the rate at roughly 3,000% a year.
	MaxInterestPerSecond = "0.000001"
)

func ValidateRisk(r Risk) error {
	if r.Treasury != "" {
		if _, err := parseAddress(r.Treasury); err != nil {
			return fmt.Errorf("treasury: %w", err)
		}
	}
	if r.Quota.EpochSeconds == 0 && r.Quota.MaxRequestsPerEpoch > 0 {
		return fmt.Errorf("quota: epoch_seconds must be set with max_requests_per_epoch")
	}
	if _, err := parseAmount(r.Quota.MaxVolumePerEpoch); err != nil {
		return fmt.Errorf("quota: max_volume_per_epoch: %w", err)
	}
	maxRate, err := fixed.ParseWad(MaxInterestPerSecond)
	if err != nil {
		return err
	}
	seen := make(map[common.Address]struct{}, len(r.Markets))
	for i, m := range r.Markets {
		addr, err := parseAddress(m.Address)
		if err != nil {
			return fmt.Errorf("market[%d]: address: %w", i, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("market[%d]: duplicate address %s", i, addr.Hex())
		}
		seen[addr] = struct{}{}
		coll, err := parseAddress(m.Collateral)
		if err != nil {
			return fmt.Errorf("market[%d]: collateral: %w", i, err)
		}
		debt, err := parseAddress(m.Debt)
		if err != nil {
			return fmt.Errorf("market[%d]: debt: %w", i, err)
		}
		if coll == debt {
			return fmt.Errorf("market[%d]: collateral and debt token must differ", i)
		}
		if strings.TrimSpace(m.Oracle) == "" {
			return fmt.Errorf("market[%d]: oracle key required", i)
		}
		if m.CollateralFactor == 0 || m.CollateralFactor >= market.FactorBase {
			return fmt.Errorf("market[%d]: collateral_factor must be in (0, %d)", i, market.FactorBase)
		}
		for user, factor := range m.UserFactors {
			if _, err := parseAddress(user); err != nil {
				return fmt.Errorf("market[%d]: user factor %q: %w", i, user, err)
			}
			if factor == 0 || factor >= market.FactorBase {
				return fmt.Errorf("market[%d]: user factor for %s must be in (0, %d)", i, user, market.FactorBase)
			}
		}
		if m.LiquidationPenalty < market.FactorBase || m.LiquidationPenalty > MaxLiquidationPenalty {
			return fmt.Errorf("market[%d]: liquidation_penalty must be in [%d, %d]", i, market.FactorBase, MaxLiquidationPenalty)
		}
		if m.LiquidationTreasuryBps > market.TreasuryBase {
			return fmt.Errorf("market[%d]: liquidation_treasury_bps > %d", i, market.TreasuryBase)
		}
		if m.LiquidationTreasuryBps > 0 && r.Treasury == "" {
			return fmt.Errorf("market[%d]: liquidation_treasury_bps requires a treasury", i)
		}
		if _, err := parseAmount(m.MinDebtSize); err != nil {
			return fmt.Errorf("market[%d]: min_debt_size: %w", i, err)
		}
		rate, err := parseRate(m.InterestPerSecond)
		if err != nil {
			return fmt.Errorf("market[%d]: interest_per_second: %w", i, err)
		}
		if rate.Cmp(maxRate) > 0 {
			return fmt.Errorf("market[%d]: interest_per_second above %s", i, MaxInterestPerSecond)
		}
	}
	return nil
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

// parseAmount parses a decimal base-unit amount. Empty means zero.
func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}

func parseRate(raw string) (fixed.Wad, error) {
	if strings.TrimSpace(raw) == "" {
		return fixed.Wad{}, nil
	}
	return fixed.ParseWad(raw)
}
