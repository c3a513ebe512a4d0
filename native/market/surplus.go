package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// WithdrawSurplus sends the accrued interest, as debt token vault shares, to
// the treasury and resets the surplus. It returns the share moved.
func (m *Market) WithdrawSurplus(ctx context.Context) (share *uint256.Int, err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return nil, err
	}
	treasury := m.risk.Treasury()
	if treasury == (common.Address{}) {
		return nil, ErrBadTreasury
	}
	amount := fixed.Clone(&m.surplus)
	if share, err = m.vault.ToShare(m.cfg.Debt, amount, false); err != nil {
		return nil, err
	}
	m.surplus.Clear()
	m.stageTransfer(c, m.cfg.Debt, m.cfg.Address, treasury, share)
	c.evts = append(c.evts, newSurplusEvent(treasury, amount, share, c.at))
	m.logger().Info("market surplus withdrawn", "market", m.cfg.Address.Hex(), "treasury", treasury.Hex(), "amount", amount.Dec(), "share", share.Dec())
	return share, nil
}

// SettleBadDebt writes off up to limit of bad-debt value against the
// surplus. A nil limit settles as much as the surplus covers. It returns the
// value written off.
func (m *Market) SettleBadDebt(ctx context.Context, limit *uint256.Int) (settled *uint256.Int, err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return nil, err
	}
	if m.badDebtShare.IsZero() {
		return fixed.Zero(), nil
	}
	outstanding, err := m.debt.ToElastic(&m.badDebtShare, true)
	if err != nil {
		return nil, err
	}
	if outstanding.Gt(&m.debt.Elastic) {
		outstanding = fixed.Clone(&m.debt.Elastic)
	}
	settled = fixed.Min(outstanding, &m.surplus)
	if limit != nil {
		settled = fixed.Min(settled, limit)
	}
	if settled.IsZero() {
		return settled, nil
	}
	part := fixed.Clone(&m.badDebtShare)
	if settled.Lt(outstanding) {
		if part, err = m.debt.ToBase(settled, false); err != nil {
			return nil, err
		}
		part = fixed.Min(part, &m.badDebtShare)
	}
	if err = m.debt.Sub(settled, part); err != nil {
		return nil, err
	}
	m.badDebtShare.Sub(&m.badDebtShare, part)
	m.surplus.Sub(&m.surplus, settled)
	c.evts = append(c.evts, newBadDebtSettledEvent(settled, part, c.at))
	m.logger().Info("market bad debt settled", "market", m.cfg.Address.Hex(), "value", settled.Dec(), "share", part.Dec())
	return settled, nil
}
