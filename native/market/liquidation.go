package market

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// Kill liquidates unsafe positions. For each user it buys up to maxDebts[i]
// of debt value, seizes collateral worth the bought value times the
// liquidation penalty, and sends the treasury its cut. The remaining seized
// collateral goes to to. When swapper is set it is invoked with the seized
// collateral so caller can fund the repayment in one step. Caller pays the
// bought debt from its debt token vault balance. All checks run before any
// share moves; a swapper that can quote is checked up front too.
//
// A position left with debt but no collateral has that debt moved to the
// market's bad-debt bucket and reported to the sink.
func (m *Market) Kill(ctx context.Context, caller common.Address, users []common.Address, maxDebts []*uint256.Int, to common.Address, swapper Swapper, minOut *uint256.Int) (res KillResult, err error) {
	if len(users) != len(maxDebts) {
		return KillResult{}, ErrLengthMismatch
	}
	if to == (common.Address{}) {
		return KillResult{}, ErrZeroRecipient
	}
	c, err := m.begin(ctx)
	if err != nil {
		return KillResult{}, err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return KillResult{}, err
	}
	price, err := m.currentPrice(c)
	if err != nil {
		return KillResult{}, err
	}

	penalty := uint256.NewInt(m.risk.LiquidationPenalty(m.cfg.Address))
	allShare, allValue, allColl, allBad := fixed.Zero(), fixed.Zero(), fixed.Zero(), fixed.Zero()
	for i, user := range users {
		p := m.positions[user]
		if p == nil {
			return KillResult{}, ErrNotLiquidatable
		}
		ok, err := m.safe(p, price, user)
		if err != nil {
			return KillResult{}, err
		}
		if ok {
			return KillResult{}, ErrNotLiquidatable
		}
		p = m.position(c, user)

		limit, err := m.debt.ToBase(maxDebts[i], false)
		if err != nil {
			return KillResult{}, err
		}
		bought := fixed.Min(limit, &p.debt)
		if bought.IsZero() {
			continue
		}
		value, err := m.debt.ToElastic(bought, false)
		if err != nil {
			return KillResult{}, err
		}
		penalised, err := fixed.MulDiv(value, penalty, uint256.NewInt(FactorBase), false)
		if err != nil {
			return KillResult{}, err
		}
		seizedAmount, err := price.DivInt(penalised, false)
		if err != nil {
			return KillResult{}, err
		}
		seized, err := m.vault.ToShare(m.cfg.Collateral, seizedAmount, false)
		if err != nil {
			return KillResult{}, err
		}
		seized = fixed.Min(seized, &p.collateral)

		p.debt.Sub(&p.debt, bought)
		p.collateral.Sub(&p.collateral, seized)
		allShare.Add(allShare, bought)
		allValue.Add(allValue, value)
		allColl.Add(allColl, seized)
		c.evts = append(c.evts, newLiquidationEvent(caller, user, to, bought, value, seized, c.at))

		if p.collateral.IsZero() && !p.debt.IsZero() {
			badValue, err := m.debt.ToElastic(&p.debt, true)
			if err != nil {
				return KillResult{}, err
			}
			next, err := fixed.Add(&m.badDebtShare, &p.debt)
			if err != nil {
				return KillResult{}, err
			}
			m.badDebtShare.Set(next)
			c.evts = append(c.evts, newBadDebtEvent(user, &p.debt, badValue, c.at))
			c.bad = append(c.bad, badValue)
			allBad.Add(allBad, badValue)
			m.logger().Warn("market bad debt", "market", m.cfg.Address.Hex(), "user", user.Hex(), "value", badValue.Dec())
			p.debt.Clear()
		}
		m.prune(user)
	}
	if allShare.IsZero() {
		return KillResult{}, ErrNothingLiquidated
	}

	if err = m.debt.Sub(allValue, allShare); err != nil {
		return KillResult{}, err
	}
	m.totalColl.Sub(&m.totalColl, allColl)

	treasuryShare, err := fixed.MulDiv(allColl, uint256.NewInt(m.risk.LiquidationTreasuryBps(m.cfg.Address)), uint256.NewInt(TreasuryBase), false)
	if err != nil {
		return KillResult{}, err
	}
	treasury := m.risk.Treasury()
	if !treasuryShare.IsZero() && treasury == (common.Address{}) {
		return KillResult{}, ErrBadTreasury
	}
	rest := new(uint256.Int).Sub(allColl, treasuryShare)
	payShare, err := m.vault.ToShare(m.cfg.Debt, allValue, true)
	if err != nil {
		return KillResult{}, err
	}

	if swapper == nil {
		m.stageTransfer(c, m.cfg.Debt, caller, m.cfg.Address, payShare)
		m.stageTransfer(c, m.cfg.Collateral, m.cfg.Address, to, rest)
	} else {
		if err = m.checkSwap(caller, swapper, rest, payShare, minOut); err != nil {
			return KillResult{}, err
		}
		// The venue needs the seized collateral before it can pay the
		// liquidator, so this leg settles ahead of the rest of the call.
		m.stageTransfer(c, m.cfg.Collateral, m.cfg.Address, to, rest)
		if err = m.settle(c); err != nil {
			return KillResult{}, err
		}
		if _, err = swapper.Execute(m.cfg.Collateral, m.cfg.Debt, caller, fixed.Clone(minOut), rest); err != nil {
			return KillResult{}, err
		}
		m.stageTransfer(c, m.cfg.Debt, caller, m.cfg.Address, payShare)
	}
	m.stageTransfer(c, m.cfg.Collateral, m.cfg.Address, treasury, treasuryShare)

	m.logger().Info("market liquidation",
		"market", m.cfg.Address.Hex(), "liquidator", caller.Hex(), "users", len(users),
		"debtShare", allShare.Dec(), "debtValue", allValue.Dec(), "collateral", allColl.Dec())
	return KillResult{
		DebtShare:       allShare,
		DebtValue:       allValue,
		CollateralShare: allColl,
		TreasuryShare:   treasuryShare,
		PaidShare:       payShare,
		BadDebtValue:    allBad,
	}, nil
}

// checkSwap rejects a swapper liquidation that is known to fail before any
// collateral leaves the market. The liquidator must have approved the market,
// and the quoted output must meet minOut and, with what the liquidator
// already holds, cover the repayment.
func (m *Market) checkSwap(caller common.Address, swapper Swapper, rest, payShare, minOut *uint256.Int) error {
	if caller != m.cfg.Address && !m.vault.IsOperator(caller, m.cfg.Address) {
		return fmt.Errorf("%w: %s", ErrNotOperator, caller.Hex())
	}
	q, ok := swapper.(Quoter)
	if !ok {
		return nil
	}
	out := fixed.Zero()
	if !rest.IsZero() {
		var err error
		if out, err = q.Quote(m.cfg.Collateral, m.cfg.Debt, rest); err != nil {
			return err
		}
	}
	if minOut != nil && out.Lt(minOut) {
		return fmt.Errorf("%w: swap yields %s below %s", ErrSlippage, out.Dec(), minOut.Dec())
	}
	funds, err := fixed.Add(m.vault.BalanceOf(m.cfg.Debt, caller), out)
	if err != nil {
		return err
	}
	if funds.Lt(payShare) {
		return fmt.Errorf("%w: liquidator would hold %s of %s", ErrInsufficientShares, funds.Dec(), payShare.Dec())
	}
	return nil
}
