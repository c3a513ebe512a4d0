package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// addCollateral credits share to user's collateral and stages the transfer of
// the shares from from into the market. When from is the market itself a
// staged deposit puts them there.
func (m *Market) addCollateral(c *call, from, user common.Address, share *uint256.Int) error {
	if share == nil || share.IsZero() {
		return ErrZeroAmount
	}
	if user == (common.Address{}) {
		return ErrZeroRecipient
	}
	total, err := fixed.Add(&m.totalColl, share)
	if err != nil {
		return err
	}
	if err := fixed.CheckTotal(total); err != nil {
		return err
	}
	p := m.position(c, user)
	next, err := fixed.Add(&p.collateral, share)
	if err != nil {
		return err
	}
	p.collateral.Set(next)
	m.totalColl.Set(total)
	m.stageTransfer(c, m.cfg.Collateral, from, m.cfg.Address, share)
	c.evts = append(c.evts, newPositionEvent(EventTypeCollateralAdd, from, user, share, nil, c.at))
	return nil
}

// removeCollateral debits user's collateral and stages the transfer of the
// shares to to.
func (m *Market) removeCollateral(c *call, user, to common.Address, share *uint256.Int) error {
	if share == nil || share.IsZero() {
		return ErrZeroAmount
	}
	if to == (common.Address{}) {
		return ErrZeroRecipient
	}
	p := m.position(c, user)
	if p.collateral.Lt(share) {
		return ErrInsufficientCollateral
	}
	p.collateral.Sub(&p.collateral, share)
	m.totalColl.Sub(&m.totalColl, share)
	m.prune(user)
	m.stageTransfer(c, m.cfg.Collateral, m.cfg.Address, to, share)
	c.evts = append(c.evts, newPositionEvent(EventTypeCollateralRemove, user, to, share, nil, c.at))
	return nil
}

// borrow books debt against user and stages amount of debt token, as vault
// shares rounded down, for to.
func (m *Market) borrow(c *call, user, to common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if to == (common.Address{}) {
		return nil, ErrZeroRecipient
	}
	part, err := m.debt.ToBase(amount, true)
	if err != nil {
		return nil, err
	}
	if err := m.debt.Add(amount, part); err != nil {
		return nil, err
	}
	p := m.position(c, user)
	next, err := fixed.Add(&p.debt, part)
	if err != nil {
		return nil, err
	}
	p.debt.Set(next)
	if err := m.requireMinDebt(p); err != nil {
		return nil, err
	}
	share, err := m.vault.ToShare(m.cfg.Debt, amount, false)
	if err != nil {
		return nil, err
	}
	if m.vault.BalanceOf(m.cfg.Debt, m.cfg.Address).Lt(share) {
		return nil, ErrInsufficientLiquidity
	}
	m.stageTransfer(c, m.cfg.Debt, m.cfg.Address, to, share)
	c.evts = append(c.evts, newPositionEvent(EventTypeBorrow, user, to, share, part, c.at))
	return part, nil
}

// repay retires debt of user paid by payer. amount is a debt value, or All
// for the whole debt share. The payer hands over the rounded-up value of the
// retired share, which never exceeds the requested amount.
func (m *Market) repay(c *call, payer, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	p := m.position(c, user)
	var part *uint256.Int
	if isAll(amount) {
		part = fixed.Clone(&p.debt)
	} else {
		var err error
		if part, err = m.debt.ToBase(amount, false); err != nil {
			return nil, err
		}
	}
	if part.IsZero() {
		return nil, ErrZeroAmount
	}
	if p.debt.Lt(part) {
		return nil, ErrRepayExceedsDebt
	}
	value, err := m.debt.ToElastic(part, true)
	if err != nil {
		return nil, err
	}
	if value.Gt(&m.debt.Elastic) {
		value = fixed.Clone(&m.debt.Elastic)
	}
	if err := m.debt.Sub(value, part); err != nil {
		return nil, err
	}
	p.debt.Sub(&p.debt, part)
	if err := m.requireMinDebt(p); err != nil {
		return nil, err
	}
	m.prune(user)
	share, err := m.vault.ToShare(m.cfg.Debt, value, true)
	if err != nil {
		return nil, err
	}
	m.stageTransfer(c, m.cfg.Debt, payer, m.cfg.Address, share)
	c.evts = append(c.evts, newPositionEvent(EventTypeRepay, payer, user, share, part, c.at))
	return part, nil
}

// AddCollateral moves share of caller's collateral vault balance into the
// market and credits it to user's position.
func (m *Market) AddCollateral(ctx context.Context, caller, user common.Address, share *uint256.Int) (err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return err
	}
	return m.addCollateral(c, caller, user, share)
}

// RemoveCollateral returns share of caller's collateral to to. The position
// must remain safe.
func (m *Market) RemoveCollateral(ctx context.Context, caller, to common.Address, share *uint256.Int) (err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return err
	}
	if err = m.removeCollateral(c, caller, to, share); err != nil {
		return err
	}
	return m.requireSafe(c, caller)
}

// Borrow books amount of debt against caller and credits the debt token to
// to as vault shares. It returns the debt share added.
func (m *Market) Borrow(ctx context.Context, caller, to common.Address, amount *uint256.Int, minPrice, maxPrice fixed.Wad) (part *uint256.Int, err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return nil, err
	}
	if err = m.checkBand(c, minPrice, maxPrice); err != nil {
		return nil, err
	}
	if part, err = m.borrow(c, caller, to, amount); err != nil {
		return nil, err
	}
	if err = m.requireSafe(c, caller); err != nil {
		return nil, err
	}
	m.logger().Debug("market borrow", "market", m.cfg.Address.Hex(), "user", caller.Hex(), "amount", amount.Dec(), "part", part.Dec())
	return part, nil
}

// Repay retires amount of user's debt (or All of it), paid from caller's
// debt token vault balance. It returns the debt share retired.
func (m *Market) Repay(ctx context.Context, caller, user common.Address, amount *uint256.Int, minPrice, maxPrice fixed.Wad) (part *uint256.Int, err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return nil, err
	}
	if err = m.checkBand(c, minPrice, maxPrice); err != nil {
		return nil, err
	}
	if part, err = m.repay(c, caller, user, amount); err != nil {
		return nil, err
	}
	m.logger().Debug("market repay", "market", m.cfg.Address.Hex(), "user", user.Hex(), "part", part.Dec())
	return part, nil
}
