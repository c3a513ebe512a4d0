package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
	"cdpledger/native/market"
	"cdpledger/observability"
)

// PriceBand bounds the oracle price a borrow, repay or composite accepts. A
// zero Max is unbounded.
type PriceBand struct {
	Min fixed.Wad
	Max fixed.Wad
}

// Cook actions.
const (
	CookDepositAddCollateral = "deposit_add_collateral"
	CookDepositBorrow        = "deposit_borrow"
	CookDepositRepay         = "deposit_repay"
	CookBorrowWithdraw       = "borrow_withdraw"
	CookDepositRepayWithdraw = "deposit_repay_withdraw"
)

// CookRequest describes one composite call. Unused amounts are ignored by the
// chosen action.
type CookRequest struct {
	Action          string
	User            common.Address
	To              common.Address
	DepositAmount   *uint256.Int
	BorrowAmount    *uint256.Int
	RepayAmount     *uint256.Int
	CollateralShare *uint256.Int
	Band            PriceBand
}

// LiquidationRequest is one Kill call. Swapper names a registered venue; an
// empty name means the liquidator pays from its own vault balance.
type LiquidationRequest struct {
	Users    []common.Address
	MaxDebts []*uint256.Int
	To       common.Address
	Swapper  string
	MinOut   *uint256.Int
}

// PositionView is a position plus its value and health at the current price.
type PositionView struct {
	market.Position
	DebtValue *uint256.Int
	Safe      bool
}

func (e *Engine) AddCollateral(ctx context.Context, mkt, caller, user common.Address, share *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return err
	}
	if err := e.charge(caller, nil); err != nil {
		return err
	}
	if err := m.AddCollateral(ctx, caller, user, share); err != nil {
		return err
	}
	e.observe(m)
	return nil
}

func (e *Engine) RemoveCollateral(ctx context.Context, mkt, caller, to common.Address, share *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return err
	}
	if err := e.charge(caller, nil); err != nil {
		return err
	}
	if err := m.RemoveCollateral(ctx, caller, to, share); err != nil {
		return err
	}
	e.observe(m)
	return nil
}

// Borrow returns the debt share added to caller's position.
func (e *Engine) Borrow(ctx context.Context, mkt, caller, to common.Address, amount *uint256.Int, band PriceBand) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return nil, err
	}
	if err := e.charge(caller, amount); err != nil {
		return nil, err
	}
	part, err := m.Borrow(ctx, caller, to, amount, band.Min, band.Max)
	if err != nil {
		return nil, err
	}
	e.observe(m)
	return part, nil
}

// Repay returns the debt share removed from user's position. amount may be
// market.All().
func (e *Engine) Repay(ctx context.Context, mkt, caller, user common.Address, amount *uint256.Int, band PriceBand) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return nil, err
	}
	if err := e.charge(caller, nil); err != nil {
		return nil, err
	}
	part, err := m.Repay(ctx, caller, user, amount, band.Min, band.Max)
	if err != nil {
		return nil, err
	}
	e.observe(m)
	return part, nil
}

// Liquidate runs Kill on mkt for the caller.
func (e *Engine) Liquidate(ctx context.Context, mkt, caller common.Address, req LiquidationRequest) (market.KillResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return market.KillResult{}, err
	}
	var venue market.Swapper
	if name := strings.ToLower(strings.TrimSpace(req.Swapper)); name != "" {
		s, ok := e.swappers[name]
		if !ok {
			return market.KillResult{}, fmt.Errorf("%w: swapper %s", ErrNotFound, name)
		}
		venue = s
	}
	if err := e.charge(caller, nil); err != nil {
		return market.KillResult{}, err
	}
	before := make(map[common.Address]*uint256.Int, len(req.Users))
	for _, user := range req.Users {
		before[user] = m.Position(user).DebtShare
	}
	res, err := m.Kill(ctx, caller, req.Users, req.MaxDebts, req.To, venue, req.MinOut)
	if err != nil {
		return market.KillResult{}, err
	}
	killed := 0
	for user, debt := range before {
		if m.Position(user).DebtShare.Lt(debt) {
			killed++
		}
	}
	observability.Lending().RecordLiquidations(mkt, killed)
	e.observe(m)
	e.log.Info("liquidation", "market", mkt.Hex(), "liquidator", caller.Hex(),
		"debt_value", res.DebtValue.Dec(), "collateral_share", res.CollateralShare.Dec(),
		"bad_debt_value", res.BadDebtValue.Dec())
	return res, nil
}

// WithdrawSurplus sends mkt's accrued surplus to the treasury.
func (e *Engine) WithdrawSurplus(ctx context.Context, mkt common.Address) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return nil, err
	}
	share, err := m.WithdrawSurplus(ctx)
	if err != nil {
		return nil, err
	}
	e.observe(m)
	return share, nil
}

// SettleBadDebt nets every market's recorded shortfall against its surplus.
func (e *Engine) SettleBadDebt(ctx context.Context) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	settled, err := e.registry.SettleBadDebt(ctx, e.order)
	for _, addr := range e.order {
		e.observe(e.markets[addr])
	}
	return settled, err
}

// Shortfall returns the outstanding bad debt for mkt, or across all markets
// when mkt is the zero address.
func (e *Engine) Shortfall(mkt common.Address) *uint256.Int {
	if mkt == (common.Address{}) {
		return e.registry.Total()
	}
	return e.registry.Shortfall(mkt)
}

// Cook runs one composite action against mkt.
func (e *Engine) Cook(ctx context.Context, mkt, caller common.Address, req CookRequest) (market.CookResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return market.CookResult{}, err
	}
	if err := e.charge(caller, req.BorrowAmount); err != nil {
		return market.CookResult{}, err
	}
	var res market.CookResult
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case CookDepositAddCollateral:
		user := req.User
		if user == (common.Address{}) {
			user = caller
		}
		res, err = m.DepositAddCollateral(ctx, caller, user, req.DepositAmount)
	case CookDepositBorrow:
		res, err = m.DepositBorrow(ctx, caller, req.DepositAmount, req.BorrowAmount, req.To, req.Band.Min, req.Band.Max)
	case CookDepositRepay:
		user := req.User
		if user == (common.Address{}) {
			user = caller
		}
		res, err = m.DepositRepay(ctx, caller, user, req.DepositAmount, req.RepayAmount, req.Band.Min, req.Band.Max)
	case CookBorrowWithdraw:
		res, err = m.BorrowWithdraw(ctx, caller, req.BorrowAmount, req.To, req.Band.Min, req.Band.Max)
	case CookDepositRepayWithdraw:
		res, err = m.DepositRepayWithdraw(ctx, caller, req.DepositAmount, req.RepayAmount, req.CollateralShare, req.To, req.Band.Min, req.Band.Max)
	default:
		return market.CookResult{}, fmt.Errorf("%w: %q", ErrUnknownCook, req.Action)
	}
	if err != nil {
		return market.CookResult{}, err
	}
	e.observe(m)
	return res, nil
}

// Position returns user's position in mkt with its health at the current
// price.
func (e *Engine) Position(ctx context.Context, mkt, user common.Address) (PositionView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return PositionView{}, err
	}
	pos := m.Position(user)
	value, err := m.DebtShareToValue(pos.DebtShare, true)
	if err != nil {
		return PositionView{}, err
	}
	safe, err := m.IsSafe(ctx, user)
	if err != nil {
		return PositionView{}, err
	}
	return PositionView{Position: pos, DebtValue: value, Safe: safe}, nil
}

// Globals returns mkt's aggregate books.
func (e *Engine) Globals(mkt common.Address) (market.Globals, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return market.Globals{}, err
	}
	return m.Globals(), nil
}

// MarketPrice returns the collateral price mkt currently sees.
func (e *Engine) MarketPrice(ctx context.Context, mkt common.Address) (fixed.Wad, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(mkt)
	if err != nil {
		return fixed.Wad{}, err
	}
	return m.Price(ctx)
}

// Accrue books interest on every market.
func (e *Engine) Accrue(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, addr := range e.order {
		m := e.markets[addr]
		if err := m.Accrue(ctx); err != nil {
			return fmt.Errorf("market %s: %w", addr.Hex(), err)
		}
		e.observe(m)
	}
	return nil
}
