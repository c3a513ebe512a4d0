package market

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/core/types"
)

const (
	EventTypeCollateralAdd    = "market.collateral.add"
	EventTypeCollateralRemove = "market.collateral.remove"
	EventTypeBorrow           = "market.borrow"
	EventTypeRepay            = "market.repay"
	EventTypeLiquidate        = "market.liquidate"
	EventTypeBadDebt          = "market.bad_debt"
	EventTypeBadDebtSettled   = "market.bad_debt.settled"
	EventTypeSurplusWithdraw  = "market.surplus.withdraw"
	EventTypeAccrue           = "market.accrue"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func stamp(at int64) string { return strconv.FormatInt(at, 10) }

func newPositionEvent(kind string, from, to common.Address, share, part *uint256.Int, at int64) *types.Event {
	attrs := map[string]string{
		"from":      from.Hex(),
		"to":        to.Hex(),
		"share":     dec(share),
		"timestamp": stamp(at),
	}
	if part != nil {
		attrs["part"] = part.Dec()
	}
	return &types.Event{Type: kind, Attributes: attrs}
}

func newLiquidationEvent(liquidator, user, to common.Address, part, value, collateral *uint256.Int, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeLiquidate,
		Attributes: map[string]string{
			"liquidator": liquidator.Hex(),
			"user":       user.Hex(),
			"to":         to.Hex(),
			"part":       dec(part),
			"value":      dec(value),
			"collateral": dec(collateral),
			"timestamp":  stamp(at),
		},
	}
}

func newBadDebtEvent(user common.Address, part, value *uint256.Int, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeBadDebt,
		Attributes: map[string]string{
			"user":      user.Hex(),
			"part":      dec(part),
			"value":     dec(value),
			"timestamp": stamp(at),
		},
	}
}

func newBadDebtSettledEvent(value, part *uint256.Int, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeBadDebtSettled,
		Attributes: map[string]string{
			"value":     dec(value),
			"part":      dec(part),
			"timestamp": stamp(at),
		},
	}
}

func newSurplusEvent(treasury common.Address, amount, share *uint256.Int, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeSurplusWithdraw,
		Attributes: map[string]string{
			"treasury":  treasury.Hex(),
			"amount":    dec(amount),
			"share":     dec(share),
			"timestamp": stamp(at),
		},
	}
}

func newAccrueEvent(interest *uint256.Int, elapsed, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeAccrue,
		Attributes: map[string]string{
			"interest":  dec(interest),
			"elapsed":   strconv.FormatInt(elapsed, 10),
			"timestamp": stamp(at),
		},
	}
}
