package vault

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/core/types"
)

const (
	EventTypeDeposit        = "vault.deposit"
	EventTypeWithdraw       = "vault.withdraw"
	EventTypeTransfer       = "vault.transfer"
	EventTypeStrategySet    = "vault.strategy.set"
	EventTypeStrategyTarget = "vault.strategy.target"
	EventTypeStrategyProfit = "vault.strategy.profit"
	EventTypeStrategyLoss   = "vault.strategy.loss"
	EventTypeFlashLoan      = "vault.flashloan"
)

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vaultEvent) Event() *types.Event { return e.evt }

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func newMovementEvent(kind string, tok, from, to common.Address, amount, share *uint256.Int, at int64) *types.Event {
	return &types.Event{
		Type: kind,
		Attributes: map[string]string{
			"token":     tok.Hex(),
			"from":      from.Hex(),
			"to":        to.Hex(),
			"amount":    amountString(amount),
			"share":     amountString(share),
			"timestamp": strconv.FormatInt(at, 10),
		},
	}
}

func newStrategyEvent(kind string, tok, strategy common.Address, amount *uint256.Int, at int64) *types.Event {
	return &types.Event{
		Type: kind,
		Attributes: map[string]string{
			"token":     tok.Hex(),
			"strategy":  strategy.Hex(),
			"amount":    amountString(amount),
			"timestamp": strconv.FormatInt(at, 10),
		},
	}
}

func newTargetEvent(tok common.Address, bps uint64, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeStrategyTarget,
		Attributes: map[string]string{
			"token":     tok.Hex(),
			"targetBps": strconv.FormatUint(bps, 10),
			"timestamp": strconv.FormatInt(at, 10),
		},
	}
}

func newFlashLoanEvent(loan FlashLoan, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeFlashLoan,
		Attributes: map[string]string{
			"id":        loan.ID.String(),
			"token":     loan.Token.Hex(),
			"borrower":  loan.Borrower.Hex(),
			"amount":    amountString(loan.Amount),
			"fee":       amountString(loan.Fee),
			"timestamp": strconv.FormatInt(at, 10),
		},
	}
}
