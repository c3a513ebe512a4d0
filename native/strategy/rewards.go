package strategy

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// RewardLedger distributes an externally earned reward pro rata over vault
// shares. accRewardPerShare only grows; rewardDebt records what each account
// was already entitled to at its last settlement.
type RewardLedger struct {
	accRewardPerShare fixed.Ray
	accRewardBalance  uint256.Int
	rewardDebt        map[common.Address]*uint256.Int
}

// NewRewardLedger returns an empty ledger.
func NewRewardLedger() *RewardLedger {
	return &RewardLedger{rewardDebt: make(map[common.Address]*uint256.Int)}
}

// AccRewardPerShare returns the accumulator.
func (l *RewardLedger) AccRewardPerShare() fixed.Ray { return l.accRewardPerShare }

// AccRewardBalance returns the reward balance already folded into the
// accumulator but not yet paid out.
func (l *RewardLedger) AccRewardBalance() *uint256.Int { return fixed.Clone(&l.accRewardBalance) }

// RewardDebt returns the baseline who was last settled at.
func (l *RewardLedger) RewardDebt(who common.Address) *uint256.Int {
	return fixed.Clone(l.rewardDebt[who])
}

// Distribute folds the reward balance growth since the last call into the
// accumulator over total shares. With no shares outstanding nothing is
// distributed and the growth stays pending for a later call.
func (l *RewardLedger) Distribute(newBalance, total *uint256.Int) error {
	if newBalance.Lt(&l.accRewardBalance) {
		l.accRewardBalance.Set(newBalance)
		return nil
	}
	if total == nil || total.IsZero() {
		return nil
	}
	delta := new(uint256.Int).Sub(newBalance, &l.accRewardBalance)
	if delta.IsZero() {
		return nil
	}
	next, err := l.accRewardPerShare.Accumulate(delta, total)
	if err != nil {
		return err
	}
	l.accRewardPerShare = next
	l.accRewardBalance.Set(newBalance)
	return nil
}

// Entitlement returns what who may claim holding share, capped at the
// undistributed balance.
func (l *RewardLedger) Entitlement(who common.Address, share *uint256.Int) (*uint256.Int, error) {
	gross, err := l.accRewardPerShare.MulInt(fixed.Clone(share))
	if err != nil {
		return nil, err
	}
	debt := fixed.Clone(l.rewardDebt[who])
	if !gross.Gt(debt) {
		return new(uint256.Int), nil
	}
	owed := new(uint256.Int).Sub(gross, debt)
	return fixed.Min(owed, &l.accRewardBalance), nil
}

// Paid records a payout out of the distributed balance.
func (l *RewardLedger) Paid(amount *uint256.Int) {
	if amount.Gt(&l.accRewardBalance) {
		l.accRewardBalance.Clear()
		return
	}
	l.accRewardBalance.Sub(&l.accRewardBalance, amount)
}

// Rebase sets who's baseline to share times the accumulator.
func (l *RewardLedger) Rebase(who common.Address, share *uint256.Int) error {
	debt, err := l.accRewardPerShare.MulInt(fixed.Clone(share))
	if err != nil {
		return err
	}
	if debt.IsZero() {
		delete(l.rewardDebt, who)
		return nil
	}
	l.rewardDebt[who] = debt
	return nil
}
