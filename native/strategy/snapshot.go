package strategy

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// Debt is one account's reward baseline.
type Debt struct {
	Account common.Address
	Amount  *uint256.Int
}

// LedgerState is the persisted form of a RewardLedger.
type LedgerState struct {
	AccRewardPerShare *uint256.Int
	AccRewardBalance  *uint256.Int
	Debts             []Debt
}

// Stake is one staker's position in a Farm.
type Stake struct {
	Staker common.Address
	Amount *uint256.Int
	Owed   *uint256.Int
}

// FarmState is the persisted form of a Farm.
type FarmState struct {
	RewardPerSecond *uint256.Int
	LastUpdate      uint64
	Stakes          []Stake
}

// Snapshot captures the reward ledger.
func (l *RewardLedger) Snapshot() LedgerState {
	st := LedgerState{
		AccRewardPerShare: l.accRewardPerShare.Int(),
		AccRewardBalance:  fixed.Clone(&l.accRewardBalance),
	}
	for who, debt := range l.rewardDebt {
		st.Debts = append(st.Debts, Debt{Account: who, Amount: fixed.Clone(debt)})
	}
	sort.Slice(st.Debts, func(i, j int) bool {
		return bytes.Compare(st.Debts[i].Account[:], st.Debts[j].Account[:]) < 0
	})
	return st
}

// Restore replaces the reward ledger with st.
func (l *RewardLedger) Restore(st LedgerState) {
	l.accRewardPerShare = fixed.NewRay(st.AccRewardPerShare)
	l.accRewardBalance.Set(fixed.Clone(st.AccRewardBalance))
	l.rewardDebt = make(map[common.Address]*uint256.Int, len(st.Debts))
	for _, d := range st.Debts {
		if d.Amount != nil && !d.Amount.IsZero() {
			l.rewardDebt[d.Account] = fixed.Clone(d.Amount)
		}
	}
}

// Snapshot captures the farm's stakes and accrued rewards.
func (f *Farm) Snapshot() FarmState {
	st := FarmState{RewardPerSecond: fixed.Clone(&f.rate)}
	if f.last > 0 {
		st.LastUpdate = uint64(f.last)
	}
	seen := make(map[common.Address]bool)
	for who := range f.stakes {
		seen[who] = true
	}
	for who := range f.owed {
		seen[who] = true
	}
	for who := range seen {
		st.Stakes = append(st.Stakes, Stake{Staker: who, Amount: fixed.Clone(f.stakes[who]), Owed: fixed.Clone(f.owed[who])})
	}
	sort.Slice(st.Stakes, func(i, j int) bool {
		return bytes.Compare(st.Stakes[i].Staker[:], st.Stakes[j].Staker[:]) < 0
	})
	return st
}

// Restore replaces the farm's positions with st.
func (f *Farm) Restore(st FarmState) {
	f.rate.Set(fixed.Clone(st.RewardPerSecond))
	f.last = int64(st.LastUpdate)
	f.stakes = make(map[common.Address]*uint256.Int)
	f.owed = make(map[common.Address]*uint256.Int)
	f.total.Clear()
	for _, s := range st.Stakes {
		if s.Amount != nil && !s.Amount.IsZero() {
			f.stakes[s.Staker] = fixed.Clone(s.Amount)
			f.total.Add(&f.total, s.Amount)
		}
		if s.Owed != nil && !s.Owed.IsZero() {
			f.owed[s.Staker] = fixed.Clone(s.Owed)
		}
	}
}
