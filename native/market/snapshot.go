package market

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// PositionState is the persisted form of one position.
type PositionState struct {
	User            common.Address
	CollateralShare *uint256.Int
	DebtShare       *uint256.Int
}

// State is a deterministic view of a market's books.
type State struct {
	TotalCollateralShare *uint256.Int
	TotalDebtShare       *uint256.Int
	TotalDebtValue       *uint256.Int
	BadDebtShare         *uint256.Int
	Surplus              *uint256.Int
	LastAccrueTime       uint64
	Positions            []PositionState
}

// Snapshot captures the market aggregates and every open position, sorted by
// user address.
func (m *Market) Snapshot() State {
	st := State{
		TotalCollateralShare: fixed.Clone(&m.totalColl),
		TotalDebtShare:       fixed.Clone(&m.debt.Base),
		TotalDebtValue:       fixed.Clone(&m.debt.Elastic),
		BadDebtShare:         fixed.Clone(&m.badDebtShare),
		Surplus:              fixed.Clone(&m.surplus),
	}
	if m.lastAccrue > 0 {
		st.LastAccrueTime = uint64(m.lastAccrue)
	}
	for user, p := range m.positions {
		st.Positions = append(st.Positions, PositionState{
			User:            user,
			CollateralShare: fixed.Clone(&p.collateral),
			DebtShare:       fixed.Clone(&p.debt),
		})
	}
	sort.Slice(st.Positions, func(i, j int) bool {
		return bytes.Compare(st.Positions[i].User[:], st.Positions[j].User[:]) < 0
	})
	return st
}

// Restore replaces the market books with st after checking that positions
// add up to the recorded totals.
func (m *Market) Restore(st State) error {
	if err := m.lock.Enter(); err != nil {
		return err
	}
	defer m.lock.Exit()

	collSum, debtSum := fixed.Zero(), fixed.Clone(st.BadDebtShare)
	positions := make(map[common.Address]*position, len(st.Positions))
	for _, ps := range st.Positions {
		if _, dup := positions[ps.User]; dup {
			return fmt.Errorf("market: duplicate position for %s", ps.User.Hex())
		}
		p := &position{}
		p.collateral.Set(fixed.Clone(ps.CollateralShare))
		p.debt.Set(fixed.Clone(ps.DebtShare))
		if p.collateral.IsZero() && p.debt.IsZero() {
			continue
		}
		positions[ps.User] = p
		collSum.Add(collSum, &p.collateral)
		debtSum.Add(debtSum, &p.debt)
	}
	if !collSum.Eq(fixed.Clone(st.TotalCollateralShare)) {
		return fmt.Errorf("market: collateral shares sum to %s, total is %s", collSum.Dec(), fixed.Clone(st.TotalCollateralShare).Dec())
	}
	if !debtSum.Eq(fixed.Clone(st.TotalDebtShare)) {
		return fmt.Errorf("market: debt shares sum to %s, total is %s", debtSum.Dec(), fixed.Clone(st.TotalDebtShare).Dec())
	}
	m.totalColl.Set(fixed.Clone(st.TotalCollateralShare))
	m.debt.Base.Set(fixed.Clone(st.TotalDebtShare))
	m.debt.Elastic.Set(fixed.Clone(st.TotalDebtValue))
	m.badDebtShare.Set(fixed.Clone(st.BadDebtShare))
	m.surplus.Set(fixed.Clone(st.Surplus))
	if st.LastAccrueTime > 0 {
		m.lastAccrue = int64(st.LastAccrueTime)
	}
	m.positions = positions
	return nil
}
