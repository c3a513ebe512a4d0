package vault

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// Holding is one owner's share balance.
type Holding struct {
	Owner common.Address
	Share *uint256.Int
}

// PoolState is the persisted form of one token pool.
type PoolState struct {
	Token       common.Address
	TotalAmount *uint256.Int
	TotalShare  *uint256.Int
	TargetBps   uint64
	Strategy    common.Address
	Deployed    *uint256.Int
	Holdings    []Holding
}

// Operator records one owner/operator approval.
type Operator struct {
	Owner    common.Address
	Operator common.Address
}

// State is a deterministic view of the whole vault.
type State struct {
	Pools     []PoolState
	Operators []Operator
}

// StrategyResolver maps a persisted strategy address back to a live strategy.
type StrategyResolver func(addr common.Address) (Strategy, bool)

func less(a, b common.Address) bool { return bytes.Compare(a[:], b[:]) < 0 }

// Snapshot captures every pool and operator approval, sorted by address.
func (v *Vault) Snapshot() State {
	var st State
	for tok, p := range v.pools {
		ps := PoolState{
			Token:       tok,
			TotalAmount: fixed.Clone(&p.totals.Elastic),
			TotalShare:  fixed.Clone(&p.totals.Base),
			TargetBps:   p.targetBps,
			Deployed:    new(uint256.Int),
		}
		if p.binding != nil && p.binding.strategy != nil {
			ps.Strategy = p.binding.strategy.Address()
			ps.Deployed = fixed.Clone(&p.binding.deployed)
		}
		for owner, bal := range p.balances {
			ps.Holdings = append(ps.Holdings, Holding{Owner: owner, Share: fixed.Clone(bal)})
		}
		sort.Slice(ps.Holdings, func(i, j int) bool { return less(ps.Holdings[i].Owner, ps.Holdings[j].Owner) })
		st.Pools = append(st.Pools, ps)
	}
	sort.Slice(st.Pools, func(i, j int) bool { return less(st.Pools[i].Token, st.Pools[j].Token) })
	for owner, ops := range v.operators {
		for op, ok := range ops {
			if ok {
				st.Operators = append(st.Operators, Operator{Owner: owner, Operator: op})
			}
		}
	}
	sort.Slice(st.Operators, func(i, j int) bool {
		if st.Operators[i].Owner != st.Operators[j].Owner {
			return less(st.Operators[i].Owner, st.Operators[j].Owner)
		}
		return less(st.Operators[i].Operator, st.Operators[j].Operator)
	})
	return st
}

// Restore replaces the vault's pools and approvals with st. Pools whose
// holdings do not sum to the recorded total share are rejected.
func (v *Vault) Restore(st State, resolve StrategyResolver) error {
	pools := make(map[common.Address]*pool, len(st.Pools))
	for _, ps := range st.Pools {
		p := &pool{balances: make(map[common.Address]*uint256.Int), targetBps: ps.TargetBps}
		p.totals.Elastic.Set(fixed.Clone(ps.TotalAmount))
		p.totals.Base.Set(fixed.Clone(ps.TotalShare))
		sum := new(uint256.Int)
		for _, h := range ps.Holdings {
			next, err := fixed.Add(sum, fixed.Clone(h.Share))
			if err != nil {
				return err
			}
			sum = next
			p.setBalance(h.Owner, fixed.Clone(h.Share))
		}
		if !sum.Eq(&p.totals.Base) {
			return fmt.Errorf("vault: pool %s holdings %s do not match total share %s", ps.Token.Hex(), sum.Dec(), p.totals.Base.Dec())
		}
		if ps.Strategy != (common.Address{}) {
			if resolve == nil {
				return fmt.Errorf("vault: no resolver for strategy %s", ps.Strategy.Hex())
			}
			s, ok := resolve(ps.Strategy)
			if !ok {
				return fmt.Errorf("vault: unknown strategy %s", ps.Strategy.Hex())
			}
			p.binding = &binding{strategy: s}
			p.binding.deployed.Set(fixed.Clone(ps.Deployed))
		}
		pools[ps.Token] = p
	}
	operators := make(map[common.Address]map[common.Address]bool)
	for _, op := range st.Operators {
		if operators[op.Owner] == nil {
			operators[op.Owner] = make(map[common.Address]bool)
		}
		operators[op.Owner][op.Operator] = true
	}
	v.pools = pools
	v.operators = operators
	return nil
}
