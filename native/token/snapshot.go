package token

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Balance is one non-zero holding in a ledger snapshot.
type Balance struct {
	Token  common.Address
	Owner  common.Address
	Amount *uint256.Int
}

// Allowance is one configured allowance in a ledger snapshot.
type Allowance struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// State is a deterministic, sorted view of the ledger.
type State struct {
	Balances   []Balance
	Allowances []Allowance
}

// Snapshot captures every balance and allowance.
func (l *Ledger) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var st State
	for tok, byOwner := range l.balances {
		for owner, bal := range byOwner {
			st.Balances = append(st.Balances, Balance{Token: tok, Owner: owner, Amount: new(uint256.Int).Set(bal)})
		}
	}
	for tok, byOwner := range l.allowances {
		for owner, bySpender := range byOwner {
			for spender, v := range bySpender {
				st.Allowances = append(st.Allowances, Allowance{Token: tok, Owner: owner, Spender: spender, Amount: new(uint256.Int).Set(v)})
			}
		}
	}
	sort.Slice(st.Balances, func(i, j int) bool {
		a, b := st.Balances[i], st.Balances[j]
		if c := bytes.Compare(a.Token[:], b.Token[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Owner[:], b.Owner[:]) < 0
	})
	sort.Slice(st.Allowances, func(i, j int) bool {
		a, b := st.Allowances[i], st.Allowances[j]
		if c := bytes.Compare(a.Token[:], b.Token[:]); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Spender[:], b.Spender[:]) < 0
	})
	return st
}

// Restore replaces the ledger contents with st. Supplies are recomputed from
// the balances.
func (l *Ledger) Restore(st State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[common.Address]map[common.Address]*uint256.Int)
	l.allowances = make(map[common.Address]map[common.Address]map[common.Address]*uint256.Int)
	l.supply = make(map[common.Address]*uint256.Int)
	for _, b := range st.Balances {
		if b.Amount == nil || b.Amount.IsZero() {
			continue
		}
		if err := l.mint(b.Token, b.Owner, b.Amount); err != nil {
			return err
		}
	}
	for _, a := range st.Allowances {
		if a.Amount == nil {
			continue
		}
		byOwner, ok := l.allowances[a.Token]
		if !ok {
			byOwner = make(map[common.Address]map[common.Address]*uint256.Int)
			l.allowances[a.Token] = byOwner
		}
		bySpender, ok := byOwner[a.Owner]
		if !ok {
			bySpender = make(map[common.Address]*uint256.Int)
			byOwner[a.Owner] = bySpender
		}
		bySpender[a.Spender] = new(uint256.Int).Set(a.Amount)
	}
	return nil
}
