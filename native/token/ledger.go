package token

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeCoin is the sentinel address standing in for the host's native coin.
// The vault wraps it on the way in and unwraps it on the way out.
var NativeCoin = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var (
	ErrZeroAddress           = errors.New("token: zero address")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrSupplyOverflow        = errors.New("token: supply overflow")
	ErrNoWrappedNative       = errors.New("token: wrapped native token not configured")
)

// Ledger is an in-memory multi-token fungible balance sheet. It plays the role
// of the host's token contracts for the vault and the markets.
type Ledger struct {
	mu         sync.RWMutex
	wrapped    common.Address
	balances   map[common.Address]map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]map[common.Address]*uint256.Int
	supply     map[common.Address]*uint256.Int
}

// NewLedger constructs an empty ledger. wrapped names the token that native
// coins are wrapped into; the zero address disables wrapping.
func NewLedger(wrapped common.Address) *Ledger {
	return &Ledger{
		wrapped:    wrapped,
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]*uint256.Int),
		supply:     make(map[common.Address]*uint256.Int),
	}
}

// WrappedNative returns the wrapped native token address.
func (l *Ledger) WrappedNative() common.Address { return l.wrapped }

// BalanceOf returns a copy of owner's balance of token.
func (l *Ledger) BalanceOf(token, owner common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.balance(token, owner))
}

// TotalSupply returns the minted supply of token.
func (l *Ledger) TotalSupply(token common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.supply[token]; ok {
		return new(uint256.Int).Set(s)
	}
	return new(uint256.Int)
}

// Allowance returns how much spender may move out of owner's balance.
func (l *Ledger) Allowance(token, owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.allowance(token, owner, spender))
}

// Approve sets spender's allowance over owner's balance. The maximum uint256
// value is treated as unlimited and never decremented.
func (l *Ledger) Approve(token, owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byOwner, ok := l.allowances[token]
	if !ok {
		byOwner = make(map[common.Address]map[common.Address]*uint256.Int)
		l.allowances[token] = byOwner
	}
	bySpender, ok := byOwner[owner]
	if !ok {
		bySpender = make(map[common.Address]*uint256.Int)
		byOwner[owner] = bySpender
	}
	bySpender[spender] = new(uint256.Int).Set(amount)
	return nil
}

// Transfer moves amount of token from one holder to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(token, from, to, amount)
}

// TransferFrom moves amount on behalf of from, consuming spender's allowance
// unless spender is from itself.
func (l *Ledger) TransferFrom(token, spender, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if spender != from {
		allowed := l.allowance(token, from, spender)
		unlimited := allowed.Eq(maxUint256)
		if !unlimited && allowed.Lt(amount) {
			return ErrInsufficientAllowance
		}
		if l.balance(token, from).Lt(amount) {
			return ErrInsufficientBalance
		}
		if !unlimited {
			l.allowances[token][from][spender] = new(uint256.Int).Sub(allowed, amount)
		}
	}
	return l.move(token, from, to, amount)
}

// Mint credits amount of freshly issued token to to.
func (l *Ledger) Mint(token, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mint(token, to, amount)
}

// Burn destroys amount of token held by from.
func (l *Ledger) Burn(token, from common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burn(token, from, amount)
}

// Wrap converts owner's native coins into the wrapped token one for one.
func (l *Ledger) Wrap(owner common.Address, amount *uint256.Int) error {
	if l.wrapped == (common.Address{}) {
		return ErrNoWrappedNative
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.burn(NativeCoin, owner, amount); err != nil {
		return err
	}
	return l.mint(l.wrapped, owner, amount)
}

// Unwrap converts owner's wrapped tokens back into native coins.
func (l *Ledger) Unwrap(owner common.Address, amount *uint256.Int) error {
	if l.wrapped == (common.Address{}) {
		return ErrNoWrappedNative
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.burn(l.wrapped, owner, amount); err != nil {
		return err
	}
	return l.mint(NativeCoin, owner, amount)
}

var maxUint256 = new(uint256.Int).SetAllOne()

func (l *Ledger) balance(token, owner common.Address) *uint256.Int {
	if byOwner, ok := l.balances[token]; ok {
		if bal, ok := byOwner[owner]; ok {
			return bal
		}
	}
	return new(uint256.Int)
}

func (l *Ledger) allowance(token, owner, spender common.Address) *uint256.Int {
	if byOwner, ok := l.allowances[token]; ok {
		if bySpender, ok := byOwner[owner]; ok {
			if v, ok := bySpender[spender]; ok {
				return v
			}
		}
	}
	return new(uint256.Int)
}

func (l *Ledger) setBalance(token, owner common.Address, v *uint256.Int) {
	byOwner, ok := l.balances[token]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		l.balances[token] = byOwner
	}
	if v.IsZero() {
		delete(byOwner, owner)
		return
	}
	byOwner[owner] = v
}

func (l *Ledger) move(token, from, to common.Address, amount *uint256.Int) error {
	fromBal := l.balance(token, from)
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	toBal, overflow := new(uint256.Int).AddOverflow(l.balance(token, to), amount)
	if overflow {
		return ErrSupplyOverflow
	}
	l.setBalance(token, from, new(uint256.Int).Sub(fromBal, amount))
	l.setBalance(token, to, toBal)
	return nil
}

func (l *Ledger) mint(token, to common.Address, amount *uint256.Int) error {
	current, ok := l.supply[token]
	if !ok {
		current = new(uint256.Int)
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	l.supply[token] = next
	l.setBalance(token, to, new(uint256.Int).Add(l.balance(token, to), amount))
	return nil
}

func (l *Ledger) burn(token, from common.Address, amount *uint256.Int) error {
	bal := l.balance(token, from)
	if bal.Lt(amount) {
		return ErrInsufficientBalance
	}
	l.setBalance(token, from, new(uint256.Int).Sub(bal, amount))
	if s, ok := l.supply[token]; ok {
		l.supply[token] = new(uint256.Int).Sub(s, amount)
	}
	return nil
}
