package vault

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/core/events"
	"cdpledger/core/types"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
	"cdpledger/native/token"
)

const moduleName = "vault"

// MinimumShareBalance is the smallest non-zero total share a token pool may
// hold. Pools are either empty or at least this large so the exchange rate of
// a near-empty pool cannot be skewed by donations.
const MinimumShareBalance = 1000

var (
	ErrZeroRecipient       = errors.New("vault: recipient is the zero address")
	ErrUnauthorized        = errors.New("vault: caller may not act for owner")
	ErrInsufficientShares  = errors.New("vault: insufficient share balance")
	ErrNothingToDo         = errors.New("vault: amount or share required")
	ErrMinimumShareBalance = errors.New("vault: remaining total share below minimum")
	ErrLedgerNotConfigured = errors.New("vault: token ledger not configured")
	ErrLengthMismatch      = errors.New("vault: recipients and shares length mismatch")
)

// TokenLedger is the fungible token primitive the vault custodies balances
// with. Transfer is unauthenticated: the vault only ever moves its own funds
// or claws back funds it handed to a collaborator within the same call.
type TokenLedger interface {
	BalanceOf(token, owner common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *uint256.Int) error
	Wrap(owner common.Address, amount *uint256.Int) error
	Unwrap(owner common.Address, amount *uint256.Int) error
	WrappedNative() common.Address
}

// pool is the per-token ledger: the amount/share rebase, the individual share
// balances and the optional strategy binding.
type pool struct {
	totals    fixed.Rebase
	balances  map[common.Address]*uint256.Int
	targetBps uint64
	binding   *binding
}

// Vault is a multi-token share ledger. Each token has its own exchange rate
// (totalAmount/totalShare) which only moves up with strategy profit and flash
// loan fees, and down with strategy losses.
type Vault struct {
	self      common.Address
	ledger    TokenLedger
	pauses    nativecommon.PauseView
	emitter   events.Emitter
	log       *slog.Logger
	nowFn     func() int64
	pools     map[common.Address]*pool
	operators map[common.Address]map[common.Address]bool

	locksMu sync.Mutex
	locks   map[common.Address]*nativecommon.Lock
}

// New constructs a vault that custodies tokens at address self.
func New(self common.Address, ledger TokenLedger) *Vault {
	return &Vault{
		self:      self,
		ledger:    ledger,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
		pools:     make(map[common.Address]*pool),
		operators: make(map[common.Address]map[common.Address]bool),
		locks:     make(map[common.Address]*nativecommon.Lock),
	}
}

// Address returns the account the vault custodies tokens under.
func (v *Vault) Address() common.Address { return v.self }

// SetPauses wires the pause switch consulted by every mutating entry point.
func (v *Vault) SetPauses(p nativecommon.PauseView) { v.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

// SetLogger configures the structured logger. Passing nil uses slog.Default.
func (v *Vault) SetLogger(l *slog.Logger) { v.log = l }

// SetNowFunc overrides the clock used to timestamp events.
func (v *Vault) SetNowFunc(now func() int64) {
	if now == nil {
		v.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	v.nowFn = now
}

func (v *Vault) logger() *slog.Logger {
	if v.log == nil {
		return slog.Default()
	}
	return v.log
}

func (v *Vault) now() int64 {
	if v.nowFn == nil {
		return time.Now().Unix()
	}
	return v.nowFn()
}

// key maps the native coin sentinel onto the wrapped token the vault actually
// accounts in.
func (v *Vault) key(tok common.Address) common.Address {
	if tok == token.NativeCoin && v.ledger != nil {
		return v.ledger.WrappedNative()
	}
	return tok
}

func (v *Vault) pool(tok common.Address) *pool {
	p, ok := v.pools[tok]
	if !ok {
		p = &pool{balances: make(map[common.Address]*uint256.Int)}
		v.pools[tok] = p
	}
	return p
}

func (v *Vault) lockFor(tok common.Address) *nativecommon.Lock {
	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	l, ok := v.locks[tok]
	if !ok {
		l = &nativecommon.Lock{}
		v.locks[tok] = l
	}
	return l
}

// enter runs the pause check and takes the token's reentrancy lock.
func (v *Vault) enter(tok common.Address) (func(), error) {
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return nil, err
	}
	if v.ledger == nil {
		return nil, ErrLedgerNotConfigured
	}
	l := v.lockFor(tok)
	if err := l.Enter(); err != nil {
		return nil, err
	}
	return l.Exit, nil
}

func (v *Vault) emitAll(evts []*types.Event) {
	for _, evt := range evts {
		v.emitter.Emit(vaultEvent{evt: evt})
	}
}

// peek returns the token's pool without materialising an empty one.
func (v *Vault) peek(tok common.Address) *pool {
	if p, ok := v.pools[tok]; ok {
		return p
	}
	return &pool{balances: map[common.Address]*uint256.Int{}}
}

// ToShare converts an amount of token into shares at the current rate.
func (v *Vault) ToShare(tok common.Address, amount *uint256.Int, roundUp bool) (*uint256.Int, error) {
	p := v.peek(v.key(tok))
	return p.totals.ToBase(amount, roundUp)
}

// ToAmount converts shares of token into an amount at the current rate.
func (v *Vault) ToAmount(tok common.Address, share *uint256.Int, roundUp bool) (*uint256.Int, error) {
	p := v.peek(v.key(tok))
	return p.totals.ToElastic(share, roundUp)
}

// Totals returns the token's total amount and total share.
func (v *Vault) Totals(tok common.Address) (amount, share *uint256.Int) {
	p := v.peek(v.key(tok))
	return fixed.Clone(&p.totals.Elastic), fixed.Clone(&p.totals.Base)
}

// BalanceOf returns owner's share balance of token.
func (v *Vault) BalanceOf(tok, owner common.Address) *uint256.Int {
	p := v.peek(v.key(tok))
	return fixed.Clone(p.balances[owner])
}

// Holders returns the number of accounts with a non-zero share balance.
func (v *Vault) Holders(tok common.Address) int {
	return len(v.peek(v.key(tok)).balances)
}

// SetOperator lets operator move owner's shares. Markets are approved this way
// before they can take collateral or repayments from a user.
func (v *Vault) SetOperator(owner, operator common.Address, approved bool) error {
	if owner == (common.Address{}) || operator == (common.Address{}) {
		return ErrZeroRecipient
	}
	byOwner, ok := v.operators[owner]
	if !ok {
		byOwner = make(map[common.Address]bool)
		v.operators[owner] = byOwner
	}
	if approved {
		byOwner[operator] = true
	} else {
		delete(byOwner, operator)
	}
	return nil
}

// IsOperator reports whether operator may act for owner.
func (v *Vault) IsOperator(owner, operator common.Address) bool {
	return v.operators[owner][operator]
}

func (v *Vault) authorize(caller, from common.Address) error {
	if caller == from || v.operators[from][caller] {
		return nil
	}
	return ErrUnauthorized
}

// setBalance writes a share balance, dropping zero entries.
func (p *pool) setBalance(owner common.Address, v *uint256.Int) {
	if v == nil || v.IsZero() {
		delete(p.balances, owner)
		return
	}
	p.balances[owner] = v
}

func (p *pool) balance(owner common.Address) *uint256.Int {
	return fixed.Clone(p.balances[owner])
}

// checkFloor rejects a total share strictly between zero and the minimum.
func checkFloor(totalShare *uint256.Int) error {
	if !totalShare.IsZero() && totalShare.Lt(uint256.NewInt(MinimumShareBalance)) {
		return ErrMinimumShareBalance
	}
	return nil
}
