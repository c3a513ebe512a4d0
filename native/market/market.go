package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/core/events"
	"cdpledger/core/types"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
)

const moduleName = "market"

var (
	ErrSlippage               = errors.New("market: slippage")
	ErrUnsafe                 = errors.New("market: !safe")
	ErrNotLiquidatable        = errors.New("market: !position")
	ErrBadTreasury            = errors.New("market: bad treasury")
	ErrMinDebt                = errors.New("market: min debt")
	ErrInsufficientLiquidity  = errors.New("market: insufficient debt token liquidity")
	ErrInsufficientCollateral = errors.New("market: insufficient collateral")
	ErrRepayExceedsDebt       = errors.New("market: repay exceeds debt")
	ErrZeroAmount             = errors.New("market: zero amount")
	ErrZeroRecipient          = errors.New("market: recipient is the zero address")
	ErrLengthMismatch         = errors.New("market: users and max debts length mismatch")
	ErrInvalidPrice           = errors.New("market: oracle returned zero price")
	ErrNotConfigured          = errors.New("market: vault, oracle or risk config missing")
	ErrNothingLiquidated      = errors.New("market: nothing to liquidate")
)

// All is the repay sentinel meaning the full outstanding debt share.
func All() *uint256.Int { return fixed.Max() }

func isAll(v *uint256.Int) bool { return v != nil && v.Eq(fixed.Max()) }

// Market is an isolated lending market: one collateral token, one debt token,
// one price feed. Positions are tracked in vault shares for collateral and in
// debt shares against the (totalDebtValue, totalDebtShare) rebase for debt.
type Market struct {
	cfg     Config
	vault   Vault
	risk    RiskConfig
	sink    BadDebtSink
	pauses  nativecommon.PauseView
	emitter events.Emitter
	log     *slog.Logger
	nowFn   func() int64
	lock    nativecommon.Lock

	debt           fixed.Rebase
	totalColl      uint256.Int
	surplus        uint256.Int
	badDebtShare   uint256.Int
	lastAccrue     int64
	interestPerSec fixed.Wad
	positions      map[common.Address]*position
}

// New constructs a market over the given vault and risk parameters.
func New(cfg Config, v Vault, risk RiskConfig) (*Market, error) {
	if v == nil || risk == nil || cfg.Oracle == nil {
		return nil, ErrNotConfigured
	}
	if cfg.Address == (common.Address{}) || cfg.Collateral == (common.Address{}) || cfg.Debt == (common.Address{}) {
		return nil, ErrZeroRecipient
	}
	if cfg.Collateral == cfg.Debt {
		return nil, fmt.Errorf("market: collateral and debt token must differ")
	}
	m := &Market{
		cfg:       cfg,
		vault:     v,
		risk:      risk,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
		positions: make(map[common.Address]*position),
	}
	m.lastAccrue = m.now()
	m.interestPerSec = risk.InterestPerSecond(cfg.Address)
	return m, nil
}

// Address returns the account the market holds vault shares under.
func (m *Market) Address() common.Address { return m.cfg.Address }

// Collateral returns the collateral token.
func (m *Market) Collateral() common.Address { return m.cfg.Collateral }

// Debt returns the debt token.
func (m *Market) Debt() common.Address { return m.cfg.Debt }

// SetPauses wires the pause switch consulted by every mutating entry point.
func (m *Market) SetPauses(p nativecommon.PauseView) { m.pauses = p }

// SetBadDebtSink configures who is told about unrecoverable shortfalls.
func (m *Market) SetBadDebtSink(sink BadDebtSink) { m.sink = sink }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (m *Market) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetLogger configures the structured logger. Passing nil uses slog.Default.
func (m *Market) SetLogger(l *slog.Logger) { m.log = l }

// SetNowFunc overrides the clock. The accrual cursor is moved to the new
// clock's present so no interest is charged for the switch.
func (m *Market) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	m.nowFn = now
	m.lastAccrue = now()
}

func (m *Market) logger() *slog.Logger {
	if m.log == nil {
		return slog.Default()
	}
	return m.log
}

func (m *Market) now() int64 {
	if m.nowFn == nil {
		return time.Now().Unix()
	}
	return m.nowFn()
}

// call carries the per-invocation state: the clock sample, the undo journal,
// the lazily fetched price, the vault moves staged for settlement and the
// events to emit on success.
type call struct {
	ctx     context.Context
	at      int64
	j       nativecommon.Journal
	price   fixed.Wad
	priced  bool
	touched map[common.Address]bool
	moves   []move
	evts    []*types.Event
	bad     []*uint256.Int
}

type globalsSnapshot struct {
	debt       fixed.Rebase
	totalColl  uint256.Int
	surplus    uint256.Int
	bad        uint256.Int
	lastAccrue int64
	rate       fixed.Wad
}

// begin runs the pause check, takes the market lock and records the global
// aggregates so a failed call can restore them.
func (m *Market) begin(ctx context.Context) (*call, error) {
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := m.lock.Enter(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c := &call{ctx: ctx, at: m.now(), touched: make(map[common.Address]bool)}
	saved := globalsSnapshot{
		debt:       m.debt.Clone(),
		totalColl:  m.totalColl,
		surplus:    m.surplus,
		bad:        m.badDebtShare,
		lastAccrue: m.lastAccrue,
		rate:       m.interestPerSec,
	}
	c.j.Record(func() {
		m.debt = saved.debt
		m.totalColl = saved.totalColl
		m.surplus = saved.surplus
		m.badDebtShare = saved.bad
		m.lastAccrue = saved.lastAccrue
		m.interestPerSec = saved.rate
	})
	return c, nil
}

// finish settles the staged vault moves, then commits or rolls back the
// call and releases the lock. On success it emits events and reports bad
// debt. A rollback that could not be completed is logged and returned with
// the cause.
func (m *Market) finish(c *call, err error) error {
	defer m.lock.Exit()
	if err == nil {
		err = m.settle(c)
	}
	if err != nil {
		err = c.j.Abort(err)
		if errors.Is(err, nativecommon.ErrRollbackFailed) {
			m.logger().Error("market rollback incomplete", "market", m.cfg.Address.Hex(), "error", err)
		}
		return err
	}
	c.j.Commit()
	for _, evt := range c.evts {
		m.emitter.Emit(marketEvent{evt: evt})
	}
	if m.sink != nil {
		for _, value := range c.bad {
			m.sink.OnBadDebt(m.cfg.Address, value)
		}
	}
	return nil
}

// position returns user's position for mutation, recording its prior value in
// the call journal on first touch.
func (m *Market) position(c *call, user common.Address) *position {
	p, ok := m.positions[user]
	if !c.touched[user] {
		c.touched[user] = true
		if ok {
			saved := *p
			c.j.Record(func() {
				restored := saved
				m.positions[user] = &restored
			})
		} else {
			c.j.Record(func() { delete(m.positions, user) })
		}
	}
	if !ok {
		p = &position{}
		m.positions[user] = p
	}
	return p
}

// prune drops empty positions so snapshots stay small.
func (m *Market) prune(user common.Address) {
	if p, ok := m.positions[user]; ok && p.collateral.IsZero() && p.debt.IsZero() {
		delete(m.positions, user)
	}
}

// accrue charges interest for the time elapsed since the last accrual.
func (m *Market) accrue(c *call) error {
	elapsed := c.at - m.lastAccrue
	if elapsed <= 0 {
		return nil
	}
	rate := m.risk.InterestPerSecond(m.cfg.Address)
	m.interestPerSec = rate
	m.lastAccrue = c.at
	if m.debt.Base.IsZero() || rate.IsZero() {
		return nil
	}
	perPeriod, err := fixed.Mul(rate.Int(), uint256.NewInt(uint64(elapsed)))
	if err != nil {
		return err
	}
	interest, err := fixed.MulDiv(&m.debt.Elastic, perPeriod, fixed.WadUnit().Int(), false)
	if err != nil {
		return err
	}
	if interest.IsZero() {
		return nil
	}
	if err := m.debt.AddElastic(interest); err != nil {
		return err
	}
	surplus, err := fixed.Add(&m.surplus, interest)
	if err != nil {
		return err
	}
	if err := fixed.CheckTotal(surplus); err != nil {
		return err
	}
	m.surplus.Set(surplus)
	c.evts = append(c.evts, newAccrueEvent(interest, elapsed, c.at))
	return nil
}

// currentPrice fetches the oracle price once per call.
func (m *Market) currentPrice(c *call) (fixed.Wad, error) {
	if c.priced {
		return c.price, nil
	}
	price, err := m.cfg.Oracle.Get(c.ctx, m.cfg.OracleData)
	if err != nil {
		return fixed.Wad{}, fmt.Errorf("market: price: %w", err)
	}
	if price.IsZero() {
		return fixed.Wad{}, ErrInvalidPrice
	}
	c.price, c.priced = price, true
	return price, nil
}

// checkBand rejects prices outside [minPrice, maxPrice]. A zero maxPrice
// leaves the upper side open.
func (m *Market) checkBand(c *call, minPrice, maxPrice fixed.Wad) error {
	price, err := m.currentPrice(c)
	if err != nil {
		return err
	}
	if price.Cmp(minPrice) < 0 || (!maxPrice.IsZero() && price.Cmp(maxPrice) > 0) {
		return ErrSlippage
	}
	return nil
}

// safe evaluates the solvency condition for p at price.
func (m *Market) safe(p *position, price fixed.Wad, user common.Address) (bool, error) {
	if p == nil || p.debt.IsZero() {
		return true, nil
	}
	if p.collateral.IsZero() {
		return false, nil
	}
	amount, err := m.vault.ToAmount(m.cfg.Collateral, &p.collateral, false)
	if err != nil {
		return false, err
	}
	value, err := price.MulInt(amount, false)
	if err != nil {
		return false, err
	}
	limit, err := fixed.MulDiv(value, uint256.NewInt(m.risk.CollateralFactor(m.cfg.Address, user)), uint256.NewInt(FactorBase), false)
	if err != nil {
		return false, err
	}
	owed, err := m.debt.ToElastic(&p.debt, true)
	if err != nil {
		return false, err
	}
	return !limit.Lt(owed), nil
}

// requireSafe fails with ErrUnsafe when user's position is insolvent.
func (m *Market) requireSafe(c *call, user common.Address) error {
	p := m.positions[user]
	if p == nil || p.debt.IsZero() {
		return nil
	}
	price, err := m.currentPrice(c)
	if err != nil {
		return err
	}
	ok, err := m.safe(p, price, user)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnsafe
	}
	return nil
}

// requireMinDebt rejects a remaining debt value that is non-zero but below
// the configured floor.
func (m *Market) requireMinDebt(p *position) error {
	if p.debt.IsZero() {
		return nil
	}
	floor := m.risk.MinDebtSize(m.cfg.Address)
	if floor == nil || floor.IsZero() {
		return nil
	}
	value, err := m.debt.ToElastic(&p.debt, true)
	if err != nil {
		return err
	}
	if value.Lt(floor) {
		return ErrMinDebt
	}
	return nil
}

// DebtShareToValue converts debt shares into debt value.
func (m *Market) DebtShareToValue(share *uint256.Int, roundUp bool) (*uint256.Int, error) {
	return m.debt.ToElastic(share, roundUp)
}

// DebtValueToShare converts debt value into debt shares.
func (m *Market) DebtValueToShare(value *uint256.Int, roundUp bool) (*uint256.Int, error) {
	return m.debt.ToBase(value, roundUp)
}

// Price returns the current oracle price of the collateral in debt units.
func (m *Market) Price(ctx context.Context) (fixed.Wad, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &call{ctx: ctx}
	return m.currentPrice(c)
}

// IsSafe reports whether user's position is solvent at the current price.
func (m *Market) IsSafe(ctx context.Context, user common.Address) (bool, error) {
	p := m.positions[user]
	if p == nil || p.debt.IsZero() {
		return true, nil
	}
	price, err := m.Price(ctx)
	if err != nil {
		return false, err
	}
	return m.safe(p, price, user)
}

// Position returns user's collateral and debt shares.
func (m *Market) Position(user common.Address) Position {
	if p, ok := m.positions[user]; ok {
		return p.view()
	}
	return Position{CollateralShare: fixed.Zero(), DebtShare: fixed.Zero()}
}

// Globals returns the market aggregates.
func (m *Market) Globals() Globals {
	return Globals{
		TotalCollateralShare: fixed.Clone(&m.totalColl),
		TotalDebtShare:       fixed.Clone(&m.debt.Base),
		TotalDebtValue:       fixed.Clone(&m.debt.Elastic),
		BadDebtShare:         fixed.Clone(&m.badDebtShare),
		Surplus:              fixed.Clone(&m.surplus),
		LastAccrueTime:       m.lastAccrue,
		InterestPerSecond:    m.interestPerSec,
	}
}

// BadDebt returns the current value of the bad-debt bucket.
func (m *Market) BadDebt() (*uint256.Int, error) {
	return m.debt.ToElastic(&m.badDebtShare, true)
}

// Accrue charges outstanding interest without any other effect.
func (m *Market) Accrue(ctx context.Context) (err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { err = m.finish(c, err) }()
	return m.accrue(c)
}
