// Package engine owns the in-process lending ledger: token balances, the
// vault, every debt market, price feeds and reward strategies. Each call runs
// under one mutex, which is the service's serialisable transaction boundary.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/config"
	"cdpledger/core/events"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
	"cdpledger/native/market"
	"cdpledger/native/oracle"
	"cdpledger/native/strategy"
	"cdpledger/native/swapper"
	"cdpledger/native/token"
	"cdpledger/native/vault"
	"cdpledger/observability"
	"cdpledger/state"
)

// Options wires an Engine.
type Options struct {
	Vault         common.Address
	WrappedNative common.Address
	Risk          *config.Store
	// Store persists snapshots. Nil keeps the engine in memory only.
	Store        *state.Store
	Logger       *slog.Logger
	EventHistory int
	// Emitters receive every ledger event next to the built-in history.
	Emitters []events.Emitter
	NowFn    func() int64
}

// StrategyParams binds a reward strategy backed by an in-memory farm to a vault
// token.
type StrategyParams struct {
	Address         common.Address
	Farm            common.Address
	Token           common.Address
	RewardToken     common.Address
	RewardPerSecond *uint256.Int
	TargetBps       uint64
}

type boundStrategy struct {
	strategy *strategy.RewardStrategy
	farm     *strategy.Farm
	token    common.Address
}

// Engine is the lending ledger behind the HTTP service.
type Engine struct {
	mu sync.Mutex

	ledger   *token.Ledger
	vault    *vault.Vault
	oracle   *oracle.Aggregator
	manual   *oracle.ManualSource
	registry *market.BadDebtRegistry
	risk     *config.Store
	store    *state.Store
	history  *events.Recorder
	emitter  events.Emitter
	log      *slog.Logger
	nowFn    func() int64

	feeds      map[string]common.Address
	markets    map[common.Address]*market.Market
	order      []common.Address
	swappers   map[string]*swapper.FixedRate
	strategies map[common.Address]*boundStrategy
	quotas     map[common.Address]nativecommon.QuotaNow

	started bool
}

// New constructs an engine with an empty ledger and vault. Operator pauses
// from the risk store take effect once Start is called so boot wiring and
// snapshot restore are never blocked by them.
func New(opts Options) (*Engine, error) {
	if opts.Risk == nil {
		return nil, fmt.Errorf("engine: risk store required")
	}
	if opts.Vault == (common.Address{}) {
		return nil, fmt.Errorf("engine: vault address required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := events.NewRecorder(opts.EventHistory)
	emitter := events.Fanout(append([]events.Emitter{history}, opts.Emitters...))

	e := &Engine{
		ledger:     token.NewLedger(opts.WrappedNative),
		oracle:     oracle.NewAggregator(),
		manual:     oracle.NewManualSource("manual", 0),
		registry:   market.NewBadDebtRegistry(),
		risk:       opts.Risk,
		store:      opts.Store,
		history:    history,
		emitter:    emitter,
		log:        logger,
		nowFn:      opts.NowFn,
		feeds:      make(map[string]common.Address),
		markets:    make(map[common.Address]*market.Market),
		swappers:   make(map[string]*swapper.FixedRate),
		strategies: make(map[common.Address]*boundStrategy),
		quotas:     make(map[common.Address]nativecommon.QuotaNow),
	}
	e.vault = vault.New(opts.Vault, e.ledger)
	e.vault.SetPauses(livePauses{e})
	e.vault.SetEmitter(emitter)
	e.vault.SetLogger(logger.With("component", "vault"))
	if e.nowFn != nil {
		e.vault.SetNowFunc(e.nowFn)
	}
	e.oracle.SetLogger(logger.With("component", "oracle"))
	e.oracle.SetInvalidHook(func(tok common.Address, source string, _ error) {
		observability.Lending().RecordOracleFailure(tok, source)
	})
	return e, nil
}

// livePauses defers to the risk store once the engine has started.
type livePauses struct{ e *Engine }

func (p livePauses) IsPaused(module string) bool {
	return p.e.started && p.e.risk.IsPaused(module)
}

// Start enables operator pauses. Call it after feeds, markets and strategies
// are registered and snapshots restored.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
}

// Manual returns the in-memory price source feeds can reference as "manual".
func (e *Engine) Manual() *oracle.ManualSource { return e.manual }

// Ledger exposes the token ledger for wiring and tests.
func (e *Engine) Ledger() *token.Ledger { return e.ledger }

// VaultAddress returns the account the vault custodies tokens under.
func (e *Engine) VaultAddress() common.Address { return e.vault.Address() }

// AddFeed registers a price feed under name. Markets reference feeds by name
// and the aggregator prices token with the given sources.
func (e *Engine) AddFeed(name string, tok common.Address, sources []oracle.Source, data [][]byte, maxDeviation fixed.Wad) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strings.TrimSpace(name)
	if key == "" {
		return fmt.Errorf("engine: feed name required")
	}
	if _, ok := e.feeds[key]; ok {
		return fmt.Errorf("%w: feed %s", ErrDuplicate, key)
	}
	if err := e.oracle.SetSources(tok, sources, data, maxDeviation); err != nil {
		return err
	}
	e.feeds[key] = tok
	return nil
}

// AddMarket creates the market described by b. Its feed must already exist.
func (e *Engine) AddMarket(b config.MarketBinding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[b.Address]; ok {
		return fmt.Errorf("%w: market %s", ErrDuplicate, b.Address.Hex())
	}
	feed, ok := e.feeds[b.Oracle]
	if !ok {
		return fmt.Errorf("%w: feed %q for market %s", ErrNotFound, b.Oracle, b.Address.Hex())
	}
	m, err := market.New(market.Config{
		Address:    b.Address,
		Collateral: b.Collateral,
		Debt:       b.Debt,
		Oracle:     e.oracle.AsSource(),
		OracleData: oracle.TokenData(feed),
	}, e.vault, e.risk)
	if err != nil {
		return err
	}
	m.SetPauses(livePauses{e})
	m.SetBadDebtSink(e.registry)
	m.SetEmitter(e.emitter)
	m.SetLogger(e.log.With("component", "market", "market", b.Address.Hex()))
	if e.nowFn != nil {
		m.SetNowFunc(e.nowFn)
	}
	e.registry.Register(m)
	e.markets[b.Address] = m
	e.order = append(e.order, b.Address)
	return nil
}

// AddSwapper registers a fixed-rate liquidation venue under name.
func (e *Engine) AddSwapper(name string, addr common.Address) (*swapper.FixedRate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("engine: swapper name required")
	}
	if _, ok := e.swappers[key]; ok {
		return nil, fmt.Errorf("%w: swapper %s", ErrDuplicate, key)
	}
	s := swapper.NewFixedRate(addr, e.vault)
	s.SetLogger(e.log.With("component", "swapper", "swapper", key))
	e.swappers[key] = s
	return s, nil
}

// AddStrategy binds a reward strategy to params.Token in the vault.
func (e *Engine) AddStrategy(params StrategyParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[params.Address]; ok {
		return fmt.Errorf("%w: strategy %s", ErrDuplicate, params.Address.Hex())
	}
	farm := strategy.NewFarm(params.Farm, params.Token, params.RewardToken, e.ledger)
	if e.nowFn != nil {
		farm.SetNowFunc(e.nowFn)
	}
	if params.RewardPerSecond != nil {
		if err := farm.SetRewardPerSecond(params.RewardPerSecond); err != nil {
			return err
		}
	}
	s, err := strategy.New(params.Address, e.vault.Address(), params.Token, params.RewardToken, e.ledger, farm)
	if err != nil {
		return err
	}
	s.SetLogger(e.log.With("component", "strategy", "token", params.Token.Hex()))
	if err := e.vault.SetStrategy(params.Token, s); err != nil {
		return err
	}
	if params.TargetBps > 0 {
		if err := e.vault.SetStrategyTarget(params.Token, params.TargetBps); err != nil {
			return err
		}
	}
	e.strategies[params.Address] = &boundStrategy{strategy: s, farm: farm, token: params.Token}
	return nil
}

func (e *Engine) market(addr common.Address) (*market.Market, error) {
	m, ok := e.markets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, addr.Hex())
	}
	return m, nil
}

// Markets lists registered market addresses in registration order.
func (e *Engine) Markets() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]common.Address(nil), e.order...)
}

// Feeds lists registered feed names.
func (e *Engine) Feeds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.feeds))
	for name := range e.feeds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// observe refreshes the market gauges after a mutation.
func (e *Engine) observe(m *market.Market) {
	g := m.Globals()
	observability.Lending().RecordBooks(m.Address(), g.TotalDebtValue, g.BadDebtShare, g.Surplus)
}

func (e *Engine) now() int64 {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now().Unix()
}

// charge books one request and volume against caller's quota for the current
// epoch. Callers hold e.mu.
func (e *Engine) charge(caller common.Address, volume *uint256.Int) error {
	q := e.risk.Quota()
	next, err := nativecommon.CheckQuota(q, q.Epoch(e.now()), e.quotas[caller], 1, volume)
	if err != nil {
		observability.ModuleMetrics().RecordThrottle("lending", "quota_exceeded")
		return err
	}
	e.quotas[caller] = next
	return nil
}
