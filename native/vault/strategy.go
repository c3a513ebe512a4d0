package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/core/types"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
)

// MaxTargetBps is the largest share of a token pool that may be deployed into
// a strategy.
const MaxTargetBps = 10_000

var (
	ErrTargetOutOfRange = errors.New("vault: strategy target above 10000 bps")
	ErrNoStrategy       = errors.New("vault: no strategy bound")
	ErrStrategyDrained  = errors.New("vault: strategy reduced vault balance")
)

var bpsBase = uint256.NewInt(10_000)

// StrategyContext is handed to a strategy on every call so it can settle the
// caller's reward at the pre-call share and re-baseline it at the post-call
// share. Totals are the token's vault total share.
type StrategyContext struct {
	Token       common.Address
	Amount      *uint256.Int
	Caller      common.Address
	TotalBefore *uint256.Int
	TotalAfter  *uint256.Int
	ShareBefore *uint256.Int
	ShareAfter  *uint256.Int
}

// Strategy deploys idle vault tokens into an external yield source. Deposit is
// called after the vault transferred ctx.Amount to Address(). Withdraw must
// return ctx.Amount to the vault; any difference is booked as profit or loss.
// Exit returns everything the strategy holds for the vault to to.
type Strategy interface {
	Address() common.Address
	Deposit(ctx StrategyContext) error
	Withdraw(ctx StrategyContext) error
	Harvest(ctx StrategyContext) error
	Exit(to common.Address) error
}

type binding struct {
	strategy Strategy
	deployed uint256.Int
}

// StrategyInfo is a read-only view of a token's strategy binding.
type StrategyInfo struct {
	Strategy  common.Address
	TargetBps uint64
	Deployed  *uint256.Int
}

// StrategyInfo returns the token's binding. ok is false when nothing is bound.
func (v *Vault) StrategyInfo(tok common.Address) (StrategyInfo, bool) {
	p := v.peek(v.key(tok))
	info := StrategyInfo{TargetBps: p.targetBps, Deployed: new(uint256.Int)}
	if p.binding == nil || p.binding.strategy == nil {
		return info, false
	}
	info.Strategy = p.binding.strategy.Address()
	info.Deployed = fixed.Clone(&p.binding.deployed)
	return info, true
}

func wrapStrategy(op string, err error) error {
	return fmt.Errorf("vault: strategy %s: %w", op, err)
}

func (v *Vault) adminContext(key common.Address, p *pool) StrategyContext {
	return StrategyContext{
		Token:       key,
		Amount:      new(uint256.Int),
		TotalBefore: fixed.Clone(&p.totals.Base),
		TotalAfter:  fixed.Clone(&p.totals.Base),
		ShareBefore: new(uint256.Int),
		ShareAfter:  new(uint256.Int),
	}
}

// SetStrategy force-exits the current strategy, books its profit or loss and
// binds s in its place. Rewards still pending in the old strategy are not
// harvested. A nil s leaves the token without a strategy.
func (v *Vault) SetStrategy(tok common.Address, s Strategy) error {
	key := v.key(tok)
	release, err := v.enter(key)
	if err != nil {
		return err
	}
	defer release()

	p := v.pool(key)
	at := v.now()
	var evts []*types.Event
	if b := p.binding; b != nil && b.strategy != nil {
		addr := b.strategy.Address()
		before := v.ledger.BalanceOf(key, v.self)
		if err := b.strategy.Exit(v.self); err != nil {
			return wrapStrategy("exit", err)
		}
		after := v.ledger.BalanceOf(key, v.self)
		if after.Lt(before) {
			return ErrStrategyDrained
		}
		received := new(uint256.Int).Sub(after, before)
		var j nativecommon.Journal
		booked, err := v.realise(&j, key, p, addr, &b.deployed, received, at)
		if err != nil {
			return err
		}
		j.Commit()
		evts = append(evts, booked...)
		p.binding = nil
		v.logger().Info("vault strategy exited", "token", key.Hex(), "strategy", addr.Hex(), "received", received.Dec())
	}
	if s == nil {
		v.emitAll(append(evts, newStrategyEvent(EventTypeStrategySet, key, common.Address{}, nil, at)))
		return nil
	}

	p.binding = &binding{strategy: s}
	var j nativecommon.Journal
	pushed, err := v.rebalance(&j, key, p, v.adminContext(key, p))
	if err != nil {
		err = j.Abort(err)
		p.binding = nil
		v.emitAll(evts)
		return err
	}
	j.Commit()
	v.logger().Info("vault strategy set", "token", key.Hex(), "strategy", s.Address().Hex(), "targetBps", p.targetBps)
	evts = append(evts, newStrategyEvent(EventTypeStrategySet, key, s.Address(), fixed.Clone(&p.binding.deployed), at))
	v.emitAll(append(evts, pushed...))
	return nil
}

// SetStrategyTarget sets the share of the pool kept deployed and rebalances
// immediately.
func (v *Vault) SetStrategyTarget(tok common.Address, bps uint64) error {
	if bps > MaxTargetBps {
		return ErrTargetOutOfRange
	}
	key := v.key(tok)
	release, err := v.enter(key)
	if err != nil {
		return err
	}
	defer release()

	p := v.pool(key)
	prev := p.targetBps
	p.targetBps = bps
	var j nativecommon.Journal
	j.Record(func() { p.targetBps = prev })
	evts, err := v.rebalance(&j, key, p, v.adminContext(key, p))
	if err != nil {
		return j.Abort(err)
	}
	j.Commit()
	v.emitAll(append([]*types.Event{newTargetEvent(key, bps, v.now())}, evts...))
	return nil
}

// Harvest settles and pays caller's pending strategy reward without moving
// any principal.
func (v *Vault) Harvest(caller, tok common.Address) error {
	key := v.key(tok)
	release, err := v.enter(key)
	if err != nil {
		return err
	}
	defer release()

	p := v.pool(key)
	if p.binding == nil || p.binding.strategy == nil {
		return ErrNoStrategy
	}
	share := p.balance(caller)
	ctx := StrategyContext{
		Token:       key,
		Amount:      new(uint256.Int),
		Caller:      caller,
		TotalBefore: fixed.Clone(&p.totals.Base),
		TotalAfter:  fixed.Clone(&p.totals.Base),
		ShareBefore: share,
		ShareAfter:  fixed.Clone(share),
	}
	if err := p.binding.strategy.Harvest(ctx); err != nil {
		return wrapStrategy("harvest", err)
	}
	return nil
}

// rebalance moves tokens between the vault and the bound strategy until the
// deployed amount equals targetBps of the pool. With nothing to move the
// strategy still harvests so the caller's reward is settled.
func (v *Vault) rebalance(j *nativecommon.Journal, key common.Address, p *pool, ctx StrategyContext) ([]*types.Event, error) {
	b := p.binding
	if b == nil || b.strategy == nil {
		return nil, nil
	}
	target, err := fixed.MulDiv(&p.totals.Elastic, uint256.NewInt(p.targetBps), bpsBase, false)
	if err != nil {
		return nil, err
	}
	addr := b.strategy.Address()
	switch b.deployed.Cmp(target) {
	case -1:
		push := new(uint256.Int).Sub(target, &b.deployed)
		if err := v.ledger.Transfer(key, v.self, addr, push); err != nil {
			return nil, err
		}
		j.RecordStep(func() error { return v.recall(key, p, b, push) })
		prev := b.deployed
		b.deployed.Set(target)
		j.Record(func() { b.deployed = prev })
		ctx.Amount = push
		if err := b.strategy.Deposit(ctx); err != nil {
			return nil, wrapStrategy("deposit", err)
		}
		return nil, nil
	case 1:
		pull := new(uint256.Int).Sub(&b.deployed, target)
		before := v.ledger.BalanceOf(key, v.self)
		ctx.Amount = pull
		if err := b.strategy.Withdraw(ctx); err != nil {
			return nil, wrapStrategy("withdraw", err)
		}
		after := v.ledger.BalanceOf(key, v.self)
		if after.Lt(before) {
			return nil, ErrStrategyDrained
		}
		received := new(uint256.Int).Sub(after, before)
		j.RecordStep(func() error { return v.redeploy(key, p, b, received) })
		prev := b.deployed
		b.deployed.Set(target)
		j.Record(func() { b.deployed = prev })
		return v.realise(j, key, p, addr, pull, received, v.now())
	default:
		ctx.Amount = new(uint256.Int)
		if err := b.strategy.Harvest(ctx); err != nil {
			return nil, wrapStrategy("harvest", err)
		}
		return nil, nil
	}
}

// undoContext is the strategy context of a rollback step. It names no caller
// so no reward is paid or re-baselined on anyone's behalf.
func (v *Vault) undoContext(key common.Address, p *pool, amount *uint256.Int) StrategyContext {
	ctx := v.adminContext(key, p)
	ctx.Amount = fixed.Clone(amount)
	return ctx
}

// recall takes back amount pushed to a strategy. Tokens the strategy never
// staked are moved back directly; staked ones come back through the
// strategy's Withdraw. The vault's balance must grow by amount either way.
func (v *Vault) recall(key common.Address, p *pool, b *binding, amount *uint256.Int) error {
	addr := b.strategy.Address()
	if !v.ledger.BalanceOf(key, addr).Lt(amount) {
		return v.ledger.Transfer(key, addr, v.self, amount)
	}
	before := v.ledger.BalanceOf(key, v.self)
	if err := b.strategy.Withdraw(v.undoContext(key, p, amount)); err != nil {
		return fmt.Errorf("vault: recall %s from strategy %s: %w", amount.Dec(), addr.Hex(), err)
	}
	got := new(uint256.Int).Sub(v.ledger.BalanceOf(key, v.self), before)
	if got.Lt(amount) {
		return fmt.Errorf("vault: recall from strategy %s returned %s of %s", addr.Hex(), got.Dec(), amount.Dec())
	}
	return nil
}

// redeploy hands amount pulled from a strategy back to it and has it staked
// again, so the strategy's yield source matches the restored deployed amount.
func (v *Vault) redeploy(key common.Address, p *pool, b *binding, amount *uint256.Int) error {
	addr := b.strategy.Address()
	if err := v.ledger.Transfer(key, v.self, addr, amount); err != nil {
		return fmt.Errorf("vault: redeploy to strategy %s: %w", addr.Hex(), err)
	}
	if err := b.strategy.Deposit(v.undoContext(key, p, amount)); err != nil {
		return fmt.Errorf("vault: redeploy to strategy %s: %w", addr.Hex(), err)
	}
	return nil
}

// realise books the difference between what the vault asked a strategy for
// and what it received into the pool's total amount.
func (v *Vault) realise(j *nativecommon.Journal, key common.Address, p *pool, strategy common.Address, requested, received *uint256.Int, at int64) ([]*types.Event, error) {
	prev := p.totals.Clone()
	switch requested.Cmp(received) {
	case -1:
		profit := new(uint256.Int).Sub(received, requested)
		if err := p.totals.AddElastic(profit); err != nil {
			return nil, err
		}
		j.Record(func() { p.totals = prev })
		v.logger().Info("vault strategy profit", "token", key.Hex(), "strategy", strategy.Hex(), "amount", profit.Dec())
		return []*types.Event{newStrategyEvent(EventTypeStrategyProfit, key, strategy, profit, at)}, nil
	case 1:
		loss := new(uint256.Int).Sub(requested, received)
		loss = fixed.Min(loss, &p.totals.Elastic)
		if err := p.totals.SubElastic(loss); err != nil {
			return nil, err
		}
		j.Record(func() { p.totals = prev })
		v.logger().Info("vault strategy loss", "token", key.Hex(), "strategy", strategy.Hex(), "amount", loss.Dec())
		return []*types.Event{newStrategyEvent(EventTypeStrategyLoss, key, strategy, loss, at)}, nil
	}
	return nil, nil
}
