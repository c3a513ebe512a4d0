package engine

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"cdpledger/native/vault"
	"cdpledger/state"
)

var errNoStore = errors.New("engine: no state store configured")

// Persist writes the ledger, the vault, the markets and the strategies to
// the state store in one batch.
func (e *Engine) Persist() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return errNoStore
	}
	err := e.store.Update(func(tx *state.Store) error {
		if err := tx.SaveLedger(e.ledger.Snapshot()); err != nil {
			return fmt.Errorf("persist ledger: %w", err)
		}
		if err := tx.SaveVault(e.vault.Snapshot()); err != nil {
			return fmt.Errorf("persist vault: %w", err)
		}
		for _, addr := range e.order {
			if err := tx.SaveMarket(addr, e.markets[addr].Snapshot()); err != nil {
				return fmt.Errorf("persist market %s: %w", addr.Hex(), err)
			}
		}
		for addr, bound := range e.strategies {
			if err := tx.SaveRewards(addr, bound.strategy.Rewards().Snapshot()); err != nil {
				return fmt.Errorf("persist strategy %s: %w", addr.Hex(), err)
			}
			if err := tx.SaveFarm(bound.farm.Address(), bound.farm.Snapshot()); err != nil {
				return fmt.Errorf("persist farm %s: %w", bound.farm.Address().Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info("state persisted", "markets", len(e.order), "strategies", len(e.strategies))
	return nil
}

// Restore loads whatever the state store holds for the registered components.
// Markets with a snapshot but no configuration are skipped with a warning.
// Bad debt recorded in restored markets is re-reported to the registry.
func (e *Engine) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return errNoStore
	}
	if err := e.store.CheckVersion(); err != nil {
		return err
	}
	if st, ok, err := e.store.LoadLedger(); err != nil {
		return err
	} else if ok {
		if err := e.ledger.Restore(st); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
	}
	for addr, bound := range e.strategies {
		if st, ok, err := e.store.LoadRewards(addr); err != nil {
			return err
		} else if ok {
			bound.strategy.Rewards().Restore(st)
		}
		if st, ok, err := e.store.LoadFarm(bound.farm.Address()); err != nil {
			return err
		} else if ok {
			bound.farm.Restore(st)
		}
	}
	if st, ok, err := e.store.LoadVault(); err != nil {
		return err
	} else if ok {
		resolve := func(addr common.Address) (vault.Strategy, bool) {
			bound, found := e.strategies[addr]
			if !found {
				return nil, false
			}
			return bound.strategy, true
		}
		if err := e.vault.Restore(st, resolve); err != nil {
			return fmt.Errorf("restore vault: %w", err)
		}
	}
	persisted, err := e.store.Markets()
	if err != nil {
		return err
	}
	for _, addr := range persisted {
		m, ok := e.markets[addr]
		if !ok {
			e.log.Warn("persisted market is not configured", "market", addr.Hex())
			continue
		}
		st, _, err := e.store.LoadMarket(addr)
		if err != nil {
			return err
		}
		if err := m.Restore(st); err != nil {
			return fmt.Errorf("restore market %s: %w", addr.Hex(), err)
		}
		bad, err := m.BadDebt()
		if err != nil {
			return err
		}
		e.registry.OnBadDebt(addr, bad)
		e.observe(m)
	}
	e.log.Info("state restored", "markets", len(persisted))
	return nil
}
