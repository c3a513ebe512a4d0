package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// VaultBalance is an owner's holding of one vault token.
type VaultBalance struct {
	Share  *uint256.Int
	Amount *uint256.Int
	// Pending is the unclaimed strategy reward, nil without a strategy.
	Pending *uint256.Int
}

// TokenBalance is an owner's wallet balance and allowance towards the vault.
type TokenBalance struct {
	Balance        *uint256.Int
	VaultAllowance *uint256.Int
}

// Mint credits amount of tok to to. Only operators reach this through the API.
func (e *Engine) Mint(ctx context.Context, tok, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Mint(tok, to, amount)
}

// Approve sets owner's allowance for spender on the token ledger.
func (e *Engine) Approve(ctx context.Context, tok, owner, spender common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Approve(tok, owner, spender, amount)
}

// Wallet returns owner's token balance and its allowance to the vault.
func (e *Engine) Wallet(tok, owner common.Address) TokenBalance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return TokenBalance{
		Balance:        e.ledger.BalanceOf(tok, owner),
		VaultAllowance: e.ledger.Allowance(tok, owner, e.vault.Address()),
	}
}

func (e *Engine) Deposit(ctx context.Context, caller, tok, from, to common.Address, amount, share *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.charge(caller, nil); err != nil {
		return nil, nil, err
	}
	return e.vault.Deposit(caller, tok, from, to, amount, share)
}

func (e *Engine) Withdraw(ctx context.Context, caller, tok, from, to common.Address, amount, share *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.charge(caller, nil); err != nil {
		return nil, nil, err
	}
	return e.vault.Withdraw(caller, tok, from, to, amount, share)
}

// Transfer moves vault shares to one or more recipients.
func (e *Engine) Transfer(ctx context.Context, caller, tok, from common.Address, tos []common.Address, shares []*uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.charge(caller, nil); err != nil {
		return err
	}
	return e.vault.TransferMultiple(caller, tok, from, tos, shares)
}

// SetOperator lets operator move owner's vault shares.
func (e *Engine) SetOperator(ctx context.Context, owner, operator common.Address, approved bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.SetOperator(owner, operator, approved)
}

// Harvest pays caller's pending strategy reward for tok.
func (e *Engine) Harvest(ctx context.Context, caller, tok common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.charge(caller, nil); err != nil {
		return err
	}
	return e.vault.Harvest(caller, tok)
}

// VaultBalance returns owner's shares of tok, their current amount and any
// pending strategy reward.
func (e *Engine) VaultBalance(tok, owner common.Address) (VaultBalance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	share := e.vault.BalanceOf(tok, owner)
	amount, err := e.vault.ToAmount(tok, share, false)
	if err != nil {
		return VaultBalance{}, err
	}
	out := VaultBalance{Share: share, Amount: amount}
	if info, ok := e.vault.StrategyInfo(tok); ok {
		if bound, ok := e.strategies[info.Strategy]; ok {
			_, total := e.vault.Totals(tok)
			pending, err := bound.strategy.Pending(owner, share, total)
			if err != nil {
				return VaultBalance{}, fmt.Errorf("strategy pending: %w", err)
			}
			out.Pending = pending
		}
	}
	return out, nil
}

// VaultTotals returns the pool's total amount and share.
func (e *Engine) VaultTotals(tok common.Address) (*uint256.Int, *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	amount, share := e.vault.Totals(tok)
	return fixed.Clone(amount), fixed.Clone(share)
}
