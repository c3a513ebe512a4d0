package vault

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/core/types"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
	"cdpledger/native/token"
)

var ErrZeroShare = errors.New("vault: deposit rounds to zero shares")

func isZero(v *uint256.Int) bool { return v == nil || v.IsZero() }

// Deposit pulls tokens from from and credits shares to to. When share is
// non-zero it is the primary input and the amount owed is rounded up;
// otherwise amount is primary and the shares credited are rounded down.
func (v *Vault) Deposit(caller, tok, from, to common.Address, amount, share *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if to == (common.Address{}) {
		return nil, nil, ErrZeroRecipient
	}
	if err := v.authorize(caller, from); err != nil {
		return nil, nil, err
	}
	if isZero(amount) && isZero(share) {
		return nil, nil, ErrNothingToDo
	}
	key := v.key(tok)
	release, err := v.enter(key)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	p := v.pool(key)
	if isZero(share) {
		if share, err = p.totals.ToBase(amount, false); err != nil {
			return nil, nil, err
		}
	} else if amount, err = p.totals.ToElastic(share, true); err != nil {
		return nil, nil, err
	}
	if share.IsZero() {
		return nil, nil, ErrZeroShare
	}

	next := p.totals.Clone()
	if err := next.Add(amount, share); err != nil {
		return nil, nil, err
	}
	if err := checkFloor(&next.Base); err != nil {
		return nil, nil, err
	}
	shareBefore := p.balance(to)
	shareAfter, err := fixed.Add(shareBefore, share)
	if err != nil {
		return nil, nil, err
	}
	totalBefore := fixed.Clone(&p.totals.Base)

	var j nativecommon.Journal
	prev := p.totals.Clone()
	p.totals = next
	p.setBalance(to, shareAfter)
	j.Record(func() {
		p.totals = prev
		p.setBalance(to, shareBefore)
	})

	if err := v.pullIn(&j, tok, key, from, amount); err != nil {
		return nil, nil, j.Abort(err)
	}
	evts, err := v.rebalance(&j, key, p, StrategyContext{
		Token:       key,
		Caller:      to,
		TotalBefore: totalBefore,
		TotalAfter:  fixed.Clone(&p.totals.Base),
		ShareBefore: shareBefore,
		ShareAfter:  fixed.Clone(shareAfter),
	})
	if err != nil {
		return nil, nil, j.Abort(err)
	}
	j.Commit()

	at := v.now()
	v.logger().Debug("vault deposit",
		"token", key.Hex(), "from", from.Hex(), "to", to.Hex(),
		"amount", amount.Dec(), "share", share.Dec())
	v.emitAll(append([]*types.Event{newMovementEvent(EventTypeDeposit, key, from, to, amount, share, at)}, evts...))
	return fixed.Clone(amount), fixed.Clone(share), nil
}

// Withdraw burns from's shares and pays tokens to to. When share is non-zero
// it is the primary input and the amount paid is rounded down; otherwise the
// shares burned for amount are rounded up.
func (v *Vault) Withdraw(caller, tok, from, to common.Address, amount, share *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if to == (common.Address{}) {
		return nil, nil, ErrZeroRecipient
	}
	if err := v.authorize(caller, from); err != nil {
		return nil, nil, err
	}
	if isZero(amount) && isZero(share) {
		return nil, nil, ErrNothingToDo
	}
	key := v.key(tok)
	release, err := v.enter(key)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	p := v.pool(key)
	if isZero(share) {
		if share, err = p.totals.ToBase(amount, true); err != nil {
			return nil, nil, err
		}
	} else if amount, err = p.totals.ToElastic(share, false); err != nil {
		return nil, nil, err
	}

	shareBefore := p.balance(from)
	if shareBefore.Lt(share) {
		return nil, nil, ErrInsufficientShares
	}
	next := p.totals.Clone()
	if err := next.Sub(amount, share); err != nil {
		return nil, nil, err
	}
	if err := checkFloor(&next.Base); err != nil {
		return nil, nil, err
	}
	shareAfter := new(uint256.Int).Sub(shareBefore, share)
	totalBefore := fixed.Clone(&p.totals.Base)

	var j nativecommon.Journal
	prev := p.totals.Clone()
	p.totals = next
	p.setBalance(from, shareAfter)
	j.Record(func() {
		p.totals = prev
		p.setBalance(from, shareBefore)
	})

	evts, err := v.rebalance(&j, key, p, StrategyContext{
		Token:       key,
		Caller:      from,
		TotalBefore: totalBefore,
		TotalAfter:  fixed.Clone(&p.totals.Base),
		ShareBefore: shareBefore,
		ShareAfter:  fixed.Clone(shareAfter),
	})
	if err != nil {
		return nil, nil, j.Abort(err)
	}
	if err := v.payOut(&j, tok, key, to, amount); err != nil {
		return nil, nil, j.Abort(err)
	}
	j.Commit()

	at := v.now()
	v.logger().Debug("vault withdraw",
		"token", key.Hex(), "from", from.Hex(), "to", to.Hex(),
		"amount", amount.Dec(), "share", share.Dec())
	v.emitAll(append([]*types.Event{newMovementEvent(EventTypeWithdraw, key, from, to, amount, share, at)}, evts...))
	return fixed.Clone(amount), fixed.Clone(share), nil
}

// Transfer moves shares of token between two balances.
func (v *Vault) Transfer(caller, tok, from, to common.Address, share *uint256.Int) error {
	return v.TransferMultiple(caller, tok, from, []common.Address{to}, []*uint256.Int{share})
}

// TransferMultiple moves shares of one token from from to several recipients.
func (v *Vault) TransferMultiple(caller, tok, from common.Address, tos []common.Address, shares []*uint256.Int) error {
	if len(tos) != len(shares) {
		return ErrLengthMismatch
	}
	total := new(uint256.Int)
	for i, to := range tos {
		if to == (common.Address{}) {
			return ErrZeroRecipient
		}
		sum, err := fixed.Add(total, fixed.Clone(shares[i]))
		if err != nil {
			return err
		}
		total = sum
	}
	if err := v.authorize(caller, from); err != nil {
		return err
	}
	key := v.key(tok)
	release, err := v.enter(key)
	if err != nil {
		return err
	}
	defer release()

	p := v.pool(key)
	if p.balance(from).Lt(total) {
		return ErrInsufficientShares
	}

	// Every touched account is captured once so the journal restores exact
	// pre-call balances even when a recipient repeats.
	var j nativecommon.Journal
	before := map[common.Address]*uint256.Int{from: p.balance(from)}
	order := []common.Address{from}
	for _, to := range tos {
		if _, seen := before[to]; !seen {
			before[to] = p.balance(to)
			order = append(order, to)
		}
	}
	j.Record(func() {
		for addr, bal := range before {
			p.setBalance(addr, fixed.Clone(bal))
		}
	})
	p.setBalance(from, new(uint256.Int).Sub(p.balance(from), total))
	for i, to := range tos {
		p.setBalance(to, new(uint256.Int).Add(p.balance(to), fixed.Clone(shares[i])))
	}

	if b := p.binding; b != nil && b.strategy != nil {
		for _, addr := range order {
			ctx := StrategyContext{
				Token:       key,
				Amount:      new(uint256.Int),
				Caller:      addr,
				TotalBefore: fixed.Clone(&p.totals.Base),
				TotalAfter:  fixed.Clone(&p.totals.Base),
				ShareBefore: fixed.Clone(before[addr]),
				ShareAfter:  p.balance(addr),
			}
			if err := b.strategy.Harvest(ctx); err != nil {
				return j.Abort(wrapStrategy("harvest", err))
			}
		}
	}
	j.Commit()

	at := v.now()
	evts := make([]*types.Event, 0, len(tos))
	for i, to := range tos {
		evts = append(evts, newMovementEvent(EventTypeTransfer, key, from, to, nil, fixed.Clone(shares[i]), at))
	}
	v.logger().Debug("vault transfer", "token", key.Hex(), "from", from.Hex(), "recipients", len(tos), "share", total.Dec())
	v.emitAll(evts)
	return nil
}

// pullIn moves amount from from into the vault, wrapping native coins.
func (v *Vault) pullIn(j *nativecommon.Journal, tok, key, from common.Address, amount *uint256.Int) error {
	if tok == token.NativeCoin {
		if err := v.ledger.TransferFrom(token.NativeCoin, v.self, from, v.self, amount); err != nil {
			return err
		}
		j.RecordStep(func() error { return v.ledger.Transfer(token.NativeCoin, v.self, from, amount) })
		if err := v.ledger.Wrap(v.self, amount); err != nil {
			return err
		}
		j.RecordStep(func() error { return v.ledger.Unwrap(v.self, amount) })
		return nil
	}
	if err := v.ledger.TransferFrom(key, v.self, from, v.self, amount); err != nil {
		return err
	}
	j.RecordStep(func() error { return v.ledger.Transfer(key, v.self, from, amount) })
	return nil
}

// payOut sends amount from the vault to to, unwrapping native coins.
func (v *Vault) payOut(j *nativecommon.Journal, tok, key, to common.Address, amount *uint256.Int) error {
	if tok == token.NativeCoin {
		if err := v.ledger.Unwrap(v.self, amount); err != nil {
			return err
		}
		j.RecordStep(func() error { return v.ledger.Wrap(v.self, amount) })
		if err := v.ledger.Transfer(token.NativeCoin, v.self, to, amount); err != nil {
			return err
		}
		j.RecordStep(func() error { return v.ledger.Transfer(token.NativeCoin, to, v.self, amount) })
		return nil
	}
	if err := v.ledger.Transfer(key, v.self, to, amount); err != nil {
		return err
	}
	j.RecordStep(func() error { return v.ledger.Transfer(key, to, v.self, amount) })
	return nil
}
