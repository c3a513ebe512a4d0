package market

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

var (
	ErrNotOperator        = errors.New("market: not approved as vault operator")
	ErrInsufficientShares = errors.New("market: insufficient vault shares")
	ErrShareRateMoved     = errors.New("market: vault share rate moved during call")
	ErrDepositMismatch    = errors.New("market: vault credited a different deposit share")
)

type moveKind int

// Settlement order. Pulls into the market run before anything leaves it, so
// every reversible step is an outbound transfer from the market back to a
// payer, which the market is always allowed to make.
const (
	moveDeposit moveKind = iota
	moveIn
	moveOut
	moveWithdraw
)

// move is one staged vault movement. share is the vault share moved; for a
// deposit it is the share previewed when the move was staged.
type move struct {
	kind     moveKind
	token    common.Address
	from, to common.Address
	amount   *uint256.Int
	share    *uint256.Int
	paid     *uint256.Int
}

// stageTransfer queues a share transfer with the market on one side.
func (m *Market) stageTransfer(c *call, token, from, to common.Address, share *uint256.Int) {
	if share == nil || share.IsZero() || from == to {
		return
	}
	kind := moveIn
	if from == m.cfg.Address {
		kind = moveOut
	}
	c.moves = append(c.moves, move{kind: kind, token: token, from: from, to: to, share: fixed.Clone(share)})
}

// stageDeposit previews the share amount of token buys and queues the vault
// deposit from owner's wallet to to.
func (m *Market) stageDeposit(c *call, token, owner, to common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	share, err := m.vault.ToShare(token, amount, false)
	if err != nil {
		return nil, err
	}
	if share.IsZero() {
		return nil, ErrZeroAmount
	}
	c.moves = append(c.moves, move{kind: moveDeposit, token: token, from: owner, to: to, amount: fixed.Clone(amount), share: share})
	return fixed.Clone(share), nil
}

// stageWithdraw queues a payout of share from from's vault balance to to's
// wallet. The returned amount is filled in once the call settles.
func (m *Market) stageWithdraw(c *call, token, from, to common.Address, share *uint256.Int) *uint256.Int {
	paid := new(uint256.Int)
	c.moves = append(c.moves, move{kind: moveWithdraw, token: token, from: from, to: to, share: fixed.Clone(share), paid: paid})
	return paid
}

// ordered returns the staged moves in settlement order, keeping the staging
// order within a kind.
func ordered(moves []move) []move {
	out := make([]move, 0, len(moves))
	for kind := moveDeposit; kind <= moveWithdraw; kind++ {
		for _, mv := range moves {
			if mv.kind == kind {
				out = append(out, mv)
			}
		}
	}
	return out
}

type holding struct {
	token, owner common.Address
}

// preflight replays the moves against current vault balances and rejects the
// batch before anything is executed when an account would be overdrawn or has
// not approved the market.
func (m *Market) preflight(moves []move) error {
	balances := make(map[holding]*uint256.Int)
	balance := func(token, owner common.Address) *uint256.Int {
		k := holding{token, owner}
		b, ok := balances[k]
		if !ok {
			b = fixed.Clone(m.vault.BalanceOf(token, owner))
			balances[k] = b
		}
		return b
	}
	for _, mv := range moves {
		if mv.from != m.cfg.Address && !m.vault.IsOperator(mv.from, m.cfg.Address) {
			return fmt.Errorf("%w: %s", ErrNotOperator, mv.from.Hex())
		}
		if mv.kind == moveDeposit {
			share, err := m.vault.ToShare(mv.token, mv.amount, false)
			if err != nil {
				return err
			}
			if !share.Eq(mv.share) {
				return ErrShareRateMoved
			}
			b := balance(mv.token, mv.to)
			b.Add(b, mv.share)
			continue
		}
		from := balance(mv.token, mv.from)
		if from.Lt(mv.share) {
			return fmt.Errorf("%w: %s holds %s of %s", ErrInsufficientShares, mv.from.Hex(), from.Dec(), mv.share.Dec())
		}
		from.Sub(from, mv.share)
		if mv.kind != moveWithdraw {
			to := balance(mv.token, mv.to)
			to.Add(to, mv.share)
		}
	}
	return nil
}

// settle executes the staged moves and clears the queue. Each executed step
// journals its reverse; a withdrawal pays out of the vault and is always the
// last step.
func (m *Market) settle(c *call) error {
	moves := ordered(c.moves)
	c.moves = nil
	if len(moves) == 0 {
		return nil
	}
	if err := m.preflight(moves); err != nil {
		return err
	}
	self := m.cfg.Address
	for _, mv := range moves {
		mv := mv
		switch mv.kind {
		case moveDeposit:
			_, share, err := m.vault.Deposit(self, mv.token, mv.from, mv.to, mv.amount, nil)
			if err != nil {
				return err
			}
			c.j.RecordStep(func() error {
				_, _, err := m.vault.Withdraw(self, mv.token, mv.to, mv.from, nil, share)
				return err
			})
			if !share.Eq(mv.share) {
				return fmt.Errorf("%w: %s instead of %s", ErrDepositMismatch, share.Dec(), mv.share.Dec())
			}
		case moveIn, moveOut:
			if err := m.vault.Transfer(self, mv.token, mv.from, mv.to, mv.share); err != nil {
				return err
			}
			c.j.RecordStep(func() error {
				return m.vault.Transfer(self, mv.token, mv.to, mv.from, mv.share)
			})
		case moveWithdraw:
			amount, _, err := m.vault.Withdraw(self, mv.token, mv.from, mv.to, nil, mv.share)
			if err != nil {
				return err
			}
			mv.paid.Set(amount)
		}
	}
	return nil
}
