package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// CookResult reports what a composite call moved.
type CookResult struct {
	// DepositShare is the vault share credited by the deposit step.
	DepositShare *uint256.Int
	// DebtShare is the debt share borrowed or repaid.
	DebtShare *uint256.Int
	// WithdrawAmount is the token amount paid out by the withdraw step. It is
	// set once the composite has settled.
	WithdrawAmount *uint256.Int
}

// cook wraps a composite body with the shared prologue: lock, accrue and the
// price band. Bodies only stage vault movements; the deposit runs first and
// the withdrawal last once every check has passed.
func (m *Market) cook(ctx context.Context, minPrice, maxPrice fixed.Wad, body func(c *call) (CookResult, error)) (res CookResult, err error) {
	c, err := m.begin(ctx)
	if err != nil {
		return CookResult{}, err
	}
	defer func() { err = m.finish(c, err) }()
	if err = m.accrue(c); err != nil {
		return CookResult{}, err
	}
	if err = m.checkBand(c, minPrice, maxPrice); err != nil {
		return CookResult{}, err
	}
	return body(c)
}

// DepositAddCollateral deposits amount of collateral from caller's wallet
// straight into the market and credits it to user.
func (m *Market) DepositAddCollateral(ctx context.Context, caller, user common.Address, amount *uint256.Int) (CookResult, error) {
	return m.cook(ctx, fixed.Wad{}, fixed.Wad{}, func(c *call) (CookResult, error) {
		share, err := m.stageDeposit(c, m.cfg.Collateral, caller, m.cfg.Address, amount)
		if err != nil {
			return CookResult{}, err
		}
		if err := m.addCollateral(c, m.cfg.Address, user, share); err != nil {
			return CookResult{}, err
		}
		return CookResult{DepositShare: share}, nil
	})
}

// DepositBorrow deposits collateral from caller's wallet as caller's
// collateral and borrows borrowAmount to to. Safety is checked once at the
// end.
func (m *Market) DepositBorrow(ctx context.Context, caller common.Address, collateralAmount, borrowAmount *uint256.Int, to common.Address, minPrice, maxPrice fixed.Wad) (CookResult, error) {
	return m.cook(ctx, minPrice, maxPrice, func(c *call) (CookResult, error) {
		share, err := m.stageDeposit(c, m.cfg.Collateral, caller, m.cfg.Address, collateralAmount)
		if err != nil {
			return CookResult{}, err
		}
		if err := m.addCollateral(c, m.cfg.Address, caller, share); err != nil {
			return CookResult{}, err
		}
		part, err := m.borrow(c, caller, to, borrowAmount)
		if err != nil {
			return CookResult{}, err
		}
		if err := m.requireSafe(c, caller); err != nil {
			return CookResult{}, err
		}
		return CookResult{DepositShare: share, DebtShare: part}, nil
	})
}

// DepositRepay deposits debt tokens from caller's wallet into caller's vault
// balance and repays repayAmount (or All) of user's debt from it.
func (m *Market) DepositRepay(ctx context.Context, caller, user common.Address, depositAmount, repayAmount *uint256.Int, minPrice, maxPrice fixed.Wad) (CookResult, error) {
	return m.cook(ctx, minPrice, maxPrice, func(c *call) (CookResult, error) {
		share, err := m.stageDeposit(c, m.cfg.Debt, caller, caller, depositAmount)
		if err != nil {
			return CookResult{}, err
		}
		part, err := m.repay(c, caller, user, repayAmount)
		if err != nil {
			return CookResult{}, err
		}
		return CookResult{DepositShare: share, DebtShare: part}, nil
	})
}

// BorrowWithdraw borrows amount against caller and pays the tokens out of the
// vault to to.
func (m *Market) BorrowWithdraw(ctx context.Context, caller common.Address, amount *uint256.Int, to common.Address, minPrice, maxPrice fixed.Wad) (CookResult, error) {
	if to == (common.Address{}) {
		return CookResult{}, ErrZeroRecipient
	}
	return m.cook(ctx, minPrice, maxPrice, func(c *call) (CookResult, error) {
		part, err := m.borrow(c, caller, caller, amount)
		if err != nil {
			return CookResult{}, err
		}
		if err := m.requireSafe(c, caller); err != nil {
			return CookResult{}, err
		}
		share, err := m.vault.ToShare(m.cfg.Debt, amount, false)
		if err != nil {
			return CookResult{}, err
		}
		paid := m.stageWithdraw(c, m.cfg.Debt, caller, to, share)
		return CookResult{DebtShare: part, WithdrawAmount: paid}, nil
	})
}

// DepositRepayWithdraw deposits debt tokens from caller's wallet, repays
// repayAmount (or All) of caller's debt, removes collateralShare of
// collateral and pays it out of the vault to to.
func (m *Market) DepositRepayWithdraw(ctx context.Context, caller common.Address, depositAmount, repayAmount, collateralShare *uint256.Int, to common.Address, minPrice, maxPrice fixed.Wad) (CookResult, error) {
	if to == (common.Address{}) {
		return CookResult{}, ErrZeroRecipient
	}
	return m.cook(ctx, minPrice, maxPrice, func(c *call) (CookResult, error) {
		share, err := m.stageDeposit(c, m.cfg.Debt, caller, caller, depositAmount)
		if err != nil {
			return CookResult{}, err
		}
		part, err := m.repay(c, caller, caller, repayAmount)
		if err != nil {
			return CookResult{}, err
		}
		if err := m.removeCollateral(c, caller, caller, collateralShare); err != nil {
			return CookResult{}, err
		}
		if err := m.requireSafe(c, caller); err != nil {
			return CookResult{}, err
		}
		paid := m.stageWithdraw(c, m.cfg.Collateral, caller, to, collateralShare)
		return CookResult{DepositShare: share, DebtShare: part, WithdrawAmount: paid}, nil
	})
}
