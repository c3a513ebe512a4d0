package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
)

// FlashLoanFeeBps is the flash loan fee out of FlashLoanFeeBase (0.05%).
const (
	FlashLoanFeeBps  = 50
	FlashLoanFeeBase = 100_000
)

var (
	ErrFlashLoanNotRepaid  = errors.New("vault: flash loan not repaid")
	ErrInsufficientIdle    = errors.New("vault: insufficient idle balance")
	ErrFlashLoanNoBorrower = errors.New("vault: flash loan borrower required")
)

// FlashLoan describes one loan handed to a borrower callback.
type FlashLoan struct {
	ID        uuid.UUID
	Token     common.Address
	Borrower  common.Address
	Initiator common.Address
	Vault     common.Address
	Amount    *uint256.Int
	Fee       *uint256.Int
}

// FlashBorrower receives a flash loan. OnFlashLoan must return Amount+Fee to
// the vault through the token ledger before it returns.
type FlashBorrower interface {
	Address() common.Address
	OnFlashLoan(loan FlashLoan) error
}

// FlashFee returns the fee owed on amount, rounded up.
func FlashFee(amount *uint256.Int) (*uint256.Int, error) {
	return fixed.MulDiv(amount, uint256.NewInt(FlashLoanFeeBps), uint256.NewInt(FlashLoanFeeBase), true)
}

// FlashLoan lends amount of idle token to borrower for the duration of its
// callback. The token's pool is locked meanwhile. Any repayment beyond the
// principal is added to the pool's total amount; a shortfall restores the
// vault balance and fails the call.
func (v *Vault) FlashLoan(initiator common.Address, tok common.Address, amount *uint256.Int, borrower FlashBorrower) (FlashLoan, error) {
	if borrower == nil || borrower.Address() == (common.Address{}) {
		return FlashLoan{}, ErrFlashLoanNoBorrower
	}
	if isZero(amount) {
		return FlashLoan{}, ErrNothingToDo
	}
	key := v.key(tok)
	release, err := v.enter(key)
	if err != nil {
		return FlashLoan{}, err
	}
	defer release()

	fee, err := FlashFee(amount)
	if err != nil {
		return FlashLoan{}, err
	}
	before := v.ledger.BalanceOf(key, v.self)
	if before.Lt(amount) {
		return FlashLoan{}, ErrInsufficientIdle
	}
	owed, err := fixed.Add(before, fee)
	if err != nil {
		return FlashLoan{}, err
	}
	loan := FlashLoan{
		ID:        uuid.New(),
		Token:     key,
		Borrower:  borrower.Address(),
		Initiator: initiator,
		Vault:     v.self,
		Amount:    fixed.Clone(amount),
		Fee:       fee,
	}
	if err := v.ledger.Transfer(key, v.self, loan.Borrower, amount); err != nil {
		return FlashLoan{}, err
	}
	cbErr := borrower.OnFlashLoan(loan)
	after := v.ledger.BalanceOf(key, v.self)
	if cbErr != nil || after.Lt(owed) {
		cause := ErrFlashLoanNotRepaid
		if cbErr != nil {
			cause = fmt.Errorf("vault: flash loan callback: %w", cbErr)
		}
		if err := v.restoreBalance(key, loan.Borrower, before, after); err != nil {
			return FlashLoan{}, errors.Join(cause, err)
		}
		return FlashLoan{}, cause
	}

	p := v.pool(key)
	gain := new(uint256.Int).Sub(after, before)
	if err := p.totals.AddElastic(gain); err != nil {
		return FlashLoan{}, errors.Join(err, v.restoreBalance(key, loan.Borrower, before, after))
	}
	v.logger().Debug("vault flash loan", "id", loan.ID.String(), "token", key.Hex(), "amount", amount.Dec(), "fee", fee.Dec())
	v.emitter.Emit(vaultEvent{evt: newFlashLoanEvent(loan, v.now())})
	return loan, nil
}

// restoreBalance returns the vault's token balance to before, refunding a
// partial repayment or clawing back what the borrower still holds. It fails
// when the borrower no longer holds the missing tokens.
func (v *Vault) restoreBalance(key, borrower common.Address, before, after *uint256.Int) error {
	switch after.Cmp(before) {
	case 1:
		return v.ledger.Transfer(key, v.self, borrower, new(uint256.Int).Sub(after, before))
	case -1:
		missing := new(uint256.Int).Sub(before, after)
		held := v.ledger.BalanceOf(key, borrower)
		if err := v.ledger.Transfer(key, borrower, v.self, fixed.Min(missing, held)); err != nil {
			return fmt.Errorf("%w: flash loan clawback: %w", nativecommon.ErrRollbackFailed, err)
		}
		if held.Lt(missing) {
			return fmt.Errorf("%w: flash loan borrower kept %s", nativecommon.ErrRollbackFailed, new(uint256.Int).Sub(missing, held).Dec())
		}
	}
	return nil
}
