package vault

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "cdpledger/native/common"
	"cdpledger/native/token"
)

var borrowerAddr = common.HexToAddress("0x000000000000000000000000000000000000f1a5")

type flashBorrower struct {
	ledger *token.Ledger
	repay  func(loan FlashLoan) error
}

func (b *flashBorrower) Address() common.Address { return borrowerAddr }

func (b *flashBorrower) OnFlashLoan(loan FlashLoan) error { return b.repay(loan) }

func (b *flashBorrower) payBack(loan FlashLoan, amount *uint256.Int) error {
	return b.ledger.Transfer(loan.Token, borrowerAddr, loan.Vault, amount)
}

func seededVault(t *testing.T) (*Vault, *token.Ledger, *flashBorrower) {
	t.Helper()
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, n(10_000))
	if _, _, err := v.Deposit(alice, tokA, alice, alice, n(10_000), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Mint(tokA, borrowerAddr, n(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return v, l, &flashBorrower{ledger: l}
}

func TestFlashLoanFeeAccruesToDepositors(t *testing.T) {
	v, l, b := seededVault(t)
	b.repay = func(loan FlashLoan) error {
		if loan.Fee.Uint64() != 1 {
			t.Fatalf("expected fee rounded up to 1, got %s", loan.Fee.Dec())
		}
		return b.payBack(loan, new(uint256.Int).Add(loan.Amount, loan.Fee))
	}
	loan, err := v.FlashLoan(bob, tokA, n(1000), b)
	if err != nil {
		t.Fatalf("flash loan: %v", err)
	}
	if loan.ID.String() == "" {
		t.Fatalf("loan id missing")
	}
	total, share := v.Totals(tokA)
	if total.Uint64() != 10_001 || share.Uint64() != 10_000 {
		t.Fatalf("fee not booked: %s/%s", total.Dec(), share.Dec())
	}
	if l.BalanceOf(tokA, vaultAddr).Uint64() != 10_001 {
		t.Fatalf("unexpected vault balance")
	}

	fee, _ := FlashFee(n(1_000_000))
	if fee.Uint64() != 500 {
		t.Fatalf("expected 0.05%% fee, got %s", fee.Dec())
	}
}

func TestFlashLoanShortfallRestoresBalance(t *testing.T) {
	v, l, b := seededVault(t)

	b.repay = func(loan FlashLoan) error { return b.payBack(loan, loan.Amount) }
	if _, err := v.FlashLoan(bob, tokA, n(1000), b); !errors.Is(err, ErrFlashLoanNotRepaid) {
		t.Fatalf("expected not repaid, got %v", err)
	}
	if l.BalanceOf(tokA, vaultAddr).Uint64() != 10_000 {
		t.Fatalf("vault balance changed on failed loan")
	}

	b.repay = func(loan FlashLoan) error { return nil }
	if _, err := v.FlashLoan(bob, tokA, n(1000), b); !errors.Is(err, ErrFlashLoanNotRepaid) {
		t.Fatalf("expected not repaid, got %v", err)
	}
	if l.BalanceOf(tokA, vaultAddr).Uint64() != 10_000 || l.BalanceOf(tokA, borrowerAddr).Uint64() != 100 {
		t.Fatalf("loan not clawed back")
	}
	total, _ := v.Totals(tokA)
	if total.Uint64() != 10_000 {
		t.Fatalf("totals changed on failed loan: %s", total.Dec())
	}

	if _, err := v.FlashLoan(bob, tokA, n(20_000), b); !errors.Is(err, ErrInsufficientIdle) {
		t.Fatalf("expected insufficient idle, got %v", err)
	}
}

func TestFlashLoanCallbackCannotReenterPool(t *testing.T) {
	v, l, b := seededVault(t)
	fund(t, l, tokA, borrowerAddr, n(5000))
	b.repay = func(loan FlashLoan) error {
		_, _, err := v.Deposit(borrowerAddr, tokA, borrowerAddr, borrowerAddr, n(2000), nil)
		return err
	}
	_, err := v.FlashLoan(bob, tokA, n(1000), b)
	if !errors.Is(err, nativecommon.ErrReentrant) {
		t.Fatalf("expected reentrancy failure, got %v", err)
	}
	if l.BalanceOf(tokA, vaultAddr).Uint64() != 10_000 {
		t.Fatalf("vault balance not restored")
	}
	// The pool is unlocked again afterwards.
	if _, _, err := v.Deposit(borrowerAddr, tokA, borrowerAddr, borrowerAddr, n(2000), nil); err != nil {
		t.Fatalf("deposit after loan: %v", err)
	}
}

func TestFlashLoanReportsUnrecoverableShortfall(t *testing.T) {
	v, l, b := seededVault(t)
	b.repay = func(loan FlashLoan) error {
		return l.Transfer(loan.Token, borrowerAddr, carol, n(1050))
	}
	_, err := v.FlashLoan(bob, tokA, n(1000), b)
	if !errors.Is(err, ErrFlashLoanNotRepaid) {
		t.Fatalf("expected not repaid, got %v", err)
	}
	if !errors.Is(err, nativecommon.ErrRollbackFailed) {
		t.Fatalf("lost tokens must be reported, got %v", err)
	}
	if got := l.BalanceOf(tokA, vaultAddr).Uint64(); got != 9_050 {
		t.Fatalf("vault should hold what was clawed back, got %d", got)
	}
}
