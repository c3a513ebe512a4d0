package token

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	tokenA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wrapped = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	spender = common.HexToAddress("0x0000000000000000000000000000000000005e4d")
)

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := NewLedger(wrapped)
	if err := l.Mint(tokenA, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.TransferFrom(tokenA, spender, alice, bob, uint256.NewInt(10)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance failure, got %v", err)
	}
	if err := l.Approve(tokenA, alice, spender, uint256.NewInt(30)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(tokenA, spender, alice, bob, uint256.NewInt(20)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := l.Allowance(tokenA, alice, spender).Uint64(); got != 10 {
		t.Fatalf("unexpected remaining allowance %d", got)
	}
	if got := l.BalanceOf(tokenA, bob).Uint64(); got != 20 {
		t.Fatalf("unexpected bob balance %d", got)
	}
	if err := l.TransferFrom(tokenA, alice, alice, bob, uint256.NewInt(80)); err != nil {
		t.Fatalf("self transferFrom needs no allowance: %v", err)
	}
	if err := l.Transfer(tokenA, alice, bob, uint256.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestUnlimitedAllowanceIsNotDecremented(t *testing.T) {
	l := NewLedger(wrapped)
	_ = l.Mint(tokenA, alice, uint256.NewInt(5))
	unlimited := new(uint256.Int).SetAllOne()
	_ = l.Approve(tokenA, alice, spender, unlimited)
	if err := l.TransferFrom(tokenA, spender, alice, bob, uint256.NewInt(5)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if !l.Allowance(tokenA, alice, spender).Eq(unlimited) {
		t.Fatalf("unlimited allowance was decremented")
	}
}

func TestWrapUnwrap(t *testing.T) {
	l := NewLedger(wrapped)
	_ = l.Mint(NativeCoin, alice, uint256.NewInt(50))
	if err := l.Wrap(alice, uint256.NewInt(30)); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if l.BalanceOf(NativeCoin, alice).Uint64() != 20 || l.BalanceOf(wrapped, alice).Uint64() != 30 {
		t.Fatalf("unexpected balances after wrap")
	}
	if err := l.Unwrap(alice, uint256.NewInt(31)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := l.Unwrap(alice, uint256.NewInt(30)); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if l.TotalSupply(wrapped).Uint64() != 0 || l.TotalSupply(NativeCoin).Uint64() != 50 {
		t.Fatalf("unexpected supplies after round trip")
	}
	if err := NewLedger(common.Address{}).Wrap(alice, uint256.NewInt(1)); !errors.Is(err, ErrNoWrappedNative) {
		t.Fatalf("expected missing wrapped token error, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := NewLedger(wrapped)
	_ = l.Mint(tokenA, alice, uint256.NewInt(70))
	_ = l.Mint(tokenA, bob, uint256.NewInt(30))
	_ = l.Approve(tokenA, alice, spender, uint256.NewInt(9))

	restored := NewLedger(wrapped)
	if err := restored.Restore(l.Snapshot()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.TotalSupply(tokenA).Uint64() != 100 {
		t.Fatalf("supply not rebuilt")
	}
	if restored.Allowance(tokenA, alice, spender).Uint64() != 9 {
		t.Fatalf("allowance lost")
	}
	if restored.BalanceOf(tokenA, bob).Uint64() != 30 {
		t.Fatalf("balance lost")
	}
}
