package swapper

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
	"cdpledger/native/token"
	"cdpledger/native/vault"
)

var (
	vaultAddr = common.HexToAddress("0x0000000000000000000000000000000000007a17")
	wrapped   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	collTok   = common.HexToAddress("0x000000000000000000000000000000000000c011")
	debtTok   = common.HexToAddress("0x000000000000000000000000000000000000de67")
	venue     = common.HexToAddress("0x0000000000000000000000000000000000005a09")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

func n(v uint64) *uint256.Int { return uint256.NewInt(v) }

func deposit(t *testing.T, l *token.Ledger, v *vault.Vault, tok, owner common.Address, amount uint64) {
	t.Helper()
	if err := l.Mint(tok, owner, n(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(tok, owner, vaultAddr, fixed.Max()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := v.Deposit(owner, tok, owner, owner, n(amount), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestFixedRateExecute(t *testing.T) {
	l := token.NewLedger(wrapped)
	v := vault.New(vaultAddr, l)
	deposit(t, l, v, debtTok, venue, 5_000)
	deposit(t, l, v, collTok, alice, 2_000)

	s := NewFixedRate(venue, v)
	rate, err := fixed.ParseWad("0.9")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s.SetRate(collTok, debtTok, rate)

	if err := v.Transfer(alice, collTok, alice, venue, n(1_000)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if _, err := s.Execute(collTok, debtTok, alice, n(901), n(1_000)); !errors.Is(err, ErrInsufficientOutput) {
		t.Fatalf("expected output check, got %v", err)
	}
	out, err := s.Execute(collTok, debtTok, alice, n(900), n(1_000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Uint64() != 900 {
		t.Fatalf("expected 900 out, got %s", out.Dec())
	}
	if got := v.BalanceOf(debtTok, alice).Uint64(); got != 900 {
		t.Fatalf("expected alice to hold 900, got %d", got)
	}
	if got := v.BalanceOf(debtTok, venue).Uint64(); got != 4_100 {
		t.Fatalf("expected venue inventory 4100, got %d", got)
	}
}

func TestFixedRateRejectsUnknownPairAndMissingInput(t *testing.T) {
	l := token.NewLedger(wrapped)
	v := vault.New(vaultAddr, l)
	deposit(t, l, v, debtTok, venue, 5_000)
	s := NewFixedRate(venue, v)

	if _, err := s.Execute(collTok, debtTok, alice, nil, n(10)); !errors.Is(err, ErrNoRate) {
		t.Fatalf("expected missing rate, got %v", err)
	}
	s.SetRate(collTok, debtTok, fixed.WadUnit())
	if _, err := s.Execute(collTok, debtTok, alice, nil, n(10)); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected missing input, got %v", err)
	}
	if _, err := s.Quote(collTok, debtTok, nil); !errors.Is(err, ErrZeroInput) {
		t.Fatalf("expected zero input, got %v", err)
	}
}

func TestFixedRateQuoteRespectsInventory(t *testing.T) {
	l := token.NewLedger(wrapped)
	v := vault.New(vaultAddr, l)
	deposit(t, l, v, debtTok, venue, 2_000)
	s := NewFixedRate(venue, v)
	s.SetRate(collTok, debtTok, fixed.WadUnit())

	if out, err := s.Quote(collTok, debtTok, n(2_000)); err != nil || out.Uint64() != 2_000 {
		t.Fatalf("quote within inventory: %v %v", out, err)
	}
	if _, err := s.Quote(collTok, debtTok, n(2_001)); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}
