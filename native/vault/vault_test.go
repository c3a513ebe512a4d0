package vault

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/core/events"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
	"cdpledger/native/token"
)

var (
	vaultAddr = common.HexToAddress("0x0000000000000000000000000000000000007a17")
	tokA      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wrapped   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000ca7")
)

func n(v uint64) *uint256.Int { return uint256.NewInt(v) }

func e18(v uint64) *uint256.Int { return new(uint256.Int).Mul(n(v), fixed.Pow10(18)) }

func newTestVault(t *testing.T) (*Vault, *token.Ledger, *events.Recorder) {
	t.Helper()
	l := token.NewLedger(wrapped)
	v := New(vaultAddr, l)
	rec := events.NewRecorder(0)
	v.SetEmitter(rec)
	v.SetNowFunc(func() int64 { return 1_700_000_000 })
	return v, l, rec
}

func fund(t *testing.T, l *token.Ledger, tok, owner common.Address, amount *uint256.Int) {
	t.Helper()
	if err := l.Mint(tok, owner, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(tok, owner, vaultAddr, fixed.Max()); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func requireShareSum(t *testing.T, v *Vault, tok common.Address) {
	t.Helper()
	p := v.peek(tok)
	sum := new(uint256.Int)
	for _, bal := range p.balances {
		sum.Add(sum, bal)
	}
	if !sum.Eq(&p.totals.Base) {
		t.Fatalf("share sum %s != total share %s", sum.Dec(), p.totals.Base.Dec())
	}
}

func TestDepositScenarioAgainstAppreciatedPool(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, e18(1000))
	fund(t, l, tokA, bob, e18(300))

	if _, _, err := v.Deposit(alice, tokA, alice, alice, e18(1000), nil); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	// Pool appreciates to 1300 amount over 1000 shares.
	if err := l.Mint(tokA, vaultAddr, e18(300)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := v.pool(tokA).totals.AddElastic(e18(300)); err != nil {
		t.Fatalf("appreciate: %v", err)
	}

	_, first, err := v.Deposit(bob, tokA, bob, bob, e18(100), nil)
	if err != nil {
		t.Fatalf("deposit 100: %v", err)
	}
	if first.Dec() != "76923076923076923076" {
		t.Fatalf("unexpected share for 100: %s", first.Dec())
	}
	_, second, err := v.Deposit(bob, tokA, bob, bob, e18(200), nil)
	if err != nil {
		t.Fatalf("deposit 200: %v", err)
	}
	if second.Dec() != "153846153846153846153" {
		t.Fatalf("unexpected share for 200: %s", second.Dec())
	}
	if got := v.BalanceOf(tokA, bob).Dec(); got != "230769230769230769229" {
		t.Fatalf("unexpected cumulative balance: %s", got)
	}
	requireShareSum(t, v, tokA)
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	v, l, rec := newTestVault(t)
	fund(t, l, tokA, alice, n(5000))

	_, share, err := v.Deposit(alice, tokA, alice, alice, n(5000), nil)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	amount, _, err := v.Withdraw(alice, tokA, alice, alice, nil, share)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Uint64() != 5000 {
		t.Fatalf("round trip returned %s", amount.Dec())
	}
	if l.BalanceOf(tokA, alice).Uint64() != 5000 {
		t.Fatalf("ledger balance not restored")
	}
	total, totalShare := v.Totals(tokA)
	if !total.IsZero() || !totalShare.IsZero() {
		t.Fatalf("pool not empty: %s/%s", total.Dec(), totalShare.Dec())
	}
	got := rec.Types()
	if len(got) != 2 || got[0] != EventTypeDeposit || got[1] != EventTypeWithdraw {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestShareGivenRoundsAgainstCaller(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, n(10_000))
	fund(t, l, tokA, bob, n(10_000))
	if _, _, err := v.Deposit(alice, tokA, alice, alice, n(1000), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = l.Mint(tokA, vaultAddr, n(300))
	_ = v.pool(tokA).totals.AddElastic(n(300))

	// At 1300/1000 a share-primary deposit rounds the amount up and an
	// amount-primary withdrawal rounds the burned shares up.
	amount, share, err := v.Deposit(bob, tokA, bob, bob, nil, n(7))
	if err != nil {
		t.Fatalf("deposit by share: %v", err)
	}
	if share.Uint64() != 7 || amount.Uint64() != 10 {
		t.Fatalf("expected 7 shares for 10 (ceil 9.1), got %s for %s", share.Dec(), amount.Dec())
	}
	out, burned, err := v.Withdraw(bob, tokA, bob, bob, n(9), nil)
	if err != nil {
		t.Fatalf("withdraw by amount: %v", err)
	}
	if out.Uint64() != 9 || burned.Uint64() != 7 {
		t.Fatalf("expected 9 to burn ceil(6.9)=7 shares, got %s for %s", burned.Dec(), out.Dec())
	}
	requireShareSum(t, v, tokA)
}

func TestWithdrawMinimumShareFloor(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, n(5000))
	if _, _, err := v.Deposit(alice, tokA, alice, alice, n(5000), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := v.Withdraw(alice, tokA, alice, alice, n(4500), nil); !errors.Is(err, ErrMinimumShareBalance) {
		t.Fatalf("expected floor violation, got %v", err)
	}
	if _, _, err := v.Withdraw(alice, tokA, alice, alice, n(4000), nil); err != nil {
		t.Fatalf("withdraw to floor: %v", err)
	}
	if _, _, err := v.Withdraw(alice, tokA, alice, alice, n(1000), nil); err != nil {
		t.Fatalf("withdraw to zero: %v", err)
	}
	fund(t, l, tokA, bob, n(999))
	if _, _, err := v.Deposit(bob, tokA, bob, bob, n(999), nil); !errors.Is(err, ErrMinimumShareBalance) {
		t.Fatalf("expected floor violation on tiny first deposit, got %v", err)
	}
}

func TestDepositValidation(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, n(5000))

	if _, _, err := v.Deposit(alice, tokA, alice, common.Address{}, n(1000), nil); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("expected zero recipient, got %v", err)
	}
	if _, _, err := v.Deposit(bob, tokA, alice, bob, n(1000), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, _, err := v.Deposit(alice, tokA, alice, alice, nil, nil); !errors.Is(err, ErrNothingToDo) {
		t.Fatalf("expected nothing to do, got %v", err)
	}
	if _, _, err := v.Deposit(alice, tokA, alice, alice, n(6000), nil); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected ledger failure, got %v", err)
	}
	total, share := v.Totals(tokA)
	if !total.IsZero() || !share.IsZero() || !v.BalanceOf(tokA, alice).IsZero() {
		t.Fatalf("failed deposit left state behind")
	}

	if err := v.SetOperator(alice, bob, true); err != nil {
		t.Fatalf("set operator: %v", err)
	}
	if _, _, err := v.Deposit(bob, tokA, alice, carol, n(1000), nil); err != nil {
		t.Fatalf("operator deposit: %v", err)
	}
	if v.BalanceOf(tokA, carol).Uint64() != 1000 {
		t.Fatalf("operator deposit did not credit recipient")
	}
}

func TestWithdrawInsufficientShares(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, n(5000))
	_, _, _ = v.Deposit(alice, tokA, alice, alice, n(5000), nil)
	if _, _, err := v.Withdraw(alice, tokA, alice, alice, nil, n(5001)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected insufficient shares, got %v", err)
	}
	if _, _, err := v.Withdraw(bob, tokA, alice, bob, n(1), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestTransferMultipleKeepsShareSum(t *testing.T) {
	v, l, rec := newTestVault(t)
	fund(t, l, tokA, alice, n(9000))
	_, _, _ = v.Deposit(alice, tokA, alice, alice, n(9000), nil)

	if err := v.TransferMultiple(alice, tokA, alice, []common.Address{bob, carol, bob}, []*uint256.Int{n(1000), n(2000), n(500)}); err != nil {
		t.Fatalf("transfer multiple: %v", err)
	}
	if v.BalanceOf(tokA, bob).Uint64() != 1500 || v.BalanceOf(tokA, carol).Uint64() != 2000 || v.BalanceOf(tokA, alice).Uint64() != 5500 {
		t.Fatalf("unexpected balances after transfer")
	}
	requireShareSum(t, v, tokA)

	if err := v.TransferMultiple(alice, tokA, alice, []common.Address{bob}, []*uint256.Int{n(1), n(2)}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected length mismatch, got %v", err)
	}
	if err := v.Transfer(alice, tokA, alice, bob, n(6000)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected insufficient shares, got %v", err)
	}
	if err := v.Transfer(alice, tokA, alice, common.Address{}, n(1)); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("expected zero recipient, got %v", err)
	}
	transfers := 0
	for _, kind := range rec.Types() {
		if kind == EventTypeTransfer {
			transfers++
		}
	}
	if transfers != 3 {
		t.Fatalf("expected 3 transfer events, got %d", transfers)
	}
}

func TestShareSumInvariantAcrossOperations(t *testing.T) {
	v, l, _ := newTestVault(t)
	for _, who := range []common.Address{alice, bob, carol} {
		fund(t, l, tokA, who, n(1_000_000))
	}
	_, _, _ = v.Deposit(alice, tokA, alice, alice, n(10_000), nil)
	_ = l.Mint(tokA, vaultAddr, n(3_333))
	_ = v.pool(tokA).totals.AddElastic(n(3_333))

	steps := []func() error{
		func() error { _, _, err := v.Deposit(bob, tokA, bob, bob, n(7_777), nil); return err },
		func() error { _, _, err := v.Deposit(carol, tokA, carol, carol, nil, n(1_234)); return err },
		func() error { return v.Transfer(bob, tokA, bob, carol, n(99)) },
		func() error { _, _, err := v.Withdraw(alice, tokA, alice, alice, n(3_001), nil); return err },
		func() error { _, _, err := v.Withdraw(carol, tokA, carol, bob, nil, n(333)); return err },
		func() error { _, _, err := v.Deposit(alice, tokA, alice, carol, n(1), nil); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil && !errors.Is(err, ErrZeroShare) {
			t.Fatalf("step %d: %v", i, err)
		}
		requireShareSum(t, v, tokA)
	}
}

func TestNativeCoinIsWrapped(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, token.NativeCoin, alice, n(4000))

	if _, _, err := v.Deposit(alice, token.NativeCoin, alice, alice, n(3000), nil); err != nil {
		t.Fatalf("native deposit: %v", err)
	}
	if l.BalanceOf(wrapped, vaultAddr).Uint64() != 3000 || !l.BalanceOf(token.NativeCoin, vaultAddr).IsZero() {
		t.Fatalf("vault should hold wrapped tokens only")
	}
	if v.BalanceOf(wrapped, alice).Uint64() != 3000 {
		t.Fatalf("native deposit should be booked under the wrapped token")
	}
	if _, _, err := v.Withdraw(alice, token.NativeCoin, alice, bob, n(1000), nil); err != nil {
		t.Fatalf("native withdraw: %v", err)
	}
	if l.BalanceOf(token.NativeCoin, bob).Uint64() != 1000 {
		t.Fatalf("recipient should receive native coins")
	}
	if l.BalanceOf(wrapped, vaultAddr).Uint64() != 2000 {
		t.Fatalf("unexpected wrapped balance %s", l.BalanceOf(wrapped, vaultAddr).Dec())
	}
}

func TestConversionsRevertAtTypeCeiling(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, new(uint256.Int).Add(fixed.MaxTotal, n(10)))

	if _, _, err := v.Deposit(alice, tokA, alice, alice, fixed.Clone(fixed.MaxTotal), nil); err != nil {
		t.Fatalf("deposit at protocol ceiling: %v", err)
	}
	if _, _, err := v.Deposit(alice, tokA, alice, alice, n(1), nil); !errors.Is(err, fixed.ErrOverflow) {
		t.Fatalf("expected overflow past ceiling, got %v", err)
	}
	if l.BalanceOf(tokA, alice).Uint64() != 10 {
		t.Fatalf("failed deposit moved tokens")
	}
	share, err := v.ToShare(tokA, fixed.MaxTotal, true)
	if err != nil || !share.Eq(fixed.MaxTotal) {
		t.Fatalf("conversion at ceiling: %v %v", share, err)
	}

	p := v.pool(tokA)
	p.totals.Elastic.SetOne()
	if _, err := v.ToShare(tokA, fixed.Max(), false); !errors.Is(err, fixed.ErrOverflow) {
		t.Fatalf("expected overflow at type ceiling, got %v", err)
	}
}

func TestPausedVaultRejectsMutations(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, n(5000))
	v.SetPauses(nativecommon.PauseSet{moduleName: true})
	if _, _, err := v.Deposit(alice, tokA, alice, alice, n(5000), nil); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	v, l, _ := newTestVault(t)
	fund(t, l, tokA, alice, n(5000))
	_, _, _ = v.Deposit(alice, tokA, alice, alice, n(5000), nil)
	_ = v.Transfer(alice, tokA, alice, bob, n(1200))
	_ = v.SetOperator(alice, carol, true)

	restored := New(vaultAddr, l)
	if err := restored.Restore(v.Snapshot(), nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.BalanceOf(tokA, bob).Uint64() != 1200 || !restored.IsOperator(alice, carol) {
		t.Fatalf("restored vault lost state")
	}
	amount, share := restored.Totals(tokA)
	if amount.Uint64() != 5000 || share.Uint64() != 5000 {
		t.Fatalf("restored totals %s/%s", amount.Dec(), share.Dec())
	}

	bad := v.Snapshot()
	bad.Pools[0].TotalShare = n(1)
	if err := New(vaultAddr, l).Restore(bad, nil); err == nil {
		t.Fatalf("expected share sum mismatch")
	}
}
