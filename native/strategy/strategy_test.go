package strategy

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
	farmAddr  = common.HexToAddress("0x000000000000000000000000000000000000fa12")
	stratAddr = common.HexToAddress("0x0000000000000000000000000000000000005701")
	principal = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	reward    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000ca7")
)

func n(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	ledger *token.Ledger
	vault  *vault.Vault
	farm   *Farm
	strat  *RewardStrategy
	now    int64
}

func newFixture(t *testing.T, targetBps uint64) *fixture {
	t.Helper()
	f := &fixture{ledger: token.NewLedger(common.Address{}), now: 1_000}
	f.vault = vault.New(vaultAddr, f.ledger)
	f.farm = NewFarm(farmAddr, principal, reward, f.ledger)
	f.farm.SetNowFunc(func() int64 { return f.now })
	strat, err := New(stratAddr, vaultAddr, principal, reward, f.ledger, f.farm)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	f.strat = strat
	if err := f.vault.SetStrategyTarget(principal, targetBps); err != nil {
		t.Fatalf("target: %v", err)
	}
	if err := f.vault.SetStrategy(principal, strat); err != nil {
		t.Fatalf("bind: %v", err)
	}
	for _, who := range []common.Address{alice, bob, carol} {
		if err := f.ledger.Mint(principal, who, n(100_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := f.ledger.Approve(principal, who, vaultAddr, fixed.Max()); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	return f
}

func (f *fixture) deposit(t *testing.T, who common.Address, amount uint64) {
	t.Helper()
	if _, _, err := f.vault.Deposit(who, principal, who, who, n(amount), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) rewardOf(who common.Address) uint64 {
	return f.ledger.BalanceOf(reward, who).Uint64()
}

func TestRewardsSplitProRata(t *testing.T) {
	f := newFixture(t, 10_000)
	f.deposit(t, alice, 1000)
	f.deposit(t, bob, 3000)
	if got := f.farm.Staked(stratAddr).Uint64(); got != 4000 {
		t.Fatalf("expected everything staked, got %d", got)
	}

	if err := f.farm.Fund(stratAddr, n(400)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.vault.Harvest(alice, principal); err != nil {
		t.Fatalf("harvest alice: %v", err)
	}
	if err := f.vault.Harvest(bob, principal); err != nil {
		t.Fatalf("harvest bob: %v", err)
	}
	if f.rewardOf(alice) != 100 || f.rewardOf(bob) != 300 {
		t.Fatalf("unexpected payouts alice=%d bob=%d", f.rewardOf(alice), f.rewardOf(bob))
	}
	if !f.strat.Rewards().AccRewardBalance().IsZero() {
		t.Fatalf("everything distributed should be paid, left %s", f.strat.Rewards().AccRewardBalance().Dec())
	}
	if got := f.strat.Rewards().AccRewardPerShare().Int().Dec(); got != "100000000000000000000000000" {
		t.Fatalf("unexpected accumulator %s", got)
	}
}

func TestZeroPendingHarvestLeavesDebtUnchanged(t *testing.T) {
	f := newFixture(t, 10_000)
	f.deposit(t, alice, 1000)
	f.deposit(t, bob, 1000)
	_ = f.farm.Fund(stratAddr, n(200))
	_ = f.vault.Harvest(alice, principal)

	accBefore := f.strat.Rewards().AccRewardPerShare()
	debtAlice := f.strat.Rewards().RewardDebt(alice)
	debtBob := f.strat.Rewards().RewardDebt(bob)
	if err := f.vault.Harvest(alice, principal); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if f.strat.Rewards().AccRewardPerShare().Cmp(accBefore) != 0 {
		t.Fatalf("accumulator moved without reward")
	}
	if !f.strat.Rewards().RewardDebt(alice).Eq(debtAlice) || !f.strat.Rewards().RewardDebt(bob).Eq(debtBob) {
		t.Fatalf("reward debt changed on empty harvest")
	}
	if f.rewardOf(alice) != 100 {
		t.Fatalf("alice paid twice: %d", f.rewardOf(alice))
	}
	// Bob was never settled and still collects his half.
	_ = f.vault.Harvest(bob, principal)
	if f.rewardOf(bob) != 100 {
		t.Fatalf("bob payout %d", f.rewardOf(bob))
	}
}

func TestBacklogWithoutSharesIsDistributedLater(t *testing.T) {
	f := newFixture(t, 10_000)
	_ = f.farm.Fund(stratAddr, n(50))
	if err := f.vault.Harvest(carol, principal); err != nil {
		t.Fatalf("harvest on empty pool: %v", err)
	}
	if !f.strat.Rewards().AccRewardPerShare().IsZero() {
		t.Fatalf("accumulator must not move without shares")
	}
	if f.ledger.BalanceOf(reward, stratAddr).Uint64() != 50 || f.rewardOf(carol) != 0 {
		t.Fatalf("backlog should be held by the strategy")
	}

	f.deposit(t, alice, 1000)
	if err := f.vault.Harvest(alice, principal); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if f.rewardOf(alice) != 50 {
		t.Fatalf("backlog not paid to first depositor: %d", f.rewardOf(alice))
	}
}

func TestAccumulatorIsMonotonic(t *testing.T) {
	f := newFixture(t, 10_000)
	f.deposit(t, alice, 3000)
	prev := f.strat.Rewards().AccRewardPerShare()
	for i := 0; i < 5; i++ {
		_ = f.farm.Fund(stratAddr, n(uint64(7*i)))
		if err := f.vault.Harvest(alice, principal); err != nil {
			t.Fatalf("harvest %d: %v", i, err)
		}
		next := f.strat.Rewards().AccRewardPerShare()
		if next.Cmp(prev) < 0 {
			t.Fatalf("accumulator decreased at %d", i)
		}
		prev = next
	}
}

func TestTransferSettlesBothSides(t *testing.T) {
	f := newFixture(t, 10_000)
	f.deposit(t, alice, 2000)
	f.deposit(t, bob, 2000)
	_ = f.farm.Fund(stratAddr, n(400))

	if err := f.vault.Transfer(alice, principal, alice, bob, n(1000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if f.rewardOf(alice) != 200 || f.rewardOf(bob) != 200 {
		t.Fatalf("transfer should settle at pre-transfer shares, alice=%d bob=%d", f.rewardOf(alice), f.rewardOf(bob))
	}

	_ = f.farm.Fund(stratAddr, n(400))
	_ = f.vault.Harvest(alice, principal)
	_ = f.vault.Harvest(bob, principal)
	if f.rewardOf(alice) != 300 || f.rewardOf(bob) != 500 {
		t.Fatalf("post-transfer split wrong, alice=%d bob=%d", f.rewardOf(alice), f.rewardOf(bob))
	}
}

func TestEmissionAndPending(t *testing.T) {
	f := newFixture(t, 10_000)
	if err := f.farm.SetRewardPerSecond(n(10)); err != nil {
		t.Fatalf("rate: %v", err)
	}
	f.deposit(t, alice, 1000)
	f.now += 30

	pending, err := f.strat.Pending(alice, f.vault.BalanceOf(principal, alice), n(1000))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	// Farm emission is only credited on the farm's next state change.
	if pending.Uint64() != 0 {
		t.Fatalf("unexpected pending before farm update: %s", pending.Dec())
	}
	if err := f.vault.Harvest(alice, principal); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if f.rewardOf(alice) != 300 {
		t.Fatalf("expected 30s * 10 emission, got %d", f.rewardOf(alice))
	}

	_ = f.farm.Fund(stratAddr, n(70))
	pending, err = f.strat.Pending(alice, f.vault.BalanceOf(principal, alice), n(1000))
	if err != nil || pending.Uint64() != 70 {
		t.Fatalf("pending should include credited reward, got %v %v", pending, err)
	}
}

func TestWithdrawUnstakesAndExitReturnsPrincipal(t *testing.T) {
	f := newFixture(t, 5000)
	f.deposit(t, alice, 10_000)
	if got := f.farm.Staked(stratAddr).Uint64(); got != 5000 {
		t.Fatalf("expected half staked, got %d", got)
	}
	if _, _, err := f.vault.Withdraw(alice, principal, alice, alice, n(4000), nil); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.farm.Staked(stratAddr).Uint64(); got != 3000 {
		t.Fatalf("expected 3000 staked after withdraw, got %d", got)
	}

	_ = f.farm.Fund(stratAddr, n(90))
	if err := f.vault.SetStrategy(principal, nil); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if !f.farm.Staked(stratAddr).IsZero() {
		t.Fatalf("exit left stake behind")
	}
	total, share := f.vault.Totals(principal)
	if total.Uint64() != 6000 || share.Uint64() != 6000 {
		t.Fatalf("exit changed totals: %s/%s", total.Dec(), share.Dec())
	}
	if f.ledger.BalanceOf(principal, vaultAddr).Uint64() != 6000 {
		t.Fatalf("principal not returned")
	}
	if f.rewardOf(alice) != 0 {
		t.Fatalf("exit must not harvest")
	}
}

func TestStrategyRejectsForeignToken(t *testing.T) {
	f := newFixture(t, 0)
	err := f.strat.Harvest(vault.StrategyContext{Token: reward})
	if !errors.Is(err, ErrWrongToken) {
		t.Fatalf("expected ErrWrongToken, got %v", err)
	}
	if _, err := New(stratAddr, vaultAddr, principal, principal, f.ledger, f.farm); !errors.Is(err, ErrSameToken) {
		t.Fatalf("expected ErrSameToken, got %v", err)
	}
}

func TestRewardLedgerSnapshot(t *testing.T) {
	l := NewRewardLedger()
	if err := l.Distribute(n(90), n(300)); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := l.Rebase(alice, n(100)); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	restored := NewRewardLedger()
	restored.Restore(l.Snapshot())
	if restored.AccRewardPerShare().Cmp(l.AccRewardPerShare()) != 0 || !restored.RewardDebt(alice).Eq(n(30)) {
		t.Fatalf("restored ledger differs")
	}
	if restored.AccRewardBalance().Uint64() != 90 {
		t.Fatalf("balance lost")
	}
}
