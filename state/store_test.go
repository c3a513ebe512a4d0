package state

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"cdpledger/native/market"
	"cdpledger/native/strategy"
	"cdpledger/native/token"
	"cdpledger/native/vault"
	"cdpledger/storage"
)

var (
	wrapped   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	coin      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	marketA   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	marketB   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func TestCheckVersion(t *testing.T) {
	db := storage.NewMemDB()
	s := New(db)
	require.NoError(t, s.CheckVersion())
	require.NoError(t, s.CheckVersion())

	require.NoError(t, s.put(versionKey, SchemaVersion+1))
	require.ErrorIs(t, s.CheckVersion(), ErrSchema)
}

func TestUninitialisedStore(t *testing.T) {
	var s *Store
	_, _, err := s.LoadVault()
	require.ErrorIs(t, err, ErrUninitialised)
	require.ErrorIs(t, New(nil).SaveLedger(token.State{}), ErrUninitialised)
}

func TestLedgerAndVaultSurviveRestart(t *testing.T) {
	db := storage.NewMemDB()
	s := New(db)

	ledger := token.NewLedger(wrapped)
	require.NoError(t, ledger.Mint(coin, alice, uint256.NewInt(10_000)))
	require.NoError(t, ledger.Approve(coin, alice, vaultAddr, uint256.NewInt(10_000)))
	v := vault.New(vaultAddr, ledger)
	_, share, err := v.Deposit(alice, coin, alice, alice, uint256.NewInt(5_000), nil)
	require.NoError(t, err)
	require.NoError(t, v.SetOperator(alice, marketA, true))

	require.NoError(t, s.SaveLedger(ledger.Snapshot()))
	require.NoError(t, s.SaveVault(v.Snapshot()))

	_, ok, err := New(db).LoadMarket(marketA)
	require.NoError(t, err)
	require.False(t, ok)

	ledgerState, ok, err := s.LoadLedger()
	require.NoError(t, err)
	require.True(t, ok)
	restoredLedger := token.NewLedger(wrapped)
	require.NoError(t, restoredLedger.Restore(ledgerState))
	require.Equal(t, uint64(5_000), restoredLedger.BalanceOf(coin, alice).Uint64())
	require.Equal(t, uint64(5_000), restoredLedger.Allowance(coin, alice, vaultAddr).Uint64())

	vaultState, ok, err := s.LoadVault()
	require.NoError(t, err)
	require.True(t, ok)
	restored := vault.New(vaultAddr, restoredLedger)
	require.NoError(t, restored.Restore(vaultState, nil))
	require.Equal(t, share.Uint64(), restored.BalanceOf(coin, alice).Uint64())
	amount, total := restored.Totals(coin)
	require.Equal(t, uint64(5_000), amount.Uint64())
	require.Equal(t, share.Uint64(), total.Uint64())
	require.True(t, restored.IsOperator(alice, marketA))
}

func TestMarketsListedInAddressOrder(t *testing.T) {
	s := New(storage.NewMemDB())
	st := market.State{
		TotalCollateralShare: uint256.NewInt(100),
		TotalDebtShare:       uint256.NewInt(40),
		TotalDebtValue:       uint256.NewInt(44),
		BadDebtShare:         uint256.NewInt(0),
		Surplus:              uint256.NewInt(4),
		LastAccrueTime:       1_700_000_000,
		Positions: []market.PositionState{{
			User:            alice,
			CollateralShare: uint256.NewInt(100),
			DebtShare:       uint256.NewInt(40),
		}},
	}
	require.NoError(t, s.SaveMarket(marketA, st))
	require.NoError(t, s.SaveMarket(marketB, market.State{}))

	markets, err := s.Markets()
	require.NoError(t, err)
	require.Equal(t, []common.Address{marketB, marketA}, markets)

	loaded, ok, err := s.LoadMarket(marketA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(44), loaded.TotalDebtValue.Uint64())
	require.Equal(t, uint64(1_700_000_000), loaded.LastAccrueTime)
	require.Len(t, loaded.Positions, 1)
	require.Equal(t, alice, loaded.Positions[0].User)

	require.NoError(t, s.DeleteMarket(marketB))
	markets, err = s.Markets()
	require.NoError(t, err)
	require.Equal(t, []common.Address{marketA}, markets)
}

func TestRewardAndFarmState(t *testing.T) {
	s := New(storage.NewMemDB())
	strat := common.HexToAddress("0x00000000000000000000000000000000000000d0")
	require.NoError(t, s.SaveRewards(strat, strategy.LedgerState{
		AccRewardPerShare: uint256.NewInt(7),
		AccRewardBalance:  uint256.NewInt(70),
		Debts:             []strategy.Debt{{Account: alice, Amount: uint256.NewInt(3)}},
	}))
	require.NoError(t, s.SaveFarm(strat, strategy.FarmState{
		RewardPerSecond: uint256.NewInt(2),
		LastUpdate:      9,
		Stakes:          []strategy.Stake{{Staker: alice, Amount: uint256.NewInt(50), Owed: uint256.NewInt(1)}},
	}))

	rewards, ok, err := s.LoadRewards(strat)
	require.NoError(t, err)
	require.True(t, ok)
	ledger := strategy.NewRewardLedger()
	ledger.Restore(rewards)
	require.Equal(t, uint64(3), ledger.RewardDebt(alice).Uint64())
	require.Equal(t, uint64(70), ledger.AccRewardBalance().Uint64())

	farm, ok, err := s.LoadFarm(strat)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), farm.LastUpdate)
	require.Equal(t, uint64(50), farm.Stakes[0].Amount.Uint64())
}

func TestUpdateCommitsAtomically(t *testing.T) {
	db := storage.NewMemDB()
	s := New(db)
	ledger := token.NewLedger(wrapped)
	require.NoError(t, ledger.Mint(coin, alice, uint256.NewInt(10)))

	failed := errors.New("boom")
	err := s.Update(func(tx *Store) error {
		require.NoError(t, tx.SaveLedger(ledger.Snapshot()))
		return failed
	})
	require.ErrorIs(t, err, failed)
	_, ok, err := s.LoadLedger()
	require.NoError(t, err)
	require.False(t, ok, "failed update must not write")

	require.NoError(t, s.Update(func(tx *Store) error {
		if err := tx.SaveLedger(ledger.Snapshot()); err != nil {
			return err
		}
		return tx.SaveVault(vault.New(vaultAddr, ledger).Snapshot())
	}))
	_, ok, err = s.LoadLedger()
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.LoadVault()
	require.NoError(t, err)
	require.True(t, ok)
}
