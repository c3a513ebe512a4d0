package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

// Basis-point denominators used by the risk parameters.
const (
	// FactorBase is the denominator of the collateral factor and the
	// liquidation penalty.
	FactorBase = 100_000
	// TreasuryBase is the denominator of the liquidation treasury cut.
	TreasuryBase = 10_000
)

// Vault is the share ledger a market keeps collateral and lendable debt
// tokens in. The market acts as caller for every movement; users approve it
// as an operator once.
type Vault interface {
	ToShare(token common.Address, amount *uint256.Int, roundUp bool) (*uint256.Int, error)
	ToAmount(token common.Address, share *uint256.Int, roundUp bool) (*uint256.Int, error)
	BalanceOf(token, owner common.Address) *uint256.Int
	IsOperator(owner, operator common.Address) bool
	Transfer(caller, token, from, to common.Address, share *uint256.Int) error
	Deposit(caller, token, from, to common.Address, amount, share *uint256.Int) (*uint256.Int, *uint256.Int, error)
	Withdraw(caller, token, from, to common.Address, amount, share *uint256.Int) (*uint256.Int, *uint256.Int, error)
}

// PriceSource quotes the collateral in debt token units, 1e18 scaled.
type PriceSource interface {
	Get(ctx context.Context, data []byte) (fixed.Wad, error)
}

// RiskConfig is the read-only parameter store a market consults.
type RiskConfig interface {
	// CollateralFactor is the borrowable share of collateral value out of
	// FactorBase.
	CollateralFactor(market, user common.Address) uint64
	// LiquidationPenalty multiplies repaid debt value, out of FactorBase, to
	// size the seized collateral.
	LiquidationPenalty(market common.Address) uint64
	// LiquidationTreasuryBps is the treasury's cut of seized collateral out
	// of TreasuryBase.
	LiquidationTreasuryBps(market common.Address) uint64
	MinDebtSize(market common.Address) *uint256.Int
	InterestPerSecond(market common.Address) fixed.Wad
	Treasury() common.Address
}

// BadDebtSink is told about every shortfall a liquidation could not recover.
type BadDebtSink interface {
	OnBadDebt(market common.Address, value *uint256.Int)
}

// Swapper converts seized collateral shares into debt token shares during a
// liquidation.
type Swapper interface {
	Execute(tokenIn, tokenOut, to common.Address, minOut, amountIn *uint256.Int) (*uint256.Int, error)
}

// Quoter is implemented by swappers that can price a swap without executing
// it. Kill uses it to reject a liquidation before any collateral leaves the
// market.
type Quoter interface {
	Quote(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error)
}

// Config binds a market to its tokens and price feed.
type Config struct {
	Address    common.Address
	Collateral common.Address
	Debt       common.Address
	Oracle     PriceSource
	OracleData []byte
}

// Position is one user's collateral and debt shares.
type Position struct {
	CollateralShare *uint256.Int
	DebtShare       *uint256.Int
}

type position struct {
	collateral uint256.Int
	debt       uint256.Int
}

func (p *position) view() Position {
	return Position{CollateralShare: fixed.Clone(&p.collateral), DebtShare: fixed.Clone(&p.debt)}
}

// Globals is a read-only view of a market's aggregates.
type Globals struct {
	TotalCollateralShare *uint256.Int
	TotalDebtShare       *uint256.Int
	TotalDebtValue       *uint256.Int
	BadDebtShare         *uint256.Int
	Surplus              *uint256.Int
	LastAccrueTime       int64
	InterestPerSecond    fixed.Wad
}

// KillResult summarises one liquidation call.
type KillResult struct {
	DebtShare       *uint256.Int
	DebtValue       *uint256.Int
	CollateralShare *uint256.Int
	TreasuryShare   *uint256.Int
	PaidShare       *uint256.Int
	BadDebtValue    *uint256.Int
}
