package strategy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "cdpledger/native/common"
	"cdpledger/native/fixed"
	"cdpledger/native/vault"
)

var (
	ErrWrongToken    = errors.New("strategy: context token does not match strategy")
	ErrSameToken     = errors.New("strategy: reward token must differ from principal token")
	ErrNotConfigured = errors.New("strategy: ledger or yield source not configured")
)

// TokenLedger is the token primitive the strategy holds balances with.
type TokenLedger interface {
	BalanceOf(token, owner common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
}

// RewardStrategy stakes one vault token into a YieldSource and distributes
// the source's reward token to vault depositors in proportion to their vault
// shares.
type RewardStrategy struct {
	self        common.Address
	vault       common.Address
	token       common.Address
	rewardToken common.Address
	ledger      TokenLedger
	source      YieldSource
	rewards     *RewardLedger
	lock        nativecommon.Lock
	log         *slog.Logger
}

// New constructs a strategy at self serving token for vaultAddr.
func New(self, vaultAddr, token, rewardToken common.Address, ledger TokenLedger, source YieldSource) (*RewardStrategy, error) {
	if token == rewardToken {
		return nil, ErrSameToken
	}
	if ledger == nil || source == nil {
		return nil, ErrNotConfigured
	}
	return &RewardStrategy{
		self:        self,
		vault:       vaultAddr,
		token:       token,
		rewardToken: rewardToken,
		ledger:      ledger,
		source:      source,
		rewards:     NewRewardLedger(),
	}, nil
}

// SetLogger configures the structured logger. Passing nil uses slog.Default.
func (s *RewardStrategy) SetLogger(l *slog.Logger) { s.log = l }

func (s *RewardStrategy) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

// Address implements vault.Strategy.
func (s *RewardStrategy) Address() common.Address { return s.self }

// RewardToken returns the token rewards are paid in.
func (s *RewardStrategy) RewardToken() common.Address { return s.rewardToken }

// Rewards exposes the reward ledger for inspection.
func (s *RewardStrategy) Rewards() *RewardLedger { return s.rewards }

func (s *RewardStrategy) enter(ctx vault.StrategyContext) (func(), error) {
	if ctx.Token != s.token {
		return nil, ErrWrongToken
	}
	if err := s.lock.Enter(); err != nil {
		return nil, err
	}
	return s.lock.Exit, nil
}

// Harvest claims from the yield source and settles the caller.
func (s *RewardStrategy) Harvest(ctx vault.StrategyContext) error {
	release, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := s.settle(ctx); err != nil {
		return err
	}
	return s.rewards.Rebase(ctx.Caller, fixed.Clone(ctx.ShareAfter))
}

// Deposit settles the caller at its pre-deposit share, stakes the tokens the
// vault just pushed and re-baselines the caller.
func (s *RewardStrategy) Deposit(ctx vault.StrategyContext) error {
	release, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := s.settle(ctx); err != nil {
		return err
	}
	if err := s.source.Stake(s.self, fixed.Clone(ctx.Amount)); err != nil {
		return fmt.Errorf("strategy: stake: %w", err)
	}
	return s.rewards.Rebase(ctx.Caller, fixed.Clone(ctx.ShareAfter))
}

// Withdraw settles the caller, unstakes ctx.Amount and returns it to the
// vault.
func (s *RewardStrategy) Withdraw(ctx vault.StrategyContext) error {
	release, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := s.settle(ctx); err != nil {
		return err
	}
	amount := fixed.Clone(ctx.Amount)
	if err := s.source.Unstake(s.self, amount); err != nil {
		return fmt.Errorf("strategy: unstake: %w", err)
	}
	if err := s.ledger.Transfer(s.token, s.self, s.vault, amount); err != nil {
		return err
	}
	return s.rewards.Rebase(ctx.Caller, fixed.Clone(ctx.ShareAfter))
}

// Exit unstakes all principal and sends every principal token the strategy
// holds to to. Unclaimed rewards stay with the strategy.
func (s *RewardStrategy) Exit(to common.Address) error {
	if err := s.lock.Enter(); err != nil {
		return err
	}
	defer s.lock.Exit()
	if staked := s.source.Staked(s.self); !staked.IsZero() {
		if err := s.source.Unstake(s.self, staked); err != nil {
			return fmt.Errorf("strategy: unstake: %w", err)
		}
	}
	held := s.ledger.BalanceOf(s.token, s.self)
	if held.IsZero() {
		return nil
	}
	s.logger().Info("strategy exit", "strategy", s.self.Hex(), "token", s.token.Hex(), "amount", held.Dec())
	return s.ledger.Transfer(s.token, s.self, to, held)
}

// Pending returns what caller could claim now holding share out of total
// shares, including reward the source has credited but not yet paid.
func (s *RewardStrategy) Pending(caller common.Address, share, total *uint256.Int) (*uint256.Int, error) {
	projected := &RewardLedger{
		accRewardPerShare: s.rewards.accRewardPerShare,
		rewardDebt:        s.rewards.rewardDebt,
	}
	projected.accRewardBalance.Set(&s.rewards.accRewardBalance)
	balance, err := fixed.Add(s.ledger.BalanceOf(s.rewardToken, s.self), s.source.Pending(s.self))
	if err != nil {
		return nil, err
	}
	if err := projected.Distribute(balance, total); err != nil {
		return nil, err
	}
	return projected.Entitlement(caller, share)
}

// settle claims from the source, distributes the growth over the pre-call
// total and pays the caller at its pre-call share.
func (s *RewardStrategy) settle(ctx vault.StrategyContext) error {
	if _, err := s.source.Claim(s.self); err != nil {
		return fmt.Errorf("strategy: claim: %w", err)
	}
	balance := s.ledger.BalanceOf(s.rewardToken, s.self)
	if err := s.rewards.Distribute(balance, ctx.TotalBefore); err != nil {
		return err
	}
	owed, err := s.rewards.Entitlement(ctx.Caller, fixed.Clone(ctx.ShareBefore))
	if err != nil {
		return err
	}
	if owed.IsZero() || ctx.Caller == (common.Address{}) {
		return nil
	}
	if err := s.ledger.Transfer(s.rewardToken, s.self, ctx.Caller, owed); err != nil {
		return err
	}
	s.rewards.Paid(owed)
	s.logger().Debug("strategy reward paid", "strategy", s.self.Hex(), "caller", ctx.Caller.Hex(), "amount", owed.Dec())
	return nil
}

var _ vault.Strategy = (*RewardStrategy)(nil)
