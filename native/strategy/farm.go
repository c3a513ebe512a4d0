package strategy

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

var ErrInsufficientStake = errors.New("farm: insufficient stake")

// YieldSource is the external venue a strategy stakes principal into and
// claims rewards from.
type YieldSource interface {
	Stake(staker common.Address, amount *uint256.Int) error
	Unstake(staker common.Address, amount *uint256.Int) error
	Claim(staker common.Address) (*uint256.Int, error)
	Staked(staker common.Address) *uint256.Int
	Pending(staker common.Address) *uint256.Int
}

// FarmLedger is the token primitive a Farm moves stake and mints rewards
// through.
type FarmLedger interface {
	Transfer(token, from, to common.Address, amount *uint256.Int) error
	Mint(token, to common.Address, amount *uint256.Int) error
}

// Farm is an in-memory yield source. It emits RewardPerSecond of the reward
// token pro rata over staked amounts and lets an operator credit extra
// rewards through Fund.
type Farm struct {
	self        common.Address
	stakeToken  common.Address
	rewardToken common.Address
	ledger      FarmLedger
	rate        uint256.Int
	stakes      map[common.Address]*uint256.Int
	owed        map[common.Address]*uint256.Int
	total       uint256.Int
	last        int64
	nowFn       func() int64
}

// NewFarm constructs a farm holding stake at self.
func NewFarm(self, stakeToken, rewardToken common.Address, ledger FarmLedger) *Farm {
	return &Farm{
		self:        self,
		stakeToken:  stakeToken,
		rewardToken: rewardToken,
		ledger:      ledger,
		stakes:      make(map[common.Address]*uint256.Int),
		owed:        make(map[common.Address]*uint256.Int),
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// Address returns the account the farm holds stake under.
func (f *Farm) Address() common.Address { return f.self }

// SetNowFunc overrides the emission clock.
func (f *Farm) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	f.nowFn = now
	f.last = now()
}

// SetRewardPerSecond changes the emission rate after settling emission so far.
func (f *Farm) SetRewardPerSecond(rate *uint256.Int) error {
	if err := f.accrue(); err != nil {
		return err
	}
	f.rate.Set(fixed.Clone(rate))
	return nil
}

// Fund credits amount of reward to staker directly.
func (f *Farm) Fund(staker common.Address, amount *uint256.Int) error {
	next, err := fixed.Add(fixed.Clone(f.owed[staker]), amount)
	if err != nil {
		return err
	}
	f.owed[staker] = next
	return nil
}

func (f *Farm) accrue() error {
	now := f.nowFn()
	if now <= f.last {
		return nil
	}
	elapsed := uint256.NewInt(uint64(now - f.last))
	f.last = now
	if f.total.IsZero() || f.rate.IsZero() {
		return nil
	}
	emission, err := fixed.Mul(&f.rate, elapsed)
	if err != nil {
		return err
	}
	for staker, stake := range f.stakes {
		cut, err := fixed.MulDiv(emission, stake, &f.total, false)
		if err != nil {
			return err
		}
		if err := f.Fund(staker, cut); err != nil {
			return err
		}
	}
	return nil
}

// Stake pulls amount of the stake token from staker.
func (f *Farm) Stake(staker common.Address, amount *uint256.Int) error {
	if err := f.accrue(); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	next, err := fixed.Add(&f.total, amount)
	if err != nil {
		return err
	}
	if err := f.ledger.Transfer(f.stakeToken, staker, f.self, amount); err != nil {
		return err
	}
	f.total.Set(next)
	f.stakes[staker] = new(uint256.Int).Add(fixed.Clone(f.stakes[staker]), amount)
	return nil
}

// Unstake returns amount of stake to staker.
func (f *Farm) Unstake(staker common.Address, amount *uint256.Int) error {
	if err := f.accrue(); err != nil {
		return err
	}
	current := fixed.Clone(f.stakes[staker])
	if current.Lt(amount) {
		return ErrInsufficientStake
	}
	if amount.IsZero() {
		return nil
	}
	if err := f.ledger.Transfer(f.stakeToken, f.self, staker, amount); err != nil {
		return err
	}
	f.total.Sub(&f.total, amount)
	if left := new(uint256.Int).Sub(current, amount); left.IsZero() {
		delete(f.stakes, staker)
	} else {
		f.stakes[staker] = left
	}
	return nil
}

// Claim mints staker's accrued reward to it.
func (f *Farm) Claim(staker common.Address) (*uint256.Int, error) {
	if err := f.accrue(); err != nil {
		return nil, err
	}
	owed := fixed.Clone(f.owed[staker])
	if owed.IsZero() {
		return owed, nil
	}
	if err := f.ledger.Mint(f.rewardToken, staker, owed); err != nil {
		return nil, err
	}
	delete(f.owed, staker)
	return owed, nil
}

// Staked returns staker's principal.
func (f *Farm) Staked(staker common.Address) *uint256.Int { return fixed.Clone(f.stakes[staker]) }

// Pending returns staker's reward already credited, excluding emission since
// the last state change.
func (f *Farm) Pending(staker common.Address) *uint256.Int { return fixed.Clone(f.owed[staker]) }
