// Package swapper holds liquidation venues the debt market can route seized
// collateral through.
package swapper

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

var (
	ErrNoRate             = errors.New("swapper: no rate for pair")
	ErrInsufficientOutput = errors.New("swapper: output below minimum")
	ErrInsufficientStock  = errors.New("swapper: insufficient inventory")
	ErrZeroInput          = errors.New("swapper: zero input")
)

// Vault is the share ledger the venue settles in.
type Vault interface {
	ToShare(token common.Address, amount *uint256.Int, roundUp bool) (*uint256.Int, error)
	ToAmount(token common.Address, share *uint256.Int, roundUp bool) (*uint256.Int, error)
	BalanceOf(token, owner common.Address) *uint256.Int
	Transfer(caller, token, from, to common.Address, share *uint256.Int) error
}

type pair struct {
	in, out common.Address
}

// FixedRate is an in-memory venue that holds vault shares of its output
// tokens and swaps at operator-set rates. Input shares must already sit in the
// venue's account when Execute is called.
type FixedRate struct {
	mu    sync.Mutex
	self  common.Address
	vault Vault
	rates map[pair]fixed.Wad
	log   *slog.Logger
}

// NewFixedRate constructs a venue trading from account self.
func NewFixedRate(self common.Address, v Vault) *FixedRate {
	return &FixedRate{self: self, vault: v, rates: make(map[pair]fixed.Wad)}
}

// Address returns the venue's vault account.
func (s *FixedRate) Address() common.Address { return s.self }

// SetLogger configures the structured logger. Passing nil uses slog.Default.
func (s *FixedRate) SetLogger(l *slog.Logger) { s.log = l }

func (s *FixedRate) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

// SetRate sets how many tokenOut units one tokenIn unit buys. A zero rate
// removes the pair.
func (s *FixedRate) SetRate(tokenIn, tokenOut common.Address, rate fixed.Wad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate.IsZero() {
		delete(s.rates, pair{tokenIn, tokenOut})
		return
	}
	s.rates[pair{tokenIn, tokenOut}] = rate
}

// Quote returns the tokenOut shares amountIn shares of tokenIn would buy. It
// fails with ErrInsufficientStock when the venue could not pay them.
func (s *FixedRate) Quote(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	if amountIn == nil || amountIn.IsZero() {
		return nil, ErrZeroInput
	}
	s.mu.Lock()
	rate, ok := s.rates[pair{tokenIn, tokenOut}]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRate, tokenIn.Hex(), tokenOut.Hex())
	}
	in, err := s.vault.ToAmount(tokenIn, amountIn, false)
	if err != nil {
		return nil, err
	}
	out, err := rate.MulInt(in, false)
	if err != nil {
		return nil, err
	}
	share, err := s.vault.ToShare(tokenOut, out, false)
	if err != nil {
		return nil, err
	}
	if s.vault.BalanceOf(tokenOut, s.self).Lt(share) {
		return nil, fmt.Errorf("%w: %s holds %s of %s", ErrInsufficientStock, s.self.Hex(), s.vault.BalanceOf(tokenOut, s.self).Dec(), share.Dec())
	}
	return share, nil
}

// Execute swaps amountIn shares of tokenIn, already credited to the venue,
// into tokenOut shares paid to to.
func (s *FixedRate) Execute(tokenIn, tokenOut, to common.Address, minOut, amountIn *uint256.Int) (*uint256.Int, error) {
	out, err := s.Quote(tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Lt(minOut) {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientOutput, out.Dec(), minOut.Dec())
	}
	if s.vault.BalanceOf(tokenIn, s.self).Lt(amountIn) {
		return nil, fmt.Errorf("%w: input not received", ErrInsufficientStock)
	}
	if err := s.vault.Transfer(s.self, tokenOut, s.self, to, out); err != nil {
		return nil, err
	}
	s.logger().Debug("swap executed", "in", tokenIn.Hex(), "out", tokenOut.Hex(), "amountIn", amountIn.Dec(), "amountOut", out.Dec(), "to", to.Hex())
	return out, nil
}
