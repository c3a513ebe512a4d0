package fixed

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fixed: arithmetic overflow")
	ErrUnderflow      = errors.New("fixed: arithmetic underflow")
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

// MaxTotal is the protocol ceiling for any aggregate amount or share total.
// Individual intermediates may use the full 256-bit range; only running totals
// are bounded so that products of two totals never exceed 512 bits.
var MaxTotal = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Max returns the largest representable value. Callers use it as the
// "everything" sentinel for repayments and allowances.
func Max() *uint256.Int { return new(uint256.Int).SetAllOne() }

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone copies x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y or ErrUnderflow.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns x*y or ErrOverflow.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDiv computes x*y/d with a 512-bit intermediate product. When roundUp is
// set and the division leaves a remainder the result is incremented by one.
func MulDiv(x, y, d *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivisionByZero
	}
	if x.IsZero() || y.IsZero() {
		return new(uint256.Int), nil
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if roundUp {
		if rem := new(uint256.Int).MulMod(x, y, d); !rem.IsZero() {
			return Add(z, uint256.NewInt(1))
		}
	}
	return z, nil
}

// CheckTotal reports ErrOverflow when x exceeds the protocol ceiling.
func CheckTotal(x *uint256.Int) error {
	if x.Gt(MaxTotal) {
		return ErrOverflow
	}
	return nil
}

// Min returns the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return Clone(x)
	}
	return Clone(y)
}

// Pow10 returns 10^n.
func Pow10(n uint64) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(n))
}
