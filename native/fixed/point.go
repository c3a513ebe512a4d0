package fixed

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var (
	wadUnit = Pow10(18)
	rayUnit = Pow10(27)
)

// Wad is a 1e18 fixed-point number used for prices, per-second rates and
// deviation multipliers.
type Wad struct{ v uint256.Int }

// Ray is a 1e27 fixed-point number used for reward-per-share accumulators.
// It deliberately shares no arithmetic with Wad.
type Ray struct{ v uint256.Int }

// WadUnit returns 1.0 as a Wad.
func WadUnit() Wad { return Wad{v: *wadUnit} }

// NewWad wraps a raw 1e18-scaled integer.
func NewWad(raw *uint256.Int) Wad {
	var w Wad
	if raw != nil {
		w.v.Set(raw)
	}
	return w
}

// WadFromUint64 returns units as a Wad (units * 1e18).
func WadFromUint64(units uint64) Wad {
	var w Wad
	w.v.Mul(uint256.NewInt(units), wadUnit)
	return w
}

// ParseWad parses a decimal such as "1.5" or "75" into a Wad. At most 18
// fractional digits are accepted.
func ParseWad(value string) (Wad, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Wad{}, fmt.Errorf("fixed: empty decimal")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if len(frac) > 18 {
		return Wad{}, fmt.Errorf("fixed: %q has more than 18 decimals", value)
	}
	frac += strings.Repeat("0", 18-len(frac))
	if whole == "" {
		whole = "0"
	}
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return Wad{}, nil
	}
	raw, err := uint256.FromDecimal(digits)
	if err != nil {
		return Wad{}, fmt.Errorf("fixed: parse %q: %w", value, err)
	}
	return Wad{v: *raw}, nil
}

// Int returns a copy of the raw scaled integer.
func (w Wad) Int() *uint256.Int { return new(uint256.Int).Set(&w.v) }

func (w Wad) IsZero() bool { return w.v.IsZero() }

func (w Wad) Cmp(o Wad) int { return w.v.Cmp(&o.v) }

// MulInt returns x*w/1e18.
func (w Wad) MulInt(x *uint256.Int, roundUp bool) (*uint256.Int, error) {
	return MulDiv(x, &w.v, wadUnit, roundUp)
}

// DivInt returns x*1e18/w.
func (w Wad) DivInt(x *uint256.Int, roundUp bool) (*uint256.Int, error) {
	return MulDiv(x, wadUnit, &w.v, roundUp)
}

// Ratio returns hi/lo as a Wad, rounded up.
func Ratio(hi, lo Wad) (Wad, error) {
	r, err := MulDiv(&hi.v, wadUnit, &lo.v, true)
	if err != nil {
		return Wad{}, err
	}
	return Wad{v: *r}, nil
}

// String renders the value as a decimal with trailing zeros trimmed.
func (w Wad) String() string {
	whole := new(uint256.Int).Div(&w.v, wadUnit)
	frac := new(uint256.Int).Mod(&w.v, wadUnit)
	if frac.IsZero() {
		return whole.Dec()
	}
	digits := frac.Dec()
	digits = strings.Repeat("0", 18-len(digits)) + digits
	return whole.Dec() + "." + strings.TrimRight(digits, "0")
}

// NewRay wraps a raw 1e27-scaled integer.
func NewRay(raw *uint256.Int) Ray {
	var r Ray
	if raw != nil {
		r.v.Set(raw)
	}
	return r
}

// Int returns a copy of the raw scaled integer.
func (r Ray) Int() *uint256.Int { return new(uint256.Int).Set(&r.v) }

func (r Ray) IsZero() bool { return r.v.IsZero() }

func (r Ray) Cmp(o Ray) int { return r.v.Cmp(&o.v) }

// Accumulate returns r + delta*1e27/total.
func (r Ray) Accumulate(delta, total *uint256.Int) (Ray, error) {
	step, err := MulDiv(delta, rayUnit, total, false)
	if err != nil {
		return Ray{}, err
	}
	next, err := Add(&r.v, step)
	if err != nil {
		return Ray{}, err
	}
	return Ray{v: *next}, nil
}

// MulInt returns x*r/1e27 rounded down.
func (r Ray) MulInt(x *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, &r.v, rayUnit, false)
}

func (r Ray) String() string { return r.v.Dec() }
