package fixed

import "github.com/holiman/uint256"

// Rebase tracks an elastic quantity (token amount, debt value) against the
// base units (shares) that claim it. The ratio Elastic/Base is the exchange
// rate; an empty rebase converts 1:1.
type Rebase struct {
	Elastic uint256.Int
	Base    uint256.Int
}

// Clone returns a deep copy of the rebase.
func (r Rebase) Clone() Rebase { return r }

// ToBase converts an elastic amount into base units. Outstanding base with no
// elastic left behind it has no exchange rate and fails with
// ErrDivisionByZero.
func (r *Rebase) ToBase(elastic *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if r.Base.IsZero() {
		return Clone(elastic), nil
	}
	return MulDiv(elastic, &r.Base, &r.Elastic, roundUp)
}

// ToElastic converts base units into an elastic amount.
func (r *Rebase) ToElastic(base *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if r.Base.IsZero() {
		return Clone(base), nil
	}
	return MulDiv(base, &r.Elastic, &r.Base, roundUp)
}

// Add grows both sides, failing past MaxTotal. The receiver is untouched on
// failure.
func (r *Rebase) Add(elastic, base *uint256.Int) error {
	e, err := Add(&r.Elastic, elastic)
	if err != nil {
		return err
	}
	b, err := Add(&r.Base, base)
	if err != nil {
		return err
	}
	if err := CheckTotal(e); err != nil {
		return err
	}
	if err := CheckTotal(b); err != nil {
		return err
	}
	r.Elastic.Set(e)
	r.Base.Set(b)
	return nil
}

// Sub shrinks both sides. The receiver is untouched on failure.
func (r *Rebase) Sub(elastic, base *uint256.Int) error {
	e, err := Sub(&r.Elastic, elastic)
	if err != nil {
		return err
	}
	b, err := Sub(&r.Base, base)
	if err != nil {
		return err
	}
	r.Elastic.Set(e)
	r.Base.Set(b)
	return nil
}

// AddElastic adjusts only the elastic side, e.g. for interest, fees or
// strategy profit.
func (r *Rebase) AddElastic(elastic *uint256.Int) error {
	e, err := Add(&r.Elastic, elastic)
	if err != nil {
		return err
	}
	if err := CheckTotal(e); err != nil {
		return err
	}
	r.Elastic.Set(e)
	return nil
}

// SubElastic reduces only the elastic side, e.g. for strategy losses.
func (r *Rebase) SubElastic(elastic *uint256.Int) error {
	e, err := Sub(&r.Elastic, elastic)
	if err != nil {
		return err
	}
	r.Elastic.Set(e)
	return nil
}
