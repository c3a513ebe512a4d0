package fixed

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func e18(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(u(v), Pow10(18))
}

func TestMulDivRounding(t *testing.T) {
	down, err := MulDiv(u(10), u(1), u(3), false)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if down.Uint64() != 3 {
		t.Fatalf("expected floor 3, got %s", down.Dec())
	}
	up, err := MulDiv(u(10), u(1), u(3), true)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if up.Uint64() != 4 {
		t.Fatalf("expected ceil 4, got %s", up.Dec())
	}
	exact, err := MulDiv(u(9), u(1), u(3), true)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if exact.Uint64() != 3 {
		t.Fatalf("exact division must not round up, got %s", exact.Dec())
	}
}

func TestMulDivWideIntermediate(t *testing.T) {
	// (2^255 * 4) / 8 overflows 256 bits in the product but not in the result.
	big := new(uint256.Int).Lsh(u(1), 255)
	got, err := MulDiv(big, u(4), u(8), false)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	want := new(uint256.Int).Lsh(u(1), 254)
	if !got.Eq(want) {
		t.Fatalf("unexpected result: got %s want %s", got.Hex(), want.Hex())
	}
}

func TestMulDivRevertsAtTypeCeiling(t *testing.T) {
	if _, err := MulDiv(Max(), u(2), u(1), false); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := MulDiv(Max(), Max(), u(1), true); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := MulDiv(Max(), u(1), u(1), true); err != nil {
		t.Fatalf("max itself must fit: %v", err)
	}
	if _, err := MulDiv(u(1), u(1), u(0), false); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
}

func TestCheckedAddSub(t *testing.T) {
	if _, err := Add(Max(), u(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := Sub(u(1), u(2)); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if _, err := Mul(Max(), u(2)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestRebaseConversions(t *testing.T) {
	var r Rebase
	share, err := r.ToBase(u(500), false)
	if err != nil || share.Uint64() != 500 {
		t.Fatalf("empty rebase must convert 1:1, got %v %v", share, err)
	}

	r.Elastic.Set(e18(1300))
	r.Base.Set(e18(1000))

	first, err := r.ToBase(e18(100), false)
	if err != nil {
		t.Fatalf("to base: %v", err)
	}
	if first.Dec() != "76923076923076923076" {
		t.Fatalf("unexpected share: %s", first.Dec())
	}
	if err := r.Add(e18(100), first); err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := r.ToBase(e18(200), false)
	if err != nil {
		t.Fatalf("to base: %v", err)
	}
	if second.Dec() != "153846153846153846153" {
		t.Fatalf("unexpected share: %s", second.Dec())
	}
	sum := new(uint256.Int).Add(first, second)
	if sum.Dec() != "230769230769230769229" {
		t.Fatalf("unexpected cumulative share: %s", sum.Dec())
	}
}

func TestRebaseRoundTrip(t *testing.T) {
	var r Rebase
	r.Elastic.Set(u(1300))
	r.Base.Set(u(1000))

	for _, amount := range []uint64{1, 7, 13, 100, 1299, 2600} {
		share, err := r.ToBase(u(amount), true)
		if err != nil {
			t.Fatalf("to base: %v", err)
		}
		back, err := r.ToElastic(share, true)
		if err != nil {
			t.Fatalf("to elastic: %v", err)
		}
		if back.Lt(u(amount)) {
			t.Fatalf("round-up round trip lost value: %d -> %s -> %s", amount, share.Dec(), back.Dec())
		}
		diff := new(uint256.Int).Sub(back, u(amount))
		if diff.Gt(u(2)) {
			t.Fatalf("round trip drifted by %s for %d", diff.Dec(), amount)
		}
	}

	// 2600 divides evenly: round trip is exact.
	share, _ := r.ToBase(u(2600), true)
	back, _ := r.ToElastic(share, true)
	if back.Uint64() != 2600 {
		t.Fatalf("even ratio must round trip exactly, got %s", back.Dec())
	}
}

func TestRebaseCeiling(t *testing.T) {
	var r Rebase
	if err := r.Add(MaxTotal, MaxTotal); err != nil {
		t.Fatalf("ceiling must be reachable: %v", err)
	}
	if err := r.Add(u(1), u(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow past ceiling, got %v", err)
	}
	if !r.Elastic.Eq(MaxTotal) {
		t.Fatalf("failed add must not mutate")
	}
	// Conversions at the ceiling still work through the wide intermediate.
	got, err := r.ToBase(MaxTotal, true)
	if err != nil {
		t.Fatalf("to base at ceiling: %v", err)
	}
	if !got.Eq(MaxTotal) {
		t.Fatalf("unexpected conversion at ceiling: %s", got.Dec())
	}
}

func TestRebaseWithoutElasticHasNoRate(t *testing.T) {
	var r Rebase
	r.Base.SetUint64(1000)
	if _, err := r.ToBase(u(100), false); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero with base but no elastic, got %v", err)
	}
	got, err := r.ToElastic(u(100), false)
	if err != nil || !got.IsZero() {
		t.Fatalf("base backed by nothing is worth nothing, got %v %v", got, err)
	}
	var empty Rebase
	if got, err := empty.ToBase(u(100), false); err != nil || got.Uint64() != 100 {
		t.Fatalf("empty rebase must convert 1:1, got %v %v", got, err)
	}
}

func TestParseWad(t *testing.T) {
	w, err := ParseWad("1.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.Int().Dec() != "1500000000000000000" {
		t.Fatalf("unexpected wad: %s", w.Int().Dec())
	}
	if w.String() != "1.5" {
		t.Fatalf("unexpected string: %s", w.String())
	}
	if _, err := ParseWad("0.0000000000000000001"); err == nil {
		t.Fatalf("expected precision error")
	}
	zero, err := ParseWad("0.000")
	if err != nil || !zero.IsZero() {
		t.Fatalf("expected zero, got %v %v", zero, err)
	}
}

func TestRayAccumulate(t *testing.T) {
	var acc Ray
	next, err := acc.Accumulate(u(100), u(1000))
	if err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	// 0.1 reward per share.
	if next.Int().Dec() != "100000000000000000000000000" {
		t.Fatalf("unexpected accumulator: %s", next)
	}
	owed, err := next.MulInt(u(250))
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if owed.Uint64() != 25 {
		t.Fatalf("unexpected entitlement: %s", owed.Dec())
	}
	if _, err := acc.Accumulate(u(1), u(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
}
