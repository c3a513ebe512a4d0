package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"cdpledger/native/fixed"
)

// MaxSources is the most sources a token may be configured with.
const MaxSources = 3

var (
	ErrNoPrimarySource   = errors.New("oracle: no primary source")
	ErrNoValidSource     = errors.New("oracle: no valid source")
	ErrDeviationTwo      = errors.New("oracle: too much deviation (2 valid sources)")
	ErrDeviationThree    = errors.New("oracle: too much deviation (3 valid sources)")
	ErrTooManySources    = errors.New("oracle: more than 3 sources")
	ErrLengthMismatch    = errors.New("oracle: sources and data length mismatch")
	ErrDeviationTooSmall = errors.New("oracle: max deviation below 1.0")
	ErrNilSource         = errors.New("oracle: nil source")
	ErrBadTokenData      = errors.New("oracle: source data is not a token address")
)

// Source is one price provider. Get returns an error when the provider has no
// fresh quote; a zero price counts as no quote. data is opaque to the
// aggregator and selects what the source prices.
type Source interface {
	Get(ctx context.Context, data []byte) (fixed.Wad, error)
	Name(data []byte) string
	Symbol(data []byte) string
}

type entry struct {
	source Source
	data   []byte
}

type sourceSet struct {
	entries      []entry
	maxDeviation fixed.Wad
}

// Aggregator resolves a token's price from up to three ranked sources. Earlier
// sources win whenever they agree with their neighbour.
type Aggregator struct {
	mu        sync.RWMutex
	sets      map[common.Address]sourceSet
	log       *slog.Logger
	onInvalid func(token common.Address, source string, err error)
}

// NewAggregator returns an aggregator with no configured tokens.
func NewAggregator() *Aggregator {
	return &Aggregator{sets: make(map[common.Address]sourceSet)}
}

// SetLogger configures the structured logger. Passing nil uses slog.Default.
func (a *Aggregator) SetLogger(l *slog.Logger) { a.log = l }

// SetInvalidHook registers a callback for every source that fails to quote.
func (a *Aggregator) SetInvalidHook(fn func(token common.Address, source string, err error)) {
	a.onInvalid = fn
}

func (a *Aggregator) logger() *slog.Logger {
	if a.log == nil {
		return slog.Default()
	}
	return a.log
}

// SetSources replaces token's source list. maxDeviation is the largest
// accepted max/min price ratio and must be at least 1.0.
func (a *Aggregator) SetSources(token common.Address, sources []Source, data [][]byte, maxDeviation fixed.Wad) error {
	if len(sources) > MaxSources {
		return ErrTooManySources
	}
	if len(sources) != len(data) {
		return ErrLengthMismatch
	}
	if maxDeviation.Cmp(fixed.WadUnit()) < 0 {
		return ErrDeviationTooSmall
	}
	entries := make([]entry, len(sources))
	for i, s := range sources {
		if s == nil {
			return ErrNilSource
		}
		entries[i] = entry{source: s, data: append([]byte(nil), data[i]...)}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(entries) == 0 {
		delete(a.sets, token)
		return nil
	}
	a.sets[token] = sourceSet{entries: entries, maxDeviation: maxDeviation}
	return nil
}

// MaxDeviation returns token's configured tolerance.
func (a *Aggregator) MaxDeviation(token common.Address) (fixed.Wad, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set, ok := a.sets[token]
	return set.maxDeviation, ok
}

func (a *Aggregator) set(token common.Address) sourceSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sets[token]
}

// Price resolves token's price.
func (a *Aggregator) Price(ctx context.Context, token common.Address) (fixed.Wad, error) {
	set := a.set(token)
	if len(set.entries) == 0 {
		return fixed.Wad{}, ErrNoPrimarySource
	}
	valid := make([]fixed.Wad, 0, len(set.entries))
	for _, e := range set.entries {
		price, err := e.source.Get(ctx, e.data)
		if err == nil && price.IsZero() {
			err = ErrZeroPrice
		}
		if err != nil {
			name := e.source.Name(e.data)
			a.logger().Warn("oracle source invalid", "token", token.Hex(), "source", name, "error", err)
			if a.onInvalid != nil {
				a.onInvalid(token, name, err)
			}
			continue
		}
		valid = append(valid, price)
	}

	switch len(valid) {
	case 0:
		return fixed.Wad{}, ErrNoValidSource
	case 1:
		return valid[0], nil
	case 2:
		ok, err := within(valid[0], valid[1], set.maxDeviation)
		if err != nil {
			return fixed.Wad{}, err
		}
		if !ok {
			return fixed.Wad{}, ErrDeviationTwo
		}
		return valid[0], nil
	default:
		ok, err := within(valid[0], valid[1], set.maxDeviation)
		if err != nil {
			return fixed.Wad{}, err
		}
		if ok {
			return valid[0], nil
		}
		ok, err = within(valid[1], valid[2], set.maxDeviation)
		if err != nil {
			return fixed.Wad{}, err
		}
		if ok {
			return valid[1], nil
		}
		return fixed.Wad{}, ErrDeviationThree
	}
}

// within reports whether max(a,b)/min(a,b) is at most maxDeviation.
func within(a, b, maxDeviation fixed.Wad) (bool, error) {
	hi, lo := a, b
	if hi.Cmp(lo) < 0 {
		hi, lo = lo, hi
	}
	ratio, err := fixed.Ratio(hi, lo)
	if err != nil {
		return false, err
	}
	return ratio.Cmp(maxDeviation) <= 0, nil
}

// Name joins the configured sources' names with "+".
func (a *Aggregator) Name(token common.Address) string {
	set := a.set(token)
	parts := make([]string, len(set.entries))
	for i, e := range set.entries {
		parts[i] = e.source.Name(e.data)
	}
	return strings.Join(parts, "+")
}

// Symbol joins the configured sources' symbols with "+".
func (a *Aggregator) Symbol(token common.Address) string {
	set := a.set(token)
	parts := make([]string, len(set.entries))
	for i, e := range set.entries {
		parts[i] = e.source.Symbol(e.data)
	}
	return strings.Join(parts, "+")
}

// TokenData encodes token as aggregator source data.
func TokenData(token common.Address) []byte { return token.Bytes() }

func tokenFromData(data []byte) (common.Address, error) {
	if len(data) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: %d bytes", ErrBadTokenData, len(data))
	}
	return common.BytesToAddress(data), nil
}

// AsSource exposes the aggregator as a Source keyed by TokenData, so a
// market can consume it like any single provider.
func (a *Aggregator) AsSource() Source { return tokenSource{a: a} }

type tokenSource struct{ a *Aggregator }

func (s tokenSource) Get(ctx context.Context, data []byte) (fixed.Wad, error) {
	token, err := tokenFromData(data)
	if err != nil {
		return fixed.Wad{}, err
	}
	return s.a.Price(ctx, token)
}

func (s tokenSource) Name(data []byte) string {
	token, err := tokenFromData(data)
	if err != nil {
		return ""
	}
	return s.a.Name(token)
}

func (s tokenSource) Symbol(data []byte) string {
	token, err := tokenFromData(data)
	if err != nil {
		return ""
	}
	return s.a.Symbol(token)
}
