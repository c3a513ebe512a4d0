package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
)

var (
	ErrStale     = errors.New("oracle: stale quote")
	ErrNoQuote   = errors.New("oracle: quote not found")
	ErrZeroPrice = errors.New("oracle: non-positive price")
)

type quote struct {
	price     fixed.Wad
	updatedAt time.Time
}

// ManualSource is an in-memory source used for tests and manual overrides
// during incident response. data is the quote key, e.g. "ETH/USD".
type ManualSource struct {
	mu     sync.RWMutex
	name   string
	maxAge time.Duration
	quotes map[string]quote
	nowFn  func() time.Time
}

// NewManualSource constructs an empty manual source. A zero maxAge never
// expires quotes.
func NewManualSource(name string, maxAge time.Duration) *ManualSource {
	if strings.TrimSpace(name) == "" {
		name = "manual"
	}
	return &ManualSource{name: name, maxAge: maxAge, quotes: make(map[string]quote), nowFn: time.Now}
}

// SetNowFunc overrides the clock used for staleness checks.
func (m *ManualSource) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.nowFn = now
}

func normaliseKey(data []byte) string {
	return strings.ToUpper(strings.TrimSpace(string(data)))
}

// Set records price for key at ts.
func (m *ManualSource) Set(key string, price fixed.Wad, ts time.Time) {
	m.mu.Lock()
	m.quotes[normaliseKey([]byte(key))] = quote{price: price, updatedAt: ts}
	m.mu.Unlock()
}

// SetDecimal parses a decimal price such as "1850.25" and records it.
func (m *ManualSource) SetDecimal(key, price string, ts time.Time) error {
	w, err := fixed.ParseWad(price)
	if err != nil {
		return fmt.Errorf("manual source: %w", err)
	}
	if w.IsZero() {
		return ErrZeroPrice
	}
	m.Set(key, w, ts)
	return nil
}

// Get implements Source.
func (m *ManualSource) Get(_ context.Context, data []byte) (fixed.Wad, error) {
	key := normaliseKey(data)
	m.mu.RLock()
	q, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return fixed.Wad{}, fmt.Errorf("%w: %s", ErrNoQuote, key)
	}
	if m.maxAge > 0 && m.nowFn().Sub(q.updatedAt) > m.maxAge {
		return fixed.Wad{}, fmt.Errorf("%w: %s updated %s", ErrStale, key, q.updatedAt.UTC().Format(time.RFC3339))
	}
	if q.price.IsZero() {
		return fixed.Wad{}, ErrZeroPrice
	}
	return q.price, nil
}

// Name implements Source.
func (m *ManualSource) Name([]byte) string { return m.name }

// Symbol implements Source.
func (m *ManualSource) Symbol(data []byte) string { return normaliseKey(data) }

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// HTTPSource adapts a CoinGecko style simple price endpoint. data is
// "<asset id>/<vs currency>", e.g. "ethereum/usd".
type HTTPSource struct {
	client   HTTPDoer
	endpoint string
	maxAge   time.Duration
	nowFn    func() time.Time
}

// NewHTTPSource constructs the adapter. When client is nil http.DefaultClient
// is used.
func NewHTTPSource(client HTTPDoer, endpoint string, maxAge time.Duration) *HTTPSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, endpoint: ep, maxAge: maxAge, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for staleness checks.
func (s *HTTPSource) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

func splitPair(data []byte) (string, string, error) {
	id, vs, ok := strings.Cut(strings.TrimSpace(string(data)), "/")
	id = strings.ToLower(strings.TrimSpace(id))
	vs = strings.ToLower(strings.TrimSpace(vs))
	if !ok || id == "" || vs == "" {
		return "", "", fmt.Errorf("http source: source data %q must be <asset>/<currency>", string(data))
	}
	return id, vs, nil
}

// Get implements Source.
func (s *HTTPSource) Get(ctx context.Context, data []byte) (fixed.Wad, error) {
	id, vs, err := splitPair(data)
	if err != nil {
		return fixed.Wad{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fixed.Wad{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", vs)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return fixed.Wad{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fixed.Wad{}, fmt.Errorf("http source: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return fixed.Wad{}, fmt.Errorf("http source: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return fixed.Wad{}, fmt.Errorf("%w: %s", ErrNoQuote, id)
	}
	raw, ok := entry[vs]
	if !ok {
		return fixed.Wad{}, fmt.Errorf("%w: %s/%s", ErrNoQuote, id, vs)
	}
	price, err := decimalToWad(raw.String())
	if err != nil {
		return fixed.Wad{}, err
	}
	if s.maxAge > 0 {
		ts, err := strconv.ParseInt(entry["last_updated_at"].String(), 10, 64)
		if err != nil || ts <= 0 {
			return fixed.Wad{}, fmt.Errorf("%w: %s has no update time", ErrStale, id)
		}
		if s.nowFn().Sub(time.Unix(ts, 0)) > s.maxAge {
			return fixed.Wad{}, fmt.Errorf("%w: %s updated %d", ErrStale, id, ts)
		}
	}
	return price, nil
}

// Name implements Source.
func (s *HTTPSource) Name([]byte) string { return "coingecko" }

// Symbol implements Source.
func (s *HTTPSource) Symbol(data []byte) string {
	id, vs, err := splitPair(data)
	if err != nil {
		return ""
	}
	return strings.ToUpper(id + "/" + vs)
}

var wadScale = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// decimalToWad accepts any JSON number, including exponent forms, and
// truncates it to 18 decimals.
func decimalToWad(raw string) (fixed.Wad, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok || rat.Sign() <= 0 {
		return fixed.Wad{}, fmt.Errorf("%w: %q", ErrZeroPrice, raw)
	}
	scaled := new(big.Rat).Mul(rat, wadScale)
	whole := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	v, overflow := uint256.FromBig(whole)
	if overflow {
		return fixed.Wad{}, fixed.ErrOverflow
	}
	if v.IsZero() {
		return fixed.Wad{}, fmt.Errorf("%w: %q", ErrZeroPrice, raw)
	}
	return fixed.NewWad(v), nil
}

// InvertedSource quotes the reciprocal of another source, turning a USD/ETH
// feed into ETH/USD.
type InvertedSource struct {
	Inner Source
}

// Get implements Source.
func (s InvertedSource) Get(ctx context.Context, data []byte) (fixed.Wad, error) {
	price, err := s.Inner.Get(ctx, data)
	if err != nil {
		return fixed.Wad{}, err
	}
	if price.IsZero() {
		return fixed.Wad{}, ErrZeroPrice
	}
	inv, err := price.DivInt(fixed.WadUnit().Int(), false)
	if err != nil {
		return fixed.Wad{}, err
	}
	if inv.IsZero() {
		return fixed.Wad{}, ErrZeroPrice
	}
	return fixed.NewWad(inv), nil
}

// Name implements Source.
func (s InvertedSource) Name(data []byte) string { return "1/" + s.Inner.Name(data) }

// Symbol implements Source.
func (s InvertedSource) Symbol(data []byte) string { return "1/" + s.Inner.Symbol(data) }
