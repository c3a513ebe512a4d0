package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record HTTP handler activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cdp",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records a finished request. status is the code actually written to
// the client; the outcome label is its class ("2xx", "4xx", ...).
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module, method = orUnknown(module), orUnknown(method)
	m.requests.WithLabelValues(module, method, statusClass(status)).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle counts a request refused by a throttling policy, e.g.
// "rate_limit" or "quota_exceeded".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(orUnknown(module), orUnknown(reason)).Inc()
}

func orUnknown(label string) string {
	if label = strings.TrimSpace(label); label == "" {
		return "unknown"
	}
	return label
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// LendingMetrics tracks the health of the debt markets and price feeds.
type LendingMetrics struct {
	liquidations   *prometheus.CounterVec
	totalDebt      *prometheus.GaugeVec
	badDebt        *prometheus.GaugeVec
	surplus        *prometheus.GaugeVec
	oracleFailures *prometheus.CounterVec
}

// Lending returns the singleton lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "market",
				Name:      "liquidations_total",
				Help:      "Count of positions liquidated per market.",
			}, []string{"market"}),
			totalDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cdp",
				Subsystem: "market",
				Name:      "total_debt",
				Help:      "Outstanding debt value per market in debt token base units.",
			}, []string{"market"}),
			badDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cdp",
				Subsystem: "market",
				Name:      "bad_debt_shares",
				Help:      "Debt shares left without collateral per market.",
			}, []string{"market"}),
			surplus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cdp",
				Subsystem: "market",
				Name:      "surplus",
				Help:      "Accrued interest not yet withdrawn per market.",
			}, []string{"market"}),
			oracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "oracle",
				Name:      "invalid_quotes_total",
				Help:      "Count of oracle source failures segmented by token and source.",
			}, []string{"token", "source"}),
		}
		prometheus.MustRegister(
			lendingRegistry.liquidations,
			lendingRegistry.totalDebt,
			lendingRegistry.badDebt,
			lendingRegistry.surplus,
			lendingRegistry.oracleFailures,
		)
	})
	return lendingRegistry
}

// RecordLiquidations adds n liquidated positions to the market's counter.
func (m *LendingMetrics) RecordLiquidations(market common.Address, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.liquidations.WithLabelValues(market.Hex()).Add(float64(n))
}

// RecordBooks updates the market gauges.
func (m *LendingMetrics) RecordBooks(market common.Address, totalDebt, badDebtShare, surplus *uint256.Int) {
	if m == nil {
		return
	}
	label := market.Hex()
	m.totalDebt.WithLabelValues(label).Set(uintToFloat(totalDebt))
	m.badDebt.WithLabelValues(label).Set(uintToFloat(badDebtShare))
	m.surplus.WithLabelValues(label).Set(uintToFloat(surplus))
}

// RecordOracleFailure counts a source that failed or was rejected.
func (m *LendingMetrics) RecordOracleFailure(token common.Address, source string) {
	if m == nil {
		return
	}
	m.oracleFailures.WithLabelValues(token.Hex(), orUnknown(source)).Inc()
}

func uintToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value.ToBig()).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
