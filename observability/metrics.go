package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mintgate"

// APIMetrics records public HTTP surface activity.
type APIMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// RPCPoolMetrics records upstream JSON-RPC pool activity and capacity.
type RPCPoolMetrics struct {
	calls     *prometheus.CounterVec
	exhausted prometheus.Counter
	remaining *prometheus.GaugeVec
	enabled   prometheus.Gauge
}

// ObserverMetrics records scanner cycle outcomes and derived state.
type ObserverMetrics struct {
	cycles  *prometheus.CounterVec
	matches *prometheus.CounterVec
	cursor  prometheus.Gauge
	cadence prometheus.Gauge
	pending prometheus.Gauge
}

// ReserveMetrics records session lifecycle activity.
type ReserveMetrics struct {
	intents     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	released    prometheus.Counter
}

var (
	apiOnce sync.Once
	apiReg  *APIMetrics

	poolOnce sync.Once
	poolReg  *RPCPoolMetrics

	observerOnce sync.Once
	observerReg  *ObserverMetrics

	reserveOnce sync.Once
	reserveReg  *ReserveMetrics
)

// API returns the lazily-initialised HTTP metrics registry.
func API() *APIMetrics {
	apiOnce.Do(func() {
		apiReg = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(apiReg.requests, apiReg.latency)
	})
	return apiReg
}

// Observe records one served request.
func (m *APIMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RPCPool returns the lazily-initialised upstream pool metrics registry.
func RPCPool() *RPCPoolMetrics {
	poolOnce.Do(func() {
		poolReg = &RPCPoolMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpcpool",
				Name:      "calls_total",
				Help:      "Upstream JSON-RPC attempts segmented by endpoint, method, and outcome.",
			}, []string{"endpoint", "method", "outcome"}),
			exhausted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpcpool",
				Name:      "capacity_exhausted_total",
				Help:      "Calls rejected because no endpoint had usable capacity.",
			}),
			remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rpcpool",
				Name:      "endpoint_remaining_units",
				Help:      "Remaining daily quota units per endpoint.",
			}, []string{"endpoint"}),
			enabled: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rpcpool",
				Name:      "endpoints_enabled",
				Help:      "Number of endpoints currently enabled.",
			}),
		}
		prometheus.MustRegister(poolReg.calls, poolReg.exhausted, poolReg.remaining, poolReg.enabled)
	})
	return poolReg
}

// RecordCall counts one upstream attempt. Outcomes should be the stable
// strings "ok" or "error".
func (m *RPCPoolMetrics) RecordCall(endpoint, method, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(labelOrUnknown(endpoint), labelOrUnknown(method), outcome).Inc()
}

// RecordExhausted counts a call that found no usable endpoint.
func (m *RPCPoolMetrics) RecordExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// SetRemaining publishes the remaining quota for an endpoint.
func (m *RPCPoolMetrics) SetRemaining(endpoint string, units int64) {
	if m == nil {
		return
	}
	m.remaining.WithLabelValues(labelOrUnknown(endpoint)).Set(float64(units))
}

// SetEnabled publishes the count of enabled endpoints.
func (m *RPCPoolMetrics) SetEnabled(count int) {
	if m == nil {
		return
	}
	m.enabled.Set(float64(count))
}

// Observer returns the lazily-initialised scanner metrics registry.
func Observer() *ObserverMetrics {
	observerOnce.Do(func() {
		observerReg = &ObserverMetrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "observer",
				Name:      "cycles_total",
				Help:      "Scanner cycles segmented by scanner and outcome.",
			}, []string{"scanner", "outcome"}),
			matches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "observer",
				Name:      "matches_total",
				Help:      "Ledger outputs matched to pending sessions, per scanner.",
			}, []string{"scanner"}),
			cursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "observer",
				Name:      "cursor_height",
				Help:      "Last fully scanned block height.",
			}),
			cadence: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "observer",
				Name:      "mempool_cadence_seconds",
				Help:      "Current adaptive mempool polling period.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "observer",
				Name:      "pending_sessions",
				Help:      "Sessions awaiting payment at the last index rebuild.",
			}),
		}
		prometheus.MustRegister(
			observerReg.cycles,
			observerReg.matches,
			observerReg.cursor,
			observerReg.cadence,
			observerReg.pending,
		)
	})
	return observerReg
}

// RecordCycle counts one scanner cycle. Outcomes should be stable strings
// such as "ok", "idle", "skipped", or "error".
func (m *ObserverMetrics) RecordCycle(scanner, outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(labelOrUnknown(scanner), outcome).Inc()
}

// RecordMatch counts one matched output.
func (m *ObserverMetrics) RecordMatch(scanner string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(labelOrUnknown(scanner)).Inc()
}

// SetCursor publishes the block scan cursor.
func (m *ObserverMetrics) SetCursor(height int64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(height))
}

// SetCadence publishes the adaptive mempool period.
func (m *ObserverMetrics) SetCadence(period time.Duration) {
	if m == nil {
		return
	}
	m.cadence.Set(period.Seconds())
}

// SetPending publishes the pending index size.
func (m *ObserverMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// Reserve returns the lazily-initialised session lifecycle metrics registry.
func Reserve() *ReserveMetrics {
	reserveOnce.Do(func() {
		reserveReg = &ReserveMetrics{
			intents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reserve",
				Name:      "intents_total",
				Help:      "Payment intent attempts segmented by outcome.",
			}, []string{"outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reserve",
				Name:      "transitions_total",
				Help:      "Session state transitions segmented by target state.",
			}, []string{"state"}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reserve",
				Name:      "released_items_total",
				Help:      "Inventory items released back to the pool by expiry.",
			}),
		}
		prometheus.MustRegister(reserveReg.intents, reserveReg.transitions, reserveReg.released)
	})
	return reserveReg
}

// RecordIntent counts one create-intent attempt by outcome.
func (m *ReserveMetrics) RecordIntent(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unspecified"
	}
	m.intents.WithLabelValues(outcome).Inc()
}

// RecordTransition counts one session transition into the named state.
func (m *ReserveMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(state)).Inc()
}

// RecordExpirations counts sessions transitioned to expired by the sweeper.
func (m *ReserveMetrics) RecordExpirations(sessions int) {
	if m == nil || sessions <= 0 {
		return
	}
	m.transitions.WithLabelValues("expired").Add(float64(sessions))
}

// RecordReleased counts inventory items returned to the pool.
func (m *ReserveMetrics) RecordReleased(items int) {
	if m == nil || items <= 0 {
		return
	}
	m.released.Add(float64(items))
}

func labelOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
