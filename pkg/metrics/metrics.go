// Package metrics exports facilitator activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm/exact/facilitator"
)

const namespace = "x402"

// Metrics implements accountpool.Observer and facilitator.Observer over a
// dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	settlementStates *prometheus.CounterVec
	gasUsed          *prometheus.HistogramVec
	gasCostUSD       *prometheus.CounterVec
	feeUSD           *prometheus.CounterVec
	unprofitable     *prometheus.CounterVec

	queueDepth  *prometheus.GaugeVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	paymentRequests *prometheus.CounterVec
	paymentOutcomes *prometheus.CounterVec
	paymentDuration *prometheus.HistogramVec
}

// New creates the facilitator metrics with Go runtime and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		settlementStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "states_total",
			Help:      "Settle requests entering each lifecycle state.",
		}, []string{"network", "mode", "state"}),
		gasUsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "gas_used",
			Help:      "Gas used by confirmed router settlements.",
			Buckets:   prometheus.ExponentialBuckets(50_000, 2, 8),
		}, []string{"network"}),
		gasCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "gas_cost_usd_total",
			Help:      "Realized gas cost of router settlements in USD.",
		}, []string{"network"}),
		feeUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "facilitator_fee_usd_total",
			Help:      "Facilitator fees collected by router settlements in USD.",
		}, []string{"network"}),
		unprofitable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "unprofitable_total",
			Help:      "Router settlements whose gas cost exceeded the facilitator fee.",
		}, []string{"network"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "queue_depth",
			Help:      "Jobs queued or running on each signing account.",
		}, []string{"network", "account"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "jobs_total",
			Help:      "Jobs completed by each signing account.",
		}, []string{"network", "account", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "job_duration_seconds",
			Help:      "Time a job held its signing account.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"network"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		paymentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "requests_total",
			Help:      "Verify and settle calls accepted by the facilitator.",
		}, []string{"operation", "network"}),
		paymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "outcomes_total",
			Help:      "Verify and settle calls by outcome.",
		}, []string{"operation", "network", "outcome"}),
		paymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "duration_seconds",
			Help:      "Time spent in the mechanism per verify or settle call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.settlementStates,
		m.gasUsed,
		m.gasCostUSD,
		m.feeUSD,
		m.unprofitable,
		m.queueDepth,
		m.jobs,
		m.jobDuration,
		m.httpRequests,
		m.httpDuration,
		m.paymentRequests,
		m.paymentOutcomes,
		m.paymentDuration,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SettlementState implements facilitator.Observer
func (m *Metrics) SettlementState(network x402.Network, mode string, state facilitator.SettlementState) {
	m.settlementStates.WithLabelValues(string(network), mode, string(state)).Inc()
}

// SettlementGas implements facilitator.Observer
func (m *Metrics) SettlementGas(network x402.Network, gm x402.GasMetrics) {
	n := string(network)
	m.gasUsed.WithLabelValues(n).Observe(float64(gm.GasUsed))
	if cost, err := decimal.NewFromString(gm.ActualGasCostUSD); err == nil {
		m.gasCostUSD.WithLabelValues(n).Add(cost.InexactFloat64())
	}
	if fee, err := decimal.NewFromString(gm.FacilitatorFeeUSD); err == nil {
		m.feeUSD.WithLabelValues(n).Add(fee.InexactFloat64())
	}
	if !gm.Profitable {
		m.unprofitable.WithLabelValues(n).Inc()
	}
}

// QueueDepth implements accountpool.Observer
func (m *Metrics) QueueDepth(network, account string, depth int64) {
	m.queueDepth.WithLabelValues(network, account).Set(float64(depth))
}

// JobDone implements accountpool.Observer
func (m *Metrics) JobDone(network, account string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobs.WithLabelValues(network, account, result).Inc()
	m.jobDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, code int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

const (
	opVerify = "verify"
	opSettle = "settle"
)

// Instrument registers lifecycle callbacks on f that count every verify and
// settle call and its outcome
func (m *Metrics) Instrument(f *x402.X402Facilitator) {
	f.OnBeforeVerify(func(c x402.FacilitatorVerifyContext) (*x402.FacilitatorBeforeHookResult, error) {
		m.paymentRequests.WithLabelValues(opVerify, string(c.Requirements.Network)).Inc()
		return nil, nil
	})
	f.OnAfterVerify(func(c x402.FacilitatorVerifyResultContext) error {
		outcome := "valid"
		if !c.Result.IsValid {
			outcome = "invalid"
		}
		m.observePayment(opVerify, c.Requirements.Network, outcome, c.Duration)
		return nil
	})
	f.OnVerifyFailure(func(c x402.FacilitatorVerifyFailureContext) error {
		m.observePayment(opVerify, c.Requirements.Network, failureOutcome(c.Error), c.Duration)
		return nil
	})

	f.OnBeforeSettle(func(c x402.FacilitatorSettleContext) (*x402.FacilitatorBeforeHookResult, error) {
		m.paymentRequests.WithLabelValues(opSettle, string(c.Requirements.Network)).Inc()
		return nil, nil
	})
	f.OnAfterSettle(func(c x402.FacilitatorSettleResultContext) error {
		outcome := "success"
		if !c.Result.Success {
			outcome = "failed"
		}
		m.observePayment(opSettle, c.Requirements.Network, outcome, c.Duration)
		return nil
	})
	f.OnSettleFailure(func(c x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
		m.observePayment(opSettle, c.Requirements.Network, failureOutcome(c.Error), c.Duration)
		return nil, nil
	})
}

func (m *Metrics) observePayment(op string, network x402.Network, outcome string, d time.Duration) {
	m.paymentOutcomes.WithLabelValues(op, string(network), outcome).Inc()
	m.paymentDuration.WithLabelValues(op).Observe(d.Seconds())
}

func failureOutcome(err error) string {
	if x402.IsRejection(err) {
		return "rejected"
	}
	return "error"
}
