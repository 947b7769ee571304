package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// NavigationEventsTotal counts navigation events by how the reconciler handled them.
	NavigationEventsTotal *prometheus.CounterVec
	// VerificationTotal counts backend payment verification outcomes.
	VerificationTotal *prometheus.CounterVec
	// VerificationDuration records verification call latency in milliseconds.
	VerificationDuration *prometheus.HistogramVec
	// FinalizeTotal counts cart finalization outcomes.
	FinalizeTotal *prometheus.CounterVec
	// CheckoutSessionsTotal counts checkout session creation outcomes.
	CheckoutSessionsTotal *prometheus.CounterVec
	// ActiveSessions tracks the number of live reconciler sessions.
	ActiveSessions prometheus.Gauge
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		NavigationEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigation_events_total",
			Help:      "Count of embedded browser navigation events by reconciler handling.",
		}, []string{"outcome"})
		VerificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verification_total",
			Help:      "Count of backend payment verification outcomes.",
		}, []string{"result"})
		VerificationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_verification_duration_ms",
			Help:      "Latency for backend payment verification calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"result"})
		FinalizeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_finalize_total",
			Help:      "Count of cart finalization outcomes.",
		}, []string{"result"})
		CheckoutSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Count of checkout session creation outcomes.",
		}, []string{"result"})
		ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciler_active_sessions",
			Help:      "Number of reconciler sessions currently held in the registry.",
		})

		mustRegisterCollector(reg, NavigationEventsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				NavigationEventsTotal = v
			}
		})
		mustRegisterCollector(reg, VerificationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				VerificationTotal = v
			}
		})
		mustRegisterCollector(reg, VerificationDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				VerificationDuration = v
			}
		})
		mustRegisterCollector(reg, FinalizeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				FinalizeTotal = v
			}
		})
		mustRegisterCollector(reg, CheckoutSessionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutSessionsTotal = v
			}
		})
		mustRegisterCollector(reg, ActiveSessions, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				ActiveSessions = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
