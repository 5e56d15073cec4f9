package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CreditMetrics tracks ledger operation outcomes. Labels stay
// low-cardinality: operation names and result codes only, never tenant ids.
type CreditMetrics struct {
	operationsTotal   *prometheus.CounterVec
	amountTotal       *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	abuseFlagsTotal   *prometheus.CounterVec
	grantBacklog      prometheus.Gauge
	reconcileDrift    prometheus.Gauge
}

var (
	creditMetricsOnce sync.Once
	creditMetrics     *CreditMetrics
)

func Credit() *CreditMetrics {
	return CreditWithConfig(Config{})
}

func CreditWithConfig(cfg Config) *CreditMetrics {
	creditMetricsOnce.Do(func() {
		creditMetrics = newCreditMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return creditMetrics
}

func ResetCreditMetricsForTest() {
	creditMetricsOnce = sync.Once{}
	creditMetrics = nil
}

func newCreditMetrics(registerer prometheus.Registerer, cfg Config) *CreditMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{
		"service": serviceLabel(cfg),
		"env":     envLabel(cfg),
	}

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "distro_credit_operations_total",
			Help:        "Credit ledger operations by result.",
			ConstLabels: constLabels,
		},
		[]string{"op", "result"}, // result: success | <reason code> | error
	)
	amountTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "distro_credit_amount_total",
			Help:        "Credits moved by successful operations.",
			ConstLabels: constLabels,
		},
		[]string{"op"},
	)
	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "distro_credit_operation_duration_seconds",
			Help:        "Ledger operation duration including row lock wait.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			ConstLabels: constLabels,
		},
		[]string{"op"},
	)
	abuseFlagsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "distro_credit_abuse_flags_total",
			Help:        "Advisory abuse flags raised on consumption velocity.",
			ConstLabels: constLabels,
		},
		[]string{"rule"}, // burst | repeat
	)
	grantBacklog := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "distro_credit_grant_backlog_total",
			Help:        "Accounts currently eligible for a free grant.",
			ConstLabels: constLabels,
		},
	)
	reconcileDrift := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "distro_credit_reconcile_drift_total",
			Help:        "Accounts whose balance disagrees with lifetime totals.",
			ConstLabels: constLabels,
		},
	)

	registerer.MustRegister(
		operationsTotal,
		amountTotal,
		operationDuration,
		abuseFlagsTotal,
		grantBacklog,
		reconcileDrift,
	)

	return &CreditMetrics{
		operationsTotal:   operationsTotal,
		amountTotal:       amountTotal,
		operationDuration: operationDuration,
		abuseFlagsTotal:   abuseFlagsTotal,
		grantBacklog:      grantBacklog,
		reconcileDrift:    reconcileDrift,
	}
}

func (m *CreditMetrics) IncOperation(op, result string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, result).Inc()
}

func (m *CreditMetrics) AddAmount(op string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.amountTotal.WithLabelValues(op).Add(float64(amount))
}

func (m *CreditMetrics) ObserveOperation(op string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *CreditMetrics) IncAbuseFlag(rule string) {
	if m == nil {
		return
	}
	m.abuseFlagsTotal.WithLabelValues(rule).Inc()
}

func (m *CreditMetrics) SetGrantBacklog(value int) {
	if m == nil {
		return
	}
	m.grantBacklog.Set(float64(value))
}

func (m *CreditMetrics) SetReconcileDrift(value int) {
	if m == nil {
		return
	}
	m.reconcileDrift.Set(float64(value))
}
