package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCreditMetricsRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newCreditMetrics(registry, Config{ServiceName: "distro-test", Environment: "test"})

	m.IncOperation("consume", "success")
	m.AddAmount("consume", 100)
	m.ObserveOperation("consume", 5*time.Millisecond)
	m.IncAbuseFlag("burst")
	m.SetGrantBacklog(3)
	m.SetReconcileDrift(0)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
	}
	for _, name := range []string{
		"distro_credit_operations_total",
		"distro_credit_amount_total",
		"distro_credit_operation_duration_seconds",
		"distro_credit_abuse_flags_total",
		"distro_credit_grant_backlog_total",
		"distro_credit_reconcile_drift_total",
	} {
		if !found[name] {
			t.Fatalf("expected metric %s to be registered", name)
		}
	}
}

func TestCreditMetricsNilReceiver(t *testing.T) {
	var m *CreditMetrics
	m.IncOperation("grant", "success")
	m.AddAmount("grant", 500)
	m.IncAbuseFlag("repeat")
}
