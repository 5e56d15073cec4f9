package service

import (
	"testing"
	"time"

	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
)

func TestAbuseDetectorBurstWindow(t *testing.T) {
	d := newAbuseDetector(creditdomain.AbuseConfig{
		BurstThreshold: 3,
		BurstWindow:    time.Minute,
	})
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if flags := d.Record(1, "order_create", now.Add(time.Duration(i)*time.Second)); len(flags) != 0 {
			t.Fatalf("attempt %d flagged early: %+v", i, flags)
		}
	}
	flags := d.Record(1, "order_create", now.Add(3*time.Second))
	if len(flags) != 1 || flags[0].Rule != creditdomain.AbuseRuleBurst || flags[0].Count != 4 {
		t.Fatalf("expected burst flag with count 4, got %+v", flags)
	}

	// Once the window slides past the earlier attempts the tenant is
	// clean again.
	if flags := d.Record(1, "order_create", now.Add(2*time.Minute)); len(flags) != 0 {
		t.Fatalf("expected no flags after window slid, got %+v", flags)
	}
}

func TestAbuseDetectorRepeatIsPerAction(t *testing.T) {
	d := newAbuseDetector(creditdomain.AbuseConfig{
		RepeatThreshold: 2,
		RepeatWindow:    time.Minute,
	})
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	d.Record(1, "export_catalog", now)
	d.Record(1, "export_catalog", now.Add(time.Second))
	// A different action does not share the window.
	if flags := d.Record(1, "order_create", now.Add(2*time.Second)); len(flags) != 0 {
		t.Fatalf("other action flagged: %+v", flags)
	}
	flags := d.Record(1, "export_catalog", now.Add(3*time.Second))
	if len(flags) != 1 || flags[0].Rule != creditdomain.AbuseRuleRepeat || flags[0].ActionKey != "export_catalog" {
		t.Fatalf("expected repeat flag for export_catalog, got %+v", flags)
	}
}

func TestAbuseDetectorIsolatesTenants(t *testing.T) {
	d := newAbuseDetector(creditdomain.AbuseConfig{
		BurstThreshold: 1,
		BurstWindow:    time.Minute,
	})
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	d.Record(1, "order_create", now)
	if flags := d.Record(2, "order_create", now.Add(time.Second)); len(flags) != 0 {
		t.Fatalf("tenant 2 inherited tenant 1's window: %+v", flags)
	}
	if flags := d.Record(1, "order_create", now.Add(2*time.Second)); len(flags) != 1 {
		t.Fatalf("expected tenant 1 burst flag, got %+v", flags)
	}
}

func TestAbuseDetectorZeroThresholdDisablesRule(t *testing.T) {
	d := newAbuseDetector(creditdomain.AbuseConfig{})
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		if flags := d.Record(1, "order_create", now.Add(time.Duration(i)*time.Millisecond)); len(flags) != 0 {
			t.Fatalf("disabled rules must never flag, got %+v", flags)
		}
	}
}
