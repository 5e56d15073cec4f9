package service

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
)

type actionWindowKey struct {
	TenantID  snowflake.ID
	ActionKey string
}

// abuseDetector keeps sliding consumption windows in memory. Flags are
// advisory; the caller decides what to do with them. State is per process,
// which is acceptable for a velocity heuristic.
type abuseDetector struct {
	mu        sync.Mutex
	cfg       creditdomain.AbuseConfig
	tenantOps map[snowflake.ID][]time.Time
	actionOps map[actionWindowKey][]time.Time
	lastSweep time.Time
}

func newAbuseDetector(cfg creditdomain.AbuseConfig) *abuseDetector {
	return &abuseDetector{
		cfg:       cfg,
		tenantOps: make(map[snowflake.ID][]time.Time),
		actionOps: make(map[actionWindowKey][]time.Time),
	}
}

// Record notes one consumption attempt and returns any rules the tenant
// now exceeds. A threshold of zero disables that rule.
func (d *abuseDetector) Record(tenantID snowflake.ID, actionKey string, now time.Time) []creditdomain.AbuseFlag {
	if d == nil || tenantID == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked(now)

	var flags []creditdomain.AbuseFlag

	if d.cfg.BurstThreshold > 0 && d.cfg.BurstWindow > 0 {
		window := append(prune(d.tenantOps[tenantID], now.Add(-d.cfg.BurstWindow)), now)
		d.tenantOps[tenantID] = window
		if len(window) > d.cfg.BurstThreshold {
			flags = append(flags, creditdomain.AbuseFlag{
				Rule:   creditdomain.AbuseRuleBurst,
				Count:  len(window),
				Window: d.cfg.BurstWindow,
			})
		}
	}

	if d.cfg.RepeatThreshold > 0 && d.cfg.RepeatWindow > 0 && actionKey != "" {
		key := actionWindowKey{TenantID: tenantID, ActionKey: actionKey}
		window := append(prune(d.actionOps[key], now.Add(-d.cfg.RepeatWindow)), now)
		d.actionOps[key] = window
		if len(window) > d.cfg.RepeatThreshold {
			flags = append(flags, creditdomain.AbuseFlag{
				Rule:      creditdomain.AbuseRuleRepeat,
				ActionKey: actionKey,
				Count:     len(window),
				Window:    d.cfg.RepeatWindow,
			})
		}
	}

	return flags
}

// Reset clears all windows.
func (d *abuseDetector) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.tenantOps = make(map[snowflake.ID][]time.Time)
	d.actionOps = make(map[actionWindowKey][]time.Time)
	d.mu.Unlock()
}

// sweepLocked drops idle keys so a churning tenant set cannot grow the
// maps without bound. Runs at most once per long window.
func (d *abuseDetector) sweepLocked(now time.Time) {
	longest := d.cfg.BurstWindow
	if d.cfg.RepeatWindow > longest {
		longest = d.cfg.RepeatWindow
	}
	if longest <= 0 {
		return
	}
	if !d.lastSweep.IsZero() && now.Sub(d.lastSweep) < longest {
		return
	}
	d.lastSweep = now

	burstCutoff := now.Add(-d.cfg.BurstWindow)
	for tenantID, window := range d.tenantOps {
		if kept := prune(window, burstCutoff); len(kept) == 0 {
			delete(d.tenantOps, tenantID)
		} else {
			d.tenantOps[tenantID] = kept
		}
	}
	repeatCutoff := now.Add(-d.cfg.RepeatWindow)
	for key, window := range d.actionOps {
		if kept := prune(window, repeatCutoff); len(kept) == 0 {
			delete(d.actionOps, key)
		} else {
			d.actionOps[key] = kept
		}
	}
}

func prune(window []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return window
	}
	return append([]time.Time(nil), window[idx:]...)
}
