package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 10*time.Millisecond)

	if got, ok := c.Get("a"); !ok || got != 1 {
		t.Fatalf("expected fresh hit, got %d ok=%v", got, ok)
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewTTLCache[string, string]()
	c.Set("k", "v", 0)
	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("expected persistent entry, got %q ok=%v", got, ok)
	}
}

func TestTTLCacheFlush(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Flush()
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected flush to drop entries")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected flush to drop entries")
	}
}
