package agent

import (
	"testing"

	"github.com/coveyhq/covey/internal/providers"
)

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker(2000)

	if tr.Current() != 0 || tr.UsageFraction() != 0 {
		t.Fatalf("fresh tracker: current=%d fraction=%v", tr.Current(), tr.UsageFraction())
	}

	tr.Observe(providers.Usage{TotalTokens: 500})
	if tr.Current() != 500 {
		t.Errorf("current = %d", tr.Current())
	}
	if tr.UsageFraction() != 0.25 {
		t.Errorf("fraction = %v", tr.UsageFraction())
	}

	// A report without totals keeps the last-known value.
	tr.Observe(providers.Usage{})
	if tr.Current() != 500 {
		t.Errorf("empty usage moved the tracker: %d", tr.Current())
	}

	tr.Reset(60)
	if tr.Current() != 60 {
		t.Errorf("after reset: %d", tr.Current())
	}
	tr.Reset(-5)
	if tr.Current() != 0 {
		t.Errorf("negative reset: %d", tr.Current())
	}
}

func TestTokenTrackerNoCeiling(t *testing.T) {
	tr := NewTokenTracker(0)
	tr.Observe(providers.Usage{TotalTokens: 100000})
	if tr.UsageFraction() != 0 {
		t.Errorf("fraction with no ceiling = %v", tr.UsageFraction())
	}

	tr.SetMaxContext(4096)
	if tr.MaxContext() != 4096 {
		t.Errorf("max = %d", tr.MaxContext())
	}
	if tr.UsageFraction() == 0 {
		t.Error("fraction still 0 after ceiling set")
	}
}
