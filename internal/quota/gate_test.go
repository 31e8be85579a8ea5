package quota

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func headersFor(remaining, limit int, reset time.Time) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	if !reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
	return h
}

// TestGate_AdmitsWithFullQuota verifies that a fresh gate admits calls.
func TestGate_AdmitsWithFullQuota(t *testing.T) {
	g := NewGate(GateConfig{})

	allowed, wait := g.TryAdmit()
	if !allowed {
		t.Error("Fresh gate should admit")
	}
	if wait != 0 {
		t.Errorf("Expected zero wait, got %v", wait)
	}
}

// TestGate_DeniesAtPauseThreshold verifies admission is denied once
// remaining quota is at or below the pause threshold.
func TestGate_DeniesAtPauseThreshold(t *testing.T) {
	g := NewGate(GateConfig{})
	reset := time.Now().Add(10 * time.Minute)

	g.UpdateFromHeaders(headersFor(50, 5000, reset))
	if allowed, _ := g.TryAdmit(); allowed {
		t.Error("Gate should deny at the pause threshold")
	}

	g.UpdateFromHeaders(headersFor(51, 5000, reset))
	if allowed, _ := g.TryAdmit(); !allowed {
		t.Error("Gate should admit just above the pause threshold")
	}
}

// TestGate_DenialWaitReflectsReset verifies that a denied admission
// reports the time until the window resets.
func TestGate_DenialWaitReflectsReset(t *testing.T) {
	g := NewGate(GateConfig{})
	now := time.Now()
	g.now = func() time.Time { return now }

	g.UpdateFromHeaders(headersFor(0, 5000, now.Add(7*time.Minute)))

	allowed, wait := g.TryAdmit()
	if allowed {
		t.Fatal("Gate should deny with zero remaining")
	}
	if wait < 6*time.Minute || wait > 7*time.Minute {
		t.Errorf("Expected ~7m wait, got %v", wait)
	}
}

// TestGate_ReplenishesAfterReset verifies that crossing the reset time
// restores a full window.
func TestGate_ReplenishesAfterReset(t *testing.T) {
	g := NewGate(GateConfig{})
	now := time.Now()
	g.now = func() time.Time { return now }

	g.UpdateFromHeaders(headersFor(0, 5000, now.Add(time.Minute)))
	if allowed, _ := g.TryAdmit(); allowed {
		t.Fatal("Gate should deny before reset")
	}

	now = now.Add(2 * time.Minute)
	allowed, _ := g.TryAdmit()
	if !allowed {
		t.Error("Gate should admit after the reset time passes")
	}

	status := g.Snapshot()
	if status.Remaining != 5000 {
		t.Errorf("Expected replenished quota 5000, got %d", status.Remaining)
	}
	if status.UsedSinceReset != 0 {
		t.Errorf("Expected used count reset to 0, got %d", status.UsedSinceReset)
	}
}

// TestGate_RemainingNeverNegative verifies that bogus headers are
// clamped into the valid range.
func TestGate_RemainingNeverNegative(t *testing.T) {
	g := NewGate(GateConfig{})

	g.UpdateFromHeaders(headersFor(-5, 5000, time.Time{}))
	if got := g.Snapshot().Remaining; got != 0 {
		t.Errorf("Expected remaining clamped to 0, got %d", got)
	}

	g.UpdateFromHeaders(headersFor(9999, 5000, time.Time{}))
	if got := g.Snapshot().Remaining; got != 5000 {
		t.Errorf("Expected remaining clamped to limit, got %d", got)
	}
}

// TestGate_MissingHeadersLeaveStateUntouched verifies responses without
// rate-limit headers do not disturb the tracked state.
func TestGate_MissingHeadersLeaveStateUntouched(t *testing.T) {
	g := NewGate(GateConfig{})
	g.UpdateFromHeaders(headersFor(1234, 5000, time.Time{}))

	g.UpdateFromHeaders(http.Header{})

	if got := g.Snapshot().Remaining; got != 1234 {
		t.Errorf("Expected remaining unchanged at 1234, got %d", got)
	}
}

// TestGate_WarningOncePerCrossing verifies that the warning fires once
// when entering the warning band and re-arms after leaving it.
func TestGate_WarningOncePerCrossing(t *testing.T) {
	g := NewGate(GateConfig{})

	g.UpdateFromHeaders(headersFor(90, 5000, time.Time{}))
	select {
	case w := <-g.Warnings():
		if w.Remaining != 90 {
			t.Errorf("Expected warning with remaining=90, got %d", w.Remaining)
		}
	default:
		t.Fatal("Expected a warning on entering the band")
	}

	// Still in the band: no second warning.
	g.UpdateFromHeaders(headersFor(80, 5000, time.Time{}))
	select {
	case <-g.Warnings():
		t.Fatal("Expected no repeat warning while in the band")
	default:
	}

	// Leave and re-enter: warns again.
	g.UpdateFromHeaders(headersFor(500, 5000, time.Time{}))
	g.UpdateFromHeaders(headersFor(95, 5000, time.Time{}))
	select {
	case <-g.Warnings():
	default:
		t.Error("Expected a warning on re-entering the band")
	}
}

// TestGate_NoWarningBelowPauseThreshold verifies the warning band stops
// at the pause threshold; below it admission denial takes over.
func TestGate_NoWarningBelowPauseThreshold(t *testing.T) {
	g := NewGate(GateConfig{})

	g.UpdateFromHeaders(headersFor(10, 5000, time.Time{}))
	select {
	case <-g.Warnings():
		t.Error("Expected no warning below the pause threshold")
	default:
	}
}
