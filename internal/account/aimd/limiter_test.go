package aimd

import (
	"testing"
)

func TestLimiter_MultiplicativeDecreaseMonotone(t *testing.T) {
	l := New(Config{Alpha: 1, Beta: 0.5, MinThreshold: 1})

	initial := l.WorkingThreshold("acct-1")
	prev := initial
	for i := 0; i < 5; i++ {
		l.RecordRateLimited("acct-1")
		next := l.WorkingThreshold("acct-1")
		if next > prev {
			t.Fatalf("expected working threshold to be non-increasing after a 429, prev=%d next=%d", prev, next)
		}
		prev = next
	}

	// Invariant #4: after beta consecutive 429s, working_threshold <=
	// initial_threshold * beta^n (monotone multiplicative decrease).
	maxAllowed := initial
	for i := 0; i < 5; i++ {
		maxAllowed = uint64(float64(maxAllowed) * 0.5)
		if maxAllowed < 1 {
			maxAllowed = 1
		}
	}
	if prev > maxAllowed {
		t.Errorf("working threshold %d exceeds the expected decay bound %d", prev, maxAllowed)
	}
}

func TestLimiter_NeverBelowMinThreshold(t *testing.T) {
	l := New(Config{Alpha: 1, Beta: 0.1, MinThreshold: 3})

	for i := 0; i < 20; i++ {
		l.RecordRateLimited("acct-1")
	}

	if got := l.WorkingThreshold("acct-1"); got < 3 {
		t.Errorf("expected working threshold to never drop below MinThreshold=3, got %d", got)
	}
}

func TestLimiter_ShouldAllowRespectsThreshold(t *testing.T) {
	l := New(Config{Alpha: 1, Beta: 0.5, MinThreshold: 1})
	l.RecordRateLimited("acct-1") // drop threshold from the default 20 down to 10

	threshold := l.WorkingThreshold("acct-1")
	admitted := 0
	for i := uint64(0); i < threshold+5; i++ {
		if l.ShouldAllow("acct-1") {
			admitted++
		}
	}

	if uint64(admitted) != threshold {
		t.Errorf("expected exactly %d admissions within the current minute, got %d", threshold, admitted)
	}
}

func TestLimiter_RestoreAgeDecaysUpwardTowardConfirmedLimit(t *testing.T) {
	l := New(DefaultConfig())

	freshStart := PersistedState{ConfirmedLimit: 100, AgeSeconds: 0}
	l.Restore("fresh", freshStart)

	oldState := PersistedState{ConfirmedLimit: 100, AgeSeconds: int64(restoreHalfLife.Seconds())}
	l.Restore("old", oldState)

	freshThreshold := l.WorkingThreshold("fresh")
	oldThreshold := l.WorkingThreshold("old")

	if oldThreshold <= freshThreshold {
		t.Errorf("expected a longer-aged restore to decay further upward toward the confirmed limit: fresh=%d old=%d", freshThreshold, oldThreshold)
	}
	if oldThreshold > 100 {
		t.Errorf("restored threshold must not exceed the confirmed limit, got %d", oldThreshold)
	}
}
