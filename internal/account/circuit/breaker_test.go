package circuit

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_OpensAfterErrorThreshold(t *testing.T) {
	b := New(Config{ErrorThreshold: 3, OpenDuration: time.Hour, RequiredSuccessesInHalfOpen: 1})

	for i := 0; i < 2; i++ {
		b.RecordFailure("acct-1", "timeout")
		if b.CurrentState("acct-1") != Closed {
			t.Fatalf("expected closed before threshold, iteration %d", i)
		}
	}

	b.RecordFailure("acct-1", "timeout")
	if b.CurrentState("acct-1") != Open {
		t.Error("expected circuit to open after reaching ErrorThreshold")
	}

	if ok, retryAfter := b.ShouldAllow("acct-1"); ok || retryAfter <= 0 {
		t.Errorf("expected open breaker to deny with a positive retry hint, got ok=%v retryAfter=%v", ok, retryAfter)
	}
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	b := New(Config{ErrorThreshold: 1, OpenDuration: 10 * time.Millisecond, RequiredSuccessesInHalfOpen: 1})

	b.RecordFailure("acct-1", "timeout")
	if b.CurrentState("acct-1") != Open {
		t.Fatal("expected breaker to open on first failure at threshold 1")
	}

	time.Sleep(15 * time.Millisecond)

	ok, _ := b.ShouldAllow("acct-1")
	if !ok {
		t.Fatal("expected the probe to be admitted once OpenDuration elapses")
	}
	if b.CurrentState("acct-1") != HalfOpen {
		t.Errorf("expected state to transition to HalfOpen, got %s", b.CurrentState("acct-1"))
	}
}

func TestBreaker_OnlyOneConcurrentHalfOpenProbe(t *testing.T) {
	b := New(Config{ErrorThreshold: 1, OpenDuration: time.Millisecond, RequiredSuccessesInHalfOpen: 1})
	b.RecordFailure("acct-1", "timeout")
	time.Sleep(2 * time.Millisecond)

	const attempts = 20
	var admitted int32
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.ShouldAllow("acct-1"); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("expected exactly one concurrent probe admitted in HalfOpen, got %d", admitted)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{ErrorThreshold: 1, OpenDuration: time.Millisecond, RequiredSuccessesInHalfOpen: 1})
	b.RecordFailure("acct-1", "timeout")
	time.Sleep(2 * time.Millisecond)

	ok, _ := b.ShouldAllow("acct-1")
	if !ok {
		t.Fatal("expected probe admission")
	}

	b.RecordFailure("acct-1", "timeout")
	if b.CurrentState("acct-1") != Open {
		t.Errorf("expected a failed probe to reopen the circuit, got %s", b.CurrentState("acct-1"))
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{ErrorThreshold: 1, OpenDuration: time.Millisecond, RequiredSuccessesInHalfOpen: 1})
	b.RecordFailure("acct-1", "timeout")
	time.Sleep(2 * time.Millisecond)

	ok, _ := b.ShouldAllow("acct-1")
	if !ok {
		t.Fatal("expected probe admission")
	}

	b.RecordSuccess("acct-1")
	if b.CurrentState("acct-1") != Closed {
		t.Errorf("expected a successful probe to close the circuit, got %s", b.CurrentState("acct-1"))
	}
}
