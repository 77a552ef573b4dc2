package account

import (
	"sync"
	"testing"
)

func TestActiveRequestGuard_AdmitsUpToMax(t *testing.T) {
	g := NewActiveRequestGuard(3)

	var guards []*Guard
	for i := 0; i < 3; i++ {
		gd, ok := g.Acquire("acct-1")
		if !ok {
			t.Fatalf("expected admission %d to succeed", i)
		}
		guards = append(guards, gd)
	}

	if g.InFlight("acct-1") != 3 {
		t.Errorf("expected InFlight == 3, got %d", g.InFlight("acct-1"))
	}

	if _, ok := g.Acquire("acct-1"); ok {
		t.Error("expected 4th acquire to be rejected at max_concurrent_per_account")
	}

	for _, gd := range guards {
		gd.Release()
	}
	if g.InFlight("acct-1") != 0 {
		t.Errorf("expected InFlight == 0 after releasing all guards, got %d", g.InFlight("acct-1"))
	}
}

func TestActiveRequestGuard_ReleaseIsIdempotent(t *testing.T) {
	g := NewActiveRequestGuard(1)
	gd, ok := g.Acquire("acct-1")
	if !ok {
		t.Fatal("expected acquire to succeed")
	}

	gd.Release()
	gd.Release()
	gd.Release()

	if g.InFlight("acct-1") != 0 {
		t.Errorf("expected InFlight to stay at 0 after repeated Release, got %d", g.InFlight("acct-1"))
	}
}

func TestActiveRequestGuard_NeverNegative(t *testing.T) {
	g := NewActiveRequestGuard(10)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gd, ok := g.Acquire("acct-1"); ok {
				gd.Release()
			}
		}()
	}
	wg.Wait()

	if inFlight := g.InFlight("acct-1"); inFlight < 0 || inFlight > g.MaxConcurrent() {
		t.Errorf("expected 0 <= InFlight <= MaxConcurrent, got %d", inFlight)
	}
}

func TestActiveRequestGuard_PerAccountIsolation(t *testing.T) {
	g := NewActiveRequestGuard(1)

	if _, ok := g.Acquire("acct-1"); !ok {
		t.Fatal("expected acct-1 to be admitted")
	}
	if _, ok := g.Acquire("acct-2"); !ok {
		t.Error("expected acct-2 to be admitted independently of acct-1's cap")
	}
}
