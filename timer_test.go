package norm

import (
	"testing"
	"time"
)

func TestTimerPhases(t *testing.T) {
	fired := 0
	tm := NewTimer(func(ctx any) { fired++ }, nil)
	if tm.Active() {
		t.Fatal("new timer must be idle")
	}
	if tm.Fire() {
		t.Fatal("firing an idle timer must be a no-op")
	}
	tm.Activate(PhaseBackoff, 100*time.Millisecond, 1)
	if !tm.Active() || tm.Phase() != PhaseBackoff {
		t.Fatal("activate did not enter backoff")
	}
	if !tm.Fire() || fired != 1 {
		t.Fatal("active timer must invoke its callback")
	}
	tm.Deactivate()
	tm.Deactivate() // idempotent.
	if tm.Active() {
		t.Fatal("deactivate must return the timer to idle")
	}
}

func TestTimerRepeat(t *testing.T) {
	tm := NewTimer(nil, nil)
	tm.Activate(PhaseBackoff, time.Second, 3)
	for i := 0; i < 2; i++ {
		if tm.DecrementRepeat() {
			t.Fatalf("repeat exhausted after %d decrements, want 3", i+1)
		}
	}
	if !tm.DecrementRepeat() {
		t.Fatal("third decrement must exhaust the repeat budget")
	}
}
