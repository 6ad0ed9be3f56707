package norm

import "time"

// TimerPhase is the logical phase of a [Timer]. Every timer-driven engine in
// this package (repair, CC, activity, watermark-ack) is built on the same
// three-phase shape described in the design notes: an idle rest state, a
// one-shot "backoff" phase that does the real work on expiry, and an
// optional one-shot "holdoff" phase that enforces a quiet period afterwards.
// Timers that only ever need one active phase (the watermark ack timer)
// simply never enter PhaseHoldoff.
type TimerPhase uint8

const (
	PhaseIdle TimerPhase = iota
	PhaseBackoff
	PhaseHoldoff
)

func (p TimerPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBackoff:
		return "backoff"
	case PhaseHoldoff:
		return "holdoff"
	default:
		return "invalid"
	}
}

// Timer is a small, allocation-free timer state machine. It does not itself
// measure wall-clock time: the actual scheduling primitive lives in the
// session (see [Session.ActivateTimer]), an external collaborator per spec
// §1/§6. Timer only tracks phase, interval and repeat count, and invokes a
// plain function reference plus an opaque context on expiry, replacing the
// inheritance-based listener pattern the original C++ uses.
type Timer struct {
	phase    TimerPhase
	interval time.Duration
	repeat   int
	onExpire func(ctx any)
	ctx      any
}

// NewTimer builds an inactive timer that calls onExpire(ctx) every time the
// underlying scheduler fires it while the timer is active.
func NewTimer(onExpire func(ctx any), ctx any) Timer {
	return Timer{onExpire: onExpire, ctx: ctx}
}

// Phase returns the timer's current phase.
func (t *Timer) Phase() TimerPhase { return t.phase }

// Active reports whether the timer is armed in any phase.
func (t *Timer) Active() bool { return t.phase != PhaseIdle }

// Interval returns the currently configured interval.
func (t *Timer) Interval() time.Duration { return t.interval }

// SetInterval changes the interval used on the next Activate/Reschedule.
// Per §5's ordering guarantees, this does not by itself reschedule an
// already-armed timer; call Reschedule for that.
func (t *Timer) SetInterval(d time.Duration) { t.interval = d }

// SetRepeat sets the remaining repeat count.
func (t *Timer) SetRepeat(n int) { t.repeat = n }

// DecrementRepeat decrements the repeat counter and reports whether it has
// reached zero (no further repeats remain).
func (t *Timer) DecrementRepeat() (exhausted bool) {
	if t.repeat > 0 {
		t.repeat--
	}
	return t.repeat <= 0
}

// Repeat returns the remaining repeat count.
func (t *Timer) Repeat() int { return t.repeat }

// Activate arms the timer into phase with the given interval/repeat,
// idempotently: calling Activate on an already-active timer simply
// re-parameterizes it. The caller is responsible for handing the timer to
// [Session.ActivateTimer] so the real clock schedules the callback.
func (t *Timer) Activate(phase TimerPhase, interval time.Duration, repeat int) {
	t.phase = phase
	t.interval = interval
	t.repeat = repeat
}

// Deactivate idempotently returns the timer to PhaseIdle. Safe to call on an
// already-inactive timer.
func (t *Timer) Deactivate() {
	t.phase = PhaseIdle
}

// Reschedule re-arms the timer at its current phase with a new interval.
// Used when GRTT/group-size/backoff-factor updates change an already-armed
// timer's interval (spec §5 ordering guarantees).
func (t *Timer) Reschedule(interval time.Duration) {
	t.interval = interval
}

// Fire is invoked by the session's scheduler when the timer expires. It
// returns false (and leaves the timer idle) if the timer was not active,
// which can happen if a Deactivate raced a scheduler callback that was
// already in flight; callers must tolerate this since cancellation of an
// in-flight firing is not guaranteed (spec §5).
func (t *Timer) Fire() bool {
	if t.phase == PhaseIdle {
		return false
	}
	if t.onExpire != nil {
		t.onExpire(t.ctx)
	}
	return true
}
