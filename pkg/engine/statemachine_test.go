package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine() (*StateMachine, *ConcurrencyLimiter, *clockwork.FakeClock) {
	limiter := NewConcurrencyLimiter()
	clock := clockwork.NewFakeClockAt(t0)
	return NewStateMachine(limiter, clock, nil), limiter, clock
}

func newTestInvocation(id, key string, max int, timeout time.Duration) *Invocation {
	return &Invocation{
		ID:             id,
		Task:           "task",
		Action:         "action",
		State:          InvocationCreated,
		ConcurrencyKey: key,
		MaxConcurrency: max,
		Timeout:        timeout,
		Resources:      []ResourceSnapshot{snapshot("i-1", "111111111111", "us-east-1", nil)},
	}
}

func TestStartSynchronousCompletes(t *testing.T) {
	sm, limiter, _ := newTestMachine()
	action := newFakeAction("sync")
	inv := newTestInvocation("inv-1", "k", 1, time.Hour)

	if err := sm.Start(context.Background(), inv, action, &Request{InvocationID: inv.ID, Resources: inv.Resources}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if inv.State != InvocationCompleted {
		t.Fatalf("Expected completed, got %s", inv.State)
	}
	if inv.Result == nil || inv.Result.Metrics["processed"] != 1 {
		t.Errorf("Expected processed metric 1, got %+v", inv.Result)
	}
	if limiter.InFlight("k") != 0 || inv.HoldsSlot() {
		t.Error("Expected slot to be released on completion")
	}
	if inv.StartedAt == nil || inv.FinishedAt == nil {
		t.Error("Expected start and finish times to be set")
	}
}

// decidingAction checks completion only when the "wait" parameter is set.
type decidingAction struct {
	*pollingAction
}

func (a decidingAction) HasCompletion(params map[string]interface{}) bool {
	return params["wait"] == true
}

func TestStartWithoutCompletionCheckCompletes(t *testing.T) {
	sm, limiter, _ := newTestMachine()
	action := decidingAction{newPollingAction("decide", func(*Request, StartToken) PollOutcome { return Pending() })}

	inv := newTestInvocation("inv-1", "k", 1, time.Hour)
	if err := sm.Start(context.Background(), inv, action, &Request{Params: map[string]interface{}{"wait": false}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inv.State != InvocationCompleted {
		t.Fatalf("Expected completed without a check, got %s", inv.State)
	}
	if limiter.InFlight("k") != 0 {
		t.Error("Expected slot to be released on completion")
	}

	waiting := newTestInvocation("inv-2", "k", 1, time.Hour)
	if err := sm.Start(context.Background(), waiting, action, &Request{Params: map[string]interface{}{"wait": true}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if waiting.State != InvocationStarted {
		t.Errorf("Expected started when the check is needed, got %s", waiting.State)
	}
	if action.polls != 0 {
		t.Errorf("Expected no completion check during start, got %d", action.polls)
	}
}

func TestStartDeferredWhenSaturated(t *testing.T) {
	sm, limiter, _ := newTestMachine()
	action := newPollingAction("poll", func(*Request, StartToken) PollOutcome { return Pending() })

	limiter.TryAcquire("k", 1)
	inv := newTestInvocation("inv-1", "k", 1, time.Hour)

	if err := sm.Start(context.Background(), inv, action, &Request{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inv.State != InvocationCreated {
		t.Fatalf("Expected invocation to stay created, got %s", inv.State)
	}
	if inv.Deferrals != 1 {
		t.Errorf("Expected 1 deferral, got %d", inv.Deferrals)
	}
	if action.executions() != 0 {
		t.Error("Expected execute not to be called without a slot")
	}

	limiter.Release("k")
	if err := sm.Start(context.Background(), inv, action, &Request{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inv.State != InvocationStarted {
		t.Errorf("Expected started after slot freed, got %s", inv.State)
	}
}

func TestPollTransitions(t *testing.T) {
	sm, limiter, clock := newTestMachine()
	done := false
	action := newPollingAction("poll", func(*Request, StartToken) PollOutcome {
		if done {
			return Done(Result{Metrics: map[string]float64{"copied": 1}})
		}
		return Pending()
	})
	inv := newTestInvocation("inv-1", "k", 2, time.Hour)
	ctx := context.Background()

	if err := sm.Start(ctx, inv, action, &Request{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inv.State != InvocationStarted || limiter.InFlight("k") != 1 {
		t.Fatalf("Expected started holding one slot, got %s with %d", inv.State, limiter.InFlight("k"))
	}

	clock.Advance(time.Minute)
	if err := sm.Poll(ctx, inv, action, &Request{}); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if inv.State != InvocationPolling || inv.Polls != 1 {
		t.Fatalf("Expected polling after 1 poll, got %s after %d", inv.State, inv.Polls)
	}

	done = true
	clock.Advance(time.Minute)
	if err := sm.Poll(ctx, inv, action, &Request{}); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if inv.State != InvocationCompleted {
		t.Fatalf("Expected completed, got %s", inv.State)
	}
	if inv.Result.Metrics["copied"] != 1 {
		t.Errorf("Expected copied metric, got %+v", inv.Result)
	}
	if limiter.InFlight("k") != 0 {
		t.Error("Expected slot released")
	}

	if err := sm.Poll(ctx, inv, action, &Request{}); err == nil {
		t.Error("Expected polling a terminal invocation to fail")
	}
}

func TestPollFailureRunsHook(t *testing.T) {
	sm, limiter, _ := newTestMachine()
	remoteErr := errors.New("snapshot state error")
	action := newPollingAction("poll", func(*Request, StartToken) PollOutcome { return Failed(remoteErr) })
	inv := newTestInvocation("inv-1", "k", 1, time.Hour)
	ctx := context.Background()

	sm.Start(ctx, inv, action, &Request{})
	sm.Poll(ctx, inv, action, &Request{})

	if inv.State != InvocationFailed {
		t.Fatalf("Expected failed, got %s", inv.State)
	}
	if inv.ErrorClass != ErrorClassPermanent {
		t.Errorf("Expected permanent error class, got %s", inv.ErrorClass)
	}
	if !strings.Contains(inv.Error, "snapshot state error") {
		t.Errorf("Expected cause preserved in error text, got %q", inv.Error)
	}
	if action.failureCount() != 1 {
		t.Errorf("Expected failure hook called once, got %d", action.failureCount())
	}
	if limiter.InFlight("k") != 0 {
		t.Error("Expected slot released")
	}
}

func TestExecuteFailure(t *testing.T) {
	sm, limiter, _ := newTestMachine()
	action := newPollingAction("poll", func(*Request, StartToken) PollOutcome { return Pending() })
	action.executeErr = errors.New("copy image refused")
	inv := newTestInvocation("inv-1", "k", 1, time.Hour)

	sm.Start(context.Background(), inv, action, &Request{InvocationID: inv.ID})

	if inv.State != InvocationFailed {
		t.Fatalf("Expected failed, got %s", inv.State)
	}
	if action.polls != 0 {
		t.Error("Expected no completion check after a failed execute")
	}
	if action.failureCount() != 1 {
		t.Errorf("Expected failure hook called, got %d", action.failureCount())
	}
	if limiter.InFlight("k") != 0 {
		t.Error("Expected slot released")
	}
}

func TestActionPanicsAreContained(t *testing.T) {
	sm, limiter, _ := newTestMachine()
	ctx := context.Background()

	action := newFakeAction("boom")
	action.panicIn = "execute"
	inv := newTestInvocation("inv-1", "k", 1, time.Hour)
	sm.Start(ctx, inv, action, &Request{InvocationID: inv.ID})
	if inv.State != InvocationFailed || !strings.Contains(inv.Error, "panicked") {
		t.Errorf("Expected failed invocation from execute panic, got %s %q", inv.State, inv.Error)
	}

	poller := newPollingAction("poll", func(*Request, StartToken) PollOutcome { panic("check exploded") })
	inv2 := newTestInvocation("inv-2", "k", 1, time.Hour)
	sm.Start(ctx, inv2, poller, &Request{InvocationID: inv2.ID})
	sm.Poll(ctx, inv2, poller, &Request{InvocationID: inv2.ID})
	if inv2.State != InvocationFailed || !strings.Contains(inv2.Error, "panicked") {
		t.Errorf("Expected failed invocation from poll panic, got %s %q", inv2.State, inv2.Error)
	}
	if limiter.InFlight("k") != 0 {
		t.Error("Expected all slots released")
	}
}

// An invocation reports nil for 59 minutes of a 60 minute timeout and
// would fail on minute 61: the deadline wins.
func TestTimeoutPrecedesPoll(t *testing.T) {
	sm, limiter, clock := newTestMachine()
	action := newPollingAction("poll", func(*Request, StartToken) PollOutcome {
		if clock.Since(t0) > 60*time.Minute {
			return Failed(errors.New("copy failed"))
		}
		return Pending()
	})
	inv := newTestInvocation("inv-1", "k", 1, 60*time.Minute)
	ctx := context.Background()

	sm.Start(ctx, inv, action, &Request{})
	for minute := 1; minute <= 59; minute++ {
		clock.Advance(time.Minute)
		sm.Poll(ctx, inv, action, &Request{})
		if inv.State != InvocationPolling {
			t.Fatalf("Expected polling at minute %d, got %s", minute, inv.State)
		}
	}

	clock.Advance(2 * time.Minute)
	sm.Poll(ctx, inv, action, &Request{})

	if inv.State != InvocationTimedOut {
		t.Fatalf("Expected timed_out, got %s", inv.State)
	}
	if inv.ErrorClass != ErrorClassTimeout {
		t.Errorf("Expected timeout error class, got %s", inv.ErrorClass)
	}
	if action.polls != 59 {
		t.Errorf("Expected the check not to run past the deadline, got %d polls", action.polls)
	}
	if action.failureCount() != 1 {
		t.Errorf("Expected failure hook on timeout, got %d", action.failureCount())
	}
	if limiter.InFlight("k") != 0 {
		t.Error("Expected slot released on timeout")
	}
}

func TestTimeoutMonotonicity(t *testing.T) {
	timeouts := []time.Duration{time.Second, 5 * time.Minute, 90 * time.Minute}
	steps := []time.Duration{time.Millisecond * 250, 7 * time.Second, 3 * time.Minute}

	for _, d := range timeouts {
		for _, step := range steps {
			sm, _, clock := newTestMachine()
			action := newPollingAction("poll", func(*Request, StartToken) PollOutcome { return Pending() })
			inv := newTestInvocation("inv", "k", 1, d)
			ctx := context.Background()
			sm.Start(ctx, inv, action, &Request{})

			for !inv.State.IsTerminal() {
				clock.Advance(step)
				sm.Poll(ctx, inv, action, &Request{})
			}

			elapsed := inv.FinishedAt.Sub(*inv.StartedAt)
			if inv.State != InvocationTimedOut {
				t.Fatalf("Expected timed_out for timeout %s, got %s", d, inv.State)
			}
			if elapsed < d {
				t.Errorf("Timed out after %s, before the %s timeout", elapsed, d)
			}
		}
	}

	// Exactly at the deadline counts as timed out; just before does not.
	sm, _, clock := newTestMachine()
	action := newPollingAction("poll", func(*Request, StartToken) PollOutcome { return Pending() })
	inv := newTestInvocation("inv", "k", 1, time.Minute)
	sm.Start(context.Background(), inv, action, &Request{})
	clock.Advance(time.Minute - time.Nanosecond)
	sm.Poll(context.Background(), inv, action, &Request{})
	if inv.State != InvocationPolling {
		t.Fatalf("Expected polling just before the deadline, got %s", inv.State)
	}
	clock.Advance(time.Nanosecond)
	sm.Poll(context.Background(), inv, action, &Request{})
	if inv.State != InvocationTimedOut {
		t.Errorf("Expected timed_out at the deadline, got %s", inv.State)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	type path struct {
		name   string
		action func() Action
		polls  int
		wait   time.Duration
		want   InvocationState
	}
	paths := []path{
		{"sync completion", func() Action { return newFakeAction("a") }, 0, 0, InvocationCompleted},
		{"execute error", func() Action {
			a := newFakeAction("a")
			a.executeErr = errors.New("boom")
			return a
		}, 0, 0, InvocationFailed},
		{"poll done", func() Action {
			return newPollingAction("a", func(*Request, StartToken) PollOutcome { return Done(Result{}) })
		}, 1, 0, InvocationCompleted},
		{"poll failed", func() Action {
			return newPollingAction("a", func(*Request, StartToken) PollOutcome { return Failed(nil) })
		}, 1, 0, InvocationFailed},
		{"timeout", func() Action {
			return newPollingAction("a", func(*Request, StartToken) PollOutcome { return Pending() })
		}, 1, 2 * time.Hour, InvocationTimedOut},
	}

	for _, p := range paths {
		t.Run(p.name, func(t *testing.T) {
			sm, limiter, clock := newTestMachine()
			ctx := context.Background()

			// A sibling holds a slot on the same key; a double release
			// would free it.
			limiter.TryAcquire("k", 0)

			action := p.action()
			inv := newTestInvocation("inv", "k", 5, time.Hour)
			sm.Start(ctx, inv, action, &Request{})
			clock.Advance(p.wait)
			for i := 0; i < p.polls; i++ {
				sm.Poll(ctx, inv, action, &Request{})
			}

			if inv.State != p.want {
				t.Fatalf("Expected %s, got %s", p.want, inv.State)
			}
			sm.Release(inv)
			sm.Release(inv)
			if got := limiter.InFlight("k"); got != 1 {
				t.Errorf("Expected only the sibling slot to remain, got %d", got)
			}
		})
	}
}

func TestRestoreRetakesSlot(t *testing.T) {
	sm, limiter, _ := newTestMachine()
	started := t0
	deadline := t0.Add(time.Hour)
	inv := newTestInvocation("inv", "k", 1, time.Hour)
	inv.State = InvocationPolling
	inv.StartedAt = &started
	inv.Deadline = &deadline

	limiter.TryAcquire("k", 1)
	sm.Restore(inv)
	sm.Restore(inv)

	if got := limiter.InFlight("k"); got != 2 {
		t.Errorf("Expected restored slot counted past the max, got %d", got)
	}
	sm.Release(inv)
	if got := limiter.InFlight("k"); got != 1 {
		t.Errorf("Expected one slot after release, got %d", got)
	}
}
