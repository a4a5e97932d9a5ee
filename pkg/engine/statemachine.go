package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// DefaultCompletionTimeout applies to invocations created without a timeout.
const DefaultCompletionTimeout = 60 * time.Minute

// StateMachine drives invocations through
// created -> started -> polling -> completed | failed | timed_out.
//
// It never sleeps: each call performs one step and returns, and the caller
// re-enters it on the next poll tick. An invocation that holds a
// concurrency slot releases it exactly once, on whichever terminal
// transition is reached first.
type StateMachine struct {
	limiter *ConcurrencyLimiter
	clock   clockwork.Clock
	logger  *telemetry.Logger
}

// NewStateMachine creates a state machine. A nil clock uses the real clock.
func NewStateMachine(limiter *ConcurrencyLimiter, clock clockwork.Clock, logger *telemetry.Logger) *StateMachine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &StateMachine{
		limiter: limiter,
		clock:   clock,
		logger:  logger.NewComponentLogger("statemachine"),
	}
}

// Clock returns the state machine's clock.
func (sm *StateMachine) Clock() clockwork.Clock {
	return sm.clock
}

// Start acquires the invocation's concurrency slot and executes the action.
// When the slot is not available the invocation stays created and its
// Deferrals count is incremented. Execute failures move it to failed.
// The returned error is only set for an invocation that is not created.
func (sm *StateMachine) Start(ctx context.Context, inv *Invocation, action Action, req *Request) error {
	if inv.State != InvocationCreated {
		return invalidTransition("start", inv)
	}

	logger := sm.invocationLogger(inv)
	if !sm.limiter.TryAcquire(inv.ConcurrencyKey, inv.MaxConcurrency) {
		inv.Deferrals++
		logger.Debugf("Concurrency key %s saturated (max %d), start deferred", inv.ConcurrencyKey, inv.MaxConcurrency)
		return nil
	}
	inv.holdsSlot = true

	if inv.Timeout <= 0 {
		inv.Timeout = DefaultCompletionTimeout
	}
	now := sm.clock.Now()
	deadline := now.Add(inv.Timeout)
	inv.StartedAt = &now
	inv.Deadline = &deadline
	inv.State = InvocationStarted

	token, err := sm.execute(ctx, action, req)
	if err != nil {
		sm.fail(ctx, inv, action, req, permanent(err, "execute failed", ErrCodeExecuteFailed))
		return nil
	}
	inv.Token = token

	if !hasCompletion(action, req.Params) {
		sm.complete(inv, resultFromToken(token))
		return nil
	}

	logger.Debugf("Invocation started, deadline %s", deadline.Format(time.RFC3339))
	return nil
}

// Poll performs one completion check. The deadline is checked before the
// action is asked: an invocation polled on or after its deadline times out
// whatever the check would have returned.
func (sm *StateMachine) Poll(ctx context.Context, inv *Invocation, action Action, req *Request) error {
	if inv.State != InvocationStarted && inv.State != InvocationPolling {
		return invalidTransition("poll", inv)
	}

	if inv.Deadline != nil && !sm.clock.Now().Before(*inv.Deadline) {
		err := NewTimeoutError(
			fmt.Sprintf("completion timeout of %s exceeded after %d polls", inv.Timeout, inv.Polls), nil)
		sm.finish(inv, InvocationTimedOut, err)
		sm.invocationLogger(inv).Warnf("Invocation timed out after %s", inv.Timeout)
		sm.runFailureHook(ctx, inv, action, req, err)
		return nil
	}

	checker, ok := action.(CompletionChecker)
	if !ok {
		sm.complete(inv, resultFromToken(inv.Token))
		return nil
	}

	inv.State = InvocationPolling
	inv.Polls++

	outcome := sm.isCompleted(ctx, checker, req, inv.Token)
	switch {
	case outcome.IsDone():
		sm.complete(inv, outcome.Result())
	case outcome.IsFailed():
		sm.fail(ctx, inv, action, req, permanent(outcome.Err(), "completion check failed", ErrCodeCompletionFailed))
	}
	return nil
}

// Release returns the invocation's concurrency slot if it holds one. It is
// safe to call any number of times.
func (sm *StateMachine) Release(inv *Invocation) {
	if !inv.holdsSlot {
		return
	}
	inv.holdsSlot = false
	sm.limiter.Release(inv.ConcurrencyKey)
}

// Restore re-takes the slot of a started invocation loaded from storage.
// The slot is counted even when the key is already at its maximum.
func (sm *StateMachine) Restore(inv *Invocation) {
	if inv.holdsSlot || (inv.State != InvocationStarted && inv.State != InvocationPolling) {
		return
	}
	sm.limiter.TryAcquire(inv.ConcurrencyKey, 0)
	inv.holdsSlot = true
}

// Abort fails a non-terminal invocation without consulting the action.
func (sm *StateMachine) Abort(inv *Invocation, err error) {
	if inv.State.IsTerminal() {
		return
	}
	sm.finish(inv, InvocationFailed, permanent(err, "invocation aborted", ErrCodeInternal))
}

func (sm *StateMachine) complete(inv *Invocation, result *Result) {
	inv.Result = result
	sm.finish(inv, InvocationCompleted, nil)
	sm.invocationLogger(inv).Infof("Invocation completed after %d polls", inv.Polls)
}

func (sm *StateMachine) fail(ctx context.Context, inv *Invocation, action Action, req *Request, err *EngineError) {
	sm.finish(inv, InvocationFailed, err)
	sm.invocationLogger(inv).WithError(err).Error("Invocation failed")
	sm.runFailureHook(ctx, inv, action, req, err)
}

// finish records the terminal state and releases the slot.
func (sm *StateMachine) finish(inv *Invocation, state InvocationState, err *EngineError) {
	now := sm.clock.Now()
	inv.State = state
	inv.FinishedAt = &now
	if err != nil {
		inv.Error = err.Error()
		inv.ErrorClass = err.Class
	}
	sm.Release(inv)
}

func (sm *StateMachine) runFailureHook(ctx context.Context, inv *Invocation, action Action, req *Request, err error) {
	hook, ok := action.(FailureHook)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			sm.invocationLogger(inv).Errorf("Failure hook panicked: %v", r)
		}
	}()
	hook.OnFailure(ctx, req, inv.Token, err)
}

func (sm *StateMachine) execute(ctx context.Context, action Action, req *Request) (token StartToken, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("action panicked in execute: %v", r), nil).WithCode(ErrCodeActionPanic)
		}
	}()
	return action.Execute(ctx, req)
}

func hasCompletion(action Action, params map[string]interface{}) bool {
	if _, ok := action.(CompletionChecker); !ok {
		return false
	}
	if d, ok := action.(CompletionDecider); ok {
		return d.HasCompletion(params)
	}
	return true
}

func (sm *StateMachine) isCompleted(ctx context.Context, checker CompletionChecker, req *Request, token StartToken) (outcome PollOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(NewPermanentError(fmt.Sprintf("action panicked in completion check: %v", r), nil).
				WithCode(ErrCodeActionPanic))
		}
	}()
	return checker.IsCompleted(ctx, req, token)
}

func (sm *StateMachine) invocationLogger(inv *Invocation) *telemetry.Logger {
	return sm.logger.WithTask(inv.Task).WithInvocationID(inv.ID)
}

// permanent classifies err as the terminal failure of an invocation.
// Permanent and timeout errors keep their class; anything else is wrapped.
func permanent(err error, message, code string) *EngineError {
	var e *EngineError
	if errors.As(err, &e) && (e.Class == ErrorClassPermanent || e.Class == ErrorClassTimeout) {
		return e
	}
	return NewPermanentError(message, err).WithCode(code)
}

func invalidTransition(step string, inv *Invocation) error {
	return NewPermanentError(fmt.Sprintf("cannot %s invocation in state %s", step, inv.State), nil).
		WithCode(ErrCodeValidation).
		WithDetail("invocation_id", inv.ID)
}
