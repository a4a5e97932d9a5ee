// Package engine provides the task dispatcher and the invocation lifecycle
// of the ops automator.
//
// # Overview
//
// A Task binds an Action to a set of accounts, regions and resources. When a
// task is triggered (by schedule, by a resource event or manually) the
// Dispatcher:
//
//  1. Validates the task parameters and tag filter (configuration errors stop here)
//  2. Resolves a Session per account through a SessionResolver
//  3. Calls Action.Select for every (account, region) scope in parallel
//  4. Filters the snapshots by tag filter or task-list tag
//  5. Aggregates them per resource, per region or per account
//  6. Creates one Invocation per group and tries to start it
//
// # Invocation Lifecycle
//
// Invocations are driven by the StateMachine:
//
//	created -> started -> polling -> completed | failed | timed_out
//
// An invocation stays created while its concurrency key is saturated and is
// retried on every PollDue. Started invocations whose action implements
// CompletionChecker are polled until they report Done or Failed, or until the
// completion deadline passes. The deadline is checked before every poll, so
// an invocation never completes after its deadline.
//
// # Concurrency
//
// The ConcurrencyLimiter counts in-flight invocations per key. TryAcquire
// never blocks; a full key defers the start. Every path out of an active
// state releases the slot exactly once.
//
// # Errors
//
// Errors are classified with EngineError:
//
//   - configuration: bad parameters or tag filter, returned from Dispatch
//   - transient, throttled, conflict: retryable provider errors
//   - permanent: failed execution or completion, action panics
//   - timeout: the completion deadline passed
//
// # Usage
//
//	registry, _ := engine.NewRegistry(myAction)
//	d := engine.NewDispatcher(engine.DispatcherConfig{OwnAccount: "111111111111"},
//		registry, engine.NewConcurrencyLimiter(), resolver, store, events, metrics, logger)
//
//	handle, err := d.Dispatch(ctx, task, engine.Trigger{Kind: engine.TriggerSchedule})
//	...
//	for _, r := range d.PollDue(ctx) {
//		fmt.Println(r.InvocationID, r.State)
//	}
package engine
