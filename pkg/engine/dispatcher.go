package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/opsautomator/opsautomator/pkg/tagging"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// OwnAccount is the account the engine runs in.
	OwnAccount string

	// Regions are used for tasks that name none.
	Regions []string

	// ServiceLimits caps the concurrency of every action of a service.
	ServiceLimits map[string]int

	// SelectParallelism bounds concurrent Select calls (default 8).
	SelectParallelism int

	// PollParallelism bounds concurrent completion checks (default 10).
	PollParallelism int

	// DefaultTimeout applies when neither task nor action sets one.
	DefaultTimeout time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// DispatcherOption configures optional dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithTracer sets the tracer used for dispatch and invocation spans.
func WithTracer(t *telemetry.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// tracked is an active invocation with the collaborators it runs with.
type tracked struct {
	inv    *Invocation
	action Action
	req    *Request

	// counted is set once the invocation was reported as started.
	counted bool
}

// Dispatcher creates invocations for tasks and advances them on every poll
// tick. Invocations are independent: a failure, timeout or panic in one
// never affects another.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *Registry
	limiter  *ConcurrencyLimiter
	machine  *StateMachine
	resolver SessionResolver
	store    InvocationStore
	events   EventSink
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   *telemetry.Logger
	clock    clockwork.Clock

	// pollMu serializes PollDue calls.
	pollMu sync.Mutex

	mu       sync.Mutex
	active   map[string]*tracked
	finished []InvocationResult
	lastRun  map[string]time.Time
}

// NewDispatcher creates a dispatcher. resolver, store, events and metrics
// may be nil.
func NewDispatcher(
	cfg DispatcherConfig,
	registry *Registry,
	limiter *ConcurrencyLimiter,
	resolver SessionResolver,
	store InvocationStore,
	events EventSink,
	metrics *telemetry.Metrics,
	logger *telemetry.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	if cfg.SelectParallelism <= 0 {
		cfg.SelectParallelism = 8
	}
	if cfg.PollParallelism <= 0 {
		cfg.PollParallelism = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCompletionTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if limiter == nil {
		limiter = NewConcurrencyLimiter()
	}
	if events == nil {
		events = (*telemetry.EventPublisher)(nil)
	}

	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		machine:  NewStateMachine(limiter, cfg.Clock, logger),
		resolver: resolver,
		store:    store,
		events:   events,
		metrics:  metrics,
		logger:   logger.NewComponentLogger("dispatcher"),
		clock:    cfg.Clock,
		active:   make(map[string]*tracked),
		lastRun:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts a new batch of invocations for task. Configuration
// errors are returned before any resource is touched. Accounts without an
// assumable role and scopes whose selection fails are skipped and listed
// on the handle; they do not fail the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task, trigger Trigger) (handle *InvocationHandle, err error) {
	ctx, span := d.tracer.StartDispatchSpan(ctx, task.Name, task.Action, trigger.String())
	defer func() { telemetry.EndSpan(span, err) }()

	logger := d.logger.WithTask(task.Name)
	now := d.clock.Now()
	handle = &InvocationHandle{
		DispatchID:   uuid.New().String(),
		Task:         task.Name,
		Trigger:      trigger.String(),
		DispatchedAt: now,
	}

	action, params, filter, err := d.prepare(task)
	if err != nil {
		d.metrics.RecordDispatch(task.Name, "rejected", 0)
		d.metrics.RecordError(string(ClassOf(err)))
		logger.WithError(err).Error("Task rejected")
		return nil, err
	}
	info := action.Info()

	if reason := d.skipReason(ctx, task, info, trigger, now); reason != "" {
		handle.SkippedReason = reason
		d.metrics.RecordDispatch(task.Name, "skipped", 0)
		_ = d.events.PublishSkipped(task.Name, reason)
		logger.Infof("Dispatch skipped: %s", reason)
		return handle, nil
	}

	snapshots, sessions := d.selectResources(ctx, task, trigger, action, handle)
	selected := make([]ResourceSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if selectable(task, trigger, filter, s) {
			selected = append(selected, s)
		}
	}
	handle.Resources = len(selected)
	d.recordDispatch(ctx, task.Name, now)

	aggregation := task.Aggregation
	if aggregation == "" {
		aggregation = info.Aggregation
	}
	for _, group := range Aggregate(aggregation, selected) {
		session := sessions[group.Account]
		if session == nil {
			// The action reported resources of an account it was not
			// selecting in.
			err := NewPermanentError("no session for account "+group.Account, nil).WithCode(ErrCodeRoleUnavailable)
			handle.addScopeError(group.Account, group.Region, err)
			logger.WithScope(group.Account, group.Region).Warnf("Dropped %d resources: %v", len(group.Resources), err)
			continue
		}
		t := d.newInvocation(task, trigger, action, params, group, session)
		handle.InvocationIDs = append(handle.InvocationIDs, t.inv.ID)
		d.step(ctx, t)
		d.track(t)
	}

	d.metrics.RecordDispatch(task.Name, "dispatched", len(selected))
	_ = d.events.PublishDispatched(task.Name, trigger.String(), len(selected), len(handle.InvocationIDs))
	logger.Infof("Dispatched %d resources in %d invocations", len(selected), len(handle.InvocationIDs))
	return handle, nil
}

// prepare resolves the action and validates parameters and tag filter.
func (d *Dispatcher) prepare(task *Task) (Action, map[string]interface{}, *tagging.Expression, error) {
	action, err := d.registry.Get(task.Action)
	if err != nil {
		return nil, nil, nil, err
	}

	params, err := action.ValidateParameters(copyParams(task.Parameters))
	if err != nil {
		if IsConfiguration(err) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, NewConfigurationError("invalid parameters for task "+task.Name, err).
			WithCode(ErrCodeValidation)
	}

	filter, err := ParseTagFilter(task)
	if err != nil {
		return nil, nil, nil, err
	}
	return action, params, filter, nil
}

// skipReason returns why task must not run now. When it may run, now is
// reserved as its last dispatch time before skipReason returns.
func (d *Dispatcher) skipReason(ctx context.Context, task *Task, info ActionInfo, trigger Trigger, now time.Time) string {
	if !task.Enabled {
		return "task disabled"
	}

	var interval time.Duration
	if trigger.Kind != TriggerManual && trigger.Kind != "" {
		interval = task.MinInterval
		if interval <= 0 {
			interval = info.MinInterval
		}
	}
	return d.reserveDispatch(ctx, task.Name, interval, now)
}

// reserveDispatch checks the minimum interval and records now as the last
// dispatch of task in the same critical section, so that concurrent
// dispatches of one task cannot both pass the check.
func (d *Dispatcher) reserveDispatch(ctx context.Context, task string, interval time.Duration, now time.Time) string {
	var stored time.Time
	var storedOK bool
	if interval > 0 {
		d.mu.Lock()
		_, known := d.lastRun[task]
		d.mu.Unlock()
		if !known {
			stored, storedOK = d.storedDispatch(ctx, task)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastRun[task]
	if !ok {
		last, ok = stored, storedOK
	}
	if interval > 0 && ok && now.Sub(last) < interval {
		return fmt.Sprintf("minimum interval %s not elapsed since %s", interval, last.Format(time.RFC3339))
	}
	d.lastRun[task] = now
	return ""
}

// selectResources fans Select out over the task's scopes: sessions are
// resolved per account, then every (account, region) pair is selected in
// parallel. The sessions are returned for the invocations of the dispatch.
func (d *Dispatcher) selectResources(ctx context.Context, task *Task, trigger Trigger, action Action, handle *InvocationHandle) ([]ResourceSnapshot, map[string]*Session) {
	accounts, regions := d.scopes(task, trigger)

	var mu sync.Mutex
	sessions := make(map[string]*Session)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SelectParallelism)
	for _, account := range accounts {
		g.Go(func() error {
			session, err := d.resolveSession(gctx, task, account)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				for _, region := range regions {
					handle.addScopeError(account, region, err)
				}
			case session == nil:
				handle.SkippedAccounts = append(handle.SkippedAccounts, account)
			default:
				sessions[account] = session
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(handle.SkippedAccounts)

	var snapshots []ResourceSnapshot
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SelectParallelism)
	for _, account := range accounts {
		session, ok := sessions[account]
		if !ok {
			continue
		}
		for _, region := range regions {
			scope := Scope{Account: account, Region: region, Session: session}
			g.Go(func() error {
				found, err := safeSelect(gctx, action, scope, task)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					handle.addScopeError(account, region, err)
					d.metrics.RecordError(string(ClassOf(err)))
					d.logger.WithTask(task.Name).WithScope(account, region).WithError(err).Warn("Resource selection failed")
					return nil
				}
				for _, s := range found {
					if s.Account == "" {
						s.Account = account
					}
					if s.Region == "" {
						s.Region = region
					}
					snapshots = append(snapshots, s)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return snapshots, sessions
}

// scopes returns the accounts and regions a dispatch covers. A trigger
// scope narrows them; an empty string stands for the engine's own account
// or the session's default region.
func (d *Dispatcher) scopes(task *Task, trigger Trigger) ([]string, []string) {
	var accounts []string
	seen := make(map[string]bool)
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			accounts = append(accounts, a)
		}
	}
	if task.ThisAccount || len(task.Accounts) == 0 {
		add(d.cfg.OwnAccount)
	}
	for _, a := range task.Accounts {
		add(a)
	}

	regions := task.Regions
	if len(regions) == 0 {
		regions = d.cfg.Regions
	}
	if len(regions) == 0 {
		regions = []string{""}
	}

	if trigger.Account != "" {
		accounts = narrow(accounts, trigger.Account)
	}
	if trigger.Region != "" {
		regions = narrow(regions, trigger.Region)
	}
	return accounts, regions
}

func narrow(values []string, want string) []string {
	for _, v := range values {
		if v == want || v == "" {
			return []string{want}
		}
	}
	return nil
}

func (d *Dispatcher) resolveSession(ctx context.Context, task *Task, account string) (*Session, error) {
	if d.resolver == nil {
		return &Session{AccountID: account}, nil
	}
	session, err := d.resolver.Resolve(ctx, account, task.CrossAccountRoles)
	if err != nil {
		return nil, err
	}
	if session == nil {
		d.metrics.RecordRoleMiss(account)
		_ = d.events.PublishRoleMiss(task.Name, account)
		d.logger.WithTask(task.Name).Warnf("No role could be assumed in account %s, account skipped", account)
	}
	return session, nil
}

// newInvocation creates a created invocation for group. Invocations of one
// dispatch share the session resolved for their account during selection.
func (d *Dispatcher) newInvocation(task *Task, trigger Trigger, action Action, params map[string]interface{}, group ResourceGroup, session *Session) *tracked {
	info := action.Info()
	inv := &Invocation{
		ID:        uuid.New().String(),
		Task:      task.Name,
		Action:    info.Name,
		Account:   group.Account,
		Region:    group.Region,
		RoleARN:   session.RoleARN,
		Trigger:   trigger.String(),
		State:     InvocationCreated,
		Resources: group.Resources,
		Params:    params,
		Timeout:   d.timeoutFor(task, info),
		CreatedAt: d.clock.Now(),
	}

	t := &tracked{inv: inv, action: action}
	t.req = d.newRequest(task, inv, session)
	inv.ConcurrencyKey = action.ConcurrencyKey(t.req)
	if inv.ConcurrencyKey == "" {
		inv.ConcurrencyKey = fmt.Sprintf("%s:%s:%s", info.Name, inv.Account, inv.Region)
	}
	inv.MaxConcurrency = d.maxConcurrency(info, action.MaxConcurrency(params))
	return t
}

func (d *Dispatcher) newRequest(task *Task, inv *Invocation, session *Session) *Request {
	return &Request{
		InvocationID: inv.ID,
		Task:         task,
		Scope:        Scope{Account: inv.Account, Region: inv.Region, Session: session},
		Resources:    inv.Resources,
		Params:       inv.Params,
		Logger: d.logger.WithTask(inv.Task).
			WithInvocationID(inv.ID).
			WithScope(inv.Account, inv.Region),
	}
}

func (d *Dispatcher) timeoutFor(task *Task, info ActionInfo) time.Duration {
	switch {
	case task.Timeout > 0:
		return task.Timeout
	case info.CompletionTimeout > 0:
		return info.CompletionTimeout
	default:
		return d.cfg.DefaultTimeout
	}
}

// maxConcurrency applies the service cap to the action's own limit.
func (d *Dispatcher) maxConcurrency(info ActionInfo, declared int) int {
	limit := d.cfg.ServiceLimits[info.Service]
	if limit <= 0 {
		return declared
	}
	if declared <= 0 || limit < declared {
		return limit
	}
	return declared
}

// PollDue advances every active invocation by one step and returns the
// invocations that reached a terminal state since the previous call.
// Started invocations are polled first, in parallel; deferred invocations
// then retry their start in creation order, so the oldest get freed slots.
func (d *Dispatcher) PollDue(ctx context.Context) []InvocationResult {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	d.mu.Lock()
	batch := make([]*tracked, 0, len(d.active))
	for _, t := range d.active {
		batch = append(batch, t)
	}
	results := d.finished
	d.finished = nil
	d.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		a, b := batch[i].inv, batch[j].inv
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.PollParallelism)
	for _, t := range batch {
		if t.inv.State == InvocationCreated {
			continue
		}
		g.Go(func() error {
			d.step(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range batch {
		if t.inv.State == InvocationCreated {
			d.step(ctx, t)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range batch {
		if t.inv.State.IsTerminal() {
			delete(d.active, t.inv.ID)
			results = append(results, NewInvocationResult(t.inv))
		}
	}
	return results
}

// step runs one state machine step for t and reports the transition.
func (d *Dispatcher) step(ctx context.Context, t *tracked) {
	inv := t.inv
	prev := inv.State
	prevPolls := inv.Polls

	name := "start"
	if prev != InvocationCreated {
		name = "poll"
	}
	ctx, span := d.tracer.StartInvocationSpan(ctx, name, inv.ID, inv.Task)

	var err error
	if prev == InvocationCreated {
		err = d.machine.Start(ctx, inv, t.action, t.req)
	} else {
		err = d.machine.Poll(ctx, inv, t.action, t.req)
	}
	if err != nil {
		d.machine.Abort(inv, err)
	}
	span.SetAttributes(telemetry.AttrState.String(string(inv.State)))
	if inv.ErrorClass != "" {
		span.SetAttributes(telemetry.AttrErrorClass.String(string(inv.ErrorClass)))
	}
	telemetry.EndSpan(span, err)

	if inv.Polls > prevPolls {
		d.metrics.RecordPoll(inv.Task)
	}

	switch {
	case prev == InvocationCreated && inv.State == InvocationCreated:
		d.metrics.RecordLimiterRejection(inv.Task)
		if inv.Deferrals == 1 {
			_ = d.events.PublishInvocationDeferred(inv.Task, inv.ID, inv.ConcurrencyKey)
		}
	case prev == InvocationCreated && inv.StartedAt != nil:
		t.counted = true
		d.metrics.RecordInvocationStarted(inv.Task, inv.Action)
		_ = d.events.PublishInvocationStarted(inv.Task, inv.ID, inv.Account, inv.Region)
	}

	if inv.State.IsTerminal() {
		d.report(t)
	}
	if inv.State != prev || inv.Polls != prevPolls || prev == InvocationCreated {
		d.save(ctx, inv)
	}
}

func (d *Dispatcher) report(t *tracked) {
	inv := t.inv
	var duration time.Duration
	if inv.StartedAt != nil && inv.FinishedAt != nil {
		duration = inv.FinishedAt.Sub(*inv.StartedAt)
	}
	d.metrics.RecordInvocationFinished(inv.Task, string(inv.State), duration, t.counted)
	if inv.ErrorClass != "" {
		d.metrics.RecordError(string(inv.ErrorClass))
	}
	if inv.Result != nil {
		d.metrics.RecordActionMetrics(inv.Task, inv.Result.Metrics)
	}
	_ = d.events.PublishInvocationFinished(inv.Task, inv.ID, inv.Account, inv.Region, string(inv.State), inv.Error)
}

// track registers t as active, or queues its result when already terminal.
func (d *Dispatcher) track(t *tracked) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.inv.State.IsTerminal() {
		d.finished = append(d.finished, NewInvocationResult(t.inv))
		return
	}
	d.active[t.inv.ID] = t
}

// Restore loads the active invocations of a previous process from the
// store. Started invocations re-take their slots; invocations whose action
// or session is no longer available fail.
func (d *Dispatcher) Restore(ctx context.Context, tasks []*Task) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	stored, err := d.store.ListInvocations(ctx, InvocationFilter{
		States: []InvocationState{InvocationCreated, InvocationStarted, InvocationPolling},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load active invocations: %w", err)
	}

	byName := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}

	restored := 0
	for _, inv := range stored {
		task, ok := byName[inv.Task]
		if !ok {
			task = &Task{Name: inv.Task, Action: inv.Action, Enabled: true, Parameters: inv.Params}
		}

		t := &tracked{inv: inv}
		t.action, err = d.registry.Get(inv.Action)
		var session *Session
		if err == nil {
			session, err = d.resolveSession(ctx, task, inv.Account)
			if err == nil && session == nil {
				err = NewPermanentError("no role available in account "+inv.Account, nil).WithCode(ErrCodeRoleUnavailable)
			}
		}
		if err != nil {
			d.machine.Abort(inv, err)
			d.save(ctx, inv)
			d.report(t)
			d.track(t)
			continue
		}

		t.req = d.newRequest(task, inv, session)
		d.machine.Restore(inv)
		d.track(t)
		restored++
	}

	if restored > 0 {
		d.logger.Infof("Restored %d active invocations", restored)
	}
	return restored, nil
}

// ActiveCount returns the number of non-terminal invocations.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Limiter returns the dispatcher's concurrency limiter.
func (d *Dispatcher) Limiter() *ConcurrencyLimiter {
	return d.limiter
}

func (d *Dispatcher) save(ctx context.Context, inv *Invocation) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveInvocation(ctx, inv); err != nil {
		d.logger.WithInvocationID(inv.ID).WithError(err).Error("Failed to persist invocation")
	}
}

// storedDispatch reads the last dispatch time persisted by a previous process.
func (d *Dispatcher) storedDispatch(ctx context.Context, task string) (time.Time, bool) {
	if d.store == nil {
		return time.Time{}, false
	}
	last, ok, err := d.store.LastDispatch(ctx, task)
	if err != nil {
		d.logger.WithTask(task).WithError(err).Warn("Failed to read last dispatch time")
		return time.Time{}, false
	}
	return last, ok
}

// recordDispatch persists the dispatch time reserved by skipReason.
func (d *Dispatcher) recordDispatch(ctx context.Context, task string, at time.Time) {
	if d.store == nil {
		return
	}
	if err := d.store.RecordDispatch(ctx, task, at); err != nil {
		d.logger.WithTask(task).WithError(err).Warn("Failed to record dispatch time")
	}
}

// selectable applies trigger narrowing and the task's resource filter.
// Tasks without a tag filter select by task-list tag when one is set.
func selectable(task *Task, trigger Trigger, filter *tagging.Expression, s ResourceSnapshot) bool {
	if len(trigger.ResourceIDs) > 0 && !containsString(trigger.ResourceIDs, s.ID) {
		return false
	}
	if filter != nil {
		return filter.Matches(s.Tags)
	}
	if task.TaskListTag != "" {
		return tagging.TaskListContains(s.Tags[task.TaskListTag], task.Name)
	}
	return true
}

func safeSelect(ctx context.Context, action Action, scope Scope, task *Task) (found []ResourceSnapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("action panicked in select: %v", r), nil).WithCode(ErrCodeActionPanic)
		}
	}()
	return action.Select(ctx, scope, task)
}

func (h *InvocationHandle) addScopeError(account, region string, err error) {
	if h.ScopeErrors == nil {
		h.ScopeErrors = make(map[string]string)
	}
	h.ScopeErrors[account+"/"+region] = err.Error()
}

func copyParams(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
