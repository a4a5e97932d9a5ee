package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opsautomator/opsautomator/pkg/config"
	"github.com/opsautomator/opsautomator/pkg/engine"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type dispatchCall struct {
	task    string
	trigger engine.Trigger
}

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []dispatchCall
	polls    int
	restored int
	results  []engine.InvocationResult
	fail     map[string]error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task *engine.Task, trigger engine.Trigger) (*engine.InvocationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{task: task.Name, trigger: trigger})
	if err := f.fail[task.Name]; err != nil {
		return nil, err
	}
	return &engine.InvocationHandle{Task: task.Name, InvocationIDs: []string{"inv-" + task.Name}, Resources: 1}, nil
}

func (f *fakeDispatcher) PollDue(ctx context.Context) []engine.InvocationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	out := f.results
	f.results = nil
	return out
}

func (f *fakeDispatcher) Restore(ctx context.Context, tasks []*engine.Task) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored++
	return 0, nil
}

func (f *fakeDispatcher) dispatched() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

type fakeReceiver struct {
	mu       sync.Mutex
	batches  [][]*config.TriggerMessage
	errs     []error
	deleted  []string
	received chan struct{}
}

func (f *fakeReceiver) Receive(ctx context.Context) ([]*config.TriggerMessage, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()

	select {
	case f.received <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeReceiver) Delete(ctx context.Context, msg *config.TriggerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msg.MessageID)
	return nil
}

type fakePruner struct {
	cutoffs []time.Time
}

func (f *fakePruner) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 3, nil
}

func tagTask(name string) *engine.Task {
	return &engine.Task{
		Name:    name,
		Action:  "tag",
		Enabled: true,
		Events: map[string]map[string][]string{
			engine.EventSourceTag: {engine.EventTypeTagChange: {"ec2:instance"}},
		},
	}
}

func TestHandleMessage(t *testing.T) {
	d := &fakeDispatcher{}
	s := New(Config{}, d, nil, nil, nil)
	s.SetTasks([]*engine.Task{
		tagTask("on-tag"),
		{Name: "manual-only", Action: "tag", Enabled: true},
	})

	msg := &config.TriggerMessage{
		MessageID:    "m-1",
		ResourceType: "ec2:instance",
		Trigger: engine.Trigger{
			Kind:   engine.TriggerEvent,
			Source: engine.EventSourceTag,
			Detail: engine.EventTypeTagChange,
		},
	}
	if n := s.HandleMessage(context.Background(), msg); n != 1 {
		t.Fatalf("Expected 1 dispatch, got %d", n)
	}
	calls := d.dispatched()
	if calls[0].task != "on-tag" || calls[0].trigger.Kind != engine.TriggerEvent {
		t.Errorf("Unexpected dispatch: %+v", calls[0])
	}

	named := &config.TriggerMessage{MessageID: "m-2", Tasks: []string{"manual-only"}, Trigger: engine.Trigger{Kind: engine.TriggerManual}}
	if n := s.HandleMessage(context.Background(), named); n != 1 {
		t.Fatalf("Expected 1 dispatch, got %d", n)
	}
}

func TestRunSchedules(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	d := &fakeDispatcher{}
	s := New(Config{Clock: clock}, d, nil, nil, nil)
	s.SetTasks([]*engine.Task{
		{Name: "hourly", Action: "a", Enabled: true, Schedule: "1h"},
		{Name: "disabled", Action: "a", Enabled: false, Schedule: "1h"},
		{Name: "unscheduled", Action: "a", Enabled: true},
	})

	if n := s.RunSchedules(context.Background()); n != 1 {
		t.Fatalf("Expected first run to dispatch 1 task, got %d", n)
	}
	clock.Advance(30 * time.Minute)
	if n := s.RunSchedules(context.Background()); n != 0 {
		t.Errorf("Expected nothing due after 30m, got %d", n)
	}
	clock.Advance(30 * time.Minute)
	if n := s.RunSchedules(context.Background()); n != 1 {
		t.Errorf("Expected hourly due again, got %d", n)
	}

	calls := d.dispatched()
	if len(calls) != 2 || calls[1].trigger.Kind != engine.TriggerSchedule {
		t.Errorf("Unexpected dispatches: %+v", calls)
	}
}

func TestTickPollsAndPrunes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	d := &fakeDispatcher{results: []engine.InvocationResult{
		{InvocationID: "i-1", Task: "t", State: engine.InvocationCompleted},
		{InvocationID: "i-2", Task: "t", State: engine.InvocationFailed, Error: "boom"},
	}}
	pruner := &fakePruner{}
	s := New(Config{Clock: clock, Retention: 24 * time.Hour}, d, nil, pruner, nil)

	results := s.Tick(context.Background())
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if len(pruner.cutoffs) != 1 || !pruner.cutoffs[0].Equal(t0.Add(-24*time.Hour)) {
		t.Fatalf("Expected prune before %s, got %v", t0.Add(-24*time.Hour), pruner.cutoffs)
	}

	clock.Advance(time.Minute)
	s.Tick(context.Background())
	if len(pruner.cutoffs) != 1 {
		t.Errorf("Expected no prune within the prune interval, got %d", len(pruner.cutoffs))
	}
	clock.Advance(time.Hour)
	s.Tick(context.Background())
	if len(pruner.cutoffs) != 2 {
		t.Errorf("Expected second prune, got %d", len(pruner.cutoffs))
	}
	if d.polls != 3 {
		t.Errorf("Expected 3 polls, got %d", d.polls)
	}
}

func TestRunConsumesTriggers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	d := &fakeDispatcher{fail: map[string]error{"broken": errors.New("boom")}}
	receiver := &fakeReceiver{
		errs: []error{errors.New("throttled")},
		batches: [][]*config.TriggerMessage{{
			{MessageID: "m-1", Tasks: []string{"broken"}, Trigger: engine.Trigger{Kind: engine.TriggerManual}},
			{MessageID: "m-2", Tasks: []string{"on-tag"}, Trigger: engine.Trigger{Kind: engine.TriggerManual}},
		}},
		received: make(chan struct{}, 1),
	}
	s := New(Config{Clock: clock}, d, receiver, nil, nil)
	s.SetTasks([]*engine.Task{tagTask("on-tag"), {Name: "broken", Action: "a", Enabled: true}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// The failed receive waits before retrying.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 2); err != nil {
		t.Fatalf("Expected the receive backoff and the poll ticker to wait: %v", err)
	}
	clock.Advance(receiveBackoff)

	select {
	case <-receiver.received:
	case <-time.After(5 * time.Second):
		t.Fatal("Trigger messages were not consumed")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	if len(receiver.deleted) != 2 {
		t.Errorf("Expected both messages deleted, got %v", receiver.deleted)
	}
	if d.restored != 1 {
		t.Errorf("Expected restore on start, got %d", d.restored)
	}
	if len(d.dispatched()) != 2 {
		t.Errorf("Expected 2 dispatches, got %+v", d.dispatched())
	}
}
