package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeAction is a configurable synchronous action.
type fakeAction struct {
	mu sync.Mutex

	info      ActionInfo
	resources map[string][]ResourceSnapshot // keyed by "account/region"
	selectErr map[string]error
	panicIn   string

	key        string
	max        int
	executeErr error
	validate   func(map[string]interface{}) (map[string]interface{}, error)

	selects  int
	executed []string
}

func newFakeAction(name string) *fakeAction {
	return &fakeAction{
		info: ActionInfo{
			Name:         name,
			Service:      "ec2",
			ResourceType: "ec2:instance",
		},
		resources: make(map[string][]ResourceSnapshot),
		selectErr: make(map[string]error),
	}
}

func (a *fakeAction) Info() ActionInfo { return a.info }

func (a *fakeAction) Select(_ context.Context, scope Scope, _ *Task) ([]ResourceSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selects++
	key := scope.Account + "/" + scope.Region
	if a.panicIn == key {
		panic("select exploded")
	}
	if err := a.selectErr[key]; err != nil {
		return nil, err
	}
	return a.resources[key], nil
}

func (a *fakeAction) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	if a.validate != nil {
		return a.validate(params)
	}
	return params, nil
}

func (a *fakeAction) Execute(_ context.Context, req *Request) (StartToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.panicIn == "execute" {
		panic("execute exploded")
	}
	a.executed = append(a.executed, req.InvocationID)
	if a.executeErr != nil {
		return nil, a.executeErr
	}
	return StartToken{
		"resources": len(req.Resources),
		MetricsKey:  map[string]interface{}{"processed": float64(len(req.Resources))},
	}, nil
}

func (a *fakeAction) ConcurrencyKey(*Request) string { return a.key }

func (a *fakeAction) MaxConcurrency(map[string]interface{}) int { return a.max }

func (a *fakeAction) executions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.executed)
}

// pollingAction adds a completion check and a failure hook to fakeAction.
type pollingAction struct {
	*fakeAction

	poll     func(req *Request, token StartToken) PollOutcome
	failures []error
	polls    int
}

func newPollingAction(name string, poll func(*Request, StartToken) PollOutcome) *pollingAction {
	return &pollingAction{fakeAction: newFakeAction(name), poll: poll}
}

func (a *pollingAction) IsCompleted(_ context.Context, req *Request, token StartToken) PollOutcome {
	a.mu.Lock()
	a.polls++
	a.mu.Unlock()
	return a.poll(req, token)
}

func (a *pollingAction) OnFailure(_ context.Context, _ *Request, _ StartToken, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, err)
}

func (a *pollingAction) failureCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

// fakeResolver returns sessions for known accounts and nil for the rest.
type fakeResolver struct {
	mu       sync.Mutex
	missing  map[string]bool
	failing  map[string]error
	resolved []string
}

func (r *fakeResolver) Resolve(_ context.Context, account string, _ []string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, account)
	if err := r.failing[account]; err != nil {
		return nil, err
	}
	if r.missing[account] {
		return nil, nil
	}
	return &Session{AccountID: account, RoleARN: fmt.Sprintf("arn:aws:iam::%s:role/Test", account)}, nil
}

func (r *fakeResolver) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolved)
}

// memoryStore is an in-memory InvocationStore.
type memoryStore struct {
	mu          sync.Mutex
	invocations map[string]Invocation
	dispatches  map[string]time.Time
	saves       int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		invocations: make(map[string]Invocation),
		dispatches:  make(map[string]time.Time),
	}
}

func (s *memoryStore) SaveInvocation(_ context.Context, inv *Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	cp := *inv
	cp.holdsSlot = false
	s.invocations[inv.ID] = cp
	return nil
}

func (s *memoryStore) GetInvocation(_ context.Context, id string) (*Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &inv, nil
}

func (s *memoryStore) ListInvocations(_ context.Context, filter InvocationFilter) ([]*Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Invocation
	for _, inv := range s.invocations {
		if filter.Task != "" && inv.Task != filter.Task {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, st := range filter.States {
				if inv.State == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		cp := inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) LastDispatch(_ context.Context, task string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.dispatches[task]
	return at, ok, nil
}

func (s *memoryStore) RecordDispatch(_ context.Context, task string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatches[task] = at
	return nil
}

func (s *memoryStore) get(id string) Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invocations[id]
}

func snapshot(id, account, region string, tags map[string]string) ResourceSnapshot {
	return ResourceSnapshot{ID: id, Type: "ec2:instance", Account: account, Region: region, Tags: tags}
}
