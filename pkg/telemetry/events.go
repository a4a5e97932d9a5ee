package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification about a dispatch or an invocation.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Task is the task name.
	Task string `json:"task,omitempty"`

	// InvocationID is the invocation the event belongs to, if any.
	InvocationID string `json:"invocation_id,omitempty"`

	// Account and Region scope the event.
	Account string `json:"account,omitempty"`
	Region  string `json:"region,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeTaskDispatched     = "task.dispatched"
	EventTypeTaskSkipped        = "task.skipped"
	EventTypeInvocationDeferred = "invocation.deferred"
	EventTypeInvocationStarted  = "invocation.started"
	EventTypeInvocationFinished = "invocation.finished"
	EventTypeRoleMiss           = "account.role_miss"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// buffered and delivered from a single goroutine in publish order; a full
// buffer drops the event and reports an error to the publisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

// PublishDispatched publishes a task dispatch event.
func (ep *EventPublisher) PublishDispatched(task, trigger string, resources, invocations int) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskDispatched,
		Task:    task,
		Message: fmt.Sprintf("Task %s dispatched by %s: %d resources in %d invocations", task, trigger, resources, invocations),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"trigger":     trigger,
			"resources":   resources,
			"invocations": invocations,
		},
	})
}

// PublishSkipped publishes an event for a dispatch that did not run.
func (ep *EventPublisher) PublishSkipped(task, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskSkipped,
		Task:    task,
		Message: fmt.Sprintf("Task %s skipped: %s", task, reason),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishInvocationStarted publishes an event for an executed invocation.
func (ep *EventPublisher) PublishInvocationStarted(task, invocationID, account, region string) error {
	return ep.Publish(Event{
		Type:         EventTypeInvocationStarted,
		Task:         task,
		InvocationID: invocationID,
		Account:      account,
		Region:       region,
		Message:      fmt.Sprintf("Invocation %s of task %s started", invocationID, task),
		Level:        EventLevelInfo,
	})
}

// PublishInvocationDeferred publishes an event for a start deferred by the limiter.
func (ep *EventPublisher) PublishInvocationDeferred(task, invocationID, key string) error {
	return ep.Publish(Event{
		Type:         EventTypeInvocationDeferred,
		Task:         task,
		InvocationID: invocationID,
		Message:      fmt.Sprintf("Invocation %s deferred, concurrency key %s is saturated", invocationID, key),
		Level:        EventLevelInfo,
		Data:         map[string]interface{}{"concurrency_key": key},
	})
}

// PublishInvocationFinished publishes a terminal invocation event.
func (ep *EventPublisher) PublishInvocationFinished(task, invocationID, account, region, state, reason string) error {
	level := EventLevelInfo
	msg := fmt.Sprintf("Invocation %s of task %s finished: %s", invocationID, task, state)
	if reason != "" {
		level = EventLevelError
		msg = fmt.Sprintf("%s (%s)", msg, reason)
	}
	return ep.Publish(Event{
		Type:         EventTypeInvocationFinished,
		Task:         task,
		InvocationID: invocationID,
		Account:      account,
		Region:       region,
		Message:      msg,
		Level:        level,
		Data: map[string]interface{}{
			"state":  state,
			"reason": reason,
		},
	})
}

// PublishRoleMiss publishes an event for an account skipped for lack of a role.
func (ep *EventPublisher) PublishRoleMiss(task, account string) error {
	return ep.Publish(Event{
		Type:    EventTypeRoleMiss,
		Task:    task,
		Account: account,
		Message: fmt.Sprintf("No role could be assumed in account %s, skipped", account),
		Level:   EventLevelWarning,
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
			ep.drain(ep.config.MaxBatchSize - 1)
		case <-ep.ctx.Done():
			ep.drain(len(ep.buffer))
			return
		}
	}
}

// drain delivers up to n buffered events without blocking.
func (ep *EventPublisher) drain(n int) {
	for i := 0; i < n; i++ {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		default:
			return
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTask creates a filter that only allows events for one task.
func FilterByTask(task string) EventFilter {
	return func(event Event) bool {
		return event.Task == task
	}
}
