package engine

import (
	"context"
	"time"

	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// ActionInfo is the static description of an action.
type ActionInfo struct {
	// Name is the registry identifier.
	Name string

	// Service is the provider service the action calls. It keys the
	// engine-wide concurrency caps.
	Service string

	// ResourceType is the resource type the action selects (ec2:instance).
	ResourceType string

	Description string

	// CompletionTimeout bounds the time from start to terminal state.
	CompletionTimeout time.Duration

	// MinInterval is the minimum time between two dispatches of a task.
	MinInterval time.Duration

	// Aggregation is the default grouping when the task sets none.
	Aggregation Aggregation
}

// Request carries everything an action needs for one invocation.
type Request struct {
	InvocationID string
	Task         *Task
	Scope        Scope
	Resources    []ResourceSnapshot
	Params       map[string]interface{}
	Logger       *telemetry.Logger
}

// Action is a pluggable unit implementing one resource operation.
type Action interface {
	// Info returns the static action description.
	Info() ActionInfo

	// Select returns the resources of the action's type in scope.
	Select(ctx context.Context, scope Scope, task *Task) ([]ResourceSnapshot, error)

	// ValidateParameters checks params and returns them with defaults applied.
	ValidateParameters(params map[string]interface{}) (map[string]interface{}, error)

	// Execute starts the operation and returns the token passed to every
	// completion check.
	Execute(ctx context.Context, req *Request) (StartToken, error)

	// ConcurrencyKey returns the limiter key of an invocation.
	ConcurrencyKey(req *Request) string

	// MaxConcurrency returns the number of concurrent invocations allowed
	// per key. Zero or less means unbounded.
	MaxConcurrency(params map[string]interface{}) int
}

// CompletionChecker is implemented by actions whose operation completes
// asynchronously. Without it an invocation completes when Execute returns.
type CompletionChecker interface {
	IsCompleted(ctx context.Context, req *Request, token StartToken) PollOutcome
}

// CompletionDecider is implemented by completion-checking actions that
// only need the check for some parameters. When HasCompletion returns
// false the invocation completes when Execute returns.
type CompletionDecider interface {
	HasCompletion(params map[string]interface{}) bool
}

// FailureHook is implemented by actions that clean up after a terminal
// failure or timeout, such as removing an in-progress marker tag.
type FailureHook interface {
	OnFailure(ctx context.Context, req *Request, token StartToken, err error)
}

// SessionResolver produces the credentials used in one account. A nil
// session without error means no role could be assumed.
type SessionResolver interface {
	Resolve(ctx context.Context, accountID string, roleARNs []string) (*Session, error)
}

// InvocationStore persists invocations and dispatch times.
type InvocationStore interface {
	SaveInvocation(ctx context.Context, inv *Invocation) error
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	ListInvocations(ctx context.Context, filter InvocationFilter) ([]*Invocation, error)
	LastDispatch(ctx context.Context, task string) (time.Time, bool, error)
	RecordDispatch(ctx context.Context, task string, at time.Time) error
}

// EventSink receives dispatch and invocation lifecycle events.
// *telemetry.EventPublisher implements it.
type EventSink interface {
	PublishDispatched(task, trigger string, resources, invocations int) error
	PublishSkipped(task, reason string) error
	PublishInvocationStarted(task, invocationID, account, region string) error
	PublishInvocationDeferred(task, invocationID, key string) error
	PublishInvocationFinished(task, invocationID, account, region, state, reason string) error
	PublishRoleMiss(task, account string) error
}

var _ EventSink = (*telemetry.EventPublisher)(nil)
