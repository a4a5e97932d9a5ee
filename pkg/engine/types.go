package engine

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Task is a configured automation: one action applied to the resources a
// tag filter selects, in a set of accounts and regions. Tasks are immutable
// during a dispatch.
type Task struct {
	// Name identifies the task. It is also the value matched in task-list tags.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Action is the registered action identifier.
	Action string `yaml:"action" json:"action" validate:"required"`

	// Enabled controls whether the task is dispatched at all.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Description is free text for operators.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// TagFilter is the tag-filter expression that selects resources.
	TagFilter string `yaml:"tag_filter,omitempty" json:"tag_filter,omitempty"`

	// TaskListTag names the task-list marker tag used when TagFilter is empty.
	TaskListTag string `yaml:"task_list_tag,omitempty" json:"task_list_tag,omitempty"`

	// Parameters are passed to the action after validation.
	Parameters map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Events maps event source to event type to sub-event names.
	Events map[string]map[string][]string `yaml:"events,omitempty" json:"events,omitempty"`

	// Aggregation groups selected resources into invocations.
	Aggregation Aggregation `yaml:"aggregation,omitempty" json:"aggregation,omitempty" validate:"omitempty,oneof=resource account region"`

	// Accounts are the target accounts. ThisAccount adds the engine's own.
	Accounts    []string `yaml:"accounts,omitempty" json:"accounts,omitempty" validate:"dive,len=12,numeric"`
	ThisAccount bool     `yaml:"this_account" json:"this_account"`

	// CrossAccountRoles are role ARNs assumed in the target accounts.
	CrossAccountRoles []string `yaml:"cross_account_roles,omitempty" json:"cross_account_roles,omitempty"`

	// Regions are the target regions; empty means the engine defaults.
	Regions []string `yaml:"regions,omitempty" json:"regions,omitempty"`

	// Timeout overrides the action's completion timeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`

	// MinInterval overrides the action's minimum re-run interval.
	MinInterval time.Duration `yaml:"min_interval,omitempty" json:"min_interval,omitempty" validate:"gte=0"`

	// Schedule is an opaque schedule expression interpreted by the caller.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// Event source and type of tag change notifications.
const (
	EventSourceTag      = "tag"
	EventTypeTagChange  = "Tag Change on Resource"
	EventSourceSchedule = "schedule"
)

// ReactsToTagChanges reports whether tag changes on resourceType trigger
// the task. An empty sub-event list covers every resource type.
func (t *Task) ReactsToTagChanges(resourceType string) bool {
	types, ok := t.Events[EventSourceTag][EventTypeTagChange]
	if !ok {
		return false
	}
	if len(types) == 0 {
		return true
	}
	for _, rt := range types {
		if rt == resourceType {
			return true
		}
	}
	return false
}

// Aggregation is the grouping policy for selected resources.
type Aggregation string

const (
	// AggregationResource creates one invocation per resource.
	AggregationResource Aggregation = "resource"

	// AggregationAccount creates one invocation per account.
	AggregationAccount Aggregation = "account"

	// AggregationRegion creates one invocation per account and region.
	AggregationRegion Aggregation = "region"
)

// TriggerKind identifies what caused a dispatch.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerEvent    TriggerKind = "event"
	TriggerManual   TriggerKind = "manual"
)

// Trigger describes the cause of a dispatch and optionally narrows it.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// Source and Detail name the event for event triggers.
	Source string `json:"source,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Account and Region restrict selection to the event's scope.
	Account string `json:"account,omitempty"`
	Region  string `json:"region,omitempty"`

	// ResourceIDs restrict selection to the named resources.
	ResourceIDs []string `json:"resource_ids,omitempty"`
}

func (t Trigger) String() string {
	if t.Kind == "" {
		return string(TriggerManual)
	}
	return string(t.Kind)
}

// Session is the credential scope of one account.
type Session struct {
	AccountID string
	RoleARN   string
	Config    aws.Config
}

// Scope is the (account, region) pair an action works in.
type Scope struct {
	Account string
	Region  string

	// Session is nil for scopes that need no remote access.
	Session *Session
}

// AWSConfig returns the session's config bound to the scope's region.
func (s Scope) AWSConfig() aws.Config {
	if s.Session == nil {
		return aws.Config{Region: s.Region}
	}
	cfg := s.Session.Config.Copy()
	if s.Region != "" {
		cfg.Region = s.Region
	}
	return cfg
}

// ResourceSnapshot is a point-in-time description of one remote resource.
type ResourceSnapshot struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Account    string                 `json:"account"`
	Region     string                 `json:"region"`
	Tags       map[string]string      `json:"tags,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// InvocationState is the state of one invocation.
type InvocationState string

const (
	InvocationCreated   InvocationState = "created"
	InvocationStarted   InvocationState = "started"
	InvocationPolling   InvocationState = "polling"
	InvocationCompleted InvocationState = "completed"
	InvocationFailed    InvocationState = "failed"
	InvocationTimedOut  InvocationState = "timed_out"
)

// IsTerminal returns true if the state is terminal.
func (s InvocationState) IsTerminal() bool {
	return s == InvocationCompleted || s == InvocationFailed || s == InvocationTimedOut
}

// IsActive returns true if the invocation holds or waits for a slot.
func (s InvocationState) IsActive() bool {
	return s == InvocationCreated || s == InvocationStarted || s == InvocationPolling
}

// StartToken is the opaque value returned by Execute and handed to every
// completion check. It must survive a JSON round trip.
type StartToken map[string]interface{}

// MetricsKey is the token or result data key holding named numeric metrics.
const MetricsKey = "metrics"

// Result is the outcome data of a completed invocation.
type Result struct {
	Data    map[string]interface{} `json:"data,omitempty"`
	Metrics map[string]float64     `json:"metrics,omitempty"`
}

// resultFromToken builds the result of an action without a completion check.
func resultFromToken(token StartToken) *Result {
	return &Result{Data: token, Metrics: numericMetrics(token[MetricsKey])}
}

func numericMetrics(v interface{}) map[string]float64 {
	out := make(map[string]float64)
	switch m := v.(type) {
	case map[string]float64:
		for k, x := range m {
			out[k] = x
		}
	case map[string]int:
		for k, x := range m {
			out[k] = float64(x)
		}
	case map[string]interface{}:
		for k, x := range m {
			switch n := x.(type) {
			case float64:
				out[k] = n
			case int:
				out[k] = float64(n)
			case int64:
				out[k] = float64(n)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Invocation is one action run for one (task, resource group) pair. It is
// mutated only by the state machine that owns it.
type Invocation struct {
	ID      string `json:"id"`
	Task    string `json:"task"`
	Action  string `json:"action"`
	Account string `json:"account"`
	Region  string `json:"region"`
	RoleARN string `json:"role_arn,omitempty"`
	Trigger string `json:"trigger"`

	State     InvocationState        `json:"state"`
	Resources []ResourceSnapshot     `json:"resources"`
	Params    map[string]interface{} `json:"parameters,omitempty"`
	Token     StartToken             `json:"start_token,omitempty"`
	Result    *Result                `json:"result,omitempty"`

	ConcurrencyKey string        `json:"concurrency_key"`
	MaxConcurrency int           `json:"max_concurrency"`
	Timeout        time.Duration `json:"timeout"`

	// Deferrals counts start attempts rejected by the limiter.
	Deferrals int `json:"deferrals"`
	// Polls counts completion checks.
	Polls int `json:"polls"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Error      string     `json:"error,omitempty"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`

	// holdsSlot is true between a successful acquire and the release.
	holdsSlot bool
}

// ResourceIDs returns the identifiers of the invocation's resources.
func (inv *Invocation) ResourceIDs() []string {
	ids := make([]string, len(inv.Resources))
	for i, r := range inv.Resources {
		ids[i] = r.ID
	}
	return ids
}

// HoldsSlot reports whether the invocation currently holds its concurrency slot.
func (inv *Invocation) HoldsSlot() bool {
	return inv.holdsSlot
}

// InvocationResult is the structured record of an invocation that reached
// a terminal state.
type InvocationResult struct {
	InvocationID string                 `json:"invocation_id"`
	Task         string                 `json:"task"`
	Action       string                 `json:"action"`
	Account      string                 `json:"account"`
	Region       string                 `json:"region"`
	ResourceIDs  []string               `json:"resource_ids"`
	State        InvocationState        `json:"state"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Metrics      map[string]float64     `json:"metrics,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorClass   ErrorClass             `json:"error_class,omitempty"`
	Polls        int                    `json:"polls"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
}

// NewInvocationResult builds the result record of a terminal invocation.
func NewInvocationResult(inv *Invocation) InvocationResult {
	r := InvocationResult{
		InvocationID: inv.ID,
		Task:         inv.Task,
		Action:       inv.Action,
		Account:      inv.Account,
		Region:       inv.Region,
		ResourceIDs:  inv.ResourceIDs(),
		State:        inv.State,
		Error:        inv.Error,
		ErrorClass:   inv.ErrorClass,
		Polls:        inv.Polls,
		StartedAt:    inv.StartedAt,
		FinishedAt:   inv.FinishedAt,
	}
	if inv.Result != nil {
		r.Data = inv.Result.Data
		r.Metrics = inv.Result.Metrics
	}
	return r
}

// InvocationHandle describes the invocations created by one dispatch.
type InvocationHandle struct {
	DispatchID    string    `json:"dispatch_id"`
	Task          string    `json:"task"`
	Trigger       string    `json:"trigger"`
	DispatchedAt  time.Time `json:"dispatched_at"`
	InvocationIDs []string  `json:"invocation_ids"`

	// Resources is the number of resources selected after filtering.
	Resources int `json:"resources"`

	// SkippedReason is set when the dispatch created nothing on purpose.
	SkippedReason string `json:"skipped_reason,omitempty"`

	// SkippedAccounts lists accounts without an assumable role.
	SkippedAccounts []string `json:"skipped_accounts,omitempty"`

	// ScopeErrors holds selection failures per "account/region".
	ScopeErrors map[string]string `json:"scope_errors,omitempty"`
}

// Skipped returns true if the dispatch was skipped as a whole.
func (h *InvocationHandle) Skipped() bool {
	return h.SkippedReason != ""
}

// InvocationFilter selects stored invocations.
type InvocationFilter struct {
	Task   string
	States []InvocationState
	Limit  int
}
