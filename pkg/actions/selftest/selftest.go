// Package selftest implements a synthetic action that exercises the
// dispatcher, the limiter and the invocation lifecycle without calling any
// provider. Resources, failures and durations are driven by parameters.
package selftest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opsautomator/opsautomator/pkg/actions"
	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/tagging"
)

const (
	// Name is the registry identifier of the action.
	Name = "selftest"

	// Service is the concurrency service of the action.
	Service = "opsautomatortest"

	// ResourceType of the synthetic resources.
	ResourceType = "test:resource"

	// MaxResources bounds resource indexes in resource set specs.
	MaxResources = 1000
)

// Token keys.
const (
	tokenProcessed     = "processed-resources"
	tokenStarted       = "execution-started"
	tokenFinished      = "execution-finished"
	tokenCompletionDue = "completion-due"
)

// ResourceID returns the id of the synthetic resource with index i.
func ResourceID(i int) string {
	return fmt.Sprintf("res-%016d", i)
}

// Parameters of the action. Resource sets are specs like "0-9,12".
type Parameters struct {
	TestName          string `yaml:"TestName"`
	TestResources     string `yaml:"TestResources" validate:"required"`
	TestResourcesTags string `yaml:"TestResourcesTags"`
	SelectFailing     bool   `yaml:"SelectFailing"`

	// ExecuteDuration is the time Execute takes, in seconds.
	ExecuteDuration      int    `yaml:"ExecuteDuration" validate:"gte=0"`
	FailExecuteResources string `yaml:"FailExecuteResources"`

	CompletionCheckFailing string `yaml:"CompletionCheckFailing"`
	// CompletionCheckDuration is the time from start until the completion
	// check reports done, in seconds.
	CompletionCheckDuration int  `yaml:"CompletionCheckDuration" validate:"gte=0"`
	HasCompletion           bool `yaml:"HasCompletion"`

	MaxConcurrent int `yaml:"MaxConcurrent" validate:"gte=0"`
}

func defaultParameters() Parameters {
	return Parameters{HasCompletion: true}
}

func decode(params map[string]interface{}) (Parameters, error) {
	p := defaultParameters()
	if err := actions.DecodeParameters(Name, params, &p); err != nil {
		return p, err
	}
	for name, spec := range map[string]string{
		"TestResources":          p.TestResources,
		"FailExecuteResources":   p.FailExecuteResources,
		"CompletionCheckFailing": p.CompletionCheckFailing,
	} {
		if _, err := ParseResourceSet(spec); err != nil {
			return p, engine.NewConfigurationError(fmt.Sprintf("invalid %s %q", name, spec), err).
				WithCode(engine.ErrCodeValidation)
		}
	}
	if _, err := tagging.ParseTagList(p.TestResourcesTags); err != nil {
		return p, engine.NewConfigurationError("invalid TestResourcesTags", err).WithCode(engine.ErrCodeValidation)
	}
	return p, nil
}

// Action is the self-test action.
type Action struct {
	clock clockwork.Clock
}

var (
	_ engine.Action            = (*Action)(nil)
	_ engine.CompletionChecker = (*Action)(nil)
	_ engine.CompletionDecider = (*Action)(nil)
)

// New creates the action. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Action {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Action{clock: clock}
}

func (a *Action) Info() engine.ActionInfo {
	return engine.ActionInfo{
		Name:              Name,
		Service:           Service,
		ResourceType:      ResourceType,
		Description:       "Synthetic action testing the ops automator core",
		CompletionTimeout: 15 * time.Minute,
		Aggregation:       engine.AggregationResource,
	}
}

func (a *Action) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	p, err := decode(params)
	if err != nil {
		return nil, err
	}
	return actions.EncodeParameters(p)
}

// Select returns the resources named by TestResources, tagged with
// TestResourcesTags.
func (a *Action) Select(ctx context.Context, scope engine.Scope, task *engine.Task) ([]engine.ResourceSnapshot, error) {
	p, err := decode(task.Parameters)
	if err != nil {
		return nil, err
	}
	if p.SelectFailing {
		return nil, engine.NewPermanentError("select failing by request", nil)
	}

	indexes, _ := ParseResourceSet(p.TestResources)
	tags, _ := tagging.ParseTagList(p.TestResourcesTags)

	out := make([]engine.ResourceSnapshot, 0, len(indexes))
	for _, i := range indexes {
		resTags := make(map[string]string, len(tags))
		for k, v := range tags {
			resTags[k] = v
		}
		out = append(out, engine.ResourceSnapshot{
			ID:      ResourceID(i),
			Type:    ResourceType,
			Account: scope.Account,
			Region:  scope.Region,
			Tags:    resTags,
		})
	}
	return out, nil
}

func (a *Action) ConcurrencyKey(req *engine.Request) string {
	return Service + ":" + req.Scope.Account
}

func (a *Action) MaxConcurrency(params map[string]interface{}) int {
	p, err := decode(params)
	if err != nil {
		return 0
	}
	return p.MaxConcurrent
}

// Execute fails when a resource is in FailExecuteResources, and otherwise
// takes ExecuteDuration before returning.
func (a *Action) Execute(ctx context.Context, req *engine.Request) (engine.StartToken, error) {
	p, err := decode(req.Params)
	if err != nil {
		return nil, err
	}
	start := a.clock.Now()

	failing := resourceSet(p.FailExecuteResources)
	processed := make([]string, 0, len(req.Resources))
	for _, r := range req.Resources {
		req.Logger.Debugf("Executing test action for resource %s", r.ID)
		if failing[r.ID] {
			return nil, fmt.Errorf("execution for resource %s failed", r.ID)
		}
		processed = append(processed, r.ID)
	}

	if p.ExecuteDuration > 0 {
		select {
		case <-a.clock.After(time.Duration(p.ExecuteDuration) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	finished := a.clock.Now()
	return engine.StartToken{
		tokenProcessed:     processed,
		tokenStarted:       start.UTC().Format(time.RFC3339Nano),
		tokenFinished:      finished.UTC().Format(time.RFC3339Nano),
		tokenCompletionDue: finished.Add(time.Duration(p.CompletionCheckDuration) * time.Second).UTC().Format(time.RFC3339Nano),
		engine.MetricsKey:  map[string]interface{}{"Resources": len(processed)},
	}, nil
}

// HasCompletion reports whether invocations with params are checked for
// completion. Without the check they complete when Execute returns.
func (a *Action) HasCompletion(params map[string]interface{}) bool {
	p, err := decode(params)
	if err != nil {
		// Let the check report the invalid parameters.
		return true
	}
	return p.HasCompletion
}

// IsCompleted fails when a processed resource is in CompletionCheckFailing
// and reports done once CompletionCheckDuration has passed since Execute
// returned.
func (a *Action) IsCompleted(ctx context.Context, req *engine.Request, token engine.StartToken) engine.PollOutcome {
	p, err := decode(req.Params)
	if err != nil {
		return engine.Failed(err)
	}
	processed := stringList(token[tokenProcessed])
	result := engine.Result{
		Data:    map[string]interface{}{tokenProcessed: processed},
		Metrics: map[string]float64{"Resources": float64(len(processed))},
	}
	failing := resourceSet(p.CompletionCheckFailing)
	for _, id := range processed {
		if failing[id] {
			return engine.Failed(engine.NewPermanentError(fmt.Sprintf("completion check for resource %s failed", id), nil).
				WithCode(engine.ErrCodeCompletionFailed).WithResource(id))
		}
	}

	if s, ok := token[tokenCompletionDue].(string); ok {
		due, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return engine.Failed(fmt.Errorf("invalid start token: %w", err))
		}
		if a.clock.Now().Before(due) {
			return engine.Pending()
		}
	}
	return engine.Done(result)
}

// ParseResourceSet parses a spec of indexes and ranges such as "0-4,7,10-12"
// into sorted distinct indexes below MaxResources.
func ParseResourceSet(spec string) ([]int, error) {
	seen := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.Index(part, "-"); i > 0 {
			lo, hi = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		}
		from, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", lo)
		}
		to, err := strconv.Atoi(hi)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", hi)
		}
		if from < 0 || to >= MaxResources || from > to {
			return nil, fmt.Errorf("invalid range %q, indexes must be in 0-%d", part, MaxResources-1)
		}
		for i := from; i <= to; i++ {
			seen[i] = true
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func resourceSet(spec string) map[string]bool {
	indexes, _ := ParseResourceSet(spec)
	set := make(map[string]bool, len(indexes))
	for _, i := range indexes {
		set[ResourceID(i)] = true
	}
	return set
}

// stringList reads a string list from a token value, which is []string
// before and []interface{} after a JSON round trip.
func stringList(v interface{}) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []interface{}:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
