// Package ec2settags implements the action setting tags on EC2 instances.
// Writes go through the event loop guard so a task never re-triggers itself
// with its own tags.
package ec2settags

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsautomator/opsautomator/pkg/actions"
	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/providers/ec2tags"
	"github.com/opsautomator/opsautomator/pkg/retry"
	"github.com/opsautomator/opsautomator/pkg/tagging"
)

// Name is the registry identifier of the action.
const Name = "ec2-set-tags"

// Parameters of the action.
type Parameters struct {
	// Tags is a "name=value,..." list. Values may use the placeholders
	// {task}, {account}, {region} and {resource}; "{delete}" removes a tag.
	Tags string `yaml:"Tags" validate:"required"`

	// CopyTagsToVolumes is a tag filter set selecting instance tags copied
	// to the attached EBS volumes.
	CopyTagsToVolumes string `yaml:"CopyTagsToVolumes"`
}

// Store is the tag backend of one scope.
type Store interface {
	tagging.TagStore
	Instances(ctx context.Context, ids []string) ([]engine.ResourceSnapshot, error)
}

// StoreFactory returns the store of a scope.
type StoreFactory func(scope engine.Scope) Store

// Action sets tags on the selected instances.
type Action struct {
	stores StoreFactory
	guard  *tagging.EventLoopGuard
}

var _ engine.Action = (*Action)(nil)

// Option configures the action.
type Option func(*Action)

// WithStoreFactory replaces the EC2 store factory.
func WithStoreFactory(f StoreFactory) Option {
	return func(a *Action) {
		a.stores = f
	}
}

// New creates the action. EC2 calls are retried through rc.
func New(guard *tagging.EventLoopGuard, rc *retry.Client, opts ...Option) *Action {
	if guard == nil {
		guard = tagging.NewEventLoopGuard(nil, nil)
	}
	a := &Action{
		guard: guard,
		stores: func(scope engine.Scope) Store {
			return ec2tags.NewStoreForScope(scope, rc)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Action) Info() engine.ActionInfo {
	return engine.ActionInfo{
		Name:              Name,
		Service:           ec2tags.Service,
		ResourceType:      ec2tags.ResourceTypeInstance,
		Description:       "Set tags on EC2 instances",
		CompletionTimeout: 5 * time.Minute,
		Aggregation:       engine.AggregationRegion,
	}
}

func decode(params map[string]interface{}) (Parameters, *tagging.FilterSet, error) {
	var p Parameters
	if err := actions.DecodeParameters(Name, params, &p); err != nil {
		return p, nil, err
	}
	if _, err := tagging.ParseTagList(p.Tags); err != nil {
		return p, nil, engine.NewConfigurationError("invalid Tags", err).WithCode(engine.ErrCodeValidation)
	}
	var copySet *tagging.FilterSet
	if strings.TrimSpace(p.CopyTagsToVolumes) != "" {
		fs, err := tagging.NewFilterSet(p.CopyTagsToVolumes)
		if err != nil {
			return p, nil, engine.NewConfigurationError("invalid CopyTagsToVolumes", err).WithCode(engine.ErrCodeValidation)
		}
		copySet = fs
	}
	return p, copySet, nil
}

func (a *Action) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	p, _, err := decode(params)
	if err != nil {
		return nil, err
	}
	return actions.EncodeParameters(p)
}

func (a *Action) Select(ctx context.Context, scope engine.Scope, task *engine.Task) ([]engine.ResourceSnapshot, error) {
	return a.stores(scope).Instances(ctx, nil)
}

func (a *Action) ConcurrencyKey(req *engine.Request) string {
	return fmt.Sprintf("%s:%s:%s", ec2tags.Service, req.Scope.Account, req.Scope.Region)
}

// MaxConcurrency is unbounded; the engine's ec2 service limit applies.
func (a *Action) MaxConcurrency(map[string]interface{}) int {
	return 0
}

// Execute writes the tags to every instance of the request and copies the
// selected instance tags to the attached volumes.
func (a *Action) Execute(ctx context.Context, req *engine.Request) (engine.StartToken, error) {
	p, copySet, err := decode(req.Params)
	if err != nil {
		return nil, err
	}

	instanceTrigger, err := engine.GuardTrigger(req.Task, ec2tags.ResourceTypeInstance)
	if err != nil {
		return nil, err
	}
	volumeTrigger, err := engine.GuardTrigger(req.Task, ec2tags.ResourceTypeVolume)
	if err != nil {
		return nil, err
	}
	store := a.stores(req.Scope)
	instances := tagging.NewGuardedWriter(store, a.guard, instanceTrigger)
	volumes := tagging.NewGuardedWriter(store, a.guard, volumeTrigger)

	var written, deleted, suppressed, copied int
	ids := make([]string, 0, len(req.Resources))
	for _, r := range req.Resources {
		ids = append(ids, r.ID)

		ops, err := tagging.ParseTagList(expand(p.Tags, req, r.ID))
		if err != nil {
			return nil, err
		}
		res, err := instances.SetTags(ctx, r.ID, ops)
		if err != nil {
			return nil, err
		}
		written += res.Written
		deleted += res.Deleted
		if res.Suppressed {
			suppressed++
		}

		if copySet == nil {
			continue
		}
		pairs := copySet.PairsMatchingAnyFilter(r.Tags)
		if len(pairs) == 0 {
			continue
		}
		for _, vol := range stringList(r.Attributes[ec2tags.AttrVolumeIDs]) {
			res, err := volumes.SetTags(ctx, vol, tagging.TagOps(pairs))
			if err != nil {
				return nil, err
			}
			copied += res.Written
			if res.Suppressed {
				suppressed++
			}
		}
	}

	req.Logger.Infof("Set tags %s on %s", p.Tags, strings.Join(ids, ","))
	return engine.StartToken{
		"account":   req.Scope.Account,
		"region":    req.Scope.Region,
		"task":      req.Task.Name,
		"resources": ids,
		engine.MetricsKey: map[string]interface{}{
			"Resources":  len(ids),
			"Tags":       written,
			"Deleted":    deleted,
			"Copied":     copied,
			"Suppressed": suppressed,
		},
	}, nil
}

// expand replaces the placeholders of a tag list.
func expand(s string, req *engine.Request, resourceID string) string {
	return strings.NewReplacer(
		"{task}", req.Task.Name,
		"{account}", req.Scope.Account,
		"{region}", req.Scope.Region,
		"{resource}", resourceID,
	).Replace(s)
}

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
