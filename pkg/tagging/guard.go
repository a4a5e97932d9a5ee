package tagging

import (
	"strings"

	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// Trigger describes how a task is started by tag changes on the resources
// it writes to.
type Trigger struct {
	// TaskName is the name of the task issuing the write.
	TaskName string

	// TagChangeEnabled is true when the task subscribes to tag change events
	// for the resource type being written.
	TagChangeEnabled bool

	// Filter is the task's tag filter, nil when the task has none.
	Filter *Expression

	// TaskListTag is the name of the tag holding the list of tasks to run
	// for a resource. Only consulted when Filter is nil.
	TaskListTag string
}

// EventLoopGuard suppresses tag writes that would re-trigger the task that
// issues them.
type EventLoopGuard struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewEventLoopGuard creates a guard. Both arguments may be nil.
func NewEventLoopGuard(logger *telemetry.Logger, metrics *telemetry.Metrics) *EventLoopGuard {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &EventLoopGuard{
		logger:  logger.NewComponentLogger("event_loop_guard"),
		metrics: metrics,
	}
}

// FilterSafeTagWrite checks a proposed write against the tags on the
// resource at write time. When the write is safe it is returned unchanged.
// When it would re-trigger the task the result is nil and suppressed is true.
// current is never modified.
func (g *EventLoopGuard) FilterSafeTagWrite(current map[string]string, ops TagOps, trigger Trigger) (TagOps, bool) {
	if !trigger.TagChangeEnabled || len(ops) == 0 {
		return ops, false
	}

	changes := Classify(current, ops)
	if changes.Empty() {
		return ops, false
	}
	projected := Project(current, changes)

	if trigger.Filter != nil {
		var used []string
		for _, k := range changes.Keys() {
			if trigger.Filter.References(k) {
				used = append(used, k)
			}
		}
		if len(used) > 0 && trigger.Filter.Matches(projected) {
			g.logger.WithFields(map[string]interface{}{
				"task":       trigger.TaskName,
				"tag_filter": trigger.Filter.String(),
				"tags":       strings.Join(used, ","),
			}).Warn("Tag write suppressed, new tags would match the task tag filter and trigger the task again")
			g.metrics.RecordLoopSuppressed(trigger.TaskName)
			return nil, true
		}
		return ops, false
	}

	if trigger.TaskListTag == "" {
		return ops, false
	}
	_, added := changes.Added[trigger.TaskListTag]
	_, updated := changes.Updated[trigger.TaskListTag]
	if (added || updated) && TaskListContains(projected[trigger.TaskListTag], trigger.TaskName) {
		g.logger.WithFields(map[string]interface{}{
			"task":          trigger.TaskName,
			"task_list_tag": trigger.TaskListTag,
			"task_list":     projected[trigger.TaskListTag],
		}).Warn("Tag write suppressed, task list tag would contain the task and trigger it again")
		g.metrics.RecordLoopSuppressed(trigger.TaskName)
		return nil, true
	}

	return ops, false
}
