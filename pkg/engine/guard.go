package engine

import (
	"github.com/opsautomator/opsautomator/pkg/tagging"
)

// ParseTagFilter parses the task's tag filter. A malformed expression is a
// configuration error.
func ParseTagFilter(task *Task) (*tagging.Expression, error) {
	expr, err := tagging.ParseExpression(task.TagFilter)
	if err != nil {
		return nil, NewConfigurationError("invalid tag filter of task "+task.Name, err).
			WithCode(ErrCodeInvalidFilter)
	}
	return expr, nil
}

// GuardTrigger returns the event loop guard trigger of a task writing tags
// on resources of resourceType.
func GuardTrigger(task *Task, resourceType string) (tagging.Trigger, error) {
	filter, err := ParseTagFilter(task)
	if err != nil {
		return tagging.Trigger{}, err
	}
	return tagging.Trigger{
		TaskName:         task.Name,
		TagChangeEnabled: task.ReactsToTagChanges(resourceType),
		Filter:           filter,
		TaskListTag:      task.TaskListTag,
	}, nil
}
