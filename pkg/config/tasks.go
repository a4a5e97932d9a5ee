package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/opsautomator/opsautomator/pkg/credentials"
	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// TaskSource provides the current task definitions.
type TaskSource interface {
	LoadTasks(ctx context.Context) ([]*engine.Task, error)
}

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// TaskLoader loads task definitions from a YAML file or a directory of
// YAML files.
type TaskLoader struct {
	path   string
	logger *telemetry.Logger

	mu      sync.RWMutex
	tasks   []*engine.Task
	watcher *fsnotify.Watcher
}

var _ TaskSource = (*TaskLoader)(nil)

// NewTaskLoader creates a loader for path.
func NewTaskLoader(path string, logger *telemetry.Logger) *TaskLoader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &TaskLoader{
		path:   path,
		logger: logger.NewComponentLogger("task-loader").WithField("path", path),
	}
}

// LoadTasks reads, parses and validates all task files.
func (l *TaskLoader) LoadTasks(ctx context.Context) ([]*engine.Task, error) {
	files, err := taskFiles(l.path)
	if err != nil {
		return nil, err
	}

	var tasks []*engine.Task
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read task file %s: %w", file, err)
		}
		parsed, err := ParseTasks(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		tasks = append(tasks, parsed...)
	}

	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}

	for _, w := range FilterWarnings(tasks) {
		l.logger.Warn(w)
	}

	l.mu.Lock()
	l.tasks = tasks
	l.mu.Unlock()

	l.logger.Infof("Loaded %d tasks from %d files", len(tasks), len(files))
	return tasks, nil
}

// Tasks returns the tasks of the last successful load.
func (l *TaskLoader) Tasks() []*engine.Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tasks
}

// Watch reloads the tasks when a task file changes and hands every valid
// reload to reloadFn. Invalid reloads are logged and the previous tasks are
// kept. The watcher stops when ctx is done.
func (l *TaskLoader) Watch(ctx context.Context, reloadFn func([]*engine.Task)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to stat task path: %w", err)
	}

	// Watch the parent of single files so editors that replace the file
	// keep being seen.
	dir := l.path
	if !info.IsDir() {
		dir = filepath.Dir(l.path)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, info.IsDir(), reloadFn)

	l.logger.Info("Watching task definitions")
	return nil
}

// Close stops watching.
func (l *TaskLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

func (l *TaskLoader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, isDir bool, reloadFn func([]*engine.Task)) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isTaskFile(event.Name) {
				continue
			}
			if !isDir && filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}

			l.logger.Debugf("Task file %s changed (%s)", event.Name, event.Op)

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				tasks, err := l.LoadTasks(ctx)
				if err != nil {
					l.logger.WithError(err).Error("Failed to reload tasks, keeping previous definitions")
					return
				}
				reloadFn(tasks)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Warn("Task watcher error")
		}
	}
}

// ParseTasks parses a task document. Tasks are enabled unless the document
// says otherwise, and target the accounts of their cross-account roles.
func ParseTasks(data []byte) ([]*engine.Task, error) {
	var raw struct {
		Tasks []yaml.Node `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse task YAML: %w", err)
	}

	tasks := make([]*engine.Task, 0, len(raw.Tasks))
	for i := range raw.Tasks {
		task := &engine.Task{Enabled: true}
		if err := raw.Tasks[i].Decode(task); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		addRoleAccounts(task)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ValidateTasks checks task fields, names, tag filters and role ARNs.
// Parameters are validated by the actions at dispatch time.
func ValidateTasks(tasks []*engine.Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if err := validate.Struct(task); err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("invalid task %q", task.Name), err).
				WithCode(engine.ErrCodeValidation)
		}
		if seen[task.Name] {
			return engine.NewConfigurationError("duplicate task "+task.Name, nil).
				WithCode(engine.ErrCodeValidation)
		}
		seen[task.Name] = true

		if _, err := engine.ParseTagFilter(task); err != nil {
			return err
		}
		if _, _, err := ScheduleInterval(task); err != nil {
			return err
		}
		for _, roleARN := range task.CrossAccountRoles {
			if _, ok := credentials.AccountFromRoleARN(roleARN); !ok {
				return engine.NewConfigurationError(fmt.Sprintf("invalid role ARN %q in task %s", roleARN, task.Name), nil).
					WithCode(engine.ErrCodeValidation)
			}
		}
	}
	return nil
}

// FilterWarnings returns the tag filter warnings of every task, prefixed
// with the task name. Tasks with invalid filters are skipped.
func FilterWarnings(tasks []*engine.Task) []string {
	var out []string
	for _, task := range tasks {
		expr, err := engine.ParseTagFilter(task)
		if err != nil {
			continue
		}
		for _, w := range expr.Warnings() {
			out = append(out, fmt.Sprintf("task %s: tag filter %s", task.Name, w))
		}
	}
	return out
}

// ScheduleInterval returns the dispatch interval of a scheduled task.
// Schedules are durations such as "6h"; ok is false for unscheduled tasks.
func ScheduleInterval(task *engine.Task) (interval time.Duration, ok bool, err error) {
	if task.Schedule == "" {
		return 0, false, nil
	}
	interval, err = time.ParseDuration(task.Schedule)
	if err != nil || interval < time.Minute {
		return 0, false, engine.NewConfigurationError(
			fmt.Sprintf("invalid schedule %q of task %s, expected a duration of at least 1m", task.Schedule, task.Name), err).
			WithCode(engine.ErrCodeValidation)
	}
	return interval, true, nil
}

// taskFiles returns the YAML files of path in name order.
func taskFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat task path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isTaskFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isTaskFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// FindTask returns the task named name.
func FindTask(tasks []*engine.Task, name string) (*engine.Task, bool) {
	for _, task := range tasks {
		if task.Name == name {
			return task, true
		}
	}
	return nil, false
}

// MatchTasks returns the enabled tasks a trigger dispatches. Manual and
// schedule triggers name their tasks; event triggers match the tasks
// subscribed to the event's source, type and resource type.
func MatchTasks(tasks []*engine.Task, msg *TriggerMessage) []*engine.Task {
	var out []*engine.Task
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if len(msg.Tasks) > 0 {
			if containsString(msg.Tasks, task.Name) {
				out = append(out, task)
			}
			continue
		}
		if msg.Trigger.Kind != engine.TriggerEvent {
			continue
		}
		if msg.Trigger.Source == engine.EventSourceTag && msg.Trigger.Detail == engine.EventTypeTagChange {
			if task.ReactsToTagChanges(msg.ResourceType) {
				out = append(out, task)
			}
			continue
		}
		if subtypes, ok := task.Events[msg.Trigger.Source][msg.Trigger.Detail]; ok {
			if len(subtypes) == 0 || containsString(subtypes, msg.ResourceType) {
				out = append(out, task)
			}
		}
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

// addRoleAccounts adds the accounts of a task's cross-account roles to its
// target accounts.
func addRoleAccounts(task *engine.Task) {
	for _, account := range credentials.Accounts(task.CrossAccountRoles) {
		if !containsString(task.Accounts, account) {
			task.Accounts = append(task.Accounts, account)
		}
	}
}
