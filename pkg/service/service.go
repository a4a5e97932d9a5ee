// Package service runs the ops automator process: it consumes trigger
// messages, dispatches scheduled tasks and advances invocations on every
// poll tick.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opsautomator/opsautomator/pkg/config"
	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

const (
	// pruneInterval is the minimum time between two retention prunes.
	pruneInterval = time.Hour

	// receiveBackoff is the wait after a failed receive.
	receiveBackoff = 5 * time.Second
)

// Dispatcher creates and advances invocations. *engine.Dispatcher
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *engine.Task, trigger engine.Trigger) (*engine.InvocationHandle, error)
	PollDue(ctx context.Context) []engine.InvocationResult
	Restore(ctx context.Context, tasks []*engine.Task) (int, error)
}

var _ Dispatcher = (*engine.Dispatcher)(nil)

// TriggerReceiver delivers trigger messages. *config.TriggerQueue
// implements it.
type TriggerReceiver interface {
	Receive(ctx context.Context) ([]*config.TriggerMessage, error)
	Delete(ctx context.Context, msg *config.TriggerMessage) error
}

var _ TriggerReceiver = (*config.TriggerQueue)(nil)

// Pruner removes finished invocations older than a cutoff.
type Pruner interface {
	PruneInvocations(ctx context.Context, finishedBefore time.Time) (int64, error)
}

// Config configures a Service.
type Config struct {
	// PollInterval is the time between two poll ticks (default 1m).
	PollInterval time.Duration

	// Retention of finished invocations. Zero disables pruning.
	Retention time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Service is the long running automator loop.
type Service struct {
	cfg        Config
	dispatcher Dispatcher
	triggers   TriggerReceiver
	pruner     Pruner
	logger     *telemetry.Logger
	clock      clockwork.Clock

	mu            sync.Mutex
	tasks         []*engine.Task
	lastScheduled map[string]time.Time
	lastPruned    time.Time
}

// New creates a service. triggers and pruner may be nil.
func New(cfg Config, dispatcher Dispatcher, triggers TriggerReceiver, pruner Pruner, logger *telemetry.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Service{
		cfg:           cfg,
		dispatcher:    dispatcher,
		triggers:      triggers,
		pruner:        pruner,
		logger:        logger.NewComponentLogger("service"),
		clock:         cfg.Clock,
		lastScheduled: make(map[string]time.Time),
	}
}

// SetTasks replaces the task definitions. It is safe to call while the
// service runs, e.g. from a task file watcher.
func (s *Service) SetTasks(tasks []*engine.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = tasks

	names := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		names[t.Name] = true
	}
	for name := range s.lastScheduled {
		if !names[name] {
			delete(s.lastScheduled, name)
		}
	}
	s.logger.Infof("Using %d task definitions", len(tasks))
}

// Tasks returns the current task definitions.
func (s *Service) Tasks() []*engine.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks
}

// Run restores the invocations of a previous process and then ticks until
// ctx is done. Trigger messages are consumed in the background.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.dispatcher.Restore(ctx, s.Tasks()); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if s.triggers != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consume(ctx)
		}()
	}

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("Service stopped")
			return nil
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Tick dispatches due scheduled tasks, advances the active invocations and
// prunes old invocations. It returns the invocations that finished.
func (s *Service) Tick(ctx context.Context) []engine.InvocationResult {
	s.RunSchedules(ctx)

	results := s.dispatcher.PollDue(ctx)
	for _, r := range results {
		logger := s.logger.WithTask(r.Task).WithInvocationID(r.InvocationID).WithScope(r.Account, r.Region)
		if r.State == engine.InvocationCompleted {
			logger.Infof("Invocation completed after %d polls", r.Polls)
		} else {
			logger.WithField("error_class", r.ErrorClass).Warnf("Invocation %s: %s", r.State, r.Error)
		}
	}

	s.prune(ctx)
	return results
}

// RunSchedules dispatches every enabled task whose schedule interval has
// passed since its last scheduled dispatch in this process.
func (s *Service) RunSchedules(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*engine.Task
	for _, task := range s.tasks {
		if !task.Enabled {
			continue
		}
		interval, ok, err := config.ScheduleInterval(task)
		if err != nil || !ok {
			continue
		}
		if last, seen := s.lastScheduled[task.Name]; seen && now.Sub(last) < interval {
			continue
		}
		s.lastScheduled[task.Name] = now
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		s.dispatch(ctx, task, engine.Trigger{Kind: engine.TriggerSchedule})
	}
	return len(due)
}

// HandleMessage dispatches the tasks a trigger message matches. It returns
// the number of dispatches made.
func (s *Service) HandleMessage(ctx context.Context, msg *config.TriggerMessage) int {
	matched := config.MatchTasks(s.Tasks(), msg)
	if len(matched) == 0 {
		s.logger.WithField("message_id", msg.MessageID).Debugf("No task matches %s trigger", msg.Trigger)
	}
	for _, task := range matched {
		s.dispatch(ctx, task, msg.Trigger)
	}
	return len(matched)
}

func (s *Service) dispatch(ctx context.Context, task *engine.Task, trigger engine.Trigger) {
	logger := s.logger.WithTask(task.Name).WithField("trigger", trigger.String())

	handle, err := s.dispatcher.Dispatch(ctx, task, trigger)
	if err != nil {
		logger.WithError(err).Error("Dispatch failed")
		return
	}
	if handle.Skipped() {
		logger.Debugf("Dispatch skipped: %s", handle.SkippedReason)
		return
	}
	logger.Infof("Dispatched %d invocations for %d resources", len(handle.InvocationIDs), handle.Resources)
}

// consume receives and handles trigger messages until ctx is done. A
// message is deleted after its dispatches were made, whatever their outcome.
func (s *Service) consume(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := s.triggers.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Errorf("Failed to receive triggers, retrying in %s", receiveBackoff)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(receiveBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			s.HandleMessage(ctx, msg)
			if err := s.triggers.Delete(ctx, msg); err != nil {
				s.logger.WithError(err).Warnf("Failed to delete trigger message %s", msg.MessageID)
			}
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	if s.pruner == nil || s.cfg.Retention <= 0 {
		return
	}
	now := s.clock.Now()
	if !s.lastPruned.IsZero() && now.Sub(s.lastPruned) < pruneInterval {
		return
	}
	s.lastPruned = now

	n, err := s.pruner.PruneInvocations(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		s.logger.WithError(err).Warn("Failed to prune invocations")
		return
	}
	if n > 0 {
		s.logger.Infof("Pruned %d finished invocations", n)
	}
}
