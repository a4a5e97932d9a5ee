package stores

import (
	"context"
	"time"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// TaskRun is the dispatch history of a task.
type TaskRun struct {
	Task             string    `json:"task"`
	LastDispatchedAt time.Time `json:"last_dispatched_at"`
	DispatchCount    int       `json:"dispatch_count"`
}

// EventFilter selects stored events.
type EventFilter struct {
	Task         string
	InvocationID string
	Level        string
	Limit        int
	Offset       int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.InvocationStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Task runs
	ListTaskRuns(ctx context.Context) ([]*TaskRun, error)

	// Invocation housekeeping
	PruneInvocations(ctx context.Context, finishedBefore time.Time) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event telemetry.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]telemetry.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
