package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testInvocation(id, task string, state engine.InvocationState, created time.Time) *engine.Invocation {
	return &engine.Invocation{
		ID:      id,
		Task:    task,
		Action:  "Ec2SetTags",
		Account: "111111111111",
		Region:  "us-east-1",
		Trigger: "schedule",
		State:   state,
		Resources: []engine.ResourceSnapshot{{
			ID:      "i-1",
			Type:    "ec2:instance",
			Account: "111111111111",
			Region:  "us-east-1",
			Tags:    map[string]string{"Backup": "true"},
		}},
		Params:         map[string]interface{}{"Tags": "Owner=ops"},
		ConcurrencyKey: "Ec2SetTags:111111111111:us-east-1",
		MaxConcurrency: 5,
		Timeout:        time.Hour,
		CreatedAt:      created,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("expected second migration to be a no-op: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"invocations", "task_runs", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestInvocationRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inv := testInvocation("inv-1", "backup", engine.InvocationCreated, t0)
	if err := store.SaveInvocation(ctx, inv); err != nil {
		t.Fatalf("failed to save invocation: %v", err)
	}

	started := t0.Add(time.Minute)
	deadline := started.Add(time.Hour)
	finished := started.Add(10 * time.Minute)
	inv.State = engine.InvocationCompleted
	inv.StartedAt = &started
	inv.Deadline = &deadline
	inv.FinishedAt = &finished
	inv.Polls = 3
	inv.Deferrals = 1
	inv.Token = engine.StartToken{"snapshot": "snap-1"}
	inv.Result = &engine.Result{Data: map[string]interface{}{"snapshot": "snap-1"}, Metrics: map[string]float64{"copied": 2}}
	if err := store.SaveInvocation(ctx, inv); err != nil {
		t.Fatalf("failed to update invocation: %v", err)
	}

	got, err := store.GetInvocation(ctx, "inv-1")
	if err != nil {
		t.Fatalf("failed to get invocation: %v", err)
	}
	if got.State != engine.InvocationCompleted {
		t.Errorf("expected state completed, got %s", got.State)
	}
	if got.Polls != 3 || got.Deferrals != 1 {
		t.Errorf("expected 3 polls and 1 deferral, got %d and %d", got.Polls, got.Deferrals)
	}
	if got.Timeout != time.Hour {
		t.Errorf("expected timeout 1h, got %s", got.Timeout)
	}
	if !got.CreatedAt.Equal(t0) || got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("expected timestamps preserved, got %v and %v", got.CreatedAt, got.StartedAt)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("expected deadline and finish preserved, got %v and %v", got.Deadline, got.FinishedAt)
	}
	if len(got.Resources) != 1 || got.Resources[0].Tags["Backup"] != "true" {
		t.Errorf("expected resources preserved, got %+v", got.Resources)
	}
	if got.Params["Tags"] != "Owner=ops" {
		t.Errorf("expected parameters preserved, got %v", got.Params)
	}
	if got.Token["snapshot"] != "snap-1" {
		t.Errorf("expected start token preserved, got %v", got.Token)
	}
	if got.Result == nil || got.Result.Metrics["copied"] != 2 {
		t.Errorf("expected result preserved, got %+v", got.Result)
	}

	_, err = store.GetInvocation(ctx, "missing")
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestListInvocations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	fixtures := []*engine.Invocation{
		testInvocation("inv-1", "backup", engine.InvocationPolling, t0),
		testInvocation("inv-2", "backup", engine.InvocationCompleted, t0.Add(time.Minute)),
		testInvocation("inv-3", "cleanup", engine.InvocationCreated, t0.Add(2*time.Minute)),
		testInvocation("inv-4", "cleanup", engine.InvocationFailed, t0.Add(3*time.Minute)),
	}
	for _, inv := range fixtures {
		if err := store.SaveInvocation(ctx, inv); err != nil {
			t.Fatalf("failed to save invocation: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter engine.InvocationFilter
		want   []string
	}{
		{"all newest first", engine.InvocationFilter{}, []string{"inv-4", "inv-3", "inv-2", "inv-1"}},
		{"by task", engine.InvocationFilter{Task: "backup"}, []string{"inv-2", "inv-1"}},
		{"active", engine.InvocationFilter{States: []engine.InvocationState{
			engine.InvocationCreated, engine.InvocationStarted, engine.InvocationPolling,
		}}, []string{"inv-3", "inv-1"}},
		{"limit", engine.InvocationFilter{Limit: 1}, []string{"inv-4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListInvocations(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list invocations: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d invocations, got %d", len(tt.want), len(got))
			}
			for i, inv := range got {
				if inv.ID != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], inv.ID)
				}
			}
		})
	}
}

func TestPruneInvocations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := testInvocation("old", "backup", engine.InvocationCompleted, t0)
	oldFinish := t0.Add(time.Minute)
	old.FinishedAt = &oldFinish
	recent := testInvocation("recent", "backup", engine.InvocationFailed, t0)
	recentFinish := t0.Add(48 * time.Hour)
	recent.FinishedAt = &recentFinish
	active := testInvocation("active", "backup", engine.InvocationPolling, t0)

	for _, inv := range []*engine.Invocation{old, recent, active} {
		if err := store.SaveInvocation(ctx, inv); err != nil {
			t.Fatalf("failed to save invocation: %v", err)
		}
	}

	n, err := store.PruneInvocations(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned invocation, got %d", n)
	}
	if _, err := store.GetInvocation(ctx, "old"); err == nil {
		t.Error("expected old invocation to be deleted")
	}
	if _, err := store.GetInvocation(ctx, "active"); err != nil {
		t.Errorf("expected active invocation to remain: %v", err)
	}
}

func TestTaskRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LastDispatch(ctx, "backup"); err != nil || ok {
		t.Fatalf("expected no dispatch yet, got ok=%v err=%v", ok, err)
	}

	if err := store.RecordDispatch(ctx, "backup", t0); err != nil {
		t.Fatalf("failed to record dispatch: %v", err)
	}
	if err := store.RecordDispatch(ctx, "backup", t0.Add(time.Hour)); err != nil {
		t.Fatalf("failed to record dispatch: %v", err)
	}

	at, ok, err := store.LastDispatch(ctx, "backup")
	if err != nil || !ok {
		t.Fatalf("expected last dispatch, got ok=%v err=%v", ok, err)
	}
	if !at.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected %v, got %v", t0.Add(time.Hour), at)
	}

	runs, err := store.ListTaskRuns(ctx)
	if err != nil {
		t.Fatalf("failed to list task runs: %v", err)
	}
	if len(runs) != 1 || runs[0].DispatchCount != 2 {
		t.Errorf("expected one task with 2 dispatches, got %+v", runs)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	publisher.Subscribe(store.EventSubscriber(ctx, telemetry.NewNopLogger()), nil)

	_ = publisher.PublishInvocationStarted("backup", "inv-1", "111111111111", "us-east-1")
	_ = publisher.PublishInvocationFinished("backup", "inv-1", "111111111111", "us-east-1", "failed", "boom")
	_ = publisher.PublishSkipped("cleanup", "task disabled")

	events, err := store.ListEvents(ctx, EventFilter{Task: "backup"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].InvocationID != "inv-1" || events[0].Account != "111111111111" {
		t.Errorf("expected invocation scope preserved, got %+v", events[0])
	}

	errorsOnly, err := store.ListEvents(ctx, EventFilter{Level: telemetry.EventLevelError})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(errorsOnly) != 1 || errorsOnly[0].Type != telemetry.EventTypeInvocationFinished {
		t.Errorf("expected the failed invocation event, got %+v", errorsOnly)
	}

	limited, _ := store.ListEvents(ctx, EventFilter{Limit: 1, Offset: 2})
	if len(limited) != 1 || limited[0].Task != "cleanup" {
		t.Errorf("expected the third event, got %+v", limited)
	}
}
