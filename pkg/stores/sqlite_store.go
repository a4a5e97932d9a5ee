package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is the storage format of timestamps. Fixed width keeps
// lexical and chronological order the same.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens its own database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if !isMemory(s.path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.path, "?") {
		sep = "&"
	}
	dsn := s.path + sep + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveInvocation inserts or replaces an invocation.
func (s *SQLiteStore) SaveInvocation(ctx context.Context, inv *engine.Invocation) error {
	resources, err := marshalJSON(inv.Resources, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode resources of invocation %s: %w", inv.ID, err)
	}
	params, err := marshalJSON(inv.Params, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode parameters of invocation %s: %w", inv.ID, err)
	}
	token, err := marshalNullableJSON(inv.Token, inv.Token == nil)
	if err != nil {
		return fmt.Errorf("failed to encode start token of invocation %s: %w", inv.ID, err)
	}
	result, err := marshalNullableJSON(inv.Result, inv.Result == nil)
	if err != nil {
		return fmt.Errorf("failed to encode result of invocation %s: %w", inv.ID, err)
	}

	query := `
		INSERT INTO invocations (
			id, task, action, account, region, role_arn, trigger_desc, state,
			resources, params, start_token, result,
			concurrency_key, max_concurrency, timeout_ns, deferrals, polls,
			error, error_class, created_at, started_at, deadline, finished_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			role_arn = excluded.role_arn,
			resources = excluded.resources,
			params = excluded.params,
			start_token = excluded.start_token,
			result = excluded.result,
			concurrency_key = excluded.concurrency_key,
			max_concurrency = excluded.max_concurrency,
			timeout_ns = excluded.timeout_ns,
			deferrals = excluded.deferrals,
			polls = excluded.polls,
			error = excluded.error,
			error_class = excluded.error_class,
			started_at = excluded.started_at,
			deadline = excluded.deadline,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		inv.ID,
		inv.Task,
		inv.Action,
		inv.Account,
		inv.Region,
		inv.RoleARN,
		inv.Trigger,
		string(inv.State),
		resources,
		params,
		token,
		result,
		inv.ConcurrencyKey,
		inv.MaxConcurrency,
		int64(inv.Timeout),
		inv.Deferrals,
		inv.Polls,
		inv.Error,
		string(inv.ErrorClass),
		formatTime(inv.CreatedAt),
		formatNullableTime(inv.StartedAt),
		formatNullableTime(inv.Deadline),
		formatNullableTime(inv.FinishedAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save invocation: %w", err)
	}
	return nil
}

const invocationColumns = `
	id, task, action, account, region, role_arn, trigger_desc, state,
	resources, params, start_token, result,
	concurrency_key, max_concurrency, timeout_ns, deferrals, polls,
	error, error_class, created_at, started_at, deadline, finished_at
`

// GetInvocation retrieves an invocation by ID
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*engine.Invocation, error) {
	query := `SELECT ` + invocationColumns + ` FROM invocations WHERE id = ?`

	inv, err := scanInvocation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("invocation not found: "+id, err).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations lists invocations matching filter, newest first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, filter engine.InvocationFilter) ([]*engine.Invocation, error) {
	query := `SELECT ` + invocationColumns + ` FROM invocations WHERE 1=1`
	var args []interface{}

	if filter.Task != "" {
		query += " AND task = ?"
		args = append(args, filter.Task)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*engine.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invocations: %w", err)
	}

	return invocations, nil
}

// PruneInvocations deletes terminal invocations finished before the given
// time.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, finishedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM invocations
		WHERE finished_at IS NOT NULL AND finished_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(finishedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to prune invocations: %w", err)
	}

	return result.RowsAffected()
}

// LastDispatch returns the last dispatch time of task.
func (s *SQLiteStore) LastDispatch(ctx context.Context, task string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT last_dispatched_at FROM task_runs WHERE task = ?`, task).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get last dispatch: %w", err)
	}

	at, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// RecordDispatch stores at as the last dispatch time of task.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, task string, at time.Time) error {
	query := `
		INSERT INTO task_runs (task, last_dispatched_at, dispatch_count)
		VALUES (?, ?, 1)
		ON CONFLICT(task) DO UPDATE SET
			last_dispatched_at = excluded.last_dispatched_at,
			dispatch_count = task_runs.dispatch_count + 1
	`

	if _, err := s.db.ExecContext(ctx, query, task, formatTime(at)); err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// ListTaskRuns lists the dispatch history of all tasks.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task, last_dispatched_at, dispatch_count FROM task_runs ORDER BY task`)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run := &TaskRun{}
		var at string
		if err := rows.Scan(&run.Task, &at, &run.DispatchCount); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		if run.LastDispatchedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}

	return runs, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	data, err := marshalNullableJSON(event.Data, len(event.Data) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	query := `
		INSERT OR IGNORE INTO events (id, type, level, task, invocation_id, account, region, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Level,
		event.Task,
		event.InvocationID,
		event.Account,
		event.Region,
		event.Message,
		data,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events with optional filtering, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]telemetry.Event, error) {
	query := `
		SELECT id, type, level, task, invocation_id, account, region, message, data, timestamp
		FROM events
		WHERE 1=1
	`
	var args []interface{}

	if filter.Task != "" {
		query += " AND task = ?"
		args = append(args, filter.Task)
	}
	if filter.InvocationID != "" {
		query += " AND invocation_id = ?"
		args = append(args, filter.InvocationID)
	}
	if filter.Level != "" {
		query += " AND level = ?"
		args = append(args, filter.Level)
	}

	query += " ORDER BY timestamp ASC, id"
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var e telemetry.Event
		var data sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.Type, &e.Level, &e.Task, &e.InvocationID,
			&e.Account, &e.Region, &e.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode data of event %s: %w", e.ID, err)
			}
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSubscriber returns a subscriber persisting published events.
// Write failures are logged and dropped.
func (s *SQLiteStore) EventSubscriber(ctx context.Context, logger *telemetry.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if err := s.AppendEvent(ctx, event); err != nil && logger != nil {
			logger.WithError(err).Warnf("Failed to persist %s event", event.Type)
		}
	}
}

// HealthCheck verifies the database is accessible
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvocation(row rowScanner) (*engine.Invocation, error) {
	inv := &engine.Invocation{}
	var (
		state, errorClass               string
		resources, params               string
		token, result                   sql.NullString
		timeout                         int64
		createdAt                       string
		startedAt, deadline, finishedAt sql.NullString
	)

	err := row.Scan(
		&inv.ID,
		&inv.Task,
		&inv.Action,
		&inv.Account,
		&inv.Region,
		&inv.RoleARN,
		&inv.Trigger,
		&state,
		&resources,
		&params,
		&token,
		&result,
		&inv.ConcurrencyKey,
		&inv.MaxConcurrency,
		&timeout,
		&inv.Deferrals,
		&inv.Polls,
		&inv.Error,
		&errorClass,
		&createdAt,
		&startedAt,
		&deadline,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.State = engine.InvocationState(state)
	inv.ErrorClass = engine.ErrorClass(errorClass)
	inv.Timeout = time.Duration(timeout)

	if err := json.Unmarshal([]byte(resources), &inv.Resources); err != nil {
		return nil, fmt.Errorf("failed to decode resources of invocation %s: %w", inv.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &inv.Params); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of invocation %s: %w", inv.ID, err)
	}
	if token.Valid {
		if err := json.Unmarshal([]byte(token.String), &inv.Token); err != nil {
			return nil, fmt.Errorf("failed to decode start token of invocation %s: %w", inv.ID, err)
		}
	}
	if result.Valid {
		inv.Result = &engine.Result{}
		if err := json.Unmarshal([]byte(result.String), inv.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of invocation %s: %w", inv.ID, err)
		}
	}

	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inv.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if inv.Deadline, err = parseNullableTime(deadline); err != nil {
		return nil, err
	}
	if inv.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
		return nil, err
	}
	return inv, nil
}

func marshalJSON(v interface{}, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func marshalNullableJSON(v interface{}, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
