package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS goal_runs (
    run_id           TEXT PRIMARY KEY,
    goal             TEXT NOT NULL,
    status           TEXT NOT NULL,
    reward           DOUBLE PRECISION NOT NULL,
    goal_achieved    BOOLEAN NOT NULL,
    satisfaction     DOUBLE PRECISION NOT NULL,
    plan_confidence  DOUBLE PRECISION NOT NULL,
    total_steps      INTEGER NOT NULL,
    successful_steps INTEGER NOT NULL,
    failed_steps     INTEGER NOT NULL,
    timeout_steps    INTEGER NOT NULL,
    replanning_count INTEGER NOT NULL,
    violations       INTEGER NOT NULL,
    plan_ids         TEXT[] NOT NULL DEFAULT '{}',
    replan_reasons   TEXT[] NOT NULL DEFAULT '{}',
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS run_steps (
    run_id      TEXT NOT NULL REFERENCES goal_runs(run_id) ON DELETE CASCADE,
    trace_id    TEXT NOT NULL,
    plan_id     TEXT NOT NULL,
    step_id     TEXT NOT NULL,
    action_type TEXT NOT NULL,
    tool_used   TEXT NOT NULL,
    confidence  DOUBLE PRECISION,
    status      TEXT NOT NULL,
    duration_ms BIGINT NOT NULL,
    error       TEXT NOT NULL,
    error_code  TEXT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS run_steps_run_id_idx ON run_steps (run_id);
`

const sqlUpsertRun = `
        INSERT INTO goal_runs (run_id, goal, status, reward, goal_achieved, satisfaction, plan_confidence,
            total_steps, successful_steps, failed_steps, timeout_steps, replanning_count, violations,
            plan_ids, replan_reasons, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        ON CONFLICT (run_id) DO UPDATE SET
            status = EXCLUDED.status,
            reward = EXCLUDED.reward,
            goal_achieved = EXCLUDED.goal_achieved,
            satisfaction = EXCLUDED.satisfaction,
            finished_at = EXCLUDED.finished_at;
    `

const sqlDeleteSteps = `DELETE FROM run_steps WHERE run_id = $1;`

var stepColumns = []string{"run_id", "trace_id", "plan_id", "step_id", "action_type", "tool_used", "confidence", "status", "duration_ms", "error", "error_code", "observed_at"}

// Store archives finished goal runs in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the archive tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate run archive: %w", err)
	}
	return nil
}

// SaveRun writes a run and its steps in one transaction. Saving the same run
// again replaces its steps.
func (s *Store) SaveRun(ctx context.Context, run schemas.RunTrace) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	m := run.Metrics
	finished := m.EndTime
	if finished.IsZero() {
		finished = run.Timestamp
	}
	_, err = tx.Exec(ctx, sqlUpsertRun,
		run.RunID, run.Goal, run.Status, run.Reward, run.GoalAchieved, run.Satisfaction, run.PlanConfidence,
		m.TotalSteps, m.SuccessfulSteps, m.FailedSteps, m.TimeoutSteps, m.ReplanningCount, run.ViolationsCount,
		nonNil(run.PlanIDs), nonNil(run.ReplanReasons), m.StartTime.UTC(), finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.RunID, err)
	}

	if _, err := tx.Exec(ctx, sqlDeleteSteps, run.RunID); err != nil {
		return fmt.Errorf("failed to clear steps of run %s: %w", run.RunID, err)
	}
	if len(run.Steps) > 0 {
		if err := s.copySteps(ctx, tx, run); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copySteps(ctx context.Context, tx pgx.Tx, run schemas.RunTrace) error {
	rows := make([][]any, len(run.Steps))
	for i, st := range run.Steps {
		rows[i] = []any{
			run.RunID, st.TraceID, st.PlanID, st.StepID,
			string(st.ActionType), st.ToolUsed, st.Confidence,
			string(st.Status), st.DurationMS, st.Error, string(st.Code),
			st.Timestamp.UTC(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"run_steps"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy steps: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied steps count: expected %d, got %d", len(rows), n)
	}
	return nil
}

// RunSummary is one row of the run archive.
type RunSummary struct {
	RunID        string
	Goal         string
	Status       string
	Reward       float64
	GoalAchieved bool
	TotalSteps   int
	Replans      int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RecentRuns returns the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
        SELECT run_id, goal, status, reward, goal_achieved, total_steps, replanning_count, started_at, finished_at
        FROM goal_runs
        ORDER BY finished_at DESC
        LIMIT $1;
    `
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Goal, &r.Status, &r.Reward, &r.GoalAchieved,
			&r.TotalSteps, &r.Replans, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// StepsByRun returns the archived steps of one run in execution order.
func (s *Store) StepsByRun(ctx context.Context, runID string) ([]schemas.StepTrace, error) {
	query := `
        SELECT trace_id, plan_id, step_id, action_type, tool_used, confidence, status, duration_ms, error, error_code, observed_at
        FROM run_steps
        WHERE run_id = $1
        ORDER BY observed_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []schemas.StepTrace
	for rows.Next() {
		var st schemas.StepTrace
		var action, status, code string
		if err := rows.Scan(&st.TraceID, &st.PlanID, &st.StepID, &action, &st.ToolUsed, &st.Confidence,
			&status, &st.DurationMS, &st.Error, &code, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		st.RunID = runID
		st.ActionType = schemas.ActionType(action)
		st.Status = schemas.ExecutionStatus(status)
		st.Code = schemas.ErrorCode(code)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return steps, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
