// Package pgstore is a Postgres-backed implementation of the
// persistence port, using sqlx for the mapping over pgx's
// database/sql driver. Repeated database failures trip a circuit
// breaker so the coordinator's bounded internal retries don't
// retry-storm a struggling database.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	sharederrors "github.com/kubernaut/workflow-engine/pkg/shared/errors"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
	"github.com/kubernaut/workflow-engine/pkg/workflow/store"
)

// Store implements store.Store against a Postgres database.
type Store struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
}

// Open connects to the Postgres database at dsn and returns a Store
// wrapping it. Run Migrate(dsn) first in a fresh environment.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, sharederrors.FailedTo("connect to postgres store", err)
	}
	return New(db), nil
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Store {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "workflow-pgstore",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Store{db: db, breaker: breaker}
}

func (s *Store) guard(op string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := s.breaker.Execute(fn)
	if err != nil {
		return nil, sharederrors.FailedToWithDetails(op, "pgstore", err)
	}
	return result, nil
}

type instanceRow struct {
	ID             string          `db:"id"`
	WorkflowName   string          `db:"workflow_name"`
	StepIDs        json.RawMessage `db:"step_ids"`
	Status         string          `db:"status"`
	CreatedAt      time.Time       `db:"created_at"`
	StartedAt      *time.Time      `db:"started_at"`
	CompletedAt    *time.Time      `db:"completed_at"`
	Context        json.RawMessage `db:"context"`
	FailureReason  string          `db:"failure_reason"`
	LastFailedStep string          `db:"last_failed_step"`
	Version        int64           `db:"version"`
}

func toRow(i *model.Instance) (*instanceRow, error) {
	stepIDs, err := json.Marshal(i.StepIDs)
	if err != nil {
		return nil, err
	}
	ctx, err := json.Marshal(i.Context)
	if err != nil {
		return nil, err
	}
	return &instanceRow{
		ID:             i.ID,
		WorkflowName:   i.WorkflowName,
		StepIDs:        stepIDs,
		Status:         string(i.Status),
		CreatedAt:      i.CreatedAt,
		StartedAt:      i.StartedAt,
		CompletedAt:    i.CompletedAt,
		Context:        ctx,
		FailureReason:  i.FailureReason,
		LastFailedStep: i.LastFailedStep,
		Version:        i.Version,
	}, nil
}

func fromRow(r *instanceRow) (*model.Instance, error) {
	var stepIDs []string
	if err := json.Unmarshal(r.StepIDs, &stepIDs); err != nil {
		return nil, err
	}
	var ctxMap map[string]json.RawMessage
	if err := json.Unmarshal(r.Context, &ctxMap); err != nil {
		return nil, err
	}
	return &model.Instance{
		ID:             r.ID,
		WorkflowName:   r.WorkflowName,
		StepIDs:        stepIDs,
		Status:         model.Status(r.Status),
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Context:        ctxMap,
		FailureReason:  r.FailureReason,
		LastFailedStep: r.LastFailedStep,
		Version:        r.Version,
	}, nil
}

func (s *Store) CreateInstance(ctx context.Context, instance *model.Instance) error {
	row, err := toRow(instance)
	if err != nil {
		return sharederrors.FailedTo("marshal instance for insert", err)
	}
	_, err = s.guard("create instance", func() (interface{}, error) {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO workflow_instances
				(id, workflow_name, step_ids, status, created_at, started_at, completed_at,
				 context, failure_reason, last_failed_step, version)
			VALUES
				(:id, :workflow_name, :step_ids, :status, :created_at, :started_at, :completed_at,
				 :context, :failure_reason, :last_failed_step, :version)
		`, row)
		return nil, err
	})
	return err
}

func (s *Store) LoadInstance(ctx context.Context, id string) (*model.Instance, error) {
	result, err := s.guard("load instance", func() (interface{}, error) {
		var row instanceRow
		err := s.db.GetContext(ctx, &row, `SELECT * FROM workflow_instances WHERE id = $1`, id)
		return &row, err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{InstanceID: id}
		}
		return nil, err
	}
	return fromRow(result.(*instanceRow))
}

func (s *Store) SaveInstance(ctx context.Context, instance *model.Instance) error {
	row, err := toRow(instance)
	if err != nil {
		return sharederrors.FailedTo("marshal instance for update", err)
	}
	result, err := s.guard("save instance", func() (interface{}, error) {
		res, err := s.db.NamedExecContext(ctx, `
			UPDATE workflow_instances SET
				status = :status,
				started_at = :started_at,
				completed_at = :completed_at,
				context = :context,
				failure_reason = :failure_reason,
				last_failed_step = :last_failed_step,
				version = :version
			WHERE id = :id AND version = :version - 1
		`, row)
		return res, err
	})
	if err != nil {
		return err
	}
	rowsAffected, _ := result.(interface {
		RowsAffected() (int64, error)
	}).RowsAffected()
	if rowsAffected == 0 {
		var actual int64
		_ = s.db.GetContext(ctx, &actual, `SELECT version FROM workflow_instances WHERE id = $1`, instance.ID)
		return &store.ConcurrencyConflictError{
			InstanceID:     instance.ID,
			ExpectedParent: instance.Version - 1,
			ActualVersion:  actual,
		}
	}
	return nil
}

func (s *Store) AppendStepExecution(ctx context.Context, record *model.StepExecutionRecord) error {
	_, err := s.guard("append step execution", func() (interface{}, error) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_step_executions
				(execution_id, instance_id, step_id, status, attempt, started_at, completed_at, output, error_msg)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, record.ExecutionID, record.InstanceID, record.StepID, string(record.Status),
			record.Attempt, record.StartedAt, record.CompletedAt, record.Output, record.ErrorMsg)
		return nil, err
	})
	return err
}

func (s *Store) UpdateStepExecution(ctx context.Context, record *model.StepExecutionRecord) error {
	_, err := s.guard("update step execution", func() (interface{}, error) {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflow_step_executions SET
				status = $1, completed_at = $2, output = $3, error_msg = $4
			WHERE execution_id = $5
		`, string(record.Status), record.CompletedAt, record.Output, record.ErrorMsg, record.ExecutionID)
		return nil, err
	})
	return err
}

func (s *Store) ListStepExecutions(ctx context.Context, instanceID string) ([]*model.StepExecutionRecord, error) {
	result, err := s.guard("list step executions", func() (interface{}, error) {
		var rows []struct {
			ExecutionID string          `db:"execution_id"`
			InstanceID  string          `db:"instance_id"`
			StepID      string          `db:"step_id"`
			Status      string          `db:"status"`
			Attempt     int             `db:"attempt"`
			StartedAt   time.Time       `db:"started_at"`
			CompletedAt *time.Time      `db:"completed_at"`
			Output      json.RawMessage `db:"output"`
			ErrorMsg    string          `db:"error_msg"`
		}
		err := s.db.SelectContext(ctx, &rows, `
			SELECT execution_id, instance_id, step_id, status, attempt, started_at, completed_at, output, error_msg
			FROM workflow_step_executions WHERE instance_id = $1 ORDER BY started_at ASC
		`, instanceID)
		return rows, err
	})
	if err != nil {
		return nil, err
	}
	rows := result.([]struct {
		ExecutionID string          `db:"execution_id"`
		InstanceID  string          `db:"instance_id"`
		StepID      string          `db:"step_id"`
		Status      string          `db:"status"`
		Attempt     int             `db:"attempt"`
		StartedAt   time.Time       `db:"started_at"`
		CompletedAt *time.Time      `db:"completed_at"`
		Output      json.RawMessage `db:"output"`
		ErrorMsg    string          `db:"error_msg"`
	})
	out := make([]*model.StepExecutionRecord, len(rows))
	for i, r := range rows {
		out[i] = &model.StepExecutionRecord{
			ExecutionID: r.ExecutionID,
			InstanceID:  r.InstanceID,
			StepID:      r.StepID,
			Status:      model.StepStatus(r.Status),
			Attempt:     r.Attempt,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			Output:      r.Output,
			ErrorMsg:    r.ErrorMsg,
		}
	}
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]*model.Instance, error) {
	result, err := s.guard("list instances by status", func() (interface{}, error) {
		var rows []instanceRow
		err := s.db.SelectContext(ctx, &rows, `SELECT * FROM workflow_instances WHERE status = $1`, string(status))
		return rows, err
	})
	if err != nil {
		return nil, err
	}
	rows := result.([]instanceRow)
	out := make([]*model.Instance, 0, len(rows))
	for i := range rows {
		inst, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
