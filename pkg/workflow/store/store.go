// Package store defines the persistence port the coordinator requires
// and the errors its implementations
// raise. Concrete adapters live in the memstore and pgstore
// subpackages; the port itself is implementation-neutral.
package store

import (
	"context"
	"fmt"

	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
)

// Store is the persistence port the coordinator depends on. Every
// write is expected to be atomic at the port boundary; implementations
// that can't offer a single transaction for a multi-write call should
// still leave the store unchanged on partial failure.
type Store interface {
	CreateInstance(ctx context.Context, instance *model.Instance) error
	LoadInstance(ctx context.Context, id string) (*model.Instance, error)
	SaveInstance(ctx context.Context, instance *model.Instance) error

	AppendStepExecution(ctx context.Context, record *model.StepExecutionRecord) error
	UpdateStepExecution(ctx context.Context, record *model.StepExecutionRecord) error
	ListStepExecutions(ctx context.Context, instanceID string) ([]*model.StepExecutionRecord, error)

	ListByStatus(ctx context.Context, status model.Status) ([]*model.Instance, error)
}

// ConcurrencyConflictError is returned by SaveInstance when the
// instance's version no longer matches what's stored, per the
// optimistic-concurrency contract.
type ConcurrencyConflictError struct {
	InstanceID     string
	ExpectedParent int64
	ActualVersion  int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict saving instance %q: expected prior version %d, store has %d",
		e.InstanceID, e.ExpectedParent, e.ActualVersion,
	)
}

// NotFoundError is returned by LoadInstance when no instance with the
// given id exists.
type NotFoundError struct {
	InstanceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %q not found", e.InstanceID)
}
