// Package memstore is an in-process Store implementation used as the
// engine's default and as the backbone of its test suites. It honors
// the full port contract, including optimistic-concurrency conflicts.
package memstore

import (
	"context"
	"sync"

	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
	"github.com/kubernaut/workflow-engine/pkg/workflow/store"
)

// Store is a mutex-guarded, map-backed implementation of store.Store.
type Store struct {
	mu         sync.Mutex
	instances  map[string]*model.Instance
	executions map[string][]*model.StepExecutionRecord // keyed by instance id
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		instances:  make(map[string]*model.Instance),
		executions: make(map[string][]*model.StepExecutionRecord),
	}
}

func (s *Store) CreateInstance(ctx context.Context, instance *model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance.Clone()
	return nil
}

func (s *Store) LoadInstance(ctx context.Context, id string) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, &store.NotFoundError{InstanceID: id}
	}
	return inst.Clone(), nil
}

func (s *Store) SaveInstance(ctx context.Context, instance *model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[instance.ID]
	if !ok {
		return &store.NotFoundError{InstanceID: instance.ID}
	}
	if current.Version != instance.Version-1 {
		return &store.ConcurrencyConflictError{
			InstanceID:     instance.ID,
			ExpectedParent: instance.Version - 1,
			ActualVersion:  current.Version,
		}
	}
	s.instances[instance.ID] = instance.Clone()
	return nil
}

func (s *Store) AppendStepExecution(ctx context.Context, record *model.StepExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.executions[record.InstanceID] = append(s.executions[record.InstanceID], &clone)
	return nil
}

func (s *Store) UpdateStepExecution(ctx context.Context, record *model.StepExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.executions[record.InstanceID]
	for i, r := range records {
		if r.ExecutionID == record.ExecutionID {
			clone := *record
			records[i] = &clone
			return nil
		}
	}
	clone := *record
	s.executions[record.InstanceID] = append(records, &clone)
	return nil
}

func (s *Store) ListStepExecutions(ctx context.Context, instanceID string) ([]*model.StepExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.executions[instanceID]
	out := make([]*model.StepExecutionRecord, len(records))
	for i, r := range records {
		clone := *r
		out[i] = &clone
	}
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Instance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
