package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
	"github.com/carevoice/intake-orchestrator/internal/domain/repositories"
	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

// MemoryWorkflowAdapter is an in-memory WorkflowRepository useful for tests
// and local development. A single mutex stands in for the database's row
// locks, so UpdateLocked carries the same exclusive read-modify-write
// guarantee as the Postgres adapter.
//
// NOTE: not intended for production; replace with the Postgres implementation.
type MemoryWorkflowAdapter struct {
	mu        sync.Mutex
	workflows map[string]*entities.SchedulingWorkflow
}

// NewMemoryWorkflowAdapter creates an empty in-memory workflow store
func NewMemoryWorkflowAdapter() *MemoryWorkflowAdapter {
	return &MemoryWorkflowAdapter{
		workflows: make(map[string]*entities.SchedulingWorkflow),
	}
}

// Create persists a new workflow record
func (a *MemoryWorkflowAdapter) Create(ctx context.Context, workflow *entities.SchedulingWorkflow) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.workflows[workflow.ID]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("workflow with id %s already exists", workflow.ID))
	}

	clone, err := cloneWorkflow(workflow)
	if err != nil {
		return err
	}
	a.workflows[workflow.ID] = clone
	return nil
}

// GetByID retrieves a workflow by ID
func (a *MemoryWorkflowAdapter) GetByID(ctx context.Context, id string) (*entities.SchedulingWorkflow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	workflow, exists := a.workflows[id]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("workflow with id %s not found", id))
	}
	return cloneWorkflow(workflow)
}

// GetActiveByCallLogID retrieves the non-terminal workflow for a call log
func (a *MemoryWorkflowAdapter) GetActiveByCallLogID(ctx context.Context, callLogID string) (*entities.SchedulingWorkflow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var newest *entities.SchedulingWorkflow
	for _, workflow := range a.workflows {
		if workflow.CallLogID != callLogID || workflow.IsTerminal() {
			continue
		}
		if newest == nil || workflow.CreatedAt.After(newest.CreatedAt) {
			newest = workflow
		}
	}
	if newest == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no active workflow for call log %s", callLogID))
	}
	return cloneWorkflow(newest)
}

// Update persists the workflow's mutable fields
func (a *MemoryWorkflowAdapter) Update(ctx context.Context, workflow *entities.SchedulingWorkflow) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.workflows[workflow.ID]; !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("workflow with id %s not found", workflow.ID))
	}

	workflow.UpdatedAt = time.Now()
	clone, err := cloneWorkflow(workflow)
	if err != nil {
		return err
	}
	a.workflows[workflow.ID] = clone
	return nil
}

// UpdateLocked applies mutate to the stored record while holding the store
// lock, mirroring the Postgres adapter's transactional row lock.
func (a *MemoryWorkflowAdapter) UpdateLocked(ctx context.Context, id string, mutate func(*entities.SchedulingWorkflow) error) (*entities.SchedulingWorkflow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, exists := a.workflows[id]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("workflow with id %s not found", id))
	}

	working, err := cloneWorkflow(stored)
	if err != nil {
		return nil, err
	}

	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()

	clone, err := cloneWorkflow(working)
	if err != nil {
		return nil, err
	}
	a.workflows[id] = clone
	return working, nil
}

// List retrieves workflows matching the filter, newest first
func (a *MemoryWorkflowAdapter) List(ctx context.Context, filter repositories.WorkflowFilter) ([]*entities.SchedulingWorkflow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var matched []*entities.SchedulingWorkflow
	for _, workflow := range a.workflows {
		if filter.Status != "" && workflow.Status != filter.Status {
			continue
		}
		if filter.CampaignID != "" && workflow.CampaignID != filter.CampaignID {
			continue
		}
		if filter.CallLogID != "" && workflow.CallLogID != filter.CallLogID {
			continue
		}
		if filter.ActiveOnly && workflow.IsTerminal() {
			continue
		}
		clone, err := cloneWorkflow(workflow)
		if err != nil {
			return nil, err
		}
		matched = append(matched, clone)
	}

	// Newest first, insertion-order ties broken arbitrarily.
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if matched[j].CreatedAt.After(matched[i].CreatedAt) {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

// cloneWorkflow deep-copies a record so callers never share memory with the store.
func cloneWorkflow(workflow *entities.SchedulingWorkflow) (*entities.SchedulingWorkflow, error) {
	data, err := json.Marshal(workflow)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to clone workflow", err)
	}
	clone := &entities.SchedulingWorkflow{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, apperrors.NewInternalError("failed to clone workflow", err)
	}
	return clone, nil
}
