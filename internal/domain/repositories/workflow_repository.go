package repositories

import (
	"context"

	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
)

// WorkflowRepository defines the interface for workflow persistence.
//
// Routine automation-side writes go through Update. Operator commands go
// through UpdateLocked, which must hold an exclusive row lock for the full
// read-modify-write so concurrent mutations cannot interleave.
type WorkflowRepository interface {
	// Create persists a new workflow record
	Create(ctx context.Context, workflow *entities.SchedulingWorkflow) error

	// GetByID retrieves a workflow by ID
	GetByID(ctx context.Context, id string) (*entities.SchedulingWorkflow, error)

	// GetActiveByCallLogID retrieves the non-terminal workflow for a call log,
	// or a NOT_FOUND error when none exists
	GetActiveByCallLogID(ctx context.Context, callLogID string) (*entities.SchedulingWorkflow, error)

	// Update persists the workflow's mutable fields
	Update(ctx context.Context, workflow *entities.SchedulingWorkflow) error

	// UpdateLocked loads the workflow under an exclusive row lock, applies
	// mutate to the locked record, and persists the result in the same
	// transaction. A mutate error rolls back and is returned unchanged.
	UpdateLocked(ctx context.Context, id string, mutate func(*entities.SchedulingWorkflow) error) (*entities.SchedulingWorkflow, error)

	// List retrieves workflows matching the filter, newest first
	List(ctx context.Context, filter WorkflowFilter) ([]*entities.SchedulingWorkflow, error)
}

// WorkflowFilter defines filters for listing workflows
type WorkflowFilter struct {
	Status     entities.WorkflowStatus
	CampaignID string
	CallLogID  string
	ActiveOnly bool
	Limit      int
	Offset     int
}
