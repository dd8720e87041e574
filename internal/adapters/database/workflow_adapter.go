package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
	"github.com/carevoice/intake-orchestrator/internal/domain/repositories"
	"github.com/carevoice/intake-orchestrator/internal/infrastructure/clients/postgres"
	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

var workflowColumns = []interface{}{
	"id", "call_log_id", "campaign_id", "contact_id", "agent_id",
	"status", "current_step", "patient_data", "form_progress", "screenshots",
	"otp_requested", "otp_requested_at", "otp_attempts", "otp_verified", "otp_verified_at",
	"confirmation_number", "appointment_details", "error_details",
	"manual_override_enabled", "operator_id", "operator_notes", "fallback_link_sent",
	"started_at", "completed_at", "created_at", "updated_at",
}

// WorkflowAdapter implements the WorkflowRepository interface on PostgreSQL
type WorkflowAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewWorkflowAdapter creates a new workflow adapter
func NewWorkflowAdapter(client *postgres.Client) repositories.WorkflowRepository {
	return &WorkflowAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// Create persists a new workflow record
func (a *WorkflowAdapter) Create(ctx context.Context, workflow *entities.SchedulingWorkflow) error {
	record, err := workflowRecord(workflow)
	if err != nil {
		return err
	}
	record["id"] = workflow.ID
	record["call_log_id"] = workflow.CallLogID
	record["campaign_id"] = workflow.CampaignID
	record["contact_id"] = workflow.ContactID
	record["agent_id"] = workflow.AgentID
	record["patient_data"], err = marshalColumn(workflow.PatientData)
	if err != nil {
		return err
	}
	record["started_at"] = workflow.StartedAt
	record["created_at"] = workflow.CreatedAt

	query, args, err := a.db.Insert("scheduling_workflows").Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	_, err = a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to create workflow", err)
	}

	return nil
}

// GetByID retrieves a workflow by ID
func (a *WorkflowAdapter) GetByID(ctx context.Context, id string) (*entities.SchedulingWorkflow, error) {
	query, args, err := a.db.Select(workflowColumns...).
		From("scheduling_workflows").
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	workflow, err := scanWorkflow(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("workflow with id %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get workflow", err)
	}

	return workflow, nil
}

// GetActiveByCallLogID retrieves the non-terminal workflow for a call log
func (a *WorkflowAdapter) GetActiveByCallLogID(ctx context.Context, callLogID string) (*entities.SchedulingWorkflow, error) {
	query, args, err := a.db.Select(workflowColumns...).
		From("scheduling_workflows").
		Where(
			goqu.Ex{"call_log_id": callLogID},
			goqu.C("status").NotIn(terminalStatuses()),
		).
		Order(goqu.I("created_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	workflow, err := scanWorkflow(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no active workflow for call log %s", callLogID))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get active workflow", err)
	}

	return workflow, nil
}

// Update persists the workflow's mutable fields
func (a *WorkflowAdapter) Update(ctx context.Context, workflow *entities.SchedulingWorkflow) error {
	workflow.UpdatedAt = time.Now()

	record, err := workflowRecord(workflow)
	if err != nil {
		return err
	}

	query, args, err := a.db.Update("scheduling_workflows").
		Set(record).
		Where(goqu.Ex{"id": workflow.ID}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build update query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update workflow", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperrors.NewInternalError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("workflow with id %s not found", workflow.ID))
	}

	return nil
}

// UpdateLocked loads the workflow under an exclusive row lock, applies mutate,
// and persists the result in the same transaction.
func (a *WorkflowAdapter) UpdateLocked(ctx context.Context, id string, mutate func(*entities.SchedulingWorkflow) error) (*entities.SchedulingWorkflow, error) {
	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	query, args, err := a.db.Select(workflowColumns...).
		From("scheduling_workflows").
		Where(goqu.Ex{"id": id}).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build locked query", err)
	}

	workflow, err := scanWorkflow(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("workflow with id %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get workflow for update", err)
	}

	if err := mutate(workflow); err != nil {
		return nil, err
	}
	workflow.UpdatedAt = time.Now()

	record, err := workflowRecord(workflow)
	if err != nil {
		return nil, err
	}

	query, args, err = a.db.Update("scheduling_workflows").
		Set(record).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build locked update query", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to update locked workflow", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewInternalError("failed to commit workflow update", err)
	}

	return workflow, nil
}

// List retrieves workflows matching the filter, newest first
func (a *WorkflowAdapter) List(ctx context.Context, filter repositories.WorkflowFilter) ([]*entities.SchedulingWorkflow, error) {
	ds := a.db.Select(workflowColumns...).From("scheduling_workflows")

	if filter.Status != "" {
		ds = ds.Where(goqu.Ex{"status": filter.Status})
	}
	if filter.CampaignID != "" {
		ds = ds.Where(goqu.Ex{"campaign_id": filter.CampaignID})
	}
	if filter.CallLogID != "" {
		ds = ds.Where(goqu.Ex{"call_log_id": filter.CallLogID})
	}
	if filter.ActiveOnly {
		ds = ds.Where(goqu.C("status").NotIn(terminalStatuses()))
	}

	ds = ds.Order(goqu.I("created_at").Desc())

	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}
	if filter.Offset > 0 {
		ds = ds.Offset(uint(filter.Offset))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build list query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list workflows", err)
	}
	defer rows.Close()

	var workflows []*entities.SchedulingWorkflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan workflow", err)
		}
		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func terminalStatuses() []interface{} {
	return []interface{}{
		entities.WorkflowStatusCompleted,
		entities.WorkflowStatusFailed,
		entities.WorkflowStatusCancelled,
	}
}

// workflowRecord builds the update record for a workflow's mutable fields.
// Identity and creation fields are added separately by Create.
func workflowRecord(workflow *entities.SchedulingWorkflow) (goqu.Record, error) {
	formProgress, err := marshalColumn(workflow.FormProgress)
	if err != nil {
		return nil, err
	}
	screenshots, err := marshalColumn(workflow.Screenshots)
	if err != nil {
		return nil, err
	}
	appointmentDetails, err := marshalColumn(workflow.AppointmentDetails)
	if err != nil {
		return nil, err
	}
	errorDetails, err := marshalColumn(workflow.ErrorDetails)
	if err != nil {
		return nil, err
	}

	return goqu.Record{
		"status":                  workflow.Status,
		"current_step":            workflow.CurrentStep,
		"form_progress":           formProgress,
		"screenshots":             screenshots,
		"otp_requested":           workflow.OTPRequested,
		"otp_requested_at":        workflow.OTPRequestedAt,
		"otp_attempts":            workflow.OTPAttempts,
		"otp_verified":            workflow.OTPVerified,
		"otp_verified_at":         workflow.OTPVerifiedAt,
		"confirmation_number":     workflow.ConfirmationNumber,
		"appointment_details":     appointmentDetails,
		"error_details":           errorDetails,
		"manual_override_enabled": workflow.ManualOverrideEnabled,
		"operator_id":             workflow.OperatorID,
		"operator_notes":          workflow.OperatorNotes,
		"fallback_link_sent":      workflow.FallbackLinkSent,
		"completed_at":            workflow.CompletedAt,
		"updated_at":              workflow.UpdatedAt,
	}, nil
}

func marshalColumn(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to marshal workflow column", err)
	}
	return data, nil
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*entities.SchedulingWorkflow, error) {
	workflow := &entities.SchedulingWorkflow{}
	var campaignID, contactID, currentStep sql.NullString
	var confirmationNumber, operatorID, operatorNotes sql.NullString
	var otpRequestedAt, otpVerifiedAt, completedAt sql.NullTime
	var patientData, formProgress, screenshots, appointmentDetails, errorDetails []byte

	err := row.Scan(
		&workflow.ID,
		&workflow.CallLogID,
		&campaignID,
		&contactID,
		&workflow.AgentID,
		&workflow.Status,
		&currentStep,
		&patientData,
		&formProgress,
		&screenshots,
		&workflow.OTPRequested,
		&otpRequestedAt,
		&workflow.OTPAttempts,
		&workflow.OTPVerified,
		&otpVerifiedAt,
		&confirmationNumber,
		&appointmentDetails,
		&errorDetails,
		&workflow.ManualOverrideEnabled,
		&operatorID,
		&operatorNotes,
		&workflow.FallbackLinkSent,
		&workflow.StartedAt,
		&completedAt,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.CampaignID = campaignID.String
	workflow.ContactID = contactID.String
	workflow.CurrentStep = currentStep.String
	workflow.ConfirmationNumber = confirmationNumber.String
	workflow.OperatorID = operatorID.String
	workflow.OperatorNotes = operatorNotes.String
	if otpRequestedAt.Valid {
		workflow.OTPRequestedAt = &otpRequestedAt.Time
	}
	if otpVerifiedAt.Valid {
		workflow.OTPVerifiedAt = &otpVerifiedAt.Time
	}
	if completedAt.Valid {
		workflow.CompletedAt = &completedAt.Time
	}

	if err := unmarshalColumn(patientData, &workflow.PatientData); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(formProgress, &workflow.FormProgress); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(screenshots, &workflow.Screenshots); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(appointmentDetails, &workflow.AppointmentDetails); err != nil {
		return nil, err
	}
	if len(errorDetails) > 0 && string(errorDetails) != "null" {
		workflow.ErrorDetails = &entities.ErrorDetails{}
		if err := unmarshalColumn(errorDetails, workflow.ErrorDetails); err != nil {
			return nil, err
		}
	}

	return workflow, nil
}

func unmarshalColumn(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
