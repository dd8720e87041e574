package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
	"github.com/carevoice/intake-orchestrator/internal/domain/providers"
	"github.com/carevoice/intake-orchestrator/internal/domain/repositories"
	"github.com/carevoice/intake-orchestrator/internal/infrastructure/observability"
	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

// errUnchanged signals that a locked mutation found the record already
// terminal and left it untouched.
var errUnchanged = errors.New("workflow unchanged")

// AbortReason values returned by ShouldAbort.
const (
	AbortReasonTerminal  = "terminal"
	AbortReasonCancelled = "cancelled"
	AbortReasonOverride  = "manual_override"
)

// CreateWorkflowInput carries the automation-initiation request from the
// call-handling agent.
type CreateWorkflowInput struct {
	CallLogID   string
	CampaignID  string
	ContactID   string
	AgentID     string
	PatientData entities.PatientData
}

// workflowHandle is the in-memory handle for one active workflow. The
// session runner reads it before every step so operator intent is observed
// without a database round trip on the hot path.
type workflowHandle struct {
	mu              sync.RWMutex
	status          entities.WorkflowStatus
	overrideEnabled bool
	cancelled       bool
}

// WorkflowService orchestrates the scheduling workflow lifecycle: it owns
// the OTP coordinator and the active-handle registry, persists every state
// transition, emits lifecycle events, and mediates operator overrides
// against concurrent automation progress.
//
// Two-tier concurrency discipline: operator commands go through the
// repository's locked read-modify-write; the automation side's frequent
// small writes use plain updates plus a cooperative ShouldAbort check
// before each step.
type WorkflowService struct {
	repo          repositories.WorkflowRepository
	bus           providers.EventBus
	coordinator   *OTPCoordinator
	notifications *NotificationService
	metrics       *observability.Metrics

	maxScreenshots int

	mu      sync.RWMutex
	handles map[string]*workflowHandle
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(
	repo repositories.WorkflowRepository,
	bus providers.EventBus,
	coordinator *OTPCoordinator,
	notifications *NotificationService,
	metrics *observability.Metrics,
	maxScreenshots int,
) *WorkflowService {
	return &WorkflowService{
		repo:           repo,
		bus:            bus,
		coordinator:    coordinator,
		notifications:  notifications,
		metrics:        metrics,
		maxScreenshots: maxScreenshots,
		handles:        make(map[string]*workflowHandle),
	}
}

// CreateWorkflow persists a new workflow, registers its in-memory handle,
// and emits workflow_created. At most one active workflow may exist per
// call log.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, input CreateWorkflowInput) (*entities.SchedulingWorkflow, error) {
	if input.CallLogID == "" {
		return nil, apperrors.NewValidationError("call_log_id is required")
	}
	if input.AgentID == "" {
		return nil, apperrors.NewValidationError("agent_id is required")
	}

	existing, err := s.repo.GetActiveByCallLogID(ctx, input.CallLogID)
	if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("an active workflow already exists for call log %s", input.CallLogID))
	}

	now := time.Now()
	workflow := &entities.SchedulingWorkflow{
		ID:           uuid.New().String(),
		CallLogID:    input.CallLogID,
		CampaignID:   input.CampaignID,
		ContactID:    input.ContactID,
		AgentID:      input.AgentID,
		Status:       entities.WorkflowStatusInitiated,
		PatientData:  input.PatientData,
		FormProgress: make(map[string]interface{}),
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, workflow); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handles[workflow.ID] = &workflowHandle{status: workflow.Status}
	s.mu.Unlock()

	observability.RecordWorkflowStarted(ctx, s.metrics, workflow.CampaignID)
	log.Info().
		Str("workflow_id", workflow.ID).
		Str("call_log_id", workflow.CallLogID).
		Msg("workflow created")

	s.emit(ctx, workflow.ID, entities.WorkflowEventTypeCreated, map[string]interface{}{
		"call_log_id": workflow.CallLogID,
		"campaign_id": workflow.CampaignID,
		"status":      workflow.Status,
	})

	return workflow, nil
}

// UpdateStatus validates and persists a status transition, then emits
// status_changed with the previous status.
func (s *WorkflowService) UpdateStatus(ctx context.Context, id string, status entities.WorkflowStatus) (*entities.SchedulingWorkflow, error) {
	if !status.IsValid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown workflow status %q", status))
	}

	workflow, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if workflow.IsTerminal() {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("workflow %s is %s and cannot change status", id, workflow.Status))
	}
	if !workflow.Status.CanTransitionTo(status) {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("invalid status transition %s -> %s", workflow.Status, status))
	}

	previous := workflow.Status
	workflow.Status = status
	if status.IsTerminal() {
		now := time.Now()
		workflow.CompletedAt = &now
	}

	if err := s.repo.Update(ctx, workflow); err != nil {
		return nil, err
	}

	s.refreshHandle(workflow)
	if status.IsTerminal() {
		s.finish(ctx, workflow, "workflow reached terminal status")
	}

	s.emit(ctx, id, entities.WorkflowEventTypeStatusChanged, map[string]interface{}{
		"previous_status": previous,
		"status":          status,
	})

	return workflow, nil
}

// UpdateStep persists the advisory progress marker and emits step_changed.
func (s *WorkflowService) UpdateStep(ctx context.Context, id, step string) (*entities.SchedulingWorkflow, error) {
	workflow, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if workflow.IsTerminal() {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("workflow %s is %s and cannot change step", id, workflow.Status))
	}

	workflow.CurrentStep = step
	if err := s.repo.Update(ctx, workflow); err != nil {
		return nil, err
	}

	s.emit(ctx, id, entities.WorkflowEventTypeStepChanged, map[string]interface{}{
		"step": step,
	})

	return workflow, nil
}

// RequestOTP marks the workflow as awaiting a passcode, installs a
// coordinator entry, and returns the channel on which the passcode (or a
// timeout/cancellation error) arrives. Callers retry by invoking
// RequestOTP again; a repeat call supersedes the previous pending wait.
func (s *WorkflowService) RequestOTP(ctx context.Context, id, phoneNumber string) (<-chan OTPResult, error) {
	started := time.Now()
	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		if w.IsTerminal() {
			return apperrors.NewValidationError(
				fmt.Sprintf("workflow %s is %s and cannot request a passcode", id, w.Status))
		}
		now := time.Now()
		w.OTPAttempts++
		w.OTPRequested = true
		w.OTPRequestedAt = &now
		if w.Status.CanTransitionTo(entities.WorkflowStatusOTPRequested) {
			w.Status = entities.WorkflowStatusOTPRequested
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshHandle(workflow)

	wait := s.coordinator.Register(id)

	// A cancel can commit between the persist above and Register; its
	// teardown ran before this entry existed, so re-check and reject the
	// orphan here instead of leaving it to the timeout.
	if reason, abort := s.ShouldAbort(id); abort && reason != AbortReasonOverride {
		s.coordinator.Cancel(id, apperrors.NewConflictError(
			"otp wait cancelled: workflow reached a terminal status"))
	}

	log.Info().
		Str("workflow_id", id).
		Int("attempt", workflow.OTPAttempts).
		Msg("otp requested")

	s.emit(ctx, id, entities.WorkflowEventTypeOTPRequested, map[string]interface{}{
		"phone_number": phoneNumber,
		"attempt":      workflow.OTPAttempts,
	})

	// Observe the wait outcome without consuming the caller's result.
	out := make(chan OTPResult, 1)
	go func() {
		result := <-wait
		outcome := "resolved"
		if result.Err != nil {
			outcome = string(apperrors.TypeOf(result.Err))
		}
		observability.RecordOTPWait(context.Background(), s.metrics, outcome, time.Since(started))
		out <- result
	}()

	return out, nil
}

// SubmitOTP resolves the pending passcode wait for the workflow. When no
// wait is pending the call is an observable no-op: it logs, returns a
// NOT_FOUND error, and leaves otp_verified untouched.
func (s *WorkflowService) SubmitOTP(ctx context.Context, id, code string) (*entities.SchedulingWorkflow, error) {
	deliver, ok := s.coordinator.Claim(id)
	if !ok {
		log.Warn().
			Str("workflow_id", id).
			Msg("otp submitted with no pending request")
		return nil, apperrors.NewNotFoundError(
			fmt.Sprintf("no pending otp request for workflow %s", id))
	}

	// Persist the verification before unblocking the waiter so the resumed
	// session observes the verified record. The locked path keeps a
	// concurrent operator cancel from being overwritten: if the record went
	// terminal after the claim, the waiter gets the rejection instead of
	// the code and the record stays untouched.
	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		if w.IsTerminal() {
			return apperrors.NewConflictError(
				fmt.Sprintf("workflow %s is %s and cannot verify a passcode", id, w.Status))
		}
		now := time.Now()
		w.OTPVerified = true
		w.OTPVerifiedAt = &now
		if w.Status.CanTransitionTo(entities.WorkflowStatusOTPVerified) {
			w.Status = entities.WorkflowStatusOTPVerified
		}
		return nil
	})
	if err != nil {
		deliver(OTPResult{Err: err})
		return nil, err
	}
	s.refreshHandle(workflow)
	deliver(OTPResult{Code: code})

	s.emit(ctx, id, entities.WorkflowEventTypeOTPVerified, map[string]interface{}{
		"attempts": workflow.OTPAttempts,
	})

	return workflow, nil
}

// CaptureProgress appends a screenshot and merges form progress, then emits
// screenshot_captured. On a terminal record only the screenshot is kept, as
// an audit-only late arrival; business fields stay frozen.
func (s *WorkflowService) CaptureProgress(ctx context.Context, id, step, imageData string, fields map[string]interface{}) error {
	workflow, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	workflow.AppendScreenshot(entities.Screenshot{
		Step:       step,
		CapturedAt: time.Now(),
		ImageData:  imageData,
	}, s.maxScreenshots)

	if !workflow.IsTerminal() {
		workflow.MergeFormProgress(fields)
		if step != "" {
			workflow.CurrentStep = step
		}
	}

	if err := s.repo.Update(ctx, workflow); err != nil {
		return err
	}

	s.emit(ctx, id, entities.WorkflowEventTypeScreenshotCaptured, map[string]interface{}{
		"step": step,
	})

	return nil
}

// RecordError forces the workflow into failed with error details. Terminal
// records are left untouched. The session must not mutate the workflow
// after this call.
func (s *WorkflowService) RecordError(ctx context.Context, id, message string, details map[string]interface{}) error {
	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		if w.IsTerminal() {
			return errUnchanged
		}
		now := time.Now()
		w.Status = entities.WorkflowStatusFailed
		w.ErrorDetails = &entities.ErrorDetails{
			Message:    message,
			Context:    details,
			OccurredAt: now,
		}
		w.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	s.finish(ctx, workflow, "workflow failed")

	s.emit(ctx, id, entities.WorkflowEventTypeErrorOccurred, map[string]interface{}{
		"message": message,
		"details": details,
	})

	return nil
}

// TriggerFallback marks the workflow failed with fallback_link_sent and
// sends the caller a manual scheduling link, best effort.
func (s *WorkflowService) TriggerFallback(ctx context.Context, id, reason string) error {
	var wasTerminal bool
	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		// A workflow that already failed may still fall back; completed,
		// cancelled, or already-notified workflows may not.
		if w.FallbackLinkSent ||
			w.Status == entities.WorkflowStatusCompleted ||
			w.Status == entities.WorkflowStatusCancelled {
			return errUnchanged
		}
		wasTerminal = w.IsTerminal()
		now := time.Now()
		if !wasTerminal {
			w.Status = entities.WorkflowStatusFailed
			w.CompletedAt = &now
		}
		w.FallbackLinkSent = true
		if w.ErrorDetails == nil {
			w.ErrorDetails = &entities.ErrorDetails{
				Message:    reason,
				OccurredAt: now,
			}
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	if !wasTerminal {
		s.finish(ctx, workflow, "workflow fell back to manual scheduling")
	}
	observability.RecordFallback(ctx, s.metrics, reason)

	s.emit(ctx, id, entities.WorkflowEventTypeFallbackTriggered, map[string]interface{}{
		"reason": reason,
	})

	if s.notifications != nil {
		s.notifications.SendFallbackLink(ctx, id, workflow.PatientData.MobilePhone)
	}

	return nil
}

// CompleteWorkflow sets the terminal status and confirmation data, emits
// form_submitted, and evicts the in-memory handle. Completing an already
// terminal workflow (e.g. after losing a race with an operator cancel) is
// a no-op.
func (s *WorkflowService) CompleteWorkflow(ctx context.Context, id string, success bool, confirmationNumber string, appointmentDetails map[string]interface{}) (*entities.SchedulingWorkflow, error) {
	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		if w.IsTerminal() {
			return errUnchanged
		}
		now := time.Now()
		if success {
			w.Status = entities.WorkflowStatusCompleted
			w.ConfirmationNumber = confirmationNumber
			w.AppointmentDetails = appointmentDetails
		} else {
			w.Status = entities.WorkflowStatusFailed
			if w.ErrorDetails == nil {
				w.ErrorDetails = &entities.ErrorDetails{
					Message:    "form submission did not complete",
					OccurredAt: now,
				}
			}
		}
		w.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.repo.GetByID(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	s.finish(ctx, workflow, "workflow finished")

	s.emit(ctx, id, entities.WorkflowEventTypeFormSubmitted, map[string]interface{}{
		"success":             success,
		"confirmation_number": workflow.ConfirmationNumber,
	})

	return workflow, nil
}

// EnableManualOverride pauses automation-side mutation: from here the
// session runner treats the workflow as not-owned and stops advancing it.
func (s *WorkflowService) EnableManualOverride(ctx context.Context, id, operatorID, notes string) (*entities.SchedulingWorkflow, error) {
	if operatorID == "" {
		return nil, apperrors.NewValidationError("operator_id is required")
	}

	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		if w.IsTerminal() {
			return apperrors.NewValidationError(
				fmt.Sprintf("workflow %s is %s and cannot be paused", id, w.Status))
		}
		if w.ManualOverrideEnabled {
			return apperrors.NewValidationError("manual override is already enabled")
		}
		w.ManualOverrideEnabled = true
		w.OperatorID = operatorID
		w.OperatorNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.refreshHandle(workflow)
	log.Info().
		Str("workflow_id", id).
		Str("operator_id", operatorID).
		Msg("manual override enabled")

	s.emit(ctx, id, entities.WorkflowEventTypeManualOverride, map[string]interface{}{
		"action":      "pause",
		"operator_id": operatorID,
		"notes":       notes,
	})

	return workflow, nil
}

// ResumeWorkflow clears a manual override so automation may proceed.
// Resuming a workflow that is not paused is a validation error.
func (s *WorkflowService) ResumeWorkflow(ctx context.Context, id, operatorID string) (*entities.SchedulingWorkflow, error) {
	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		if w.IsTerminal() {
			return apperrors.NewValidationError(
				fmt.Sprintf("workflow %s is %s and cannot be resumed", id, w.Status))
		}
		if !w.ManualOverrideEnabled {
			return apperrors.NewValidationError("workflow is not paused")
		}
		w.ManualOverrideEnabled = false
		w.OperatorID = operatorID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.refreshHandle(workflow)

	s.emit(ctx, id, entities.WorkflowEventTypeManualOverride, map[string]interface{}{
		"action":      "resume",
		"operator_id": operatorID,
	})

	return workflow, nil
}

// CancelWorkflow cancels a non-terminal workflow, tears down any pending
// passcode wait, and signals the session runner to stop. Cancelling an
// already terminal workflow is a no-op, not an error.
func (s *WorkflowService) CancelWorkflow(ctx context.Context, id, operatorID, reason string) (*entities.SchedulingWorkflow, error) {
	var previous entities.WorkflowStatus
	workflow, err := s.repo.UpdateLocked(ctx, id, func(w *entities.SchedulingWorkflow) error {
		if w.IsTerminal() {
			return errUnchanged
		}
		previous = w.Status
		now := time.Now()
		w.Status = entities.WorkflowStatusCancelled
		w.OperatorID = operatorID
		if reason != "" {
			w.OperatorNotes = reason
		}
		w.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.repo.GetByID(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	s.finish(ctx, workflow, "workflow cancelled by operator")

	s.emit(ctx, id, entities.WorkflowEventTypeStatusChanged, map[string]interface{}{
		"previous_status": previous,
		"status":          entities.WorkflowStatusCancelled,
		"operator_id":     operatorID,
	})

	return workflow, nil
}

// GetWorkflow retrieves a workflow by ID
func (s *WorkflowService) GetWorkflow(ctx context.Context, id string) (*entities.SchedulingWorkflow, error) {
	return s.repo.GetByID(ctx, id)
}

// ListWorkflows retrieves workflows matching the filter
func (s *WorkflowService) ListWorkflows(ctx context.Context, filter repositories.WorkflowFilter) ([]*entities.SchedulingWorkflow, error) {
	return s.repo.List(ctx, filter)
}

// ShouldAbort is the session runner's cooperative check, consulted before
// every automation step. It never touches the database.
func (s *WorkflowService) ShouldAbort(id string) (string, bool) {
	s.mu.RLock()
	handle, exists := s.handles[id]
	s.mu.RUnlock()

	if !exists {
		return AbortReasonTerminal, true
	}

	handle.mu.RLock()
	defer handle.mu.RUnlock()
	if handle.cancelled || handle.status.IsTerminal() {
		return AbortReasonCancelled, true
	}
	if handle.overrideEnabled {
		return AbortReasonOverride, true
	}
	return "", false
}

// Shutdown rejects every pending passcode wait. Called on process exit.
func (s *WorkflowService) Shutdown() {
	s.coordinator.CancelAll(apperrors.NewConflictError("orchestrator shutting down"))
}

// finish tears down the in-memory state for a workflow that reached a
// terminal status: pending OTP entry, active handle, metrics.
func (s *WorkflowService) finish(ctx context.Context, workflow *entities.SchedulingWorkflow, msg string) {
	s.coordinator.Cancel(workflow.ID,
		apperrors.NewConflictError(fmt.Sprintf("otp wait cancelled: workflow %s", workflow.Status)))

	s.mu.Lock()
	if handle, exists := s.handles[workflow.ID]; exists {
		handle.mu.Lock()
		handle.cancelled = true
		handle.status = workflow.Status
		handle.mu.Unlock()
		delete(s.handles, workflow.ID)
	}
	s.mu.Unlock()

	observability.RecordWorkflowFinished(ctx, s.metrics, string(workflow.Status))
	log.Info().
		Str("workflow_id", workflow.ID).
		Str("status", string(workflow.Status)).
		Msg(msg)
}

// refreshHandle mirrors persisted state into the in-memory handle.
func (s *WorkflowService) refreshHandle(workflow *entities.SchedulingWorkflow) {
	s.mu.RLock()
	handle, exists := s.handles[workflow.ID]
	s.mu.RUnlock()
	if !exists {
		return
	}

	handle.mu.Lock()
	handle.status = workflow.Status
	handle.overrideEnabled = workflow.ManualOverrideEnabled
	handle.mu.Unlock()
}

// emit publishes a lifecycle event to the workflow's channel and the
// global updates channel. Publish failures are logged, never propagated.
func (s *WorkflowService) emit(ctx context.Context, workflowID string, eventType entities.WorkflowEventType, payload map[string]interface{}) {
	event := entities.NewWorkflowEvent(workflowID, eventType, payload)
	for _, channel := range []string{
		providers.GetWorkflowChannel(workflowID),
		providers.EventChannelWorkflowUpdates,
	} {
		if err := s.bus.Publish(ctx, channel, event); err != nil {
			log.Warn().
				Err(err).
				Str("workflow_id", workflowID).
				Str("event_type", string(eventType)).
				Msg("failed to publish workflow event")
		}
	}
}
