package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/carevoice/intake-orchestrator/internal/application/services"
	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
	"github.com/carevoice/intake-orchestrator/internal/domain/repositories"
	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

// WorkflowOrchestrator defines the workflow operations the API exposes
type WorkflowOrchestrator interface {
	CreateWorkflow(ctx context.Context, input services.CreateWorkflowInput) (*entities.SchedulingWorkflow, error)
	GetWorkflow(ctx context.Context, id string) (*entities.SchedulingWorkflow, error)
	ListWorkflows(ctx context.Context, filter repositories.WorkflowFilter) ([]*entities.SchedulingWorkflow, error)
	UpdateStatus(ctx context.Context, id string, status entities.WorkflowStatus) (*entities.SchedulingWorkflow, error)
	UpdateStep(ctx context.Context, id, step string) (*entities.SchedulingWorkflow, error)
	RequestOTP(ctx context.Context, id, phoneNumber string) (<-chan services.OTPResult, error)
	SubmitOTP(ctx context.Context, id, code string) (*entities.SchedulingWorkflow, error)
	CaptureProgress(ctx context.Context, id, step, imageData string, fields map[string]interface{}) error
	RecordError(ctx context.Context, id, message string, details map[string]interface{}) error
	TriggerFallback(ctx context.Context, id, reason string) error
	CompleteWorkflow(ctx context.Context, id string, success bool, confirmationNumber string, appointmentDetails map[string]interface{}) (*entities.SchedulingWorkflow, error)
	EnableManualOverride(ctx context.Context, id, operatorID, notes string) (*entities.SchedulingWorkflow, error)
	ResumeWorkflow(ctx context.Context, id, operatorID string) (*entities.SchedulingWorkflow, error)
	CancelWorkflow(ctx context.Context, id, operatorID, reason string) (*entities.SchedulingWorkflow, error)
}

// SessionStarter launches the automation session for a workflow
type SessionStarter interface {
	Run(ctx context.Context, workflowID string) error
}

// WorkflowHandler handles workflow orchestration requests
type WorkflowHandler struct {
	service WorkflowOrchestrator
	runner  SessionStarter
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(service WorkflowOrchestrator, runner SessionStarter) *WorkflowHandler {
	return &WorkflowHandler{
		service: service,
		runner:  runner,
	}
}

type createWorkflowRequest struct {
	CallLogID   string               `json:"call_log_id"`
	CampaignID  string               `json:"campaign_id"`
	ContactID   string               `json:"contact_id"`
	AgentID     string               `json:"agent_id"`
	PatientData entities.PatientData `json:"patient_data"`
}

// CreateWorkflow handles POST /api/workflows
func (h *WorkflowHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	workflow, err := h.service.CreateWorkflow(r.Context(), services.CreateWorkflowInput{
		CallLogID:   req.CallLogID,
		CampaignID:  req.CampaignID,
		ContactID:   req.ContactID,
		AgentID:     req.AgentID,
		PatientData: req.PatientData,
	})
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, workflow)
}

// GetWorkflow handles GET /api/workflows/{id}
func (h *WorkflowHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondWithError(w, http.StatusBadRequest, "workflow ID is required")
		return
	}

	workflow, err := h.service.GetWorkflow(r.Context(), id)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

// ListWorkflows handles GET /api/workflows
func (h *WorkflowHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := repositories.WorkflowFilter{
		Status:     entities.WorkflowStatus(query.Get("status")),
		CampaignID: query.Get("campaign_id"),
		CallLogID:  query.Get("call_log_id"),
		ActiveOnly: query.Get("active") == "true",
	}
	if limit := query.Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			filter.Limit = parsed
		}
	}
	if offset := query.Get("offset"); offset != "" {
		if parsed, err := strconv.Atoi(offset); err == nil {
			filter.Offset = parsed
		}
	}

	if filter.Status != "" && !filter.Status.IsValid() {
		respondWithError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	workflows, err := h.service.ListWorkflows(r.Context(), filter)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// StartSession handles POST /api/workflows/{id}/run
func (h *WorkflowHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondWithError(w, http.StatusBadRequest, "workflow ID is required")
		return
	}

	workflow, err := h.service.GetWorkflow(r.Context(), id)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	if workflow.IsTerminal() {
		respondWithError(w, http.StatusConflict, "workflow is already terminal")
		return
	}

	// The session outlives the request.
	go func() {
		if err := h.runner.Run(context.Background(), id); err != nil {
			log.Error().Err(err).Str("workflow_id", id).Msg("automation session ended with error")
		}
	}()

	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"state":       "session_started",
	})
}

type updateStatusRequest struct {
	Status entities.WorkflowStatus `json:"status"`
}

// UpdateStatus handles PATCH /api/workflows/{id}/status
func (h *WorkflowHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	workflow, err := h.service.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

type updateStepRequest struct {
	Step string `json:"step"`
}

// UpdateStep handles PATCH /api/workflows/{id}/step
func (h *WorkflowHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Step == "" {
		respondWithError(w, http.StatusBadRequest, "step is required")
		return
	}

	workflow, err := h.service.UpdateStep(r.Context(), id, req.Step)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

type requestOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// RequestOTP handles POST /api/workflows/{id}/otp/request
func (h *WorkflowHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	// The wait outcome is observed through events; the request itself
	// returns as soon as the entry is armed.
	if _, err := h.service.RequestOTP(r.Context(), id, req.PhoneNumber); err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"state":       "awaiting_otp",
	})
}

type submitOTPRequest struct {
	Code string `json:"code"`
}

// SubmitOTP handles POST /api/workflows/{id}/otp/submit
func (h *WorkflowHandler) SubmitOTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req submitOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}

	workflow, err := h.service.SubmitOTP(r.Context(), id, req.Code)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

type captureProgressRequest struct {
	Step      string                 `json:"step"`
	ImageData string                 `json:"image_data"`
	Fields    map[string]interface{} `json:"fields"`
}

// CaptureProgress handles POST /api/workflows/{id}/progress
func (h *WorkflowHandler) CaptureProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req captureProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	if err := h.service.CaptureProgress(r.Context(), id, req.Step, req.ImageData, req.Fields); err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "state": "recorded"})
}

type recordErrorRequest struct {
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

// RecordError handles POST /api/workflows/{id}/error
func (h *WorkflowHandler) RecordError(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req recordErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Message == "" {
		respondWithError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := h.service.RecordError(r.Context(), id, req.Message, req.Details); err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "state": "failed"})
}

type triggerFallbackRequest struct {
	Reason string `json:"reason"`
}

// TriggerFallback handles POST /api/workflows/{id}/fallback
func (h *WorkflowHandler) TriggerFallback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req triggerFallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	if err := h.service.TriggerFallback(r.Context(), id, req.Reason); err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "state": "fallback_triggered"})
}

type completeWorkflowRequest struct {
	Success            bool                   `json:"success"`
	ConfirmationNumber string                 `json:"confirmation_number"`
	AppointmentDetails map[string]interface{} `json:"appointment_details"`
}

// CompleteWorkflow handles POST /api/workflows/{id}/complete
func (h *WorkflowHandler) CompleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req completeWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	workflow, err := h.service.CompleteWorkflow(r.Context(), id, req.Success, req.ConfirmationNumber, req.AppointmentDetails)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

type operatorRequest struct {
	OperatorID string `json:"operator_id"`
	Notes      string `json:"notes"`
	Reason     string `json:"reason"`
}

// EnableOverride handles POST /api/workflows/{id}/override
func (h *WorkflowHandler) EnableOverride(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req operatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	workflow, err := h.service.EnableManualOverride(r.Context(), id, req.OperatorID, req.Notes)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

// ResumeWorkflow handles POST /api/workflows/{id}/resume
func (h *WorkflowHandler) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req operatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	workflow, err := h.service.ResumeWorkflow(r.Context(), id, req.OperatorID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

// CancelWorkflow handles POST /api/workflows/{id}/cancel
func (h *WorkflowHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req operatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	workflow, err := h.service.CancelWorkflow(r.Context(), id, req.OperatorID, req.Reason)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, workflow)
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondWithAppError maps application error types to HTTP status codes
func respondWithAppError(w http.ResponseWriter, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		switch appErr.Type {
		case apperrors.ErrorTypeNotFound:
			respondWithError(w, http.StatusNotFound, appErr.Message)
		case apperrors.ErrorTypeValidation:
			respondWithError(w, http.StatusBadRequest, appErr.Message)
		case apperrors.ErrorTypeConflict:
			respondWithError(w, http.StatusConflict, appErr.Message)
		case apperrors.ErrorTypeTimeout:
			respondWithError(w, http.StatusRequestTimeout, appErr.Message)
		case apperrors.ErrorTypeAutomation, apperrors.ErrorTypeExternal:
			respondWithError(w, http.StatusBadGateway, appErr.Message)
		default:
			respondWithError(w, http.StatusInternalServerError, appErr.Message)
		}
		return
	}
	respondWithError(w, http.StatusInternalServerError, err.Error())
}
