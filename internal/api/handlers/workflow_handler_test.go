package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/carevoice/intake-orchestrator/internal/api/handlers"
	"github.com/carevoice/intake-orchestrator/internal/application/services"
	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
	"github.com/carevoice/intake-orchestrator/internal/domain/repositories"
	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

// Mocks

type MockWorkflowService struct {
	mock.Mock
}

func (m *MockWorkflowService) CreateWorkflow(ctx context.Context, input services.CreateWorkflowInput) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) GetWorkflow(ctx context.Context, id string) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) ListWorkflows(ctx context.Context, filter repositories.WorkflowFilter) ([]*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) UpdateStatus(ctx context.Context, id string, status entities.WorkflowStatus) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) UpdateStep(ctx context.Context, id, step string) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id, step)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) RequestOTP(ctx context.Context, id, phoneNumber string) (<-chan services.OTPResult, error) {
	args := m.Called(ctx, id, phoneNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan services.OTPResult), args.Error(1)
}

func (m *MockWorkflowService) SubmitOTP(ctx context.Context, id, code string) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) CaptureProgress(ctx context.Context, id, step, imageData string, fields map[string]interface{}) error {
	args := m.Called(ctx, id, step, imageData, fields)
	return args.Error(0)
}

func (m *MockWorkflowService) RecordError(ctx context.Context, id, message string, details map[string]interface{}) error {
	args := m.Called(ctx, id, message, details)
	return args.Error(0)
}

func (m *MockWorkflowService) TriggerFallback(ctx context.Context, id, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockWorkflowService) CompleteWorkflow(ctx context.Context, id string, success bool, confirmationNumber string, appointmentDetails map[string]interface{}) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id, success, confirmationNumber, appointmentDetails)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) EnableManualOverride(ctx context.Context, id, operatorID, notes string) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id, operatorID, notes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) ResumeWorkflow(ctx context.Context, id, operatorID string) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id, operatorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

func (m *MockWorkflowService) CancelWorkflow(ctx context.Context, id, operatorID, reason string) (*entities.SchedulingWorkflow, error) {
	args := m.Called(ctx, id, operatorID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SchedulingWorkflow), args.Error(1)
}

type stubRunner struct {
	mu      sync.Mutex
	started []string
}

func (r *stubRunner) Run(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, workflowID)
	return nil
}

func (r *stubRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func newRequest(method, target, id string, payload interface{}) *http.Request {
	var body bytes.Buffer
	if payload != nil {
		json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, target, &body)
	if id != "" {
		req.SetPathValue("id", id)
	}
	return req
}

// Tests

func TestWorkflowHandler_CreateWorkflow(t *testing.T) {
	t.Run("creates a workflow", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		workflow := &entities.SchedulingWorkflow{ID: "wf-1", CallLogID: "call-1", Status: entities.WorkflowStatusInitiated}
		mockService.On("CreateWorkflow", mock.Anything, mock.MatchedBy(func(input services.CreateWorkflowInput) bool {
			return input.CallLogID == "call-1" && input.PatientData.FirstName == "Ada"
		})).Return(workflow, nil)

		req := newRequest("POST", "/api/workflows", "", map[string]interface{}{
			"call_log_id": "call-1",
			"agent_id":    "agent-1",
			"patient_data": map[string]interface{}{
				"first_name":   "Ada",
				"last_name":    "Okafor",
				"mobile_phone": "+15550100",
			},
		})
		w := httptest.NewRecorder()

		handler.CreateWorkflow(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		mockService.AssertExpectations(t)
	})

	t.Run("returns bad request for invalid payload", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		req := httptest.NewRequest("POST", "/api/workflows", bytes.NewBufferString("invalid-json"))
		w := httptest.NewRecorder()

		handler.CreateWorkflow(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("returns conflict when a workflow is already active", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		mockService.On("CreateWorkflow", mock.Anything, mock.Anything).
			Return(nil, apperrors.NewConflictError("an active workflow already exists for call log call-1"))

		req := newRequest("POST", "/api/workflows", "", map[string]interface{}{
			"call_log_id": "call-1",
			"agent_id":    "agent-1",
		})
		w := httptest.NewRecorder()

		handler.CreateWorkflow(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestWorkflowHandler_GetWorkflow(t *testing.T) {
	t.Run("returns the workflow", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		workflow := &entities.SchedulingWorkflow{ID: "wf-1", Status: entities.WorkflowStatusFormFilling}
		mockService.On("GetWorkflow", mock.Anything, "wf-1").Return(workflow, nil)

		req := newRequest("GET", "/api/workflows/wf-1", "wf-1", nil)
		w := httptest.NewRecorder()

		handler.GetWorkflow(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var got entities.SchedulingWorkflow
		assert.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, "wf-1", got.ID)
	})

	t.Run("returns not found for unknown workflow", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		mockService.On("GetWorkflow", mock.Anything, "wf-missing").
			Return(nil, apperrors.NewNotFoundError("workflow not found"))

		req := newRequest("GET", "/api/workflows/wf-missing", "wf-missing", nil)
		w := httptest.NewRecorder()

		handler.GetWorkflow(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestWorkflowHandler_ListWorkflows(t *testing.T) {
	t.Run("passes filters through", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		mockService.On("ListWorkflows", mock.Anything, mock.MatchedBy(func(f repositories.WorkflowFilter) bool {
			return f.ActiveOnly && f.CampaignID == "camp-1" && f.Limit == 10
		})).Return([]*entities.SchedulingWorkflow{}, nil)

		req := newRequest("GET", "/api/workflows?active=true&campaign_id=camp-1&limit=10", "", nil)
		w := httptest.NewRecorder()

		handler.ListWorkflows(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockService.AssertExpectations(t)
	})

	t.Run("rejects unknown status filter", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		req := newRequest("GET", "/api/workflows?status=paused", "", nil)
		w := httptest.NewRecorder()

		handler.ListWorkflows(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestWorkflowHandler_StartSession(t *testing.T) {
	t.Run("launches the session", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		runner := &stubRunner{}
		handler := handlers.NewWorkflowHandler(mockService, runner)

		workflow := &entities.SchedulingWorkflow{ID: "wf-1", Status: entities.WorkflowStatusInitiated}
		mockService.On("GetWorkflow", mock.Anything, "wf-1").Return(workflow, nil)

		req := newRequest("POST", "/api/workflows/wf-1/run", "wf-1", nil)
		w := httptest.NewRecorder()

		handler.StartSession(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Eventually(t, func() bool {
			ids := runner.startedIDs()
			return len(ids) == 1 && ids[0] == "wf-1"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects a terminal workflow", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		runner := &stubRunner{}
		handler := handlers.NewWorkflowHandler(mockService, runner)

		workflow := &entities.SchedulingWorkflow{ID: "wf-1", Status: entities.WorkflowStatusCancelled}
		mockService.On("GetWorkflow", mock.Anything, "wf-1").Return(workflow, nil)

		req := newRequest("POST", "/api/workflows/wf-1/run", "wf-1", nil)
		w := httptest.NewRecorder()

		handler.StartSession(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Empty(t, runner.startedIDs())
	})
}

func TestWorkflowHandler_OTP(t *testing.T) {
	t.Run("request accepted", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		wait := make(chan services.OTPResult, 1)
		mockService.On("RequestOTP", mock.Anything, "wf-1", "+15550100").
			Return((<-chan services.OTPResult)(wait), nil)

		req := newRequest("POST", "/api/workflows/wf-1/otp/request", "wf-1", map[string]string{
			"phone_number": "+15550100",
		})
		w := httptest.NewRecorder()

		handler.RequestOTP(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("submit resolves", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		workflow := &entities.SchedulingWorkflow{ID: "wf-1", OTPVerified: true}
		mockService.On("SubmitOTP", mock.Anything, "wf-1", "123456").Return(workflow, nil)

		req := newRequest("POST", "/api/workflows/wf-1/otp/submit", "wf-1", map[string]string{
			"code": "123456",
		})
		w := httptest.NewRecorder()

		handler.SubmitOTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("submit without a pending request returns not found", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		mockService.On("SubmitOTP", mock.Anything, "wf-1", "123456").
			Return(nil, apperrors.NewNotFoundError("no pending otp request for workflow wf-1"))

		req := newRequest("POST", "/api/workflows/wf-1/otp/submit", "wf-1", map[string]string{
			"code": "123456",
		})
		w := httptest.NewRecorder()

		handler.SubmitOTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("submit requires a code", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		req := newRequest("POST", "/api/workflows/wf-1/otp/submit", "wf-1", map[string]string{})
		w := httptest.NewRecorder()

		handler.SubmitOTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestWorkflowHandler_OperatorCommands(t *testing.T) {
	t.Run("override pauses the workflow", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		workflow := &entities.SchedulingWorkflow{ID: "wf-1", ManualOverrideEnabled: true}
		mockService.On("EnableManualOverride", mock.Anything, "wf-1", "op-1", "form changed").
			Return(workflow, nil)

		req := newRequest("POST", "/api/workflows/wf-1/override", "wf-1", map[string]string{
			"operator_id": "op-1",
			"notes":       "form changed",
		})
		w := httptest.NewRecorder()

		handler.EnableOverride(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("override on a terminal workflow is rejected", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		mockService.On("EnableManualOverride", mock.Anything, "wf-1", "op-1", "").
			Return(nil, apperrors.NewValidationError("workflow wf-1 is cancelled and cannot be paused"))

		req := newRequest("POST", "/api/workflows/wf-1/override", "wf-1", map[string]string{
			"operator_id": "op-1",
		})
		w := httptest.NewRecorder()

		handler.EnableOverride(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("cancel returns the cancelled workflow", func(t *testing.T) {
		mockService := new(MockWorkflowService)
		handler := handlers.NewWorkflowHandler(mockService, &stubRunner{})

		workflow := &entities.SchedulingWorkflow{ID: "wf-1", Status: entities.WorkflowStatusCancelled}
		mockService.On("CancelWorkflow", mock.Anything, "wf-1", "op-1", "caller hung up").
			Return(workflow, nil)

		req := newRequest("POST", "/api/workflows/wf-1/cancel", "wf-1", map[string]string{
			"operator_id": "op-1",
			"reason":      "caller hung up",
		})
		w := httptest.NewRecorder()

		handler.CancelWorkflow(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var got entities.SchedulingWorkflow
		assert.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, entities.WorkflowStatusCancelled, got.Status)
	})
}
