package routes

import (
	"net/http"

	"github.com/carevoice/intake-orchestrator/internal/api/handlers"
	"github.com/carevoice/intake-orchestrator/internal/api/middleware"
	"github.com/carevoice/intake-orchestrator/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	workflowHandler *handlers.WorkflowHandler
	sseHandler      *handlers.SSEHandler

	metrics *observability.Metrics
}

// NewRouter creates a new router
func NewRouter(
	workflowHandler *handlers.WorkflowHandler,
	sseHandler *handlers.SSEHandler,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		workflowHandler: workflowHandler,
		sseHandler:      sseHandler,
		metrics:         metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {

	// Health check endpoint
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Workflow lifecycle endpoints
	r.mux.HandleFunc("POST /api/workflows", r.workflowHandler.CreateWorkflow)
	r.mux.HandleFunc("GET /api/workflows", r.workflowHandler.ListWorkflows)
	r.mux.HandleFunc("GET /api/workflows/{id}", r.workflowHandler.GetWorkflow)
	r.mux.HandleFunc("POST /api/workflows/{id}/run", r.workflowHandler.StartSession)
	r.mux.HandleFunc("PATCH /api/workflows/{id}/status", r.workflowHandler.UpdateStatus)
	r.mux.HandleFunc("PATCH /api/workflows/{id}/step", r.workflowHandler.UpdateStep)

	// Passcode relay endpoints (driven by the conversational agent)
	r.mux.HandleFunc("POST /api/workflows/{id}/otp/request", r.workflowHandler.RequestOTP)
	r.mux.HandleFunc("POST /api/workflows/{id}/otp/submit", r.workflowHandler.SubmitOTP)

	// Automation-side reporting endpoints
	r.mux.HandleFunc("POST /api/workflows/{id}/progress", r.workflowHandler.CaptureProgress)
	r.mux.HandleFunc("POST /api/workflows/{id}/error", r.workflowHandler.RecordError)
	r.mux.HandleFunc("POST /api/workflows/{id}/fallback", r.workflowHandler.TriggerFallback)
	r.mux.HandleFunc("POST /api/workflows/{id}/complete", r.workflowHandler.CompleteWorkflow)

	// Operator console endpoints
	r.mux.HandleFunc("POST /api/workflows/{id}/override", r.workflowHandler.EnableOverride)
	r.mux.HandleFunc("POST /api/workflows/{id}/resume", r.workflowHandler.ResumeWorkflow)
	r.mux.HandleFunc("POST /api/workflows/{id}/cancel", r.workflowHandler.CancelWorkflow)

	// Real-time monitoring streams
	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/workflows", r.sseHandler.StreamAllUpdates)
		r.mux.HandleFunc("GET /api/stream/workflows/{id}", r.sseHandler.StreamWorkflowUpdates)
	}

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.CORSMiddleware(handler)

	return handler
}
