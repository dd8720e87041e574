package entities

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// WorkflowEventType represents the type of workflow lifecycle event
type WorkflowEventType string

const (
	WorkflowEventTypeCreated            WorkflowEventType = "workflow_created"
	WorkflowEventTypeStatusChanged      WorkflowEventType = "status_changed"
	WorkflowEventTypeStepChanged        WorkflowEventType = "step_changed"
	WorkflowEventTypeOTPRequested       WorkflowEventType = "otp_requested"
	WorkflowEventTypeOTPVerified        WorkflowEventType = "otp_verified"
	WorkflowEventTypeScreenshotCaptured WorkflowEventType = "screenshot_captured"
	WorkflowEventTypeErrorOccurred      WorkflowEventType = "error_occurred"
	WorkflowEventTypeFallbackTriggered  WorkflowEventType = "fallback_triggered"
	WorkflowEventTypeManualOverride     WorkflowEventType = "manual_override"
	WorkflowEventTypeFormSubmitted      WorkflowEventType = "form_submitted"
)

// WorkflowEvent represents a lifecycle event emitted by the workflow manager
// for consumption by logging, monitoring, and alerting collaborators.
type WorkflowEvent struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	EventType  WorkflowEventType      `json:"event_type"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// NewWorkflowEvent creates a new workflow event
func NewWorkflowEvent(workflowID string, eventType WorkflowEventType, payload map[string]interface{}) *WorkflowEvent {
	return &WorkflowEvent{
		ID:         generateEventID(),
		WorkflowID: workflowID,
		EventType:  eventType,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
}

// generateEventID generates a unique event ID
func generateEventID() string {
	return time.Now().Format("20060102150405") + "-" + randomString(8)
}

// randomString generates a random string of specified length
func randomString(length int) string {
	bytes := make([]byte, length/2+1)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based if crypto/rand fails
		return time.Now().Format("150405.000")
	}
	return hex.EncodeToString(bytes)[:length]
}
