package entities

import (
	"time"
)

// WorkflowStatus represents the lifecycle stage of a scheduling workflow
type WorkflowStatus string

const (
	WorkflowStatusInitiated      WorkflowStatus = "initiated"
	WorkflowStatusCollectingData WorkflowStatus = "collecting_data"
	WorkflowStatusFormFilling    WorkflowStatus = "form_filling"
	WorkflowStatusOTPRequested   WorkflowStatus = "otp_requested"
	WorkflowStatusOTPVerified    WorkflowStatus = "otp_verified"
	WorkflowStatusSubmitting     WorkflowStatus = "submitting"
	WorkflowStatusCompleted      WorkflowStatus = "completed"
	WorkflowStatusFailed         WorkflowStatus = "failed"
	WorkflowStatusCancelled      WorkflowStatus = "cancelled"
)

// workflowStatuses is the allow-list of persistable status values.
var workflowStatuses = map[WorkflowStatus]struct{}{
	WorkflowStatusInitiated:      {},
	WorkflowStatusCollectingData: {},
	WorkflowStatusFormFilling:    {},
	WorkflowStatusOTPRequested:   {},
	WorkflowStatusOTPVerified:    {},
	WorkflowStatusSubmitting:     {},
	WorkflowStatusCompleted:      {},
	WorkflowStatusFailed:         {},
	WorkflowStatusCancelled:      {},
}

// statusSuccessors maps each status to the statuses it may advance to.
// failed and cancelled are additionally reachable from every non-terminal
// status; CanTransitionTo handles that case.
var statusSuccessors = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusInitiated:      {WorkflowStatusCollectingData},
	WorkflowStatusCollectingData: {WorkflowStatusFormFilling},
	WorkflowStatusFormFilling:    {WorkflowStatusOTPRequested},
	WorkflowStatusOTPRequested:   {WorkflowStatusOTPVerified},
	WorkflowStatusOTPVerified:    {WorkflowStatusSubmitting},
	WorkflowStatusSubmitting:     {WorkflowStatusCompleted},
}

// IsValid reports whether s is a known workflow status.
func (s WorkflowStatus) IsValid() bool {
	_, ok := workflowStatuses[s]
	return ok
}

// IsTerminal reports whether s permits no further business mutation.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	if next == WorkflowStatusFailed || next == WorkflowStatusCancelled {
		return true
	}
	for _, succ := range statusSuccessors[s] {
		if succ == next {
			return true
		}
	}
	return false
}

// PatientData is the structured snapshot of information collected verbally
// during the call. It is written once at workflow creation.
type PatientData struct {
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	DateOfBirth       string `json:"date_of_birth"`
	Gender            string `json:"gender"`
	AddressLine1      string `json:"address_line1"`
	AddressLine2      string `json:"address_line2,omitempty"`
	City              string `json:"city"`
	State             string `json:"state"`
	ZipCode           string `json:"zip_code"`
	HomePhone         string `json:"home_phone,omitempty"`
	MobilePhone       string `json:"mobile_phone"`
	Email             string `json:"email,omitempty"`
	InsuranceProvider string `json:"insurance_provider,omitempty"`
	InsuranceMemberID string `json:"insurance_member_id,omitempty"`
	NewPatient        bool   `json:"new_patient"`
	PreferredDate     string `json:"preferred_date,omitempty"`
	PreferredTime     string `json:"preferred_time,omitempty"`
}

// Screenshot is one captured view of the remote intake surface.
type Screenshot struct {
	Step       string    `json:"step"`
	CapturedAt time.Time `json:"captured_at"`
	ImageData  string    `json:"image_data"`
}

// ErrorDetails describes why a workflow ended in failure.
type ErrorDetails struct {
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// SchedulingWorkflow represents one end-to-end scheduling-automation attempt
// tied to a single call.
type SchedulingWorkflow struct {
	ID         string `json:"id" db:"id"`
	CallLogID  string `json:"call_log_id" db:"call_log_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	ContactID  string `json:"contact_id,omitempty" db:"contact_id"`
	AgentID    string `json:"agent_id" db:"agent_id"`

	Status      WorkflowStatus `json:"status" db:"status"`
	CurrentStep string         `json:"current_step" db:"current_step"`

	PatientData  PatientData            `json:"patient_data" db:"patient_data"`
	FormProgress map[string]interface{} `json:"form_progress" db:"form_progress"`
	Screenshots  []Screenshot           `json:"screenshots" db:"screenshots"`

	OTPRequested   bool       `json:"otp_requested" db:"otp_requested"`
	OTPRequestedAt *time.Time `json:"otp_requested_at,omitempty" db:"otp_requested_at"`
	OTPAttempts    int        `json:"otp_attempts" db:"otp_attempts"`
	OTPVerified    bool       `json:"otp_verified" db:"otp_verified"`
	OTPVerifiedAt  *time.Time `json:"otp_verified_at,omitempty" db:"otp_verified_at"`

	ConfirmationNumber string                 `json:"confirmation_number,omitempty" db:"confirmation_number"`
	AppointmentDetails map[string]interface{} `json:"appointment_details,omitempty" db:"appointment_details"`
	ErrorDetails       *ErrorDetails          `json:"error_details,omitempty" db:"error_details"`

	ManualOverrideEnabled bool   `json:"manual_override_enabled" db:"manual_override_enabled"`
	OperatorID            string `json:"operator_id,omitempty" db:"operator_id"`
	OperatorNotes         string `json:"operator_notes,omitempty" db:"operator_notes"`
	FallbackLinkSent      bool   `json:"fallback_link_sent" db:"fallback_link_sent"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the workflow has reached a terminal status.
func (w *SchedulingWorkflow) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// AppendScreenshot appends a capture, dropping the oldest entries once
// maxRetained is exceeded. A non-positive maxRetained disables the cap.
func (w *SchedulingWorkflow) AppendScreenshot(shot Screenshot, maxRetained int) {
	w.Screenshots = append(w.Screenshots, shot)
	if maxRetained > 0 && len(w.Screenshots) > maxRetained {
		w.Screenshots = w.Screenshots[len(w.Screenshots)-maxRetained:]
	}
}

// MergeFormProgress merges fields into the workflow's form progress record.
func (w *SchedulingWorkflow) MergeFormProgress(fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	if w.FormProgress == nil {
		w.FormProgress = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		w.FormProgress[k] = v
	}
}
