package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carevoice/intake-orchestrator/internal/domain/entities"
	"github.com/carevoice/intake-orchestrator/internal/domain/providers"
	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

// settleDelay is how long the runner lets the remote surface settle after
// a page-changing action before capturing it.
const settleDelay = 500 * time.Millisecond

// SessionRunner drives one exclusive automation session through the
// third-party intake surface: it fills the form from the workflow's patient
// data, suspends for the caller's passcode, submits, and reads back the
// confirmation number.
//
// The runner owns the workflow only between abort checks: before every step
// it consults ShouldAbort and backs off if an operator has paused or
// cancelled the workflow.
type SessionRunner struct {
	workflows *WorkflowService
	drivers   providers.DriverFactory
}

// NewSessionRunner creates a new session runner
func NewSessionRunner(workflows *WorkflowService, drivers providers.DriverFactory) *SessionRunner {
	return &SessionRunner{
		workflows: workflows,
		drivers:   drivers,
	}
}

// formStep is one named unit of form-filling work. fields returns the
// progress entries the step establishes, recorded after it succeeds.
type formStep struct {
	name   string
	status entities.WorkflowStatus
	run    func(ctx context.Context, driver providers.AutomationDriver, workflow *entities.SchedulingWorkflow) (map[string]interface{}, error)
}

// Run executes the full scheduling session for the workflow. It returns nil
// when the session ends in an orderly way, including operator pause or
// cancellation; only setup failures surface as errors.
func (r *SessionRunner) Run(ctx context.Context, workflowID string) error {
	workflow, err := r.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if workflow.IsTerminal() {
		return apperrors.NewValidationError(
			fmt.Sprintf("workflow %s is %s and cannot start a session", workflowID, workflow.Status))
	}

	driver, err := r.drivers.NewSession(ctx, workflowID)
	if err != nil {
		recordErr := r.workflows.RecordError(ctx, workflowID, "failed to open automation session", map[string]interface{}{
			"error": err.Error(),
		})
		if recordErr != nil {
			log.Error().Err(recordErr).Str("workflow_id", workflowID).Msg("failed to record session setup error")
		}
		return err
	}
	defer func() {
		if closeErr := driver.Close(context.Background()); closeErr != nil {
			log.Warn().Err(closeErr).Str("workflow_id", workflowID).Msg("failed to close automation session")
		}
	}()

	steps := []formStep{
		{name: "patient_type", status: entities.WorkflowStatusCollectingData, run: r.selectPatientType},
		{name: "demographics", status: entities.WorkflowStatusFormFilling, run: r.fillDemographics},
		{name: "contact", run: r.fillContact},
		{name: "insurance", run: r.fillInsurance},
	}

	for _, step := range steps {
		if reason, abort := r.workflows.ShouldAbort(workflowID); abort {
			log.Info().
				Str("workflow_id", workflowID).
				Str("reason", reason).
				Msg("session aborting before step")
			return nil
		}

		workflow, err = r.workflows.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}

		if step.status != "" && workflow.Status.CanTransitionTo(step.status) {
			if workflow, err = r.workflows.UpdateStatus(ctx, workflowID, step.status); err != nil {
				return err
			}
		}
		if _, err = r.workflows.UpdateStep(ctx, workflowID, step.name); err != nil {
			return err
		}

		fields, stepErr := step.run(ctx, driver, workflow)
		if stepErr != nil {
			return r.fail(ctx, workflowID, step.name, stepErr)
		}

		r.capture(ctx, driver, workflowID, step.name, fields)
	}

	if done, err := r.verifyPasscode(ctx, driver, workflowID); done || err != nil {
		return err
	}

	return r.submit(ctx, driver, workflowID)
}

// verifyPasscode requests the intake surface's verification code, suspends
// until the caller relays it, and types it in. The returned done flag is
// true when the session should stop without submitting (timeout fallback,
// supersession, cancellation).
func (r *SessionRunner) verifyPasscode(ctx context.Context, driver providers.AutomationDriver, workflowID string) (bool, error) {
	if reason, abort := r.workflows.ShouldAbort(workflowID); abort {
		log.Info().
			Str("workflow_id", workflowID).
			Str("reason", reason).
			Msg("session aborting before passcode verification")
		return true, nil
	}

	workflow, err := r.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return true, err
	}

	if err := driver.Click(ctx, "send_verification_code"); err != nil {
		return true, r.fail(ctx, workflowID, "otp_request", err)
	}

	wait, err := r.workflows.RequestOTP(ctx, workflowID, workflow.PatientData.MobilePhone)
	if err != nil {
		return true, err
	}
	r.capture(ctx, driver, workflowID, "otp_request", nil)

	result := <-wait
	if result.Err != nil {
		switch apperrors.TypeOf(result.Err) {
		case apperrors.ErrorTypeTimeout:
			if err := r.workflows.TriggerFallback(ctx, workflowID, "caller did not relay the verification code in time"); err != nil {
				log.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to trigger otp timeout fallback")
			}
		default:
			// Superseded or cancelled: another flow of control owns the
			// workflow now, so the session just winds down.
			log.Info().
				Err(result.Err).
				Str("workflow_id", workflowID).
				Msg("passcode wait ended without a code")
		}
		return true, nil
	}

	if reason, abort := r.workflows.ShouldAbort(workflowID); abort {
		log.Info().
			Str("workflow_id", workflowID).
			Str("reason", reason).
			Msg("session aborting after passcode arrival")
		return true, nil
	}

	if err := driver.TypeText(ctx, "verification_code", result.Code); err != nil {
		return true, r.fail(ctx, workflowID, "otp_entry", err)
	}
	if err := driver.Click(ctx, "verify_code"); err != nil {
		return true, r.fail(ctx, workflowID, "otp_entry", err)
	}
	if err := driver.Wait(ctx, settleDelay); err != nil {
		return true, r.fail(ctx, workflowID, "otp_entry", err)
	}

	r.capture(ctx, driver, workflowID, "otp_entry", nil)
	return false, nil
}

// submit drives the final form submission and records the confirmation.
func (r *SessionRunner) submit(ctx context.Context, driver providers.AutomationDriver, workflowID string) error {
	if reason, abort := r.workflows.ShouldAbort(workflowID); abort {
		log.Info().
			Str("workflow_id", workflowID).
			Str("reason", reason).
			Msg("session aborting before submission")
		return nil
	}

	if _, err := r.workflows.UpdateStatus(ctx, workflowID, entities.WorkflowStatusSubmitting); err != nil {
		return err
	}
	if _, err := r.workflows.UpdateStep(ctx, workflowID, "submit"); err != nil {
		return err
	}

	if err := driver.Click(ctx, "submit_form"); err != nil {
		return r.fail(ctx, workflowID, "submit", err)
	}
	if err := driver.Wait(ctx, settleDelay); err != nil {
		return r.fail(ctx, workflowID, "submit", err)
	}

	confirmation, err := driver.ReadText(ctx, "confirmation_number")
	if err != nil {
		return r.fail(ctx, workflowID, "confirmation", err)
	}
	confirmation = strings.TrimSpace(confirmation)
	if confirmation == "" {
		return r.fail(ctx, workflowID, "confirmation",
			fmt.Errorf("intake surface showed no confirmation number"))
	}

	r.capture(ctx, driver, workflowID, "confirmation", nil)

	_, err = r.workflows.CompleteWorkflow(ctx, workflowID, true, confirmation, map[string]interface{}{
		"confirmed_at": time.Now().Format(time.RFC3339),
	})
	return err
}

// fail records the step failure and issues the manual-scheduling fallback.
// The session itself ends cleanly; the failure lives on the workflow.
func (r *SessionRunner) fail(ctx context.Context, workflowID, step string, cause error) error {
	log.Error().
		Err(cause).
		Str("workflow_id", workflowID).
		Str("step", step).
		Msg("automation step failed")

	if err := r.workflows.RecordError(ctx, workflowID, fmt.Sprintf("automation step %s failed", step), map[string]interface{}{
		"step":  step,
		"error": cause.Error(),
	}); err != nil {
		log.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to record automation error")
	}

	if err := r.workflows.TriggerFallback(ctx, workflowID, fmt.Sprintf("automation failed at step %s", step)); err != nil {
		log.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to trigger fallback")
	}

	return nil
}

// capture takes a screenshot of the current view and records it with any
// progress fields. Capture problems are logged, never fatal.
func (r *SessionRunner) capture(ctx context.Context, driver providers.AutomationDriver, workflowID, step string, fields map[string]interface{}) {
	image, err := driver.CaptureView(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Str("workflow_id", workflowID).
			Str("step", step).
			Msg("failed to capture view")
		return
	}

	if err := r.workflows.CaptureProgress(ctx, workflowID, step, image, fields); err != nil {
		log.Warn().
			Err(err).
			Str("workflow_id", workflowID).
			Str("step", step).
			Msg("failed to record progress capture")
	}
}

func (r *SessionRunner) selectPatientType(ctx context.Context, driver providers.AutomationDriver, workflow *entities.SchedulingWorkflow) (map[string]interface{}, error) {
	target := "existing_patient"
	if workflow.PatientData.NewPatient {
		target = "new_patient"
	}
	if err := driver.Click(ctx, target); err != nil {
		return nil, err
	}
	if err := driver.Wait(ctx, settleDelay); err != nil {
		return nil, err
	}
	return map[string]interface{}{"patient_type": target}, nil
}

func (r *SessionRunner) fillDemographics(ctx context.Context, driver providers.AutomationDriver, workflow *entities.SchedulingWorkflow) (map[string]interface{}, error) {
	data := workflow.PatientData
	entries := []struct{ target, value string }{
		{"first_name", data.FirstName},
		{"last_name", data.LastName},
		{"date_of_birth", data.DateOfBirth},
		{"gender", data.Gender},
	}

	fields := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		if entry.value == "" {
			continue
		}
		if err := driver.TypeText(ctx, entry.target, entry.value); err != nil {
			return nil, err
		}
		fields[entry.target] = entry.value
	}
	return fields, nil
}

func (r *SessionRunner) fillContact(ctx context.Context, driver providers.AutomationDriver, workflow *entities.SchedulingWorkflow) (map[string]interface{}, error) {
	data := workflow.PatientData
	entries := []struct{ target, value string }{
		{"address_line1", data.AddressLine1},
		{"address_line2", data.AddressLine2},
		{"city", data.City},
		{"state", data.State},
		{"zip_code", data.ZipCode},
		{"home_phone", data.HomePhone},
		{"mobile_phone", data.MobilePhone},
		{"email", data.Email},
	}

	fields := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		if entry.value == "" {
			continue
		}
		if err := driver.TypeText(ctx, entry.target, entry.value); err != nil {
			return nil, err
		}
		fields[entry.target] = entry.value
	}
	return fields, nil
}

func (r *SessionRunner) fillInsurance(ctx context.Context, driver providers.AutomationDriver, workflow *entities.SchedulingWorkflow) (map[string]interface{}, error) {
	data := workflow.PatientData
	if data.InsuranceProvider == "" {
		return nil, nil
	}

	if err := driver.TypeText(ctx, "insurance_provider", data.InsuranceProvider); err != nil {
		return nil, err
	}
	fields := map[string]interface{}{"insurance_provider": data.InsuranceProvider}

	if data.InsuranceMemberID != "" {
		if err := driver.TypeText(ctx, "insurance_member_id", data.InsuranceMemberID); err != nil {
			return nil, err
		}
		fields["insurance_member_id"] = data.InsuranceMemberID
	}
	return fields, nil
}
