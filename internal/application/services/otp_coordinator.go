package services

import (
	"sync"
	"time"

	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

// OTPResult is delivered on the channel returned by Register: either the
// passcode relayed by the caller or the error that ended the wait.
type OTPResult struct {
	Code string
	Err  error
}

type pendingOTP struct {
	result chan OTPResult
	timer  *time.Timer
}

// OTPCoordinator is the suspend/resume primitive: it holds at most one
// pending "passcode expected" entry per workflow, with a bounded wait. One
// flow of control blocks on the returned channel while another (the
// conversational agent relaying caller speech) resolves it.
//
// If Register is called while an entry is already pending, the previous
// waiter is rejected with a CONFLICT error and replaced. The alternative
// (rejecting the second request) would strand the caller-facing retry flow,
// which re-requests the passcode when the caller asks for a resend.
type OTPCoordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingOTP
	timeout time.Duration

	// AfterFunc schedules the timeout callback. Injectable so tests can
	// fire timeouts deterministically instead of sleeping.
	AfterFunc func(d time.Duration, fn func()) *time.Timer
}

// NewOTPCoordinator creates a coordinator with the given wait window
func NewOTPCoordinator(timeout time.Duration) *OTPCoordinator {
	return &OTPCoordinator{
		pending:   make(map[string]*pendingOTP),
		timeout:   timeout,
		AfterFunc: time.AfterFunc,
	}
}

// Register installs a pending passcode entry for the workflow and arms the
// timeout. The returned channel receives exactly one OTPResult.
func (c *OTPCoordinator) Register(workflowID string) <-chan OTPResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, exists := c.pending[workflowID]; exists {
		prev.timer.Stop()
		prev.result <- OTPResult{Err: apperrors.NewConflictError("otp request superseded by a newer request")}
		delete(c.pending, workflowID)
	}

	entry := &pendingOTP{
		result: make(chan OTPResult, 1),
	}
	entry.timer = c.AfterFunc(c.timeout, func() {
		c.expire(workflowID, entry)
	})
	c.pending[workflowID] = entry

	return entry.result
}

// Resolve delivers the passcode to the pending waiter and removes the entry.
// It returns false when no entry is pending for the workflow.
func (c *OTPCoordinator) Resolve(workflowID, code string) bool {
	deliver, ok := c.Claim(workflowID)
	if !ok {
		return false
	}
	deliver(OTPResult{Code: code})
	return true
}

// Claim removes the pending entry, stopping its timer, and returns a
// delivery function for the waiting channel. It lets the caller finish
// side effects (persisting the verification) before the waiter unblocks.
// The delivery function must be called exactly once.
func (c *OTPCoordinator) Claim(workflowID string) (func(OTPResult), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.pending[workflowID]
	if !exists {
		return nil, false
	}

	entry.timer.Stop()
	delete(c.pending, workflowID)
	return func(result OTPResult) {
		entry.result <- result
	}, true
}

// Cancel tears down a pending entry, rejecting the waiter with err. Used
// when the workflow is cancelled, completed, or falls back mid-wait. It
// returns false when no entry is pending.
func (c *OTPCoordinator) Cancel(workflowID string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.pending[workflowID]
	if !exists {
		return false
	}

	entry.timer.Stop()
	entry.result <- OTPResult{Err: err}
	delete(c.pending, workflowID)
	return true
}

// CancelAll tears down every pending entry, rejecting each waiter with err.
func (c *OTPCoordinator) CancelAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.pending {
		entry.timer.Stop()
		entry.result <- OTPResult{Err: err}
		delete(c.pending, id)
	}
}

// HasPending reports whether a passcode entry is pending for the workflow.
func (c *OTPCoordinator) HasPending(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.pending[workflowID]
	return exists
}

// expire rejects the waiter with a timeout error. The entry identity check
// keeps a stale timer from tearing down a replacement entry.
func (c *OTPCoordinator) expire(workflowID string, entry *pendingOTP) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.pending[workflowID]
	if !exists || current != entry {
		return
	}

	entry.result <- OTPResult{Err: apperrors.NewTimeoutError("otp wait window expired")}
	delete(c.pending, workflowID)
}
