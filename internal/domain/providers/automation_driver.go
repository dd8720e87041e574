package providers

import (
	"context"
	"time"
)

// Key constants for the driver's KeyPress capability.
const (
	KeyEnter  = "Enter"
	KeyTab    = "Tab"
	KeyEscape = "Escape"
)

// AutomationDriver is the capability set exposed by one exclusive remote
// interactive session (e.g. one browser tab) against the third-party intake
// surface. One instance per workflow; never shared.
//
// The concrete driver is an external collaborator; this package owns only
// the contract the session runner drives.
type AutomationDriver interface {
	// CaptureView captures the current view and returns the encoded image payload
	CaptureView(ctx context.Context) (string, error)

	// Click performs a pointer click at the element identified by target
	Click(ctx context.Context, target string) error

	// TypeText types text into the element identified by target
	TypeText(ctx context.Context, target, text string) error

	// KeyPress sends a single key press to the session
	KeyPress(ctx context.Context, key string) error

	// Scroll scrolls the view by the given vertical delta
	Scroll(ctx context.Context, deltaY int) error

	// Wait pauses the session for the given duration
	Wait(ctx context.Context, d time.Duration) error

	// ReadText reads visible text from the element identified by target
	ReadText(ctx context.Context, target string) (string, error)

	// Close disposes the underlying interactive session
	Close(ctx context.Context) error
}

// DriverFactory creates one exclusive driver session per workflow.
type DriverFactory interface {
	// NewSession opens a fresh interactive session against the intake surface
	NewSession(ctx context.Context, workflowID string) (AutomationDriver, error)
}
