package automation

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/carevoice/intake-orchestrator/internal/domain/providers"
)

// MockDriver simulates one interactive intake session for local development.
// It records interactions and serves deterministic view captures.
type MockDriver struct {
	mu          sync.Mutex
	workflowID  string
	captures    int
	fieldValues map[string]string
	closed      bool
}

// MockDriverFactory creates MockDriver sessions.
type MockDriverFactory struct{}

// NewMockDriverFactory creates a mock driver factory
func NewMockDriverFactory() providers.DriverFactory {
	return &MockDriverFactory{}
}

// NewSession opens a fresh mock session
func (f *MockDriverFactory) NewSession(ctx context.Context, workflowID string) (providers.AutomationDriver, error) {
	return &MockDriver{
		workflowID:  workflowID,
		fieldValues: make(map[string]string),
	}, nil
}

// CaptureView returns a deterministic placeholder capture
func (d *MockDriver) CaptureView(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", fmt.Errorf("session closed")
	}
	d.captures++
	payload := fmt.Sprintf("mock-capture-%s-%d", d.workflowID, d.captures)
	return base64.StdEncoding.EncodeToString([]byte(payload)), nil
}

// Click records a click on the target
func (d *MockDriver) Click(ctx context.Context, target string) error {
	return d.record(target, "<clicked>")
}

// TypeText records text typed into the target
func (d *MockDriver) TypeText(ctx context.Context, target, text string) error {
	return d.record(target, text)
}

// KeyPress is a no-op for the mock driver
func (d *MockDriver) KeyPress(ctx context.Context, key string) error {
	return d.record("key:"+key, "<pressed>")
}

// Scroll is a no-op for the mock driver
func (d *MockDriver) Scroll(ctx context.Context, deltaY int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("session closed")
	}
	return nil
}

// Wait pauses briefly, honoring context cancellation
func (d *MockDriver) Wait(ctx context.Context, duration time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
		return nil
	}
}

// ReadText returns a deterministic confirmation reference for the
// confirmation field and the recorded value for anything else.
func (d *MockDriver) ReadText(ctx context.Context, target string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", fmt.Errorf("session closed")
	}
	if target == "confirmation_number" {
		return fmt.Sprintf("CONF-%d", time.Now().UnixNano()%1_000_000), nil
	}
	return d.fieldValues[target], nil
}

// Close disposes the mock session
func (d *MockDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *MockDriver) record(target, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("session closed")
	}
	d.fieldValues[target] = value
	return nil
}
