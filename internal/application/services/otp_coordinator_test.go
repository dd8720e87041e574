package services_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevoice/intake-orchestrator/internal/application/services"
	apperrors "github.com/carevoice/intake-orchestrator/pkg/errors"
)

// manualTimers replaces the coordinator's AfterFunc so tests fire timeout
// callbacks deterministically instead of sleeping.
type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTimers) AfterFunc(d time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, fn)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}

func (m *manualTimers) fire(t *testing.T, i int) {
	m.mu.Lock()
	require.Greater(t, len(m.fns), i, "no timer registered at index %d", i)
	fn := m.fns[i]
	m.mu.Unlock()
	fn()
}

func newManualCoordinator(timeout time.Duration) (*services.OTPCoordinator, *manualTimers) {
	timers := &manualTimers{}
	coordinator := services.NewOTPCoordinator(timeout)
	coordinator.AfterFunc = timers.AfterFunc
	return coordinator, timers
}

func receiveResult(t *testing.T, ch <-chan services.OTPResult) services.OTPResult {
	t.Helper()
	select {
	case result := <-ch:
		return result
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for otp result")
		return services.OTPResult{}
	}
}

func TestOTPCoordinator_ResolveDeliversCode(t *testing.T) {
	coordinator, _ := newManualCoordinator(2 * time.Minute)

	wait := coordinator.Register("wf-1")
	require.True(t, coordinator.HasPending("wf-1"))

	assert.True(t, coordinator.Resolve("wf-1", "123456"))

	result := receiveResult(t, wait)
	assert.NoError(t, result.Err)
	assert.Equal(t, "123456", result.Code)
	assert.False(t, coordinator.HasPending("wf-1"))
}

func TestOTPCoordinator_TimeoutRejectsWaiter(t *testing.T) {
	coordinator, timers := newManualCoordinator(2 * time.Minute)

	wait := coordinator.Register("wf-1")
	timers.fire(t, 0)

	result := receiveResult(t, wait)
	require.Error(t, result.Err)
	assert.True(t, apperrors.IsType(result.Err, apperrors.ErrorTypeTimeout))
	assert.False(t, coordinator.HasPending("wf-1"))

	// A code arriving after expiry finds nothing to resolve.
	assert.False(t, coordinator.Resolve("wf-1", "123456"))
}

func TestOTPCoordinator_RepeatRegisterSupersedesWaiter(t *testing.T) {
	coordinator, _ := newManualCoordinator(2 * time.Minute)

	first := coordinator.Register("wf-1")
	second := coordinator.Register("wf-1")

	result := receiveResult(t, first)
	require.Error(t, result.Err)
	assert.True(t, apperrors.IsType(result.Err, apperrors.ErrorTypeConflict))

	assert.True(t, coordinator.Resolve("wf-1", "654321"))
	result = receiveResult(t, second)
	assert.NoError(t, result.Err)
	assert.Equal(t, "654321", result.Code)
}

func TestOTPCoordinator_StaleTimerIgnoresReplacementEntry(t *testing.T) {
	coordinator, timers := newManualCoordinator(2 * time.Minute)

	coordinator.Register("wf-1")
	second := coordinator.Register("wf-1")

	// The first entry's timer fires after it was already superseded; the
	// replacement entry must stay pending.
	timers.fire(t, 0)
	assert.True(t, coordinator.HasPending("wf-1"))

	assert.True(t, coordinator.Resolve("wf-1", "111222"))
	result := receiveResult(t, second)
	assert.Equal(t, "111222", result.Code)
}

func TestOTPCoordinator_ResolveWithoutPending(t *testing.T) {
	coordinator, _ := newManualCoordinator(2 * time.Minute)

	assert.False(t, coordinator.Resolve("wf-unknown", "123456"))
}

func TestOTPCoordinator_CancelRejectsWaiter(t *testing.T) {
	coordinator, _ := newManualCoordinator(2 * time.Minute)

	wait := coordinator.Register("wf-1")
	assert.True(t, coordinator.Cancel("wf-1", apperrors.NewConflictError("workflow cancelled")))

	result := receiveResult(t, wait)
	require.Error(t, result.Err)
	assert.True(t, apperrors.IsType(result.Err, apperrors.ErrorTypeConflict))

	assert.False(t, coordinator.Cancel("wf-1", apperrors.NewConflictError("again")))
}

func TestOTPCoordinator_CancelAll(t *testing.T) {
	coordinator, _ := newManualCoordinator(2 * time.Minute)

	first := coordinator.Register("wf-1")
	second := coordinator.Register("wf-2")

	coordinator.CancelAll(apperrors.NewConflictError("shutting down"))

	for _, wait := range []<-chan services.OTPResult{first, second} {
		result := receiveResult(t, wait)
		require.Error(t, result.Err)
		assert.True(t, apperrors.IsType(result.Err, apperrors.ErrorTypeConflict))
	}
	assert.False(t, coordinator.HasPending("wf-1"))
	assert.False(t, coordinator.HasPending("wf-2"))
}
