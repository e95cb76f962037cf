// Copyright 2025 James Ross
package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flyingrobots/dubbing-orchestrator/internal/audit"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

func defaultLimits() Limits {
	return Limits{
		MaxRunning:           1,
		MaxQueued:            5,
		DailyCap:             10,
		MaxHighRunningGlobal: 1,
		HighModeAdminOnly:    true,
	}
}

func alwaysGPU() bool { return true }
func neverGPU() bool  { return false }

func TestEvaluateSubmissionRejectsHighModeForNonAdmin(t *testing.T) {
	r := EvaluateSubmission(store.RoleEditor, "high", "cpu", Counts{}, defaultLimits(), alwaysGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.False(t, r.OK)
	assert.Equal(t, 403, r.StatusCode)
	assert.Equal(t, []string{"high_mode_admin_only"}, r.Reasons)
}

func TestEvaluateSubmissionAllowsHighModeForAdmin(t *testing.T) {
	r := EvaluateSubmission(store.RoleAdmin, "high", "cpu", Counts{}, defaultLimits(), alwaysGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.True(t, r.OK)
	assert.Equal(t, "high", r.EffectiveMode)
}

func TestEvaluateSubmissionDowngradesCUDAWithoutGPU(t *testing.T) {
	r := EvaluateSubmission(store.RoleEditor, "medium", "cuda", Counts{}, defaultLimits(), neverGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.True(t, r.OK)
	assert.Equal(t, "cpu", r.EffectiveDevice)
	assert.Contains(t, r.Reasons, "gpu_unavailable_device_downgrade")
}

func TestEvaluateSubmissionDowngradesHighModeWhenCUDAUnavailable(t *testing.T) {
	r := EvaluateSubmission(store.RoleAdmin, "high", "cuda", Counts{}, defaultLimits(), neverGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.True(t, r.OK)
	assert.Equal(t, "medium", r.EffectiveMode)
	assert.Equal(t, "cpu", r.EffectiveDevice)
	assert.Contains(t, r.Reasons, "gpu_unavailable_mode_downgrade")
}

func TestEvaluateSubmissionRejectsOverDailyCap(t *testing.T) {
	r := EvaluateSubmission(store.RoleEditor, "medium", "cpu", Counts{Today: 10}, defaultLimits(), alwaysGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.False(t, r.OK)
	assert.Equal(t, 429, r.StatusCode)
	assert.Equal(t, []string{"daily_job_cap"}, r.Reasons)
}

func TestEvaluateSubmissionAdminBypassesDailyCap(t *testing.T) {
	r := EvaluateSubmission(store.RoleAdmin, "medium", "cpu", Counts{Today: 10}, defaultLimits(), alwaysGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.True(t, r.OK)
}

func TestEvaluateSubmissionRejectsOverQueuedCap(t *testing.T) {
	r := EvaluateSubmission(store.RoleEditor, "medium", "cpu", Counts{Queued: 5}, defaultLimits(), alwaysGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.False(t, r.OK)
	assert.Equal(t, 429, r.StatusCode)
	assert.Equal(t, []string{"user_queued_cap"}, r.Reasons)
}

func TestEvaluateSubmissionRuleOrderHighModeBeforeDailyCap(t *testing.T) {
	r := EvaluateSubmission(store.RoleEditor, "high", "cpu", Counts{Today: 10}, defaultLimits(), alwaysGPU, audit.NoopEmitter{}, "u1", "j1")
	assert.Equal(t, []string{"high_mode_admin_only"}, r.Reasons)
}

func TestEvaluateDispatchRejectsHighModeForNonAdmin(t *testing.T) {
	d := EvaluateDispatch(store.RoleEditor, "high", 0, 0, defaultLimits(), audit.NoopEmitter{}, "u1", "j1")
	assert.False(t, d.OK)
	assert.Equal(t, 60.0, d.RetryAfterS)
}

func TestEvaluateDispatchDefersOnRunningCap(t *testing.T) {
	d := EvaluateDispatch(store.RoleEditor, "medium", 1, 0, defaultLimits(), audit.NoopEmitter{}, "u1", "j1")
	assert.False(t, d.OK)
	assert.Equal(t, []string{"user_running_cap"}, d.Reasons)
	assert.Equal(t, 5.0, d.RetryAfterS)
}

func TestEvaluateDispatchDefersOnGlobalHighRunningCap(t *testing.T) {
	d := EvaluateDispatch(store.RoleAdmin, "high", 0, 1, defaultLimits(), audit.NoopEmitter{}, "u1", "j1")
	assert.False(t, d.OK)
	assert.Equal(t, []string{"global_high_running_cap"}, d.Reasons)
	assert.Equal(t, 10.0, d.RetryAfterS)
}

func TestEvaluateDispatchAllowsWithinLimits(t *testing.T) {
	d := EvaluateDispatch(store.RoleEditor, "medium", 0, 0, defaultLimits(), audit.NoopEmitter{}, "u1", "j1")
	assert.True(t, d.OK)
	assert.Empty(t, d.Reasons)
}
