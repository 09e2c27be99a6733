package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckQuotaApproachingLimit(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 50000)
	env.setRequests("app_a", 850)

	result, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(150), result.RequestRemaining)
	assert.Equal(t, shared.WarningApproachingLimit, result.Warning)
	assert.Empty(t, result.ErrorCode)
}

func TestCheckQuotaRequestExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 50000)
	env.setRequests("app_a", 1000)

	result, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, shared.ErrCodeRequestQuotaExceeded, result.ErrorCode)
	assert.Equal(t, int64(0), result.RequestRemaining)
	assert.Equal(t, shared.WarningExhausted, result.Warning)
}

func TestCheckQuotaOverrideRaisesLimit(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 50000)
	env.setRequests("app_a", 1000)

	_, err := env.config.SetOverride(env.ctx, "app_a", dto.QuotaOverrideRequest{RequestQuota: intPtr(5000)}, "admin:ops")
	require.NoError(t, err)

	result, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 5000, result.RequestLimit)
	assert.Equal(t, int64(4000), result.RequestRemaining)
}

func TestDeductTokensRecordsOverage(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 1000)

	result, err := env.quota.DeductTokens(env.ctx, "app_a", 900)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// The call already happened, so the overage is recorded in full.
	result, err = env.quota.DeductTokens(env.ctx, "app_a", 250)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.InDelta(t, 1150, result.TokenUsed, 0.001)
	assert.Equal(t, int64(0), result.TokenRemaining)

	result, err = env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, shared.ErrCodeTokenQuotaExceeded, result.ErrorCode)
}

func TestDeductTokensRejectsInvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 1000)

	_, err := env.quota.DeductTokens(env.ctx, "app_a", -1)
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
}

func TestDeductRequestSetsCycleTTL(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 1000)

	env.quota.DeductRequest(env.ctx, "app_a")
	env.quota.DeductRequest(env.ctx, "app_a")

	state, err := env.counter.Read(env.ctx, "app_a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.RequestsUsed)
	assert.Greater(t, env.mr.TTL(testKeyPrefix+"app_a:requests"), 30*24*time.Hour)
}

func TestCheckQuotaNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")

	result, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, shared.ErrCodeQuotaNotConfigured, result.ErrorCode)

	_, err = env.quota.GetUsage(env.ctx, "app_a")
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, appErr.StatusCode)
	assert.Equal(t, shared.ErrCodeQuotaNotConfigured, appErr.Code)
}

func TestCheckQuotaFailsOpenWhenRedisDown(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 50000)
	env.mr.Close()

	result, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.True(t, result.FailOpen)
	assert.Equal(t, -1, result.RequestLimit)
	assert.Equal(t, int64(-1), result.TokenRemaining)

	result, err = env.quota.DeductTokens(env.ctx, "app_a", 10)
	require.NoError(t, err)
	assert.True(t, result.FailOpen)

	_, err = env.quota.GetUsage(env.ctx, "app_a")
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.StatusCode)
}

func TestCheckQuotaCorruptCounterIsAnError(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 50000)
	_, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)

	require.NoError(t, env.mr.Set(testKeyPrefix+"app_a:tokens", "garbage"))
	_, err = env.quota.CheckQuota(env.ctx, "app_a")
	require.Error(t, err)
	assert.True(t, shared.IsCorrupt(err))
}

func TestGetUsage(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env.setNow(now)
	env.configureTenant("app_a", 1000, 50000)
	env.setRequests("app_a", 250)

	usage, err := env.quota.GetUsage(env.ctx, "app_a")
	require.NoError(t, err)
	assert.Equal(t, int64(750), usage.RequestRemaining)
	assert.InDelta(t, 25, usage.RequestPercentage, 0.001)
	assert.Equal(t, now, usage.BillingCycleStart)
	assert.Equal(t, now.Add(30*24*time.Hour).Unix(), usage.BillingCycleReset)
	assert.Empty(t, usage.Warning)
}

func TestUnlimitedPlanNeverDenies(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", dto.Unlimited, dto.Unlimited)
	env.setRequests("app_a", 1_000_000)

	result, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(-1), result.RequestRemaining)
	assert.Empty(t, result.Warning)
}

func TestThresholdNotificationFiresOncePerCycle(t *testing.T) {
	env := newTestEnv(t)
	sink := newWebhookSink(t, http.StatusOK)

	env.configureTenant("app_a", 1000, 50000)
	require.NoError(t, env.db.Model(&model.Tenant{}).Where("id = ?", "app_a").Update("webhook_url", sink.server.URL).Error)
	env.setRequests("app_a", 900)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.quota.CheckQuota(env.ctx, "app_a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	env.notifier.Wait()

	require.Equal(t, int64(1), sink.hits.Load())

	req := sink.last.Load()
	assert.Equal(t, shared.EventQuotaWarning, req.Header.Get(shared.HeaderEventType))
	assert.NotEmpty(t, req.Header.Get(shared.HeaderEventID))

	body := *sink.body.Load()
	assert.True(t, VerifySignature("secret-app_a", body, req.Header.Get(shared.HeaderWebhookSignature)))

	var event dto.ThresholdEvent
	require.NoError(t, json.Unmarshal(body, &event))
	assert.Equal(t, shared.ResourceRequest, event.Data.Resource)
	assert.InDelta(t, 90, event.Data.UsagePercentage, 0.001)
	assert.Equal(t, int64(1000), event.Data.Limit)

	// Crossing the next threshold sends a second, different event.
	env.setRequests("app_a", 1000)
	_, err := env.quota.CheckQuota(env.ctx, "app_a")
	require.NoError(t, err)
	env.notifier.Wait()

	assert.Equal(t, int64(2), sink.hits.Load())
	assert.Equal(t, shared.EventQuotaExhausted, sink.last.Load().Header.Get(shared.HeaderEventType))
}

func TestDetermineWarning(t *testing.T) {
	assert.Equal(t, "", DetermineWarning(10, 1000, 0, 50000))
	assert.Equal(t, shared.WarningApproachingLimit, DetermineWarning(800, 1000, 0, 50000))
	assert.Equal(t, shared.WarningApproachingLimit, DetermineWarning(0, 1000, 40000, 50000))
	assert.Equal(t, shared.WarningExhausted, DetermineWarning(800, 1000, 50000, 50000))
	assert.Equal(t, "", DetermineWarning(5000, -1, 0, -1))
	assert.Equal(t, "", DetermineWarning(5, 0, 5, 0))
}

func TestRemainingClampsAtZero(t *testing.T) {
	assert.Equal(t, int64(0), remainingRequests(10, 25))
	assert.Equal(t, int64(-1), remainingRequests(-1, 25))
	assert.Equal(t, int64(0), remainingTokens(10, 10.5))
	assert.Equal(t, int64(4), remainingTokens(10, 5.5))
}
