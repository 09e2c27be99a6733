package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchive struct {
	mu        sync.Mutex
	snapshots []*model.QuotaUsageSnapshot
	err       error
}

func (a *recordingArchive) Archive(ctx context.Context, snapshot *model.QuotaUsageSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots = append(a.snapshots, snapshot)
	return a.err
}

func TestRunOnceResetsOnlyElapsedTenants(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	env.setNow(now)

	archive := &recordingArchive{}
	env.cycles.archive = archive

	env.configureTenant("app_due", 1000, 50000)
	env.configureTenant("app_current", 1000, 50000)
	env.configureTenant("app_idle", 1000, 50000)

	env.setCycleStart("app_due", now.Add(-30*24*time.Hour))
	env.setRequests("app_due", 42)
	env.setCycleStart("app_current", now.Add(-time.Hour))

	report, err := env.cycles.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, dto.ReconcileReport{Processed: 3, Reset: 1, Errors: 0}, report)

	assert.Equal(t, int64(1), env.snapshotCount("app_due"))
	assert.Equal(t, int64(0), env.snapshotCount("app_current"))
	assert.Equal(t, int64(0), env.snapshotCount("app_idle"))

	start, ok, err := env.counter.GetCycleStart(env.ctx, "app_due")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, start)

	require.Len(t, archive.snapshots, 1)
	assert.Equal(t, int64(42), archive.snapshots[0].RequestUsed)

	audit, err := repositories.NewAuditRepository(env.db).ListByResource(env.ctx, auditResourceTenant, "app_due")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, auditActionCycleReset, audit[0].Action)
	assert.Equal(t, actorReconciler, audit[0].Actor)

	// A second pass finds nothing to do.
	report, err = env.cycles.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reset)
	assert.Equal(t, int64(1), env.snapshotCount("app_due"))
}

func TestRunOnceIsolatesTenantFailures(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	env.setNow(now)

	env.configureTenant("app_bad", 1000, 50000)
	env.configureTenant("app_due", 1000, 50000)
	require.NoError(t, env.mr.Set(testKeyPrefix+"app_bad:cycle_start", "garbage"))
	env.setCycleStart("app_due", now.Add(-30*24*time.Hour))
	env.setRequests("app_due", 7)

	errorsBefore := testutil.ToFloat64(quotaReconcileTenantErrorsTotal)

	report, err := env.cycles.RunOnce(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, dto.ReconcileReport{Processed: 2, Reset: 1, Errors: 1}, report)
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(quotaReconcileTenantErrorsTotal))

	assert.Equal(t, int64(1), env.snapshotCount("app_due"))
	assert.Equal(t, int64(0), env.snapshotCount("app_bad"))

	start, ok, err := env.counter.GetCycleStart(env.ctx, "app_due")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, start)
}

func TestRolloverConcurrentCallersWriteOneSnapshot(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	env.setNow(now)
	env.configureTenant("app_a", 1000, 50000)

	old := now.Add(-31 * 24 * time.Hour)
	env.setCycleStart("app_a", old)
	env.setRequests("app_a", 999)

	limits := dto.QuotaLimits{RequestLimit: 1000, TokenLimit: 50000, PeriodDays: 30}

	var won atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half go through the reconciler path, half through the resolver.
			if i%2 == 0 {
				result, err := env.cycles.Rollover(env.ctx, "app_a", old, limits, shared.ResetTypeAuto, actorReconciler)
				assert.NoError(t, err)
				if result != nil && result.Won {
					won.Add(1)
				}
				return
			}
			cfg, err := env.config.Resolve(env.ctx, "app_a")
			assert.NoError(t, err)
			if cfg != nil {
				assert.Equal(t, now, cfg.CycleStart)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, won.Load(), int64(1))
	assert.Equal(t, int64(1), env.snapshotCount("app_a"))

	var snapshot model.QuotaUsageSnapshot
	require.NoError(t, env.db.Where("tenant_id = ?", "app_a").First(&snapshot).Error)
	assert.Equal(t, int64(999), snapshot.RequestUsed)
}

func TestRunOnceAbortsWhenCacheUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.configureTenant("app_a", 1000, 50000)
	env.configureTenant("app_b", 1000, 50000)
	env.mr.Close()

	_, err := env.cycles.RunOnce(env.ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReconcileAborted))
	assert.True(t, shared.IsCacheUnavailable(err))
}

func TestResetTenantManual(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	env.setNow(now)
	env.configureTenant("app_a", 1000, 50000)

	_, err := env.cycles.ResetTenant(env.ctx, "app_a", "admin:ops")
	assert.ErrorIs(t, err, ErrCycleNotStarted)

	env.setCycleStart("app_a", now.Add(-time.Hour))
	env.setRequests("app_a", 15)

	snapshot, err := env.cycles.ResetTenant(env.ctx, "app_a", "admin:ops")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, shared.ResetTypeManual, snapshot.ResetType)
	assert.Equal(t, int64(15), snapshot.RequestUsed)

	state, err := env.counter.Read(env.ctx, "app_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.RequestsUsed)
	assert.Equal(t, now, state.CycleStart)

	var audit model.AuditLog
	require.NoError(t, env.db.Where("resource_id = ?", "app_a").First(&audit).Error)
	assert.Equal(t, "admin:ops", audit.Actor)
}

func TestResetTenantNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")

	_, err := env.cycles.ResetTenant(env.ctx, "app_a", "admin:ops")
	assert.ErrorIs(t, err, ErrQuotaNotConfigured)
}

func TestRolloverArchiveFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	env.setNow(now)
	env.configureTenant("app_a", 1000, 50000)
	env.cycles.archive = &recordingArchive{err: errors.New("bucket gone")}

	old := now.Add(-31 * 24 * time.Hour)
	env.setCycleStart("app_a", old)

	result, err := env.cycles.Rollover(env.ctx, "app_a", old, dto.QuotaLimits{RequestLimit: 1000, TokenLimit: 50000, PeriodDays: 30}, shared.ResetTypeAuto, actorReconciler)
	require.NoError(t, err)
	assert.True(t, result.Won)
	assert.Equal(t, int64(1), env.snapshotCount("app_a"))
}
