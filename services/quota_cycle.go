package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	QUOTA_CYCLE_SVC = "quota_cycle_svc"

	defaultReconcileInterval    = time.Hour
	defaultReconcileConcurrency = 8
	maxResetAttempts            = 3

	actorReconciler = "system:reconciler"

	auditActionCycleReset = "quota.cycle_reset"
	auditResourceTenant   = "tenant"
)

var (
	ErrReconcileAborted = errors.New("reconcile aborted: cache unavailable")
	ErrCycleNotStarted  = errors.New("tenant has no active quota cycle")
	ErrCycleContended   = errors.New("quota cycle changed concurrently")
)

type RolloverResult struct {
	// Won is true only for the caller whose compare-and-swap closed the cycle.
	Won        bool
	CycleStart time.Time
	Snapshot   *model.QuotaUsageSnapshot
}

// SnapshotArchiver receives every closed-cycle snapshot after it is stored.
type SnapshotArchiver interface {
	Archive(ctx context.Context, snapshot *model.QuotaUsageSnapshot) error
}

// QuotaCycleService closes elapsed billing cycles: snapshot, reset, audit.
type QuotaCycleService struct {
	appContext.DefaultService

	counter     *QuotaCounterService
	plans       *repositories.PlanRepository
	snapshots   *repositories.SnapshotRepository
	audit       *repositories.AuditRepository
	archive     SnapshotArchiver
	interval    time.Duration
	concurrency int
	now         func() time.Time

	closed chan struct{}
}

func NewQuotaCycleService(counter *QuotaCounterService, db *gorm.DB, archive SnapshotArchiver) *QuotaCycleService {
	svc := &QuotaCycleService{
		counter:     counter,
		archive:     archive,
		interval:    defaultReconcileInterval,
		concurrency: defaultReconcileConcurrency,
		now:         time.Now,
	}
	svc.setDB(db)
	return svc
}

func (svc *QuotaCycleService) setDB(db *gorm.DB) {
	svc.plans = repositories.NewPlanRepository(db)
	svc.snapshots = repositories.NewSnapshotRepository(db)
	svc.audit = repositories.NewAuditRepository(db)
}

func (svc QuotaCycleService) Id() string {
	return QUOTA_CYCLE_SVC
}

func (svc *QuotaCycleService) Configure(ctx *appContext.Context) error {
	svc.interval = getEnvDuration("RECONCILE_INTERVAL", defaultReconcileInterval)
	svc.concurrency = getEnvInt("RECONCILE_CONCURRENCY", defaultReconcileConcurrency)
	if svc.concurrency < 1 {
		svc.concurrency = 1
	}
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *QuotaCycleService) Start() error {
	svc.counter = svc.Service(QUOTA_COUNTER_SVC).(*QuotaCounterService)
	svc.setDB(svc.Service(POSTGRES_SVC).(*PostgresService).Db())

	if archiveSvc, ok := svc.Service(SNAPSHOT_ARCHIVE_SVC).(*SnapshotArchiveService); ok && archiveSvc.Enabled() {
		svc.archive = archiveSvc
	}

	svc.closed = make(chan struct{})
	go svc.startReconcileJob()
	return nil
}

func (svc *QuotaCycleService) Shutdown() {
	if svc.closed != nil {
		close(svc.closed)
	}
}

func (svc *QuotaCycleService) startReconcileJob() {
	ticker := time.NewTicker(svc.interval)
	defer ticker.Stop()

	log.WithField("interval", svc.interval.String()).Info("Quota reconcile job started")

	for {
		select {
		case <-ticker.C:
			report, err := svc.RunOnce(context.Background())
			if err != nil {
				log.WithError(err).Error("Quota reconcile run aborted")
				continue
			}
			log.WithFields(log.Fields{
				"processed": report.Processed,
				"reset":     report.Reset,
				"errors":    report.Errors,
			}).Info("Quota reconcile run finished")
		case <-svc.closed:
			log.Info("Quota reconcile job stopped")
			return
		}
	}
}

// RunOnce resets every tenant whose cycle has elapsed. Per-tenant failures are
// counted; a cache outage aborts the run with ErrReconcileAborted.
func (svc *QuotaCycleService) RunOnce(ctx context.Context) (dto.ReconcileReport, error) {
	var report dto.ReconcileReport

	tenantIDs, err := svc.plans.ListActiveTenantIDs(ctx)
	if err != nil {
		quotaReconcileRunsTotal.WithLabelValues("error").Inc()
		return report, shared.NewStorageError("list_tenants", err)
	}

	var processed, reset, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(svc.concurrency)

	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			didReset, err := svc.reconcileTenant(gctx, tenantID)
			if didReset {
				reset.Add(1)
			}
			if err != nil {
				if shared.IsCacheUnavailable(err) {
					return err
				}
				failed.Add(1)
				quotaReconcileTenantErrorsTotal.Inc()
				log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(err).Error("Failed to reconcile tenant quota")
			}
			processed.Add(1)
			return nil
		})
	}

	err = g.Wait()

	report.Processed = int(processed.Load())
	report.Reset = int(reset.Load())
	report.Errors = int(failed.Load())

	if err != nil {
		quotaReconcileRunsTotal.WithLabelValues("aborted").Inc()
		return report, fmt.Errorf("%w: %w", ErrReconcileAborted, err)
	}

	quotaReconcileRunsTotal.WithLabelValues("ok").Inc()
	return report, nil
}

func (svc *QuotaCycleService) reconcileTenant(ctx context.Context, tenantID string) (bool, error) {
	start, ok, err := svc.counter.GetCycleStart(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	limits, err := svc.plans.GetEffectiveLimits(ctx, tenantID)
	if repositories.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, shared.NewStorageError("load_limits", err)
	}
	if err := limits.Validate(); err != nil {
		return false, shared.NewCorruptStorageError("load_limits", err)
	}

	cfg := dto.QuotaConfig{QuotaLimits: *limits, CycleStart: start}
	if !cfg.Elapsed(svc.now()) {
		return false, nil
	}

	result, err := svc.Rollover(ctx, tenantID, start, *limits, shared.ResetTypeAuto, actorReconciler)
	if result == nil {
		return false, err
	}
	return result.Won, err
}

// Rollover closes the cycle that started at expected. When another caller got
// there first the result carries the marker it left and Won is false. A non-nil
// result with an error means the counters were reset but the snapshot could not be written.
func (svc *QuotaCycleService) Rollover(ctx context.Context, tenantID string, expected time.Time, limits dto.QuotaLimits, resetType, actor string) (*RolloverResult, error) {
	now := svc.now()
	ttl := cycleTTL(now, limits.Period(), now)

	outcome, err := svc.counter.RolloverCycle(ctx, tenantID, expected, now, ttl)
	if err != nil {
		return nil, err
	}

	if !outcome.Swapped {
		if outcome.HasCurrent {
			return &RolloverResult{CycleStart: outcome.CurrentStart}, nil
		}
		start, err := svc.counter.InitCycleStart(ctx, tenantID, now, ttl)
		if err != nil {
			return nil, err
		}
		return &RolloverResult{CycleStart: start}, nil
	}

	snapshot := &model.QuotaUsageSnapshot{
		TenantID:     tenantID,
		CycleStart:   expected,
		CycleEnd:     now,
		RequestLimit: limits.RequestLimit,
		RequestUsed:  outcome.RequestsUsed,
		TokenLimit:   limits.TokenLimit,
		TokenUsed:    outcome.TokensUsed,
		ResetType:    resetType,
	}
	result := &RolloverResult{Won: true, CycleStart: outcome.CurrentStart, Snapshot: snapshot}

	quotaResetsTotal.WithLabelValues(resetType).Inc()
	fields := log.Fields{
		"tenant_id":       tenantID,
		"reset_type":      resetType,
		"old_cycle_start": expected.Unix(),
		"new_cycle_start": outcome.CurrentStart.Unix(),
		"requests_used":   outcome.RequestsUsed,
		"tokens_used":     outcome.TokensUsed,
	}

	if err := svc.snapshots.Create(ctx, snapshot); err != nil {
		log.WithFields(fields).WithError(err).Error("Failed to store usage snapshot after cycle reset")
		return result, shared.NewStorageError("create_snapshot", err)
	}
	log.WithFields(fields).Info("Quota cycle reset")

	details := map[string]interface{}{
		"old_cycle_start": expected,
		"old_cycle_end":   expected.Add(limits.Period()),
		"closed_at":       now,
		"request_used":    outcome.RequestsUsed,
		"request_limit":   limits.RequestLimit,
		"token_used":      outcome.TokensUsed,
		"token_limit":     limits.TokenLimit,
		"new_cycle_start": outcome.CurrentStart,
		"reset_type":      resetType,
		"snapshot_id":     snapshot.ID,
	}
	if err := svc.audit.Create(ctx, actor, auditActionCycleReset, auditResourceTenant, tenantID, details); err != nil {
		log.WithFields(fields).WithError(err).Error("Failed to write quota reset audit entry")
	}

	if svc.archive != nil {
		if err := svc.archive.Archive(ctx, snapshot); err != nil {
			log.WithFields(fields).WithError(err).Warn("Failed to archive usage snapshot")
		}
	}

	return result, nil
}

// ResetTenant closes the tenant's current cycle on an administrator's request.
func (svc *QuotaCycleService) ResetTenant(ctx context.Context, tenantID, actor string) (*model.QuotaUsageSnapshot, error) {
	limits, err := svc.plans.GetEffectiveLimits(ctx, tenantID)
	if repositories.IsNotFound(err) {
		return nil, ErrQuotaNotConfigured
	}
	if err != nil {
		return nil, shared.NewStorageError("load_limits", err)
	}

	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		start, ok, err := svc.counter.GetCycleStart(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrCycleNotStarted
		}

		result, err := svc.Rollover(ctx, tenantID, start, *limits, shared.ResetTypeManual, actor)
		if result == nil {
			return nil, err
		}
		if result.Won {
			return result.Snapshot, err
		}
	}
	return nil, ErrCycleContended
}

func (svc *QuotaCycleService) ListSnapshots(ctx context.Context, tenantID string, page dto.PageQuery) (*dto.SnapshotListResponse, error) {
	page.Normalize()
	items, total, err := svc.snapshots.ListByTenant(ctx, tenantID, page)
	if err != nil {
		return nil, err
	}
	return &dto.SnapshotListResponse{
		Total:    total,
		Page:     page.Page,
		PageSize: page.PageSize,
		Items:    items,
	}, nil
}
