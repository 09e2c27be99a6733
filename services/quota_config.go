package services

import (
	"context"
	"errors"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	QUOTA_CONFIG_SVC = "quota_config_svc"

	defaultConfigCacheTTL = 5 * time.Minute

	actorResolver = "system:resolver"

	auditActionOverrideSet = "quota.override_set"
)

var ErrQuotaNotConfigured = errors.New("quota not configured for tenant")

// cycleRoller is the single path through which a billing cycle is closed.
type cycleRoller interface {
	Rollover(ctx context.Context, tenantID string, expected time.Time, limits dto.QuotaLimits, resetType, actor string) (*RolloverResult, error)
}

// QuotaConfigService resolves a tenant's effective limits and current cycle start.
type QuotaConfigService struct {
	appContext.DefaultService

	counter  *QuotaCounterService
	plans    *repositories.PlanRepository
	audit    *repositories.AuditRepository
	cycles   cycleRoller
	cacheTTL time.Duration
	now      func() time.Time
}

func NewQuotaConfigService(counter *QuotaCounterService, db *gorm.DB, cycles cycleRoller) *QuotaConfigService {
	return &QuotaConfigService{
		counter:  counter,
		plans:    repositories.NewPlanRepository(db),
		audit:    repositories.NewAuditRepository(db),
		cycles:   cycles,
		cacheTTL: defaultConfigCacheTTL,
		now:      time.Now,
	}
}

func (svc QuotaConfigService) Id() string {
	return QUOTA_CONFIG_SVC
}

func (svc *QuotaConfigService) Configure(ctx *appContext.Context) error {
	svc.cacheTTL = getEnvDuration("QUOTA_CONFIG_CACHE_TTL", defaultConfigCacheTTL)
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *QuotaConfigService) Start() error {
	svc.counter = svc.Service(QUOTA_COUNTER_SVC).(*QuotaCounterService)
	svc.cycles = svc.Service(QUOTA_CYCLE_SVC).(*QuotaCycleService)
	db := svc.Service(POSTGRES_SVC).(*PostgresService).Db()
	svc.plans = repositories.NewPlanRepository(db)
	svc.audit = repositories.NewAuditRepository(db)
	return nil
}

// Resolve returns ErrQuotaNotConfigured when the tenant has no active plan.
// Backend failures come back as *shared.StoreError.
func (svc *QuotaConfigService) Resolve(ctx context.Context, tenantID string) (*dto.QuotaConfig, error) {
	limits, cycleStart, err := svc.counter.LoadConfig(ctx, tenantID)
	if err != nil {
		if shared.IsCorrupt(err) {
			svc.dropCorruptConfig(ctx, tenantID, err)
		}
		return nil, err
	}

	cached := limits != nil
	if !cached {
		limits, err = svc.loadLimits(ctx, tenantID)
		if err != nil {
			return nil, err
		}
	} else if err := limits.Validate(); err != nil {
		corrupt := shared.NewCorruptCacheError("resolve_config", err)
		svc.dropCorruptConfig(ctx, tenantID, corrupt)
		return nil, corrupt
	}

	now := svc.now()
	cfg := &dto.QuotaConfig{QuotaLimits: *limits}
	writeBack := !cached

	if cycleStart == nil {
		start, err := svc.counter.InitCycleStart(ctx, tenantID, now, cycleTTL(now, limits.Period(), now))
		if err != nil {
			return nil, err
		}
		cfg.CycleStart = start
	} else {
		cfg.CycleStart = *cycleStart
		if cfg.Elapsed(now) {
			// The reconciler has not closed this cycle yet; close it through the same CAS it uses.
			result, err := svc.cycles.Rollover(ctx, tenantID, *cycleStart, *limits, shared.ResetTypeAuto, actorResolver)
			if result == nil {
				return nil, err
			}
			if err != nil {
				log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(err).Error("Cycle rolled over but bookkeeping failed")
			}
			cfg.CycleStart = result.CycleStart
			writeBack = true
		}
	}

	if writeBack {
		if err := svc.counter.StoreConfig(ctx, tenantID, *limits, svc.cacheTTL); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (svc *QuotaConfigService) loadLimits(ctx context.Context, tenantID string) (*dto.QuotaLimits, error) {
	limits, err := svc.plans.GetEffectiveLimits(ctx, tenantID)
	if repositories.IsNotFound(err) {
		return nil, ErrQuotaNotConfigured
	}
	if err != nil {
		return nil, shared.NewStorageError("load_limits", err)
	}
	if err := limits.Validate(); err != nil {
		return nil, shared.NewCorruptStorageError("load_limits", err)
	}
	return limits, nil
}

// dropCorruptConfig deletes the cached blob so the next resolve rebuilds it from storage.
func (svc *QuotaConfigService) dropCorruptConfig(ctx context.Context, tenantID string, cause error) {
	log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(cause).Error("Corrupt quota config in cache")
	if err := svc.counter.DeleteConfig(ctx, tenantID); err != nil {
		log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(err).Warn("Failed to drop corrupt quota config")
	}
}

// Invalidate drops the cached limits so the next resolve reads storage.
func (svc *QuotaConfigService) Invalidate(ctx context.Context, tenantID string) error {
	return svc.counter.DeleteConfig(ctx, tenantID)
}

// SetOverride stores an administrator override and drops the cached limits so
// the next resolve picks it up. It replaces any previous override, so fields
// left nil fall back to the plan.
func (svc *QuotaConfigService) SetOverride(ctx context.Context, tenantID string, req dto.QuotaOverrideRequest, actor string) (*dto.QuotaLimits, error) {
	if _, err := svc.plans.GetActiveBinding(ctx, tenantID); err != nil {
		if repositories.IsNotFound(err) {
			return nil, ErrQuotaNotConfigured
		}
		return nil, shared.NewStorageError("load_binding", err)
	}

	override := &model.QuotaOverride{
		TenantID:     tenantID,
		RequestQuota: req.RequestQuota,
		TokenQuota:   req.TokenQuota,
		PeriodDays:   req.PeriodDays,
		Reason:       req.Reason,
		UpdatedBy:    actor,
	}
	if err := svc.plans.UpsertOverride(ctx, override); err != nil {
		return nil, shared.NewStorageError("upsert_override", err)
	}

	if err := svc.audit.Create(ctx, actor, auditActionOverrideSet, auditResourceTenant, tenantID, req); err != nil {
		log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(err).Error("Failed to write override audit entry")
	}
	if err := svc.Invalidate(ctx, tenantID); err != nil {
		log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(err).Warn("Cached quota config not dropped, override applies after it expires")
	}

	return svc.loadLimits(ctx, tenantID)
}
