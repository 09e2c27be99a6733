package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanRepository handles plans, tenant plan bindings and quota overrides
type PlanRepository struct {
	BaseRepository
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *PlanRepository) WithTx(tx *gorm.DB) *PlanRepository {
	return NewPlanRepository(tx)
}

func (ds *PlanRepository) CreatePlan(ctx context.Context, plan *model.Plan) error {
	if plan.ID == "" {
		id, _ := uuid.NewV7()
		plan.ID = id.String()
	}
	return ds.db.WithContext(ctx).Create(plan).Error
}

func (ds *PlanRepository) GetPlan(ctx context.Context, planID string) (*model.Plan, error) {
	var plan model.Plan
	if err := ds.db.WithContext(ctx).Where("id = ?", planID).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (ds *PlanRepository) GetActivePlan(ctx context.Context, planID string) (*model.Plan, error) {
	var plan model.Plan
	if err := ds.db.WithContext(ctx).Where("id = ? AND is_active = ?", planID, true).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

// BindPlan deactivates any current binding and makes planID the tenant's active plan.
func (ds *PlanRepository) BindPlan(ctx context.Context, tenantID, planID string) (*model.TenantPlan, error) {
	id, _ := uuid.NewV7()
	binding := &model.TenantPlan{
		ID:       id.String(),
		TenantID: tenantID,
		PlanID:   planID,
		IsActive: true,
	}

	err := ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.TenantPlan{}).
			Where("tenant_id = ? AND is_active = ?", tenantID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(binding).Error
	})
	if err != nil {
		return nil, err
	}
	return binding, nil
}

func (ds *PlanRepository) GetActiveBinding(ctx context.Context, tenantID string) (*model.TenantPlan, error) {
	var binding model.TenantPlan
	err := ds.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("created_at DESC").
		First(&binding).Error
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

// GetOverride returns nil without error when the tenant has no override.
func (ds *PlanRepository) GetOverride(ctx context.Context, tenantID string) (*model.QuotaOverride, error) {
	var override model.QuotaOverride
	err := ds.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&override).Error
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &override, nil
}

func (ds *PlanRepository) UpsertOverride(ctx context.Context, override *model.QuotaOverride) error {
	override.UpdatedAt = time.Now()
	return ds.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"request_quota", "token_quota", "period_days", "reason", "updated_by", "updated_at"}),
	}).Create(override).Error
}

// GetEffectiveLimits returns gorm.ErrRecordNotFound when the tenant has no active binding.
func (ds *PlanRepository) GetEffectiveLimits(ctx context.Context, tenantID string) (*dto.QuotaLimits, error) {
	binding, err := ds.GetActiveBinding(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	plan, err := ds.GetPlan(ctx, binding.PlanID)
	if err != nil {
		return nil, err
	}

	override, err := ds.GetOverride(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limits := EffectiveLimits(plan, override)
	return &limits, nil
}

func (ds *PlanRepository) ListActiveTenantIDs(ctx context.Context) ([]string, error) {
	var tenantIDs []string
	err := ds.db.WithContext(ctx).
		Model(&model.TenantPlan{}).
		Where("is_active = ?", true).
		Distinct().
		Order("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error
	return tenantIDs, err
}

// EffectiveLimits starts from the plan defaults and applies every non-nil override field.
func EffectiveLimits(plan *model.Plan, override *model.QuotaOverride) dto.QuotaLimits {
	limits := dto.QuotaLimits{
		RequestLimit: plan.RequestQuota,
		TokenLimit:   plan.TokenQuota,
		PeriodDays:   plan.PeriodDays,
	}
	if override == nil {
		return limits
	}
	if override.RequestQuota != nil {
		limits.RequestLimit = *override.RequestQuota
	}
	if override.TokenQuota != nil {
		limits.TokenLimit = *override.TokenQuota
	}
	if override.PeriodDays != nil {
		limits.PeriodDays = *override.PeriodDays
	}
	return limits
}
