package seeders

import (
	"context"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MainSeeder writes a fixture in one transaction. Running it twice is safe:
// rows are upserted by id and plan bindings are only rebound when they change.
type MainSeeder struct {
	db *gorm.DB
}

func NewMainSeeder(db *gorm.DB) *MainSeeder {
	return &MainSeeder{db: db}
}

func (s *MainSeeder) SeedAll(ctx context.Context, fixture *Fixture) error {
	log.Info("Starting database seeding")

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.seedPlans(ctx, tx, fixture.Plans); err != nil {
			return err
		}
		return s.seedTenants(ctx, tx, fixture.Tenants)
	})
	if err != nil {
		log.WithError(err).Error("Database seeding failed")
		return err
	}

	log.WithFields(log.Fields{"plans": len(fixture.Plans), "tenants": len(fixture.Tenants)}).Info("Database seeding completed")
	return nil
}

func (s *MainSeeder) seedPlans(ctx context.Context, tx *gorm.DB, plans []PlanFixture) error {
	for _, p := range plans {
		plan := &model.Plan{
			ID:           p.ID,
			Name:         p.Name,
			RequestQuota: p.RequestQuota,
			TokenQuota:   p.TokenQuota,
			PeriodDays:   p.PeriodDays,
			DurationDays: p.DurationDays,
			IsActive:     true,
		}
		if plan.DurationDays == 0 {
			plan.DurationDays = plan.PeriodDays
		}
		err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "request_quota", "token_quota", "period_days", "duration_days", "is_active", "updated_at"}),
		}).Create(plan).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *MainSeeder) seedTenants(ctx context.Context, tx *gorm.DB, tenants []TenantFixture) error {
	planRepo := repositories.NewPlanRepository(tx)

	for _, t := range tenants {
		status := t.Status
		if status == "" {
			status = shared.TenantStatusActive
		}
		tenant := &model.Tenant{
			ID:            t.ID,
			Name:          t.Name,
			Status:        status,
			WebhookURL:    t.WebhookURL,
			WebhookSecret: t.WebhookSecret,
		}
		err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "status", "webhook_url", "webhook_secret", "updated_at"}),
		}).Create(tenant).Error
		if err != nil {
			return err
		}

		if t.PlanID != "" {
			binding, err := planRepo.GetActiveBinding(ctx, t.ID)
			if err != nil && !repositories.IsNotFound(err) {
				return err
			}
			if binding == nil || binding.PlanID != t.PlanID {
				if _, err := planRepo.BindPlan(ctx, t.ID, t.PlanID); err != nil {
					return err
				}
			}
		}

		for _, userID := range t.Users {
			id, _ := uuid.NewV7()
			var binding model.UserBinding
			err := tx.WithContext(ctx).Where(model.UserBinding{TenantID: t.ID, UserID: userID}).
				Attrs(model.UserBinding{ID: id.String(), Verified: true}).
				FirstOrCreate(&binding).Error
			if err != nil {
				return err
			}
		}

		if t.Override != nil {
			err := planRepo.UpsertOverride(ctx, &model.QuotaOverride{
				TenantID:     t.ID,
				RequestQuota: t.Override.RequestQuota,
				TokenQuota:   t.Override.TokenQuota,
				PeriodDays:   t.Override.PeriodDays,
				Reason:       t.Override.Reason,
				UpdatedBy:    "seed",
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
