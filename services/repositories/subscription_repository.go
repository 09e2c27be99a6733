package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"gorm.io/gorm"
)

type SubscriptionRepository struct {
	BaseRepository
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *SubscriptionRepository) WithTx(tx *gorm.DB) *SubscriptionRepository {
	return NewSubscriptionRepository(tx)
}

func (ds *SubscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	id, _ := uuid.NewV7()
	sub.ID = id.String()
	return ds.db.WithContext(ctx).Create(sub).Error
}

func (ds *SubscriptionRepository) Save(ctx context.Context, sub *model.Subscription) error {
	return ds.db.WithContext(ctx).Save(sub).Error
}

// GetActive returns the user's newest active subscription under the tenant.
func (ds *SubscriptionRepository) GetActive(ctx context.Context, tenantID, userID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := ds.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND status = ?", tenantID, userID, shared.SubscriptionStatusActive).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (ds *SubscriptionRepository) ListByUser(ctx context.Context, tenantID, userID string) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := ds.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, err
}
