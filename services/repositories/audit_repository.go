package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditRepository struct {
	BaseRepository
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *AuditRepository) Create(ctx context.Context, actor, action, resourceType, resourceID string, details interface{}) error {
	id, _ := uuid.NewV7()
	entry := &model.AuditLog{
		ID:           id.String(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      datatypes.JSON(marshalSummary(details)),
		CreatedAt:    time.Now(),
	}
	return ds.db.WithContext(ctx).Create(entry).Error
}

func (ds *AuditRepository) ListByResource(ctx context.Context, resourceType, resourceID string) ([]model.AuditLog, error) {
	var logs []model.AuditLog
	err := ds.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
