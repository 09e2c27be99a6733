package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"gorm.io/gorm"
)

// SnapshotRepository only inserts; snapshots are immutable
type SnapshotRepository struct {
	BaseRepository
}

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *SnapshotRepository) Create(ctx context.Context, snapshot *model.QuotaUsageSnapshot) error {
	id, _ := uuid.NewV7()
	snapshot.ID = id.String()
	snapshot.CreatedAt = time.Now()
	return ds.db.WithContext(ctx).Create(snapshot).Error
}

func (ds *SnapshotRepository) ListByTenant(ctx context.Context, tenantID string, page dto.PageQuery) ([]model.QuotaUsageSnapshot, int64, error) {
	var (
		snapshots []model.QuotaUsageSnapshot
		total     int64
	)

	query := ds.db.WithContext(ctx).Model(&model.QuotaUsageSnapshot{}).Where("tenant_id = ?", tenantID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Order("cycle_start DESC").
		Offset(page.Offset()).
		Limit(page.PageSize).
		Find(&snapshots).Error
	if err != nil {
		return nil, 0, err
	}
	return snapshots, total, nil
}
