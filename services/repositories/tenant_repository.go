package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/model"
	"gorm.io/gorm"
)

// TenantRepository is the tenant registry and the tenant/user binding store
type TenantRepository struct {
	BaseRepository
}

func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func (ds *TenantRepository) WithTx(tx *gorm.DB) *TenantRepository {
	return NewTenantRepository(tx)
}

func (ds *TenantRepository) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	if tenant.ID == "" {
		id, _ := uuid.NewV7()
		tenant.ID = id.String()
	}
	return ds.db.WithContext(ctx).Create(tenant).Error
}

func (ds *TenantRepository) SaveTenant(ctx context.Context, tenant *model.Tenant) error {
	return ds.db.WithContext(ctx).Save(tenant).Error
}

func (ds *TenantRepository) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := ds.db.WithContext(ctx).Where("id = ?", tenantID).First(&tenant).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (ds *TenantRepository) CreateUserBinding(ctx context.Context, binding *model.UserBinding) error {
	if binding.ID == "" {
		id, _ := uuid.NewV7()
		binding.ID = id.String()
	}
	return ds.db.WithContext(ctx).Create(binding).Error
}

func (ds *TenantRepository) GetVerifiedBinding(ctx context.Context, tenantID, userID string) (*model.UserBinding, error) {
	var binding model.UserBinding
	err := ds.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND verified = ?", tenantID, userID, true).
		First(&binding).Error
	if err != nil {
		return nil, err
	}
	return &binding, nil
}
