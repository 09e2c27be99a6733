package model

import "time"

// Tenant is the quota subject. WebhookSecret signs both outbound threshold
// events and verifies inbound subscription events.
type Tenant struct {
	ID            string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Name          string    `json:"name" gorm:"not null;size:255"`
	Status        string    `json:"status" gorm:"not null;size:20;default:active;index"`
	WebhookURL    string    `json:"webhook_url,omitempty" gorm:"size:1024"`
	WebhookSecret string    `json:"-" gorm:"size:255"`
	CreatedAt     time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"not null"`
}

// UserBinding links an external user id to a tenant.
type UserBinding struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text;not null"`
	TenantID  string    `json:"tenant_id" gorm:"not null;size:64;uniqueIndex:idx_binding_tenant_user"`
	UserID    string    `json:"user_id" gorm:"not null;size:255;uniqueIndex:idx_binding_tenant_user"`
	Verified  bool      `json:"verified" gorm:"default:false;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}
