package model

import "time"

// Plan quotas use -1 for unlimited.
type Plan struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Name         string    `json:"name" gorm:"not null;size:100"`
	RequestQuota int       `json:"request_quota" gorm:"not null"`
	TokenQuota   int64     `json:"token_quota" gorm:"not null"`
	PeriodDays   int       `json:"period_days" gorm:"not null;default:30"`
	DurationDays int       `json:"duration_days" gorm:"not null;default:30"`
	IsActive     bool      `json:"is_active" gorm:"not null;index"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}

type TenantPlan struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text;not null"`
	TenantID  string    `json:"tenant_id" gorm:"not null;size:64;index"`
	PlanID    string    `json:"plan_id" gorm:"not null;size:64;index"`
	IsActive  bool      `json:"is_active" gorm:"default:true;not null;index"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

// QuotaOverride fields win over the plan one by one when non-nil.
type QuotaOverride struct {
	TenantID     string    `json:"tenant_id" gorm:"primaryKey;type:text;not null"`
	RequestQuota *int      `json:"request_quota,omitempty"`
	TokenQuota   *int64    `json:"token_quota,omitempty"`
	PeriodDays   *int      `json:"period_days,omitempty"`
	Reason       string    `json:"reason,omitempty" gorm:"type:text"`
	UpdatedBy    string    `json:"updated_by,omitempty" gorm:"size:255"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}
