package model

import "time"

type Subscription struct {
	ID          string     `json:"id" gorm:"primaryKey;type:text;not null"`
	TenantID    string     `json:"tenant_id" gorm:"not null;size:64;index:idx_subscription_owner"`
	UserID      string     `json:"user_id" gorm:"not null;size:255;index:idx_subscription_owner"`
	PlanID      string     `json:"plan_id" gorm:"not null;size:64"`
	Status      string     `json:"status" gorm:"not null;size:20;index"`
	StartDate   time.Time  `json:"start_date" gorm:"not null"`
	EndDate     time.Time  `json:"end_date" gorm:"not null"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"not null"`
}
