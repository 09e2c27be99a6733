package model

import "time"

// QuotaUsageSnapshot is written once when a cycle closes and never updated.
type QuotaUsageSnapshot struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	TenantID     string    `json:"tenant_id" gorm:"not null;size:64;index:idx_snapshot_tenant_cycle"`
	CycleStart   time.Time `json:"cycle_start" gorm:"not null;index:idx_snapshot_tenant_cycle"`
	CycleEnd     time.Time `json:"cycle_end" gorm:"not null"`
	RequestLimit int       `json:"request_limit" gorm:"not null"`
	RequestUsed  int64     `json:"request_used" gorm:"not null"`
	TokenLimit   int64     `json:"token_limit" gorm:"not null"`
	TokenUsed    float64   `json:"token_used" gorm:"not null"`
	ResetType    string    `json:"reset_type" gorm:"not null;size:10"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
}
