package model

import (
	"time"

	"gorm.io/datatypes"
)

type AuditLog struct {
	ID           string         `json:"id" gorm:"primaryKey;type:text;not null"`
	Actor        string         `json:"actor" gorm:"not null;size:255;index"`
	Action       string         `json:"action" gorm:"not null;size:100;index"`
	ResourceType string         `json:"resource_type" gorm:"not null;size:50"`
	ResourceID   string         `json:"resource_id" gorm:"not null;size:255;index"`
	Details      datatypes.JSON `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at" gorm:"not null;index"`
}
