package model

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEventLog has one row per delivery. IdempotencyKey is only set on the
// row that owns the event id (pending or success), so redeliveries cannot claim it twice.
type WebhookEventLog struct {
	ID              string         `json:"id" gorm:"primaryKey;type:text;not null"`
	EventID         string         `json:"event_id" gorm:"not null;size:255;index"`
	AppID           string         `json:"app_id" gorm:"not null;size:64;index"`
	EventType       string         `json:"event_type" gorm:"size:64;index"`
	Status          string         `json:"status" gorm:"not null;size:20;index"`
	IdempotencyKey  *string        `json:"-" gorm:"uniqueIndex;size:255"`
	RequestSummary  datatypes.JSON `json:"request_summary,omitempty"`
	ResponseSummary datatypes.JSON `json:"response_summary,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty" gorm:"type:text"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null;index"`
}
