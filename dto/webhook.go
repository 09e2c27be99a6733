package dto

import (
	"encoding/json"
	"time"
)

// SubscriptionEvent is the inbound subscription lifecycle envelope.
type SubscriptionEvent struct {
	EventID   string                 `json:"event_id" validate:"required,max=255" example:"evt_01HZX"`
	EventType string                 `json:"event_type" validate:"required,oneof=subscription.created subscription.renewed subscription.upgraded subscription.downgraded subscription.cancelled subscription.expired" example:"subscription.created"`
	Timestamp string                 `json:"timestamp" validate:"required,iso8601" example:"2025-01-01T00:00:00Z"`
	Data      *SubscriptionEventData `json:"data" validate:"required"`
}

type SubscriptionEventData struct {
	UserID        string  `json:"user_id" validate:"required,max=255" example:"user_42"`
	PlanID        string  `json:"plan_id" validate:"required,max=64" example:"plan_pro"`
	EffectiveDate string  `json:"effective_date" validate:"required,iso8601" example:"2025-01-01T00:00:00Z"`
	ExpiryDate    *string `json:"expiry_date,omitempty" validate:"omitempty,iso8601" example:"2025-02-01T00:00:00Z"`
}

func (r SubscriptionEvent) Validate() error {
	return GetValidator().Struct(r)
}

func (d SubscriptionEventData) EffectiveTime() time.Time {
	t, _ := ParseEventTime(d.EffectiveDate)
	return t
}

// ExpiryTime returns nil when no expiry was sent.
func (d SubscriptionEventData) ExpiryTime() *time.Time {
	if d.ExpiryDate == nil {
		return nil
	}
	t, err := ParseEventTime(*d.ExpiryDate)
	if err != nil {
		return nil
	}
	return &t
}

// WebhookEventResponse is returned to the sender for processed and duplicate deliveries.
type WebhookEventResponse struct {
	EventID string          `json:"event_id" example:"evt_01HZX"`
	Status  string          `json:"status" example:"processed"`
	Summary json.RawMessage `json:"summary,omitempty" swaggertype:"object"`
}

// SubscriptionChange summarises what a handler did; it is stored as the response summary.
type SubscriptionChange struct {
	Action         string    `json:"action"`
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	PlanID         string    `json:"plan_id"`
	Status         string    `json:"status"`
	EndDate        time.Time `json:"end_date"`
}

type WebhookEventListQuery struct {
	PageQuery
	AppID     string     `json:"app_id"`
	EventType string     `json:"event_type"`
	Status    string     `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

type WebhookEventListResponse struct {
	Total    int64       `json:"total" example:"57"`
	Page     int         `json:"page" example:"1"`
	PageSize int         `json:"page_size" example:"20"`
	Items    interface{} `json:"items"`
}
