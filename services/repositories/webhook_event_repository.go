package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookEventRepository is the append-mostly inbound event log
type WebhookEventRepository struct {
	BaseRepository
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func marshalSummary(v interface{}) []byte {
	if v == nil {
		return nil
	}
	switch b := v.(type) {
	case []byte:
		return b
	case datatypes.JSON:
		return b
	}
	data, err := shared.JSONMarshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Create inserts entry. A unique violation on the idempotency key comes back
// as an error for which IsDuplicateKey is true.
func (ds *WebhookEventRepository) Create(ctx context.Context, entry *model.WebhookEventLog) error {
	id, _ := uuid.NewV7()
	entry.ID = id.String()
	entry.CreatedAt = time.Now()
	return ds.db.WithContext(ctx).Create(entry).Error
}

func (ds *WebhookEventRepository) CreateEntry(ctx context.Context, appID, eventID, eventType, status string, request, response interface{}, errMsg string) (*model.WebhookEventLog, error) {
	now := time.Now()
	entry := &model.WebhookEventLog{
		EventID:         eventID,
		AppID:           appID,
		EventType:       eventType,
		Status:          status,
		RequestSummary:  datatypes.JSON(marshalSummary(request)),
		ResponseSummary: datatypes.JSON(marshalSummary(response)),
		ErrorMessage:    errMsg,
	}
	if status != shared.EventStatusPending {
		entry.ProcessedAt = &now
	}
	if err := ds.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FindByIdempotencyKey returns nil without error when no row owns key.
func (ds *WebhookEventRepository) FindByIdempotencyKey(ctx context.Context, key string) (*model.WebhookEventLog, error) {
	var entry model.WebhookEventLog
	err := ds.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (ds *WebhookEventRepository) MarkSuccess(ctx context.Context, entry *model.WebhookEventLog, response interface{}) error {
	now := time.Now()
	entry.Status = shared.EventStatusSuccess
	entry.ResponseSummary = datatypes.JSON(marshalSummary(response))
	entry.ProcessedAt = &now

	return ds.db.WithContext(ctx).Model(&model.WebhookEventLog{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":           entry.Status,
			"response_summary": entry.ResponseSummary,
			"processed_at":     now,
		}).Error
}

// MarkFailed releases the idempotency key so a later redelivery can run the handler again.
func (ds *WebhookEventRepository) MarkFailed(ctx context.Context, entry *model.WebhookEventLog, errMsg string) error {
	now := time.Now()
	entry.Status = shared.EventStatusFailed
	entry.ErrorMessage = errMsg
	entry.IdempotencyKey = nil
	entry.ProcessedAt = &now

	return ds.db.WithContext(ctx).Model(&model.WebhookEventLog{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":          entry.Status,
			"error_message":   errMsg,
			"idempotency_key": nil,
			"processed_at":    now,
		}).Error
}

// ReleaseStaleClaim frees the key held by a pending row created before cutoff.
// It reports false when the row has moved on or is not stale yet.
func (ds *WebhookEventRepository) ReleaseStaleClaim(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	now := time.Now()
	res := ds.db.WithContext(ctx).Model(&model.WebhookEventLog{}).
		Where("id = ? AND status = ? AND created_at < ?", id, shared.EventStatusPending, cutoff).
		Updates(map[string]interface{}{
			"status":          shared.EventStatusFailed,
			"error_message":   "claim abandoned",
			"idempotency_key": nil,
			"processed_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (ds *WebhookEventRepository) List(ctx context.Context, query dto.WebhookEventListQuery) ([]model.WebhookEventLog, int64, error) {
	var (
		entries []model.WebhookEventLog
		total   int64
	)

	db := ds.db.WithContext(ctx).Model(&model.WebhookEventLog{})
	if query.AppID != "" {
		db = db.Where("app_id = ?", query.AppID)
	}
	if query.EventType != "" {
		db = db.Where("event_type = ?", query.EventType)
	}
	if query.Status != "" {
		db = db.Where("status = ?", query.Status)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", *query.EndTime)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Order("created_at DESC").
		Offset(query.Offset()).
		Limit(query.PageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (ds *WebhookEventRepository) ListByEventID(ctx context.Context, appID, eventID string) ([]model.WebhookEventLog, error) {
	var entries []model.WebhookEventLog
	err := ds.db.WithContext(ctx).
		Where("app_id = ? AND event_id = ?", appID, eventID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}
