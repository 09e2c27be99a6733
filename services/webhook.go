package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	WEBHOOK_SVC = "webhook_svc"

	maxClaimAttempts    = 3
	defaultClaimTimeout = 5 * time.Minute
)

var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrTenantDisabled    = errors.New("tenant disabled")
	ErrSignatureInvalid  = errors.New("webhook signature invalid")
	ErrEventConflict     = errors.New("event is already being processed")
	ErrHandlerValidation = errors.New("handler validation failed")
)

// WebhookService receives subscription lifecycle events: authenticate, validate,
// deduplicate on event id, dispatch, record.
type WebhookService struct {
	appContext.DefaultService

	db           *gorm.DB
	tenants      *repositories.TenantRepository
	events       *repositories.WebhookEventRepository
	claimTimeout time.Duration
}

func NewWebhookService(db *gorm.DB) *WebhookService {
	svc := &WebhookService{claimTimeout: defaultClaimTimeout}
	svc.setDB(db)
	return svc
}

func (svc *WebhookService) setDB(db *gorm.DB) {
	svc.db = db
	svc.tenants = repositories.NewTenantRepository(db)
	svc.events = repositories.NewWebhookEventRepository(db)
}

func (svc WebhookService) Id() string {
	return WEBHOOK_SVC
}

func (svc *WebhookService) Configure(ctx *appContext.Context) error {
	svc.claimTimeout = getEnvDuration("WEBHOOK_CLAIM_TIMEOUT", defaultClaimTimeout)
	return svc.DefaultService.Configure(ctx)
}

func (svc *WebhookService) Start() error {
	svc.setDB(svc.Service(POSTGRES_SVC).(*PostgresService).Db())
	return nil
}

// Authenticate resolves the calling tenant and checks the body signature. Header
// and tenant checks run before any HMAC is computed.
func (svc *WebhookService) Authenticate(ctx context.Context, appID, signature string, body []byte) (*model.Tenant, error) {
	if appID == "" || signature == "" {
		return nil, shared.NewUnauthorizedError(shared.ErrCodeAuthInvalid, "Missing webhook authentication headers")
	}

	tenant, err := svc.tenants.GetTenant(ctx, appID)
	if repositories.IsNotFound(err) {
		return nil, shared.NewAppError(http.StatusUnauthorized, shared.ErrCodeAppNotFound, "Unknown application", ErrTenantNotFound)
	}
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to resolve application")
	}
	if tenant.Status != shared.TenantStatusActive {
		return nil, shared.NewAppError(http.StatusForbidden, shared.ErrCodeAppDisabled, "Application is disabled", ErrTenantDisabled)
	}
	if tenant.WebhookSecret == "" {
		return nil, shared.NewAppError(http.StatusUnauthorized, shared.ErrCodeAuthInvalid, "Invalid webhook signature", ErrSignatureInvalid)
	}

	if !VerifySignature(tenant.WebhookSecret, body, signature) {
		return nil, shared.NewAppError(http.StatusUnauthorized, shared.ErrCodeAuthInvalid, "Invalid webhook signature", ErrSignatureInvalid)
	}
	return tenant, nil
}

// Receive processes one delivery. Every authenticated delivery leaves a row in
// the event log before this returns.
func (svc *WebhookService) Receive(ctx context.Context, appID, signature string, body []byte) (*dto.WebhookEventResponse, error) {
	tenant, err := svc.Authenticate(ctx, appID, signature, body)
	if err != nil {
		return nil, err
	}

	event, err := parseSubscriptionEvent(body)
	if err != nil {
		svc.recordRejected(ctx, tenant.ID, event, err)
		return nil, shared.NewUnprocessableError(shared.ErrCodePayloadInvalid, err, "Invalid webhook payload").
			WithData(payloadErrorData(err))
	}

	fields := log.Fields{"app_id": tenant.ID, "event_id": event.EventID, "event_type": event.EventType}
	key := idempotencyKey(tenant.ID, event.EventID)

	var entry *model.WebhookEventLog
	for attempt := 0; attempt < maxClaimAttempts && entry == nil; attempt++ {
		prior, err := svc.events.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, svc.internalError(fields, err, "lookup event")
		}
		if prior != nil {
			released, err := svc.releaseStale(ctx, prior)
			if err != nil {
				return nil, svc.internalError(fields, err, "release stale claim")
			}
			if released {
				log.WithFields(fields).Warn("Took over abandoned webhook event claim")
				continue
			}
			return svc.replay(ctx, tenant.ID, event, prior)
		}

		entry, err = svc.claim(ctx, tenant.ID, key, event)
		if err != nil && !repositories.IsDuplicateKey(err) {
			return nil, svc.internalError(fields, err, "claim event")
		}
		// A duplicate key means a concurrent delivery claimed it first; look again.
	}
	if entry == nil {
		return nil, svc.conflict(ctx, tenant.ID, event)
	}

	var change *dto.SubscriptionChange
	err = svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var handlerErr error
		change, handlerErr = svc.dispatch(ctx, tx, tenant.ID, event)
		if handlerErr != nil {
			return handlerErr
		}
		// Committed with the change, so a pending row always means the handler never landed.
		return repositories.NewWebhookEventRepository(tx).MarkSuccess(ctx, entry, change)
	})
	if err != nil {
		if markErr := svc.events.MarkFailed(ctx, entry, err.Error()); markErr != nil {
			log.WithFields(fields).WithError(markErr).Error("Failed to record webhook failure")
		}
		webhookEventsTotal.WithLabelValues(event.EventType, shared.EventStatusFailed).Inc()

		if errors.Is(err, ErrHandlerValidation) {
			log.WithFields(fields).WithError(err).Warn("Webhook event rejected by handler")
			return nil, shared.NewUnprocessableError(shared.ErrCodeHandlerValidationFailed, err, err.Error())
		}
		log.WithFields(fields).WithError(err).Error("Webhook handler failed")
		return nil, shared.NewInternalError(err, "Failed to process webhook event")
	}

	webhookEventsTotal.WithLabelValues(event.EventType, shared.EventStatusSuccess).Inc()
	log.WithFields(fields).Info("Webhook event processed")

	summary, _ := shared.JSONMarshal(change)
	return &dto.WebhookEventResponse{
		EventID: event.EventID,
		Status:  shared.EventStatusProcessed,
		Summary: summary,
	}, nil
}

func idempotencyKey(appID, eventID string) string {
	return appID + ":" + eventID
}

// parseSubscriptionEvent returns the partially decoded event alongside a
// validation error so the rejection can still be logged against its event id.
func parseSubscriptionEvent(body []byte) (*dto.SubscriptionEvent, error) {
	var event dto.SubscriptionEvent
	if err := shared.JSONUnmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := event.Validate(); err != nil {
		return &event, err
	}
	return &event, nil
}

func payloadErrorData(err error) interface{} {
	if details := dto.FormatValidationErrors(err); len(details) > 0 {
		return details
	}
	return nil
}

func (svc *WebhookService) claim(ctx context.Context, appID, key string, event *dto.SubscriptionEvent) (*model.WebhookEventLog, error) {
	request, _ := shared.JSONMarshal(event)
	entry := &model.WebhookEventLog{
		EventID:        event.EventID,
		AppID:          appID,
		EventType:      event.EventType,
		Status:         shared.EventStatusPending,
		IdempotencyKey: &key,
		RequestSummary: request,
	}
	if err := svc.events.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// releaseStale frees a pending claim left by a delivery that died before committing.
func (svc *WebhookService) releaseStale(ctx context.Context, prior *model.WebhookEventLog) (bool, error) {
	if prior.Status != shared.EventStatusPending || svc.claimTimeout <= 0 {
		return false, nil
	}
	return svc.events.ReleaseStaleClaim(ctx, prior.ID, time.Now().Add(-svc.claimTimeout))
}

func (svc *WebhookService) replay(ctx context.Context, appID string, event *dto.SubscriptionEvent, prior *model.WebhookEventLog) (*dto.WebhookEventResponse, error) {
	if prior.Status != shared.EventStatusSuccess {
		return nil, svc.conflict(ctx, appID, event)
	}

	if _, err := svc.events.CreateEntry(ctx, appID, event.EventID, event.EventType, shared.EventStatusDuplicate, event, prior.ResponseSummary, ""); err != nil {
		return nil, svc.internalError(log.Fields{"app_id": appID, "event_id": event.EventID}, err, "record duplicate")
	}
	webhookEventsTotal.WithLabelValues(event.EventType, shared.EventStatusDuplicate).Inc()
	log.WithFields(log.Fields{"app_id": appID, "event_id": event.EventID}).Info("Duplicate webhook event acknowledged")

	return &dto.WebhookEventResponse{
		EventID: event.EventID,
		Status:  shared.EventStatusDuplicate,
		Summary: json.RawMessage(prior.ResponseSummary),
	}, nil
}

func (svc *WebhookService) conflict(ctx context.Context, appID string, event *dto.SubscriptionEvent) error {
	if _, err := svc.events.CreateEntry(ctx, appID, event.EventID, event.EventType, shared.EventStatusFailed, event, nil, ErrEventConflict.Error()); err != nil {
		log.WithFields(log.Fields{"app_id": appID, "event_id": event.EventID}).WithError(err).Error("Failed to record conflicting webhook delivery")
	}
	webhookEventsTotal.WithLabelValues(event.EventType, shared.EventStatusFailed).Inc()
	return shared.NewAppError(http.StatusConflict, shared.ErrCodeEventConflict, "Event is already being processed", ErrEventConflict)
}

func (svc *WebhookService) recordRejected(ctx context.Context, appID string, event *dto.SubscriptionEvent, cause error) {
	var eventID, eventType string
	var request interface{}
	if event != nil {
		eventID, eventType, request = event.EventID, event.EventType, event
	}
	if _, err := svc.events.CreateEntry(ctx, appID, eventID, eventType, shared.EventStatusFailed, request, nil, cause.Error()); err != nil {
		log.WithFields(log.Fields{"app_id": appID, "event_id": eventID}).WithError(err).Error("Failed to record rejected webhook payload")
	}
	webhookEventsTotal.WithLabelValues(eventType, shared.EventStatusFailed).Inc()
}

func (svc *WebhookService) internalError(fields log.Fields, err error, op string) error {
	log.WithFields(fields).WithError(err).Errorf("Webhook event log %s failed", op)
	return shared.NewInternalError(err, "Failed to process webhook event")
}

func (svc *WebhookService) ListEvents(ctx context.Context, query dto.WebhookEventListQuery) (*dto.WebhookEventListResponse, error) {
	query.Normalize()
	items, total, err := svc.events.List(ctx, query)
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to list webhook events")
	}
	return &dto.WebhookEventListResponse{
		Total:    total,
		Page:     query.Page,
		PageSize: query.PageSize,
		Items:    items,
	}, nil
}
