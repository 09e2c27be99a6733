package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	QUOTA_NOTIFIER_SVC = "quota_notifier_svc"

	defaultWebhookTimeout = 10 * time.Second
)

// QuotaNotifierService posts threshold events to the tenant's webhook URL.
// Deliveries are single attempt and never reported back to the caller.
type QuotaNotifierService struct {
	appContext.DefaultService

	tenants *repositories.TenantRepository
	client  *http.Client
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

type thresholdNotice struct {
	tenantID  string
	eventType string
	resource  string
	used      float64
	limit     int64
	resetAt   time.Time
}

func NewQuotaNotifierService(db *gorm.DB, timeout time.Duration) *QuotaNotifierService {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &QuotaNotifierService{
		tenants: repositories.NewTenantRepository(db),
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		now:     time.Now,
	}
}

func (svc QuotaNotifierService) Id() string {
	return QUOTA_NOTIFIER_SVC
}

func (svc *QuotaNotifierService) Configure(ctx *appContext.Context) error {
	svc.timeout = getEnvDuration("WEBHOOK_TIMEOUT", defaultWebhookTimeout)
	svc.client = &http.Client{Timeout: svc.timeout}
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *QuotaNotifierService) Start() error {
	svc.tenants = repositories.NewTenantRepository(svc.Service(POSTGRES_SVC).(*PostgresService).Db())
	return nil
}

// Shutdown waits for in-flight deliveries; each is bounded by the webhook timeout.
func (svc *QuotaNotifierService) Shutdown() {
	svc.Wait()
}

func (svc *QuotaNotifierService) Wait() {
	svc.wg.Wait()
}

// Notify returns immediately; the delivery runs detached with its own deadline.
func (svc *QuotaNotifierService) Notify(tenantID, eventType, resource string, used float64, limit int64, resetAt time.Time) {
	notice := thresholdNotice{
		tenantID:  tenantID,
		eventType: eventType,
		resource:  resource,
		used:      used,
		limit:     limit,
		resetAt:   resetAt,
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"tenant_id": tenantID, "panic": r}).Error("Quota notification panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), svc.timeout)
		defer cancel()

		result := "sent"
		if err := svc.deliver(ctx, notice); err != nil {
			result = "failed"
			log.WithFields(log.Fields{
				"tenant_id":  tenantID,
				"event_type": eventType,
				"resource":   resource,
			}).WithError(err).Warn("Quota notification delivery failed")
		}
		quotaNotificationsTotal.WithLabelValues(eventType, result).Inc()
	}()
}

func (svc *QuotaNotifierService) deliver(ctx context.Context, notice thresholdNotice) error {
	tenant, err := svc.tenants.GetTenant(ctx, notice.tenantID)
	if repositories.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup tenant: %w", err)
	}
	if tenant.WebhookURL == "" {
		return nil
	}

	event := dto.ThresholdEvent{
		EventID:   uuid.New().String(),
		EventType: notice.eventType,
		Timestamp: svc.now().UTC().Format(time.RFC3339),
		Data: dto.ThresholdEventData{
			TenantID:        notice.tenantID,
			Resource:        notice.resource,
			CurrentUsed:     notice.used,
			Limit:           notice.limit,
			UsagePercentage: usagePercentage(notice.used, notice.limit),
			ResetAt:         notice.resetAt.UTC().Format(time.RFC3339),
		},
	}

	body, err := shared.JSONMarshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(shared.HeaderEventType, event.EventType)
	req.Header.Set(shared.HeaderEventID, event.EventID)
	if tenant.WebhookSecret != "" {
		req.Header.Set(shared.HeaderWebhookSignature, Sign(tenant.WebhookSecret, body))
	}

	resp, err := svc.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}

	log.WithFields(log.Fields{
		"tenant_id":  notice.tenantID,
		"event_type": event.EventType,
		"event_id":   event.EventID,
	}).Info("Quota notification delivered")
	return nil
}

func usagePercentage(used float64, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(used/float64(limit)*10000) / 100
}

// Sign returns the X-Webhook-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return shared.SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against HMAC-SHA256(secret, body) in constant
// time. A header without the sha256= prefix or with invalid hex fails before
// any HMAC is computed.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, shared.SignaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, shared.SignaturePrefix))
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
