package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
)

type QuotaServiceInterface interface {
	CheckQuota(ctx context.Context, tenantID string) (*dto.QuotaCheckResult, error)
	DeductRequest(ctx context.Context, tenantID string)
	DeductRequests(ctx context.Context, tenantID string, count int64)
	DeductTokens(ctx context.Context, tenantID string, amount float64) (*dto.QuotaCheckResult, error)
	GetUsage(ctx context.Context, tenantID string) (*dto.UsageSummary, error)
}

type QuotaCycleServiceInterface interface {
	RunOnce(ctx context.Context) (dto.ReconcileReport, error)
	ResetTenant(ctx context.Context, tenantID, actor string) (*model.QuotaUsageSnapshot, error)
	ListSnapshots(ctx context.Context, tenantID string, page dto.PageQuery) (*dto.SnapshotListResponse, error)
}

type QuotaConfigServiceInterface interface {
	SetOverride(ctx context.Context, tenantID string, req dto.QuotaOverrideRequest, actor string) (*dto.QuotaLimits, error)
}

type WebhookServiceInterface interface {
	Receive(ctx context.Context, appID, signature string, body []byte) (*dto.WebhookEventResponse, error)
	ListEvents(ctx context.Context, query dto.WebhookEventListQuery) (*dto.WebhookEventListResponse, error)
}

// rejectInvalid writes the 422 validation envelope when req does not validate.
// The bool reports whether a response was written.
func rejectInvalid(c *fiber.Ctx, req dto.Validator) (bool, error) {
	err := req.Validate()
	if err == nil {
		return false, nil
	}
	return true, c.Status(fiber.StatusUnprocessableEntity).JSON(dto.CreateValidationErrorResponse(err))
}
