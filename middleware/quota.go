package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
)

type QuotaEnforcer interface {
	CheckQuota(ctx context.Context, tenantID string) (*dto.QuotaCheckResult, error)
	DeductRequest(ctx context.Context, tenantID string)
	DeductTokens(ctx context.Context, tenantID string, amount float64) (*dto.QuotaCheckResult, error)
}

// QuotaAdmission checks the caller's quota before the route runs and deducts
// after it succeeds. A downstream handler reports token usage by storing a
// float64 under shared.QuotaTokens.
func QuotaAdmission(enforcer QuotaEnforcer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID := c.Get(shared.HeaderAppID)
		if tenantID == "" {
			return shared.ResponseError(c, fiber.StatusBadRequest, shared.ErrCodeBadRequest, "X-App-Id header is required", nil)
		}

		ctx := c.UserContext()
		result, err := enforcer.CheckQuota(ctx, tenantID)
		if err != nil {
			return shared.ResponseError(c, fiber.StatusServiceUnavailable, shared.ErrCodeServiceDegraded, "Quota service degraded", nil)
		}
		SetQuotaHeaders(c, result)

		if !result.Allowed {
			status := fiber.StatusTooManyRequests
			if result.ErrorCode == shared.ErrCodeQuotaNotConfigured {
				status = fiber.StatusForbidden
			}
			return shared.ResponseError(c, status, result.ErrorCode, "Quota check failed", result)
		}

		c.Locals(shared.TenantID, tenantID)
		err = c.Next()
		// Proxied routes replace the whole response, headers included.
		SetQuotaHeaders(c, result)
		if err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status < fiber.StatusOK || status >= fiber.StatusMultipleChoices {
			return nil
		}

		enforcer.DeductRequest(ctx, tenantID)
		if tokens, ok := c.Locals(shared.QuotaTokens).(float64); ok && tokens > 0 {
			updated, err := enforcer.DeductTokens(ctx, tenantID, tokens)
			if err != nil {
				log.WithFields(log.Fields{"tenant_id": tenantID, "tokens": tokens}).WithError(err).Warn("Token deduction rejected")
				return nil
			}
			if !updated.FailOpen {
				SetQuotaHeaders(c, updated)
			}
		}
		return nil
	}
}

func SetQuotaHeaders(c *fiber.Ctx, result *dto.QuotaCheckResult) {
	for name, value := range result.Headers() {
		c.Set(name, value)
	}
}
