package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/middleware"
	"github.com/lac-hong-legacy/ven_quota/shared"
)

type QuotaHandler struct {
	quotaSvc QuotaServiceInterface
}

func NewQuotaHandler(quotaSvc QuotaServiceInterface) *QuotaHandler {
	return &QuotaHandler{
		quotaSvc: quotaSvc,
	}
}

func tenantFromHeader(c *fiber.Ctx) (string, error) {
	tenantID := c.Get(shared.HeaderAppID)
	if tenantID == "" {
		return "", shared.NewBadRequestError(nil, "X-App-Id header is required")
	}
	return tenantID, nil
}

// @Summary Check quota
// @Description Pre-flight quota check for a tenant. Denied checks answer 429, or 403 when no plan is bound.
// @Tags quota
// @Produce json
// @Param X-App-Id header string true "Tenant id"
// @Success 200 {object} shared.Response{data=dto.QuotaCheckResult}
// @Failure 403 {object} shared.Response{data=dto.QuotaCheckResult}
// @Failure 429 {object} shared.Response{data=dto.QuotaCheckResult}
// @Failure 503 {object} shared.Response
// @Router /api/v1/quota/check [post]
func (h *QuotaHandler) CheckQuota(c *fiber.Ctx) error {
	tenantID, err := tenantFromHeader(c)
	if err != nil {
		return err
	}

	result, err := h.quotaSvc.CheckQuota(c.UserContext(), tenantID)
	if err != nil {
		return err
	}
	middleware.SetQuotaHeaders(c, result)

	if !result.Allowed {
		status := fiber.StatusTooManyRequests
		if result.ErrorCode == shared.ErrCodeQuotaNotConfigured {
			status = fiber.StatusForbidden
		}
		return shared.ResponseError(c, status, result.ErrorCode, "Quota check failed", result)
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", result)
}

// @Summary Deduct usage
// @Description Records completed requests (one unless "requests" says otherwise, 0 records tokens only) and the tokens they consumed. Token overage is always recorded.
// @Tags quota
// @Accept json
// @Produce json
// @Param X-App-Id header string true "Tenant id"
// @Param deductRequest body dto.DeductTokensRequest false "Usage to record"
// @Success 200 {object} shared.Response{data=dto.QuotaCheckResult}
// @Router /api/v1/quota/deduct [post]
func (h *QuotaHandler) Deduct(c *fiber.Ctx) error {
	tenantID, err := tenantFromHeader(c)
	if err != nil {
		return err
	}

	var req dto.DeductTokensRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return shared.NewBadRequestError(err, "Invalid request")
		}
	}
	if rejected, err := rejectInvalid(c, req); rejected {
		return err
	}

	ctx := c.UserContext()
	h.quotaSvc.DeductRequests(ctx, tenantID, req.RequestCount())

	result, err := h.quotaSvc.DeductTokens(ctx, tenantID, req.Tokens)
	if err != nil {
		return err
	}
	middleware.SetQuotaHeaders(c, result)

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", result)
}

// @Summary Get quota usage
// @Description Current cycle usage against the effective limits
// @Tags quota
// @Produce json
// @Param X-App-Id header string true "Tenant id"
// @Success 200 {object} shared.Response{data=dto.UsageSummary}
// @Failure 404 {object} shared.Response
// @Failure 503 {object} shared.Response
// @Router /api/v1/quota/usage [get]
func (h *QuotaHandler) GetUsage(c *fiber.Ctx) error {
	tenantID, err := tenantFromHeader(c)
	if err != nil {
		return err
	}

	usage, err := h.quotaSvc.GetUsage(c.UserContext(), tenantID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", usage)
}
