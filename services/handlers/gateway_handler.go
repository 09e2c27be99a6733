package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/lac-hong-legacy/ven_quota/shared"
)

// GatewayHandler forwards admitted requests to the upstream API. The upstream
// reports token consumption in X-Tokens-Used, which the admission middleware deducts.
type GatewayHandler struct {
	upstream string
}

func NewGatewayHandler(upstream string) *GatewayHandler {
	return &GatewayHandler{
		upstream: strings.TrimRight(upstream, "/"),
	}
}

// @Summary Quota-enforced passthrough
// @Description Forwards the request upstream after a quota check and deducts usage on a 2xx response
// @Tags gateway
// @Param X-App-Id header string true "Tenant id"
// @Param path path string true "Upstream path"
// @Success 200
// @Failure 403 {object} shared.Response{data=dto.QuotaCheckResult}
// @Failure 429 {object} shared.Response{data=dto.QuotaCheckResult}
// @Router /api/v1/gateway/{path} [get]
func (h *GatewayHandler) Forward(c *fiber.Ctx) error {
	target := h.upstream + "/" + c.Params("*")
	if query := string(c.Request().URI().QueryString()); query != "" {
		target += "?" + query
	}

	if err := proxy.Do(c, target); err != nil {
		return shared.NewAppError(fiber.StatusBadGateway, shared.ErrCodeInternalError, "Upstream unavailable", err)
	}

	if value := c.Response().Header.Peek(shared.HeaderTokensUsed); len(value) > 0 {
		if tokens, err := strconv.ParseFloat(string(value), 64); err == nil && tokens > 0 {
			c.Locals(shared.QuotaTokens, tokens)
		}
	}
	return nil
}
