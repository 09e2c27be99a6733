package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/ven_quota/shared"
)

type WebhookHandler struct {
	webhookSvc WebhookServiceInterface
}

func NewWebhookHandler(webhookSvc WebhookServiceInterface) *WebhookHandler {
	return &WebhookHandler{
		webhookSvc: webhookSvc,
	}
}

// @Summary Receive subscription event
// @Description Signed subscription lifecycle event from a tenant. Redeliveries of a processed event_id are acknowledged as duplicate.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-App-Id header string true "Tenant id"
// @Param X-Webhook-Signature header string true "sha256=<hex HMAC-SHA256 of the raw body>"
// @Param event body dto.SubscriptionEvent true "Subscription event"
// @Success 200 {object} dto.WebhookEventResponse
// @Failure 401 {object} shared.Response
// @Failure 403 {object} shared.Response
// @Failure 409 {object} shared.Response
// @Failure 422 {object} shared.Response
// @Router /api/v1/webhooks/subscriptions [post]
func (h *WebhookHandler) ReceiveSubscriptionEvent(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns.
	body := append([]byte(nil), c.Body()...)

	resp, err := h.webhookSvc.Receive(c.UserContext(), c.Get(shared.HeaderAppID), c.Get(shared.HeaderWebhookSignature), body)
	if err != nil {
		return err
	}

	return shared.ResponseRaw(c, fiber.StatusOK, resp)
}
