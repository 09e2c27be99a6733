package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/shared"
)

type AdminHandler struct {
	webhookSvc WebhookServiceInterface
	cycleSvc   QuotaCycleServiceInterface
	configSvc  QuotaConfigServiceInterface
}

func NewAdminHandler(webhookSvc WebhookServiceInterface, cycleSvc QuotaCycleServiceInterface, configSvc QuotaConfigServiceInterface) *AdminHandler {
	return &AdminHandler{
		webhookSvc: webhookSvc,
		cycleSvc:   cycleSvc,
		configSvc:  configSvc,
	}
}

func adminID(c *fiber.Ctx) string {
	id, _ := c.Locals(shared.AdminID).(string)
	return "admin:" + id
}

func pageQuery(c *fiber.Ctx) dto.PageQuery {
	page := dto.PageQuery{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 20),
	}
	page.Normalize()
	return page
}

func timeQuery(c *fiber.Ctx, name string) (*time.Time, error) {
	value := c.Query(name)
	if value == "" {
		return nil, nil
	}
	t, err := dto.ParseEventTime(value)
	if err != nil {
		return nil, shared.NewBadRequestError(err, name+" must be an ISO-8601 timestamp")
	}
	return &t, nil
}

// @Summary List webhook events (Admin)
// @Description Paginated inbound webhook event log, newest first
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Param app_id query string false "Tenant id"
// @Param event_type query string false "Event type"
// @Param status query string false "pending, success, failed or duplicate"
// @Param start_time query string false "ISO-8601 lower bound on created_at"
// @Param end_time query string false "ISO-8601 upper bound on created_at"
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Items per page" default(20)
// @Success 200 {object} shared.Response{data=dto.WebhookEventListResponse}
// @Router /api/v1/admin/webhooks/events [get]
func (h *AdminHandler) ListWebhookEvents(c *fiber.Ctx) error {
	start, err := timeQuery(c, "start_time")
	if err != nil {
		return err
	}
	end, err := timeQuery(c, "end_time")
	if err != nil {
		return err
	}

	events, err := h.webhookSvc.ListEvents(c.UserContext(), dto.WebhookEventListQuery{
		PageQuery: pageQuery(c),
		AppID:     c.Query("app_id"),
		EventType: c.Query("event_type"),
		Status:    c.Query("status"),
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Webhook events retrieved successfully", events)
}

// @Summary Run reconciler (Admin)
// @Description Runs one reconciler pass immediately
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Success 200 {object} shared.Response{data=dto.ReconcileReport}
// @Failure 503 {object} shared.Response{data=dto.ReconcileReport}
// @Router /api/v1/admin/quota/reconcile [post]
func (h *AdminHandler) Reconcile(c *fiber.Ctx) error {
	report, err := h.cycleSvc.RunOnce(c.UserContext())
	if err != nil {
		return shared.NewServiceUnavailableError(err, "Reconcile run aborted").WithData(report)
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Reconcile run finished", report)
}

// @Summary Reset tenant quota (Admin)
// @Description Closes the tenant's current cycle and starts a new one
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Param tenantId path string true "Tenant id"
// @Success 200 {object} shared.Response{data=model.QuotaUsageSnapshot}
// @Router /api/v1/admin/quota/{tenantId}/reset [post]
func (h *AdminHandler) ResetTenant(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		return shared.NewBadRequestError(nil, "Tenant ID is required")
	}

	snapshot, err := h.cycleSvc.ResetTenant(c.UserContext(), tenantID, adminID(c))
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Quota reset successfully", snapshot)
}

// @Summary List usage snapshots (Admin)
// @Description Closed-cycle usage snapshots for a tenant, newest first
// @Tags admin
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Param tenantId path string true "Tenant id"
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Items per page" default(20)
// @Success 200 {object} shared.Response{data=dto.SnapshotListResponse}
// @Router /api/v1/admin/quota/{tenantId}/snapshots [get]
func (h *AdminHandler) ListSnapshots(c *fiber.Ctx) error {
	snapshots, err := h.cycleSvc.ListSnapshots(c.UserContext(), c.Params("tenantId"), pageQuery(c))
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", snapshots)
}

// @Summary Set quota override (Admin)
// @Description Replaces the tenant's quota override; nil fields fall back to the plan
// @Tags admin
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Admin Bearer Token" default(Bearer <admin_token>)
// @Param tenantId path string true "Tenant id"
// @Param overrideRequest body dto.QuotaOverrideRequest true "Override"
// @Success 200 {object} shared.Response{data=dto.QuotaLimits}
// @Router /api/v1/admin/quota/{tenantId}/override [put]
func (h *AdminHandler) SetOverride(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		return shared.NewBadRequestError(nil, "Tenant ID is required")
	}

	var req dto.QuotaOverrideRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	if rejected, err := rejectInvalid(c, req); rejected {
		return err
	}

	limits, err := h.configSvc.SetOverride(c.UserContext(), tenantID, req, adminID(c))
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Quota override saved", limits)
}
