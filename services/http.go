package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/lac-hong-legacy/ven_quota/middleware"
	"github.com/lac-hong-legacy/ven_quota/services/handlers"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
)

const HTTP_SVC = "http_svc"

type HttpService struct {
	appContext.DefaultService

	quotaSvc      *QuotaService
	configSvc     *QuotaConfigService
	cycleSvc      *QuotaCycleService
	notifierSvc   *QuotaNotifierService
	webhookSvc    *WebhookService
	jwtSvc        *JWTService
	redisSvc      *RedisService
	postgresSvc   *PostgresService
	monitoringSvc *MonitoringService

	port     int
	upstream string
	app      *fiber.App
}

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *appContext.Context) error {
	svc.port = getEnvInt("HTTP_PORT", 8000)
	svc.upstream = os.Getenv("GATEWAY_UPSTREAM_URL")
	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.quotaSvc = svc.Service(QUOTA_SVC).(*QuotaService)
	svc.configSvc = svc.Service(QUOTA_CONFIG_SVC).(*QuotaConfigService)
	svc.cycleSvc = svc.Service(QUOTA_CYCLE_SVC).(*QuotaCycleService)
	svc.notifierSvc = svc.Service(QUOTA_NOTIFIER_SVC).(*QuotaNotifierService)
	svc.webhookSvc = svc.Service(WEBHOOK_SVC).(*WebhookService)
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.postgresSvc = svc.Service(POSTGRES_SVC).(*PostgresService)
	svc.monitoringSvc, _ = svc.Service(MONITORING_SVC).(*MonitoringService)

	svc.app = NewFiberApp()
	if svc.monitoringSvc != nil {
		svc.app.Use(MonitoringMiddleware())
	}
	svc.app.Get("/health", svc.health)

	RegisterRoutes(svc.app, Routes{
		Quota:    svc.quotaSvc,
		Config:   svc.configSvc,
		Cycle:    svc.cycleSvc,
		Webhook:  svc.webhookSvc,
		Tokens:   svc.jwtSvc,
		Upstream: svc.upstream,
	})

	go svc.awaitSignal()

	log.WithField("port", svc.port).Info("HTTP server listening")
	return svc.app.Listen(fmt.Sprintf(":%v", svc.port))
}

// awaitSignal drains the server, the reconciler and pending notifications on SIGINT or SIGTERM.
func (svc *HttpService) awaitSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	svc.Shutdown()
	svc.cycleSvc.Shutdown()
	svc.notifierSvc.Shutdown()
}

func (svc *HttpService) Shutdown() {
	if svc.app != nil {
		_ = svc.app.ShutdownWithTimeout(30 * time.Second)
	}
}

// Routes carries everything RegisterRoutes wires.
type Routes struct {
	Quota    handlers.QuotaServiceInterface
	Config   handlers.QuotaConfigServiceInterface
	Cycle    handlers.QuotaCycleServiceInterface
	Webhook  handlers.WebhookServiceInterface
	Tokens   middleware.TokenVerifier
	Upstream string
}

// NewFiberApp returns an app with sonic encoding and the AppError-aware error handler.
func NewFiberApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "ven_quota",
		JSONEncoder:           shared.JSONMarshal,
		JSONDecoder:           shared.JSONUnmarshal,
		ErrorHandler:          HandleError,
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-App-Id, X-Webhook-Signature",
	}))
	return app
}

func RegisterRoutes(app *fiber.App, r Routes) {
	quotaHandler := handlers.NewQuotaHandler(r.Quota)
	webhookHandler := handlers.NewWebhookHandler(r.Webhook)
	adminHandler := handlers.NewAdminHandler(r.Webhook, r.Cycle, r.Config)

	v1 := app.Group("/api/v1")
	v1.Get("/ping", ping)

	v1.Post("/webhooks/subscriptions", webhookHandler.ReceiveSubscriptionEvent)

	quota := v1.Group("/quota")
	quota.Post("/check", quotaHandler.CheckQuota)
	quota.Post("/deduct", quotaHandler.Deduct)
	quota.Get("/usage", quotaHandler.GetUsage)

	if r.Upstream != "" {
		gatewayHandler := handlers.NewGatewayHandler(r.Upstream)
		v1.All("/gateway/*", middleware.QuotaAdmission(r.Quota), gatewayHandler.Forward)
	}

	admin := v1.Group("/admin", middleware.AdminAuth(r.Tokens))
	admin.Get("/webhooks/events", adminHandler.ListWebhookEvents)
	admin.Post("/quota/reconcile", adminHandler.Reconcile)
	admin.Post("/quota/:tenantId/reset", adminHandler.ResetTenant)
	admin.Get("/quota/:tenantId/snapshots", adminHandler.ListSnapshots)
	admin.Put("/quota/:tenantId/override", adminHandler.SetOverride)

	app.Use(func(c *fiber.Ctx) error {
		return shared.ResponseNotFound(c)
	})
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /api/v1/ping [get]
func ping(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "max-age=10")
	return shared.ResponseJSON(c, fiber.StatusOK, "Success", "pong")
}

// @Summary Health
// @Description Pings Redis and the database. Quota checks keep answering while Redis is down.
// @Tags health
// @Produce json
// @Success 200 {object} shared.Response{data=map[string]string}
// @Failure 503 {object} shared.Response{data=map[string]string}
// @Router /health [get]
func (svc *HttpService) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := map[string]string{"redis": "ok", "database": "ok"}
	code := fiber.StatusOK

	if err := svc.redisSvc.Ping(ctx); err != nil {
		status["redis"] = err.Error()
		code = fiber.StatusServiceUnavailable
	}
	if err := svc.postgresSvc.Ping(); err != nil {
		status["database"] = err.Error()
		code = fiber.StatusServiceUnavailable
	}

	if code != fiber.StatusOK {
		return shared.ResponseError(c, code, shared.ErrCodeServiceDegraded, "Degraded", status)
	}
	return shared.ResponseJSON(c, code, "Success", status)
}

// HandleError renders every error that reaches fiber. Domain sentinels map to
// their codes; anything unrecognised is a 500.
func HandleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseError(c, appErr.StatusCode, appErr.Code, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		code := shared.ErrCodeBadRequest
		if fiberErr.Code == fiber.StatusNotFound {
			code = shared.ErrCodeNotFound
		}
		return shared.ResponseError(c, fiberErr.Code, code, fiberErr.Message, nil)
	case errors.Is(err, ErrQuotaNotConfigured):
		return shared.ResponseError(c, fiber.StatusNotFound, shared.ErrCodeQuotaNotConfigured, "Quota is not configured for this tenant", nil)
	case errors.Is(err, ErrCycleNotStarted), errors.Is(err, ErrCycleContended):
		return shared.ResponseError(c, fiber.StatusConflict, shared.ErrCodeConflict, err.Error(), nil)
	}

	if _, ok := shared.GetStoreError(err); ok {
		log.WithField("path", c.Path()).WithError(err).Warn("Request failed on an unavailable store")
		return shared.ResponseError(c, fiber.StatusServiceUnavailable, shared.ErrCodeServiceDegraded, "Service degraded", nil)
	}

	log.WithFields(log.Fields{"path": c.Path(), "method": c.Method()}).WithError(err).Error("Unhandled request error")
	return shared.ResponseError(c, fiber.StatusInternalServerError, shared.ErrCodeInternalError, "Internal Server Error", nil)
}
