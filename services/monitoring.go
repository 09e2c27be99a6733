package services

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/lac-hong-legacy/ven_quota/shared"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	MONITORING_SVC          = "monitoring_svc"
	SERVICE_NAME            = "ven_quota"
	DEFAULT_PROMETHEUS_PORT = 2112

	metricsNamespace = "ven_quota"
)

// HTTP
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served",
		},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"route", "method"},
	)
)

// Quota
var (
	quotaChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_checks_total",
			Help:      "Quota checks by outcome (allowed, denied, fail_open, error)",
		},
		[]string{"outcome"},
	)

	quotaFailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_fail_open_total",
			Help:      "Quota operations answered without a store, by unavailable store",
		},
		[]string{"reason"},
	)

	quotaNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_notifications_total",
			Help:      "Threshold webhook deliveries",
		},
		[]string{"event_type", "result"},
	)

	quotaReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_reconcile_runs_total",
			Help:      "Reconciler runs by result (ok, aborted, error)",
		},
		[]string{"result"},
	)

	quotaReconcileTenantErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_reconcile_tenant_errors_total",
			Help:      "Tenants that failed during a reconciler run",
		},
	)

	quotaResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_cycle_resets_total",
			Help:      "Closed billing cycles by reset type",
		},
		[]string{"reset_type"},
	)

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_events_total",
			Help:      "Inbound subscription webhook events by type and final status",
		},
		[]string{"event_type", "status"},
	)
)

// Process
var (
	heapAllocBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "heap_alloc_bytes",
			Help:      "Heap memory allocated in bytes",
		},
	)

	gcTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gc_total",
			Help:      "Completed garbage collection cycles",
		},
	)
)

// MonitoringService serves /metrics on its own port so scrapes never compete
// with quota traffic.
type MonitoringService struct {
	appContext.DefaultService

	port     int
	register *prometheus.Registry

	closed      chan struct{}
	server      *fiber.App
	lastGCCount uint32
}

func (svc *MonitoringService) Id() string {
	return MONITORING_SVC
}

func (svc *MonitoringService) Configure(ctx *appContext.Context) error {
	svc.port = getEnvInt("PROMETHEUS_PORT", DEFAULT_PROMETHEUS_PORT)
	return svc.DefaultService.Configure(ctx)
}

func (svc *MonitoringService) Start() error {
	svc.closed = make(chan struct{}, 1)
	svc.register = NewMetricsRegistry()

	go svc.sampleRuntime()

	svc.server = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).SendString("Internal Server Error")
		},
	})
	svc.server.Use(recover.New())
	svc.server.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(svc.register, promhttp.HandlerOpts{})))
	svc.server.Get("/health", svc.healthHandler)

	// HttpService owns the blocking Start.
	go func() {
		if err := svc.server.Listen(fmt.Sprintf(":%v", svc.port)); err != nil {
			log.Error().Err(err).Int("port", svc.port).Msg("Prometheus metrics server stopped")
		}
	}()

	log.Info().Int("port", svc.port).Msg("Prometheus metrics server started")
	return nil
}

func (svc *MonitoringService) Shutdown() {
	if svc.closed == nil {
		return
	}
	svc.closed <- struct{}{}
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

// NewMetricsRegistry registers the service collectors plus the Go runtime and
// process collectors, and seeds the outcome labels so dashboards see zeros.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequestsTotal,
		httpRequestsInFlight,
		httpRequestDurationSeconds,
		quotaChecksTotal,
		quotaFailOpenTotal,
		quotaNotificationsTotal,
		quotaReconcileRunsTotal,
		quotaReconcileTenantErrorsTotal,
		quotaResetsTotal,
		webhookEventsTotal,
		heapAllocBytes,
		gcTotal,
	)

	for _, outcome := range []string{"allowed", "denied", "fail_open", "error"} {
		quotaChecksTotal.WithLabelValues(outcome).Add(0)
	}
	for _, result := range []string{"ok", "aborted", "error"} {
		quotaReconcileRunsTotal.WithLabelValues(result).Add(0)
	}
	return reg
}

func (svc *MonitoringService) healthHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":    "healthy",
		"service":   SERVICE_NAME,
		"timestamp": time.Now().Unix(),
	})
}

func (svc *MonitoringService) sampleRuntime() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapAllocBytes.Set(float64(m.Alloc))
			if m.NumGC > svc.lastGCCount {
				gcTotal.Add(float64(m.NumGC - svc.lastGCCount))
				svc.lastGCCount = m.NumGC
			}
		case <-svc.closed:
			return
		}
	}
}

// MonitoringMiddleware records latency and status per matched route. The route
// pattern is read after c.Next, once the router has picked a handler, so
// tenant ids in paths never become label values.
func MonitoringMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		method := c.Method()
		status := c.Response().StatusCode()
		// The error handler has not run yet, so take the status it is about to write.
		var fiberErr *fiber.Error
		if appErr, ok := shared.GetAppError(err); ok {
			status = appErr.StatusCode
		} else if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		return err
	}
}
