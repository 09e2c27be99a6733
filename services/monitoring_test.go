package services

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitoringMiddlewareLabelsByRoute(t *testing.T) {
	app := NewFiberApp()
	app.Use(MonitoringMiddleware())
	app.Get("/probe/:tenantId", func(c *fiber.Ctx) error {
		if c.Params("tenantId") == "missing" {
			return shared.NewAppError(fiber.StatusNotFound, shared.ErrCodeNotFound, "missing", nil)
		}
		return c.SendStatus(fiber.StatusOK)
	})

	ok := httpRequestsTotal.WithLabelValues("/probe/:tenantId", http.MethodGet, "200")
	notFound := httpRequestsTotal.WithLabelValues("/probe/:tenantId", http.MethodGet, "404")
	okBefore, notFoundBefore := testutil.ToFloat64(ok), testutil.ToFloat64(notFound)

	for _, id := range []string{"app_a", "app_b", "missing"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/probe/"+id, nil), -1)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ok))
	assert.Equal(t, notFoundBefore+1, testutil.ToFloat64(notFound))
	assert.Zero(t, testutil.ToFloat64(httpRequestsInFlight))
}

func TestMetricsRegistryGathers(t *testing.T) {
	reg := NewMetricsRegistry()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ven_quota_quota_checks_total"])
	assert.True(t, names["ven_quota_quota_reconcile_runs_total"])
	assert.True(t, names["go_goroutines"])
}
