package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testKeyPrefix = "quota:"

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	mr     *miniredis.Miniredis
	client *redis.Client
	db     *gorm.DB

	counter  *QuotaCounterService
	cycles   *QuotaCycleService
	config   *QuotaConfigService
	notifier *QuotaNotifierService
	quota    *QuotaService
	webhook  *WebhookService

	plans   *repositories.PlanRepository
	tenants *repositories.TenantRepository
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	db := newTestDB(t)

	counter := NewQuotaCounterService(client, testKeyPrefix)
	cycles := NewQuotaCycleService(counter, db, nil)
	config := NewQuotaConfigService(counter, db, cycles)
	notifier := NewQuotaNotifierService(db, 2*time.Second)
	t.Cleanup(notifier.Wait)

	return &testEnv{
		t:        t,
		ctx:      context.Background(),
		mr:       mr,
		client:   client,
		db:       db,
		counter:  counter,
		cycles:   cycles,
		config:   config,
		notifier: notifier,
		quota:    NewQuotaService(config, counter, notifier),
		webhook:  NewWebhookService(db),
		plans:    repositories.NewPlanRepository(db),
		tenants:  repositories.NewTenantRepository(db),
	}
}

// setNow pins the clock of every time-aware service.
func (env *testEnv) setNow(now time.Time) {
	clock := func() time.Time { return now }
	env.cycles.now = clock
	env.config.now = clock
	env.quota.now = clock
	env.notifier.now = clock
}

func (env *testEnv) createTenant(tenantID, webhookURL string) *model.Tenant {
	env.t.Helper()
	tenant := &model.Tenant{
		ID:            tenantID,
		Name:          tenantID,
		Status:        shared.TenantStatusActive,
		WebhookURL:    webhookURL,
		WebhookSecret: "secret-" + tenantID,
	}
	require.NoError(env.t, env.tenants.CreateTenant(env.ctx, tenant))
	return tenant
}

func (env *testEnv) createPlan(planID string, requests int, tokens int64, periodDays int) *model.Plan {
	env.t.Helper()
	plan := &model.Plan{
		ID:           planID,
		Name:         planID,
		RequestQuota: requests,
		TokenQuota:   tokens,
		PeriodDays:   periodDays,
		DurationDays: 30,
		IsActive:     true,
	}
	require.NoError(env.t, env.plans.CreatePlan(env.ctx, plan))
	return plan
}

// configureTenant creates a tenant bound to a fresh plan with the given limits.
func (env *testEnv) configureTenant(tenantID string, requests int, tokens int64) *model.Tenant {
	env.t.Helper()
	tenant := env.createTenant(tenantID, "")
	plan := env.createPlan("plan_"+tenantID, requests, tokens, 30)
	_, err := env.plans.BindPlan(env.ctx, tenantID, plan.ID)
	require.NoError(env.t, err)
	return tenant
}

func (env *testEnv) setRequests(tenantID string, used int64) {
	env.t.Helper()
	require.NoError(env.t, env.mr.Set(testKeyPrefix+tenantID+":requests", strconv.FormatInt(used, 10)))
}

func (env *testEnv) setCycleStart(tenantID string, start time.Time) {
	env.t.Helper()
	require.NoError(env.t, env.mr.Set(testKeyPrefix+tenantID+":cycle_start", strconv.FormatInt(start.Unix(), 10)))
}

func (env *testEnv) snapshotCount(tenantID string) int64 {
	env.t.Helper()
	var count int64
	require.NoError(env.t, env.db.Model(&model.QuotaUsageSnapshot{}).Where("tenant_id = ?", tenantID).Count(&count).Error)
	return count
}

// webhookSink counts deliveries and keeps the last request seen.
type webhookSink struct {
	server *httptest.Server
	hits   atomic.Int64
	last   atomic.Pointer[http.Request]
	body   atomic.Pointer[[]byte]
	status int
}

func newWebhookSink(t *testing.T, status int) *webhookSink {
	t.Helper()
	sink := &webhookSink{status: status}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		sink.body.Store(&buf)
		sink.last.Store(r.Clone(context.Background()))
		sink.hits.Add(1)
		w.WriteHeader(sink.status)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}
