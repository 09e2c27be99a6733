package seeders

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

func TestParseFixture(t *testing.T) {
	fixture, err := ParseFixture([]byte(`
plans:
  - id: plan_free
    request_quota: 100
    token_quota: -1
    period_days: 30
tenants:
  - id: app_a
    plan_id: plan_free
    users: [u1]
    override:
      request_quota: 500
`))
	require.NoError(t, err)
	require.Len(t, fixture.Plans, 1)
	assert.Equal(t, int64(-1), fixture.Plans[0].TokenQuota)
	require.Len(t, fixture.Tenants, 1)
	require.NotNil(t, fixture.Tenants[0].Override)
	assert.Equal(t, 500, *fixture.Tenants[0].Override.RequestQuota)
	assert.Nil(t, fixture.Tenants[0].Override.TokenQuota)
}

func TestParseFixtureRejectsBadInput(t *testing.T) {
	for name, doc := range map[string]string{
		"malformed":       "plans: [",
		"plan without id": "plans:\n  - period_days: 30\n",
		"zero period":     "plans:\n  - id: p\n    period_days: 0\n",
		"unknown plan":    "plans:\n  - id: p\n    period_days: 30\ntenants:\n  - id: t\n    plan_id: q\n",
		"tenant no id":    "tenants:\n  - name: nameless\n",
	} {
		_, err := ParseFixture([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadBundledFixture(t *testing.T) {
	fixture, err := LoadFixture(filepath.Join("..", "fixtures.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, fixture.Plans)
	assert.NotEmpty(t, fixture.Tenants)

	_, err = LoadFixture(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSeedAllIsRepeatable(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	fixture, err := LoadFixture(filepath.Join("..", "fixtures.yaml"))
	require.NoError(t, err)

	seeder := NewMainSeeder(db)
	require.NoError(t, seeder.SeedAll(ctx, fixture))
	require.NoError(t, seeder.SeedAll(ctx, fixture))

	var bindings int64
	require.NoError(t, db.Model(&model.TenantPlan{}).Where("tenant_id = ?", "app_demo").Count(&bindings).Error)
	assert.Equal(t, int64(1), bindings)

	var users int64
	require.NoError(t, db.Model(&model.UserBinding{}).Where("tenant_id = ? AND verified = ?", "app_demo", true).Count(&users).Error)
	assert.Equal(t, int64(2), users)

	plans := repositories.NewPlanRepository(db)
	limits, err := plans.GetEffectiveLimits(ctx, "app_partner")
	require.NoError(t, err)
	assert.Equal(t, 50000, limits.RequestLimit)

	var suspended model.Tenant
	require.NoError(t, db.First(&suspended, "id = ?", "app_suspended").Error)
	assert.Equal(t, shared.TenantStatusDisabled, suspended.Status)
}

func TestAdminSeederIssuesVerifiableToken(t *testing.T) {
	_, err := NewAdminSeeder("", time.Hour)
	require.Error(t, err)

	seeder, err := NewAdminSeeder("s3cret", time.Hour)
	require.NoError(t, err)
	token, err := seeder.IssueToken("ops")
	require.NoError(t, err)

	adminID, err := services.NewJWTService("s3cret", time.Hour).VerifyAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", adminID)
}
