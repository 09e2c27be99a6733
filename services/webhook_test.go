package services

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (env *testEnv) bindUser(tenantID, userID string, verified bool) {
	env.t.Helper()
	require.NoError(env.t, env.tenants.CreateUserBinding(env.ctx, &model.UserBinding{
		TenantID: tenantID,
		UserID:   userID,
		Verified: verified,
	}))
}

func subscriptionBody(t *testing.T, eventID, eventType, userID, planID string, expiry *string) []byte {
	t.Helper()
	body, err := json.Marshal(dto.SubscriptionEvent{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: "2025-01-01T00:00:00Z",
		Data: &dto.SubscriptionEventData{
			UserID:        userID,
			PlanID:        planID,
			EffectiveDate: "2025-01-01T00:00:00Z",
			ExpiryDate:    expiry,
		},
	})
	require.NoError(t, err)
	return body
}

func (env *testEnv) deliver(tenantID string, body []byte) (*dto.WebhookEventResponse, error) {
	return env.webhook.Receive(env.ctx, tenantID, Sign("secret-"+tenantID, body), body)
}

func (env *testEnv) eventRows(tenantID, eventID string) []model.WebhookEventLog {
	env.t.Helper()
	rows, err := repositories.NewWebhookEventRepository(env.db).ListByEventID(env.ctx, tenantID, eventID)
	require.NoError(env.t, err)
	return rows
}

func (env *testEnv) subscriptions(tenantID, userID string) []model.Subscription {
	env.t.Helper()
	subs, err := repositories.NewSubscriptionRepository(env.db).ListByUser(env.ctx, tenantID, userID)
	require.NoError(env.t, err)
	return subs
}

func requireAppError(t *testing.T, err error, status int, code string) {
	t.Helper()
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, status, appErr.StatusCode)
	assert.Equal(t, code, appErr.Code)
}

func TestReceiveCreatesSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createPlan("plan_pro", 1000, 50000, 30)
	env.bindUser("app_a", "user_1", true)

	resp, err := env.deliver("app_a", subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil))
	require.NoError(t, err)
	assert.Equal(t, shared.EventStatusProcessed, resp.Status)

	var change dto.SubscriptionChange
	require.NoError(t, json.Unmarshal(resp.Summary, &change))
	assert.Equal(t, shared.SubscriptionCreated, change.Action)
	assert.Equal(t, shared.SubscriptionStatusActive, change.Status)

	subs := env.subscriptions("app_a", "user_1")
	require.Len(t, subs, 1)
	assert.Equal(t, "plan_pro", subs[0].PlanID)
	assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC).Unix(), subs[0].EndDate.Unix())

	rows := env.eventRows("app_a", "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, shared.EventStatusSuccess, rows[0].Status)
	assert.NotNil(t, rows[0].ProcessedAt)
}

func TestReceiveDuplicateEventRunsHandlerOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createPlan("plan_pro", 1000, 50000, 30)
	env.bindUser("app_a", "user_1", true)

	body := subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil)
	first, err := env.deliver("app_a", body)
	require.NoError(t, err)

	second, err := env.deliver("app_a", body)
	require.NoError(t, err)
	assert.Equal(t, shared.EventStatusDuplicate, second.Status)
	assert.JSONEq(t, string(first.Summary), string(second.Summary))

	assert.Len(t, env.subscriptions("app_a", "user_1"), 1)

	rows := env.eventRows("app_a", "evt_1")
	require.Len(t, rows, 2)
	assert.Equal(t, shared.EventStatusSuccess, rows[0].Status)
	assert.Equal(t, shared.EventStatusDuplicate, rows[1].Status)
}

func TestReceiveSameEventIDFromAnotherTenantIsIndependent(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createTenant("app_b", "")
	env.createPlan("plan_pro", 1000, 50000, 30)
	env.bindUser("app_a", "user_1", true)
	env.bindUser("app_b", "user_1", true)

	body := subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil)
	_, err := env.deliver("app_a", body)
	require.NoError(t, err)

	resp, err := env.deliver("app_b", body)
	require.NoError(t, err)
	assert.Equal(t, shared.EventStatusProcessed, resp.Status)
}

func TestReceiveUnknownUserFailsValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createPlan("plan_pro", 1000, 50000, 30)
	env.bindUser("app_a", "user_unverified", false)

	_, err := env.deliver("app_a", subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_unknown", "plan_pro", nil))
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodeHandlerValidationFailed)

	_, err = env.deliver("app_a", subscriptionBody(t, "evt_2", shared.SubscriptionCreated, "user_unverified", "plan_pro", nil))
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodeHandlerValidationFailed)

	assert.Empty(t, env.subscriptions("app_a", "user_unknown"))

	rows := env.eventRows("app_a", "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, shared.EventStatusFailed, rows[0].Status)
	assert.Nil(t, rows[0].IdempotencyKey)
	assert.Contains(t, rows[0].ErrorMessage, "no verified binding")
}

func TestReceiveFailedEventCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createPlan("plan_pro", 1000, 50000, 30)

	body := subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil)
	_, err := env.deliver("app_a", body)
	require.Error(t, err)

	env.bindUser("app_a", "user_1", true)
	resp, err := env.deliver("app_a", body)
	require.NoError(t, err)
	assert.Equal(t, shared.EventStatusProcessed, resp.Status)
	assert.Len(t, env.eventRows("app_a", "evt_1"), 2)
}

func TestReceiveAuthentication(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	disabled := env.createTenant("app_off", "")
	disabled.Status = shared.TenantStatusDisabled
	require.NoError(t, env.tenants.SaveTenant(env.ctx, disabled))

	body := subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil)

	_, err := env.webhook.Receive(env.ctx, "", "", body)
	requireAppError(t, err, http.StatusUnauthorized, shared.ErrCodeAuthInvalid)

	_, err = env.webhook.Receive(env.ctx, "app_missing", Sign("x", body), body)
	requireAppError(t, err, http.StatusUnauthorized, shared.ErrCodeAppNotFound)

	_, err = env.deliver("app_off", body)
	requireAppError(t, err, http.StatusForbidden, shared.ErrCodeAppDisabled)

	_, err = env.webhook.Receive(env.ctx, "app_a", Sign("wrong-secret", body), body)
	requireAppError(t, err, http.StatusUnauthorized, shared.ErrCodeAuthInvalid)

	var count int64
	require.NoError(t, env.db.Model(&model.WebhookEventLog{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestReceiveInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")

	_, err := env.deliver("app_a", []byte(`{not json`))
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodePayloadInvalid)

	body := []byte(`{"event_id":"evt_9","event_type":"subscription.paused","timestamp":"2025-01-01T00:00:00Z","data":{"user_id":"u","plan_id":"p","effective_date":"2025-01-01T00:00:00Z"}}`)
	_, err = env.deliver("app_a", body)
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodePayloadInvalid)
	appErr, _ := shared.GetAppError(err)
	assert.NotNil(t, appErr.Data)

	rows := env.eventRows("app_a", "evt_9")
	require.Len(t, rows, 1)
	assert.Equal(t, shared.EventStatusFailed, rows[0].Status)

	var count int64
	require.NoError(t, env.db.Model(&model.WebhookEventLog{}).Where("app_id = ?", "app_a").Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestReceiveConflictWhilePending(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")

	key := idempotencyKey("app_a", "evt_1")
	require.NoError(t, env.db.Create(&model.WebhookEventLog{
		ID:             "pending-row",
		EventID:        "evt_1",
		AppID:          "app_a",
		Status:         shared.EventStatusPending,
		IdempotencyKey: &key,
		CreatedAt:      time.Now(),
	}).Error)

	_, err := env.deliver("app_a", subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil))
	requireAppError(t, err, http.StatusConflict, shared.ErrCodeEventConflict)
	assert.Len(t, env.eventRows("app_a", "evt_1"), 2)
}

func TestReceiveTakesOverAbandonedClaim(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createPlan("plan_pro", 1000, 50000, 30)
	env.bindUser("app_a", "user_1", true)

	key := idempotencyKey("app_a", "evt_1")
	require.NoError(t, env.db.Create(&model.WebhookEventLog{
		ID:             "abandoned-row",
		EventID:        "evt_1",
		AppID:          "app_a",
		Status:         shared.EventStatusPending,
		IdempotencyKey: &key,
		CreatedAt:      time.Now().Add(-time.Hour),
	}).Error)

	body := subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil)
	resp, err := env.deliver("app_a", body)
	require.NoError(t, err)
	assert.Equal(t, shared.EventStatusProcessed, resp.Status)
	assert.Len(t, env.subscriptions("app_a", "user_1"), 1)

	resp, err = env.deliver("app_a", body)
	require.NoError(t, err)
	assert.Equal(t, shared.EventStatusDuplicate, resp.Status)

	statuses := map[string]string{}
	for _, row := range env.eventRows("app_a", "evt_1") {
		statuses[row.ID] = row.Status
	}
	assert.Len(t, statuses, 3)
	assert.Equal(t, shared.EventStatusFailed, statuses["abandoned-row"])
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createPlan("plan_basic", 100, 1000, 30)
	env.createPlan("plan_pro", 1000, 50000, 30)
	env.bindUser("app_a", "user_1", true)

	_, err := env.deliver("app_a", subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_basic", nil))
	require.NoError(t, err)

	// A second create while one is active is rejected.
	_, err = env.deliver("app_a", subscriptionBody(t, "evt_2", shared.SubscriptionCreated, "user_1", "plan_basic", nil))
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodeHandlerValidationFailed)

	_, err = env.deliver("app_a", subscriptionBody(t, "evt_3", shared.SubscriptionUpgraded, "user_1", "plan_pro", nil))
	require.NoError(t, err)
	subs := env.subscriptions("app_a", "user_1")
	require.Len(t, subs, 1)
	assert.Equal(t, "plan_pro", subs[0].PlanID)

	// Renewal before the end date extends from the current end.
	_, err = env.deliver("app_a", subscriptionBody(t, "evt_4", shared.SubscriptionRenewed, "user_1", "plan_pro", nil))
	require.NoError(t, err)
	subs = env.subscriptions("app_a", "user_1")
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC).Unix(), subs[0].EndDate.Unix())

	expiry := "2025-06-30T00:00:00Z"
	_, err = env.deliver("app_a", subscriptionBody(t, "evt_5", shared.SubscriptionCancelled, "user_1", "plan_pro", &expiry))
	require.NoError(t, err)
	subs = env.subscriptions("app_a", "user_1")
	assert.Equal(t, shared.SubscriptionStatusCancelled, subs[0].Status)
	require.NotNil(t, subs[0].CancelledAt)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC).Unix(), subs[0].EndDate.Unix())

	// Nothing active is left to expire.
	_, err = env.deliver("app_a", subscriptionBody(t, "evt_6", shared.SubscriptionExpired, "user_1", "plan_pro", nil))
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodeHandlerValidationFailed)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.createPlan("plan_pro", 1000, 50000, 30)
	env.bindUser("app_a", "user_1", true)

	body := subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_pro", nil)
	_, err := env.deliver("app_a", body)
	require.NoError(t, err)
	_, err = env.deliver("app_a", body)
	require.NoError(t, err)

	resp, err := env.webhook.ListEvents(env.ctx, dto.WebhookEventListQuery{AppID: "app_a", Status: shared.EventStatusDuplicate})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Total)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 20, resp.PageSize)
}

func TestReceiveInactivePlanFailsValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createTenant("app_a", "")
	env.bindUser("app_a", "user_1", true)
	require.NoError(t, env.plans.CreatePlan(env.ctx, &model.Plan{ID: "plan_retired", Name: "retired", RequestQuota: 10, TokenQuota: 10, PeriodDays: 30, DurationDays: 30}))

	_, err := env.deliver("app_a", subscriptionBody(t, "evt_1", shared.SubscriptionCreated, "user_1", "plan_retired", nil))
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodeHandlerValidationFailed)

	_, err = env.deliver("app_a", subscriptionBody(t, "evt_2", shared.SubscriptionCreated, "user_1", "plan_missing", nil))
	requireAppError(t, err, http.StatusUnprocessableEntity, shared.ErrCodeHandlerValidationFailed)
	assert.Empty(t, env.subscriptions("app_a", "user_1"))
}
