package services

import (
	"context"
	"fmt"
	"time"

	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/services/repositories"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"gorm.io/gorm"
)

// subscriptionTx carries the repositories bound to one dispatch transaction.
type subscriptionTx struct {
	tenants       *repositories.TenantRepository
	plans         *repositories.PlanRepository
	subscriptions *repositories.SubscriptionRepository
}

type subscriptionHandler func(ctx context.Context, tx *subscriptionTx, tenantID string, data *dto.SubscriptionEventData) (*dto.SubscriptionChange, error)

var subscriptionHandlers = map[string]subscriptionHandler{
	shared.SubscriptionCreated:    handleSubscriptionCreated,
	shared.SubscriptionRenewed:    handleSubscriptionRenewed,
	shared.SubscriptionUpgraded:   handleSubscriptionPlanChange,
	shared.SubscriptionDowngraded: handleSubscriptionPlanChange,
	shared.SubscriptionCancelled:  handleSubscriptionCancelled,
	shared.SubscriptionExpired:    handleSubscriptionExpired,
}

func (svc *WebhookService) dispatch(ctx context.Context, db *gorm.DB, tenantID string, event *dto.SubscriptionEvent) (*dto.SubscriptionChange, error) {
	handler, ok := subscriptionHandlers[event.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrHandlerValidation, event.EventType)
	}

	tx := &subscriptionTx{
		tenants:       svc.tenants.WithTx(db),
		plans:         repositories.NewPlanRepository(db),
		subscriptions: repositories.NewSubscriptionRepository(db),
	}

	change, err := handler(ctx, tx, tenantID, event.Data)
	if err != nil {
		return nil, err
	}
	change.Action = event.EventType
	return change, nil
}

func (tx *subscriptionTx) resolve(ctx context.Context, tenantID string, data *dto.SubscriptionEventData) (*model.Plan, error) {
	_, err := tx.tenants.GetVerifiedBinding(ctx, tenantID, data.UserID)
	if repositories.IsNotFound(err) {
		return nil, fmt.Errorf("%w: user %s has no verified binding", ErrHandlerValidation, data.UserID)
	}
	if err != nil {
		return nil, err
	}

	plan, err := tx.plans.GetActivePlan(ctx, data.PlanID)
	if repositories.IsNotFound(err) {
		return nil, fmt.Errorf("%w: plan %s does not exist or is inactive", ErrHandlerValidation, data.PlanID)
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (tx *subscriptionTx) activeSubscription(ctx context.Context, tenantID, userID string) (*model.Subscription, error) {
	sub, err := tx.subscriptions.GetActive(ctx, tenantID, userID)
	if repositories.IsNotFound(err) {
		return nil, fmt.Errorf("%w: user %s has no active subscription", ErrHandlerValidation, userID)
	}
	return sub, err
}

func planEndDate(from time.Time, plan *model.Plan) time.Time {
	return from.AddDate(0, 0, plan.DurationDays)
}

func changeFor(sub *model.Subscription) *dto.SubscriptionChange {
	return &dto.SubscriptionChange{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PlanID:         sub.PlanID,
		Status:         sub.Status,
		EndDate:        sub.EndDate,
	}
}

func handleSubscriptionCreated(ctx context.Context, tx *subscriptionTx, tenantID string, data *dto.SubscriptionEventData) (*dto.SubscriptionChange, error) {
	plan, err := tx.resolve(ctx, tenantID, data)
	if err != nil {
		return nil, err
	}

	if _, err := tx.subscriptions.GetActive(ctx, tenantID, data.UserID); err == nil {
		return nil, fmt.Errorf("%w: user %s already has an active subscription", ErrHandlerValidation, data.UserID)
	} else if !repositories.IsNotFound(err) {
		return nil, err
	}

	start := data.EffectiveTime()
	end := planEndDate(start, plan)
	if expiry := data.ExpiryTime(); expiry != nil {
		end = *expiry
	}

	sub := &model.Subscription{
		TenantID:  tenantID,
		UserID:    data.UserID,
		PlanID:    plan.ID,
		Status:    shared.SubscriptionStatusActive,
		StartDate: start,
		EndDate:   end,
	}
	if err := tx.subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}
	return changeFor(sub), nil
}

// handleSubscriptionRenewed extends from the later of the current end date and
// the effective date, so an early renewal keeps the remaining days.
func handleSubscriptionRenewed(ctx context.Context, tx *subscriptionTx, tenantID string, data *dto.SubscriptionEventData) (*dto.SubscriptionChange, error) {
	plan, err := tx.resolve(ctx, tenantID, data)
	if err != nil {
		return nil, err
	}
	sub, err := tx.activeSubscription(ctx, tenantID, data.UserID)
	if err != nil {
		return nil, err
	}

	if expiry := data.ExpiryTime(); expiry != nil {
		sub.EndDate = *expiry
	} else {
		from := data.EffectiveTime()
		if sub.EndDate.After(from) {
			from = sub.EndDate
		}
		sub.EndDate = planEndDate(from, plan)
	}

	if err := tx.subscriptions.Save(ctx, sub); err != nil {
		return nil, err
	}
	return changeFor(sub), nil
}

func handleSubscriptionPlanChange(ctx context.Context, tx *subscriptionTx, tenantID string, data *dto.SubscriptionEventData) (*dto.SubscriptionChange, error) {
	plan, err := tx.resolve(ctx, tenantID, data)
	if err != nil {
		return nil, err
	}
	sub, err := tx.activeSubscription(ctx, tenantID, data.UserID)
	if err != nil {
		return nil, err
	}

	sub.PlanID = plan.ID
	if expiry := data.ExpiryTime(); expiry != nil {
		sub.EndDate = *expiry
	}

	if err := tx.subscriptions.Save(ctx, sub); err != nil {
		return nil, err
	}
	return changeFor(sub), nil
}

func handleSubscriptionCancelled(ctx context.Context, tx *subscriptionTx, tenantID string, data *dto.SubscriptionEventData) (*dto.SubscriptionChange, error) {
	return closeSubscription(ctx, tx, tenantID, data, shared.SubscriptionStatusCancelled)
}

func handleSubscriptionExpired(ctx context.Context, tx *subscriptionTx, tenantID string, data *dto.SubscriptionEventData) (*dto.SubscriptionChange, error) {
	return closeSubscription(ctx, tx, tenantID, data, shared.SubscriptionStatusExpired)
}

func closeSubscription(ctx context.Context, tx *subscriptionTx, tenantID string, data *dto.SubscriptionEventData, status string) (*dto.SubscriptionChange, error) {
	if _, err := tx.resolve(ctx, tenantID, data); err != nil {
		return nil, err
	}
	sub, err := tx.activeSubscription(ctx, tenantID, data.UserID)
	if err != nil {
		return nil, err
	}

	effective := data.EffectiveTime()
	sub.Status = status
	if status == shared.SubscriptionStatusCancelled {
		sub.CancelledAt = &effective
	}
	if expiry := data.ExpiryTime(); expiry != nil {
		sub.EndDate = *expiry
	} else if status == shared.SubscriptionStatusExpired {
		sub.EndDate = effective
	}

	if err := tx.subscriptions.Save(ctx, sub); err != nil {
		return nil, err
	}
	return changeFor(sub), nil
}
