package services

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
)

const QUOTA_SVC = "quota_svc"

const (
	approachingRatio = 0.8
	exhaustedRatio   = 1.0
)

// QuotaService is the request path: pre-flight check, post-success deduction
// and usage reporting. Cache outages fail open; corrupt data does not.
type QuotaService struct {
	appContext.DefaultService

	config   *QuotaConfigService
	counter  *QuotaCounterService
	notifier *QuotaNotifierService
	now      func() time.Time
}

func NewQuotaService(config *QuotaConfigService, counter *QuotaCounterService, notifier *QuotaNotifierService) *QuotaService {
	return &QuotaService{
		config:   config,
		counter:  counter,
		notifier: notifier,
		now:      time.Now,
	}
}

func (svc QuotaService) Id() string {
	return QUOTA_SVC
}

func (svc *QuotaService) Configure(ctx *appContext.Context) error {
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *QuotaService) Start() error {
	svc.config = svc.Service(QUOTA_CONFIG_SVC).(*QuotaConfigService)
	svc.counter = svc.Service(QUOTA_COUNTER_SVC).(*QuotaCounterService)
	svc.notifier = svc.Service(QUOTA_NOTIFIER_SVC).(*QuotaNotifierService)
	return nil
}

// CheckQuota never fails on an unreachable backend: it answers with an
// unlimited, allowed result instead. An error is returned only for corrupt data.
func (svc *QuotaService) CheckQuota(ctx context.Context, tenantID string) (*dto.QuotaCheckResult, error) {
	cfg, err := svc.config.Resolve(ctx, tenantID)
	if err != nil {
		return svc.handleResolveError(tenantID, "check", err)
	}

	state, err := svc.counter.Read(ctx, tenantID)
	if err != nil {
		return svc.handleResolveError(tenantID, "check", err)
	}

	result := buildCheckResult(cfg, state)
	if result.Allowed {
		quotaChecksTotal.WithLabelValues("allowed").Inc()
	} else {
		quotaChecksTotal.WithLabelValues("denied").Inc()
	}

	svc.checkThresholds(ctx, tenantID, cfg, state)
	return result, nil
}

// DeductRequest counts one completed request. Failures are logged and swallowed.
func (svc *QuotaService) DeductRequest(ctx context.Context, tenantID string) {
	svc.DeductRequests(ctx, tenantID, 1)
}

// DeductRequests counts several completed requests at once. A count of zero is a no-op.
func (svc *QuotaService) DeductRequests(ctx context.Context, tenantID string, count int64) {
	if count <= 0 {
		return
	}
	cfg, err := svc.config.Resolve(ctx, tenantID)
	if err != nil {
		svc.logDeductError(tenantID, shared.ResourceRequest, err)
		return
	}

	if _, err := svc.counter.IncrementRequests(ctx, tenantID, count); err != nil {
		svc.logDeductError(tenantID, shared.ResourceRequest, err)
		return
	}

	state, err := svc.afterIncrement(ctx, tenantID, cfg)
	if err != nil {
		svc.logDeductError(tenantID, shared.ResourceRequest, err)
		return
	}
	svc.checkThresholds(ctx, tenantID, cfg, state)
}

// DeductTokens always records the amount, even past the limit, since the work
// was already done. The returned state reflects the deduction, so a result
// with Allowed == false means the next check will deny.
func (svc *QuotaService) DeductTokens(ctx context.Context, tenantID string, amount float64) (*dto.QuotaCheckResult, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, shared.NewBadRequestError(nil, "token amount must be a finite, non-negative number")
	}

	cfg, err := svc.config.Resolve(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrQuotaNotConfigured) {
			return notConfiguredResult(), nil
		}
		svc.logDeductError(tenantID, shared.ResourceToken, err)
		return failOpenResult(), nil
	}

	if _, err := svc.counter.IncrementTokens(ctx, tenantID, amount); err != nil {
		svc.logDeductError(tenantID, shared.ResourceToken, err)
		return failOpenResult(), nil
	}

	state, err := svc.afterIncrement(ctx, tenantID, cfg)
	if err != nil {
		svc.logDeductError(tenantID, shared.ResourceToken, err)
		return failOpenResult(), nil
	}

	svc.checkThresholds(ctx, tenantID, cfg, state)
	return buildCheckResult(cfg, state), nil
}

func (svc *QuotaService) afterIncrement(ctx context.Context, tenantID string, cfg *dto.QuotaConfig) (*dto.CounterState, error) {
	if err := svc.counter.EnsureTTL(ctx, tenantID, cycleTTL(cfg.CycleStart, cfg.Period(), svc.now())); err != nil {
		return nil, err
	}
	return svc.counter.Read(ctx, tenantID)
}

// GetUsage is read-only and reports service_degraded instead of failing open.
func (svc *QuotaService) GetUsage(ctx context.Context, tenantID string) (*dto.UsageSummary, error) {
	cfg, err := svc.config.Resolve(ctx, tenantID)
	if err != nil {
		return nil, usageError(tenantID, err)
	}

	state, err := svc.counter.Read(ctx, tenantID)
	if err != nil {
		return nil, usageError(tenantID, err)
	}

	cycleEnd := cfg.CycleEnd()
	return &dto.UsageSummary{
		TenantID:          tenantID,
		RequestLimit:      cfg.RequestLimit,
		RequestUsed:       state.RequestsUsed,
		RequestRemaining:  remainingRequests(cfg.RequestLimit, state.RequestsUsed),
		RequestPercentage: usagePercentage(float64(state.RequestsUsed), int64(cfg.RequestLimit)),
		TokenLimit:        cfg.TokenLimit,
		TokenUsed:         state.TokensUsed,
		TokenRemaining:    remainingTokens(cfg.TokenLimit, state.TokensUsed),
		TokenPercentage:   usagePercentage(state.TokensUsed, cfg.TokenLimit),
		PeriodDays:        cfg.PeriodDays,
		BillingCycleStart: cfg.CycleStart,
		BillingCycleEnd:   cycleEnd,
		BillingCycleReset: cycleEnd.Unix(),
		Warning:           DetermineWarning(state.RequestsUsed, cfg.RequestLimit, state.TokensUsed, cfg.TokenLimit),
	}, nil
}

func usageError(tenantID string, err error) error {
	if errors.Is(err, ErrQuotaNotConfigured) {
		return shared.NewAppError(http.StatusNotFound, shared.ErrCodeQuotaNotConfigured, "Quota is not configured for this tenant", err)
	}
	log.WithFields(log.Fields{"tenant_id": tenantID}).WithError(err).Warn("Quota usage unavailable")
	return shared.NewServiceUnavailableError(err, "Quota usage is temporarily unavailable")
}

func (svc *QuotaService) handleResolveError(tenantID, op string, err error) (*dto.QuotaCheckResult, error) {
	switch {
	case errors.Is(err, ErrQuotaNotConfigured):
		quotaChecksTotal.WithLabelValues("denied").Inc()
		return notConfiguredResult(), nil
	case shared.IsCorrupt(err):
		quotaChecksTotal.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{"tenant_id": tenantID, "op": op}).WithError(err).Error("Corrupt quota state, refusing to fail open")
		return nil, err
	default:
		quotaChecksTotal.WithLabelValues("fail_open").Inc()
		quotaFailOpenTotal.WithLabelValues(failOpenReason(err)).Inc()
		log.WithFields(log.Fields{"tenant_id": tenantID, "op": op}).WithError(err).Warn("Quota backend unavailable, failing open")
		return failOpenResult(), nil
	}
}

func (svc *QuotaService) logDeductError(tenantID, resource string, err error) {
	fields := log.Fields{"tenant_id": tenantID, "resource": resource}
	switch {
	case errors.Is(err, ErrQuotaNotConfigured):
		log.WithFields(fields).Debug("Skipping deduction for tenant without quota")
	case shared.IsCorrupt(err):
		log.WithFields(fields).WithError(err).Error("Corrupt quota state during deduction")
	default:
		quotaFailOpenTotal.WithLabelValues(failOpenReason(err)).Inc()
		log.WithFields(fields).WithError(err).Warn("Quota deduction lost, backend unavailable")
	}
}

func failOpenReason(err error) string {
	if storeErr, ok := shared.GetStoreError(err); ok {
		return storeErr.Store
	}
	return "unknown"
}

// checkThresholds fires at most one notification per threshold per cycle; the
// SETNX flag decides which caller sends it.
func (svc *QuotaService) checkThresholds(ctx context.Context, tenantID string, cfg *dto.QuotaConfig, state *dto.CounterState) {
	if svc.notifier == nil {
		return
	}

	dimensions := []struct {
		resource string
		used     float64
		limit    int64
	}{
		{shared.ResourceRequest, float64(state.RequestsUsed), int64(cfg.RequestLimit)},
		{shared.ResourceToken, state.TokensUsed, cfg.TokenLimit},
	}

	ttl := cycleTTL(cfg.CycleStart, cfg.Period(), svc.now())
	for _, d := range dimensions {
		if d.limit <= 0 {
			continue
		}

		ratio := d.used / float64(d.limit)
		var (
			threshold int
			eventType string
		)
		switch {
		case ratio >= exhaustedRatio:
			threshold, eventType = WarningThresholdExhausted, shared.EventQuotaExhausted
		case ratio >= approachingRatio:
			threshold, eventType = WarningThresholdApproaching, shared.EventQuotaWarning
		default:
			continue
		}

		first, err := svc.counter.MarkWarning(ctx, tenantID, threshold, ttl)
		if err != nil {
			log.WithFields(log.Fields{"tenant_id": tenantID, "threshold": threshold}).WithError(err).Warn("Failed to set quota warning flag")
			continue
		}
		if first {
			svc.notifier.Notify(tenantID, eventType, d.resource, d.used, d.limit, cfg.CycleEnd())
		}
	}
}

// DetermineWarning returns exhausted if any limited dimension is at or over its
// limit, approaching_limit if any is at 80% or more, otherwise "".
func DetermineWarning(requestUsed int64, requestLimit int, tokenUsed float64, tokenLimit int64) string {
	dimensions := []struct {
		used  float64
		limit float64
	}{
		{float64(requestUsed), float64(requestLimit)},
		{tokenUsed, float64(tokenLimit)},
	}

	warning := ""
	for _, d := range dimensions {
		if d.limit <= 0 {
			continue
		}
		ratio := d.used / d.limit
		if ratio >= exhaustedRatio {
			return shared.WarningExhausted
		}
		if ratio >= approachingRatio {
			warning = shared.WarningApproachingLimit
		}
	}
	return warning
}

func remainingRequests(limit int, used int64) int64 {
	if limit == dto.Unlimited {
		return dto.Unlimited
	}
	remaining := int64(limit) - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

func remainingTokens(limit int64, used float64) int64 {
	if limit == dto.Unlimited {
		return dto.Unlimited
	}
	remaining := math.Floor(float64(limit) - used)
	if remaining < 0 {
		return 0
	}
	return int64(remaining)
}

func buildCheckResult(cfg *dto.QuotaConfig, state *dto.CounterState) *dto.QuotaCheckResult {
	result := &dto.QuotaCheckResult{
		Allowed:          true,
		RequestLimit:     cfg.RequestLimit,
		RequestUsed:      state.RequestsUsed,
		RequestRemaining: remainingRequests(cfg.RequestLimit, state.RequestsUsed),
		TokenLimit:       cfg.TokenLimit,
		TokenUsed:        state.TokensUsed,
		TokenRemaining:   remainingTokens(cfg.TokenLimit, state.TokensUsed),
		ResetTimestamp:   cfg.CycleEnd().Unix(),
		Warning:          DetermineWarning(state.RequestsUsed, cfg.RequestLimit, state.TokensUsed, cfg.TokenLimit),
	}

	requestExhausted := cfg.RequestLimit != dto.Unlimited && state.RequestsUsed >= int64(cfg.RequestLimit)
	tokenExhausted := cfg.TokenLimit != dto.Unlimited && state.TokensUsed >= float64(cfg.TokenLimit)

	// Request exhaustion is reported first when both are exhausted.
	switch {
	case requestExhausted:
		result.Allowed = false
		result.ErrorCode = shared.ErrCodeRequestQuotaExceeded
	case tokenExhausted:
		result.Allowed = false
		result.ErrorCode = shared.ErrCodeTokenQuotaExceeded
	}
	return result
}

func notConfiguredResult() *dto.QuotaCheckResult {
	return &dto.QuotaCheckResult{
		Allowed:   false,
		ErrorCode: shared.ErrCodeQuotaNotConfigured,
	}
}

func failOpenResult() *dto.QuotaCheckResult {
	return &dto.QuotaCheckResult{
		Allowed:          true,
		RequestLimit:     dto.Unlimited,
		RequestRemaining: dto.Unlimited,
		TokenLimit:       dto.Unlimited,
		TokenRemaining:   dto.Unlimited,
		FailOpen:         true,
	}
}
