package dto

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lac-hong-legacy/ven_quota/shared"
)

const Unlimited = -1

// QuotaLimits is the effective limit set for a tenant, and the shape cached in Redis.
type QuotaLimits struct {
	RequestLimit int   `json:"request_limit" example:"1000"`
	TokenLimit   int64 `json:"token_limit" example:"50000"`
	PeriodDays   int   `json:"period_days" example:"30"`
}

func (l QuotaLimits) Validate() error {
	if l.PeriodDays < 1 {
		return fmt.Errorf("period_days must be >= 1, got %d", l.PeriodDays)
	}
	if l.RequestLimit < Unlimited {
		return fmt.Errorf("request_limit must be -1 or >= 0, got %d", l.RequestLimit)
	}
	if l.TokenLimit < Unlimited {
		return fmt.Errorf("token_limit must be -1 or >= 0, got %d", l.TokenLimit)
	}
	return nil
}

func (l QuotaLimits) Period() time.Duration {
	return time.Duration(l.PeriodDays) * 24 * time.Hour
}

type QuotaConfig struct {
	QuotaLimits
	CycleStart time.Time `json:"cycle_start"`
}

func (c QuotaConfig) CycleEnd() time.Time {
	return c.CycleStart.Add(c.Period())
}

// Elapsed reports whether the cycle has reached its end at now.
func (c QuotaConfig) Elapsed(now time.Time) bool {
	return !c.CycleEnd().After(now)
}

type CounterState struct {
	RequestsUsed int64
	TokensUsed   float64
	CycleStart   time.Time
	HasCycle     bool
}

type QuotaCheckResult struct {
	Allowed          bool    `json:"allowed" example:"true"`
	RequestLimit     int     `json:"request_limit" example:"1000"`
	RequestUsed      int64   `json:"request_used" example:"850"`
	RequestRemaining int64   `json:"request_remaining" example:"150"`
	TokenLimit       int64   `json:"token_limit" example:"50000"`
	TokenUsed        float64 `json:"token_used" example:"1200.5"`
	TokenRemaining   int64   `json:"token_remaining" example:"48799"`
	ResetTimestamp   int64   `json:"reset_timestamp" example:"1767225600"`
	ErrorCode        string  `json:"error_code,omitempty" example:"request_quota_exceeded"`
	Warning          string  `json:"warning,omitempty" example:"approaching_limit"`
	FailOpen         bool    `json:"fail_open,omitempty"`
}

// Headers maps the result onto the X-Quota-* response headers.
func (r *QuotaCheckResult) Headers() map[string]string {
	reset := strconv.FormatInt(r.ResetTimestamp, 10)
	headers := map[string]string{
		shared.HeaderQuotaRequestLimit:     strconv.Itoa(r.RequestLimit),
		shared.HeaderQuotaRequestRemaining: strconv.FormatInt(r.RequestRemaining, 10),
		shared.HeaderQuotaRequestReset:     reset,
		shared.HeaderQuotaTokenLimit:       strconv.FormatInt(r.TokenLimit, 10),
		shared.HeaderQuotaTokenRemaining:   strconv.FormatInt(r.TokenRemaining, 10),
		shared.HeaderQuotaTokenReset:       reset,
	}
	if r.Warning != "" {
		headers[shared.HeaderQuotaWarning] = r.Warning
	}
	return headers
}

type UsageSummary struct {
	TenantID          string    `json:"tenant_id" example:"app_123"`
	RequestLimit      int       `json:"request_limit" example:"1000"`
	RequestUsed       int64     `json:"request_used" example:"850"`
	RequestRemaining  int64     `json:"request_remaining" example:"150"`
	RequestPercentage float64   `json:"request_percentage" example:"85"`
	TokenLimit        int64     `json:"token_limit" example:"50000"`
	TokenUsed         float64   `json:"token_used" example:"1200.5"`
	TokenRemaining    int64     `json:"token_remaining" example:"48799"`
	TokenPercentage   float64   `json:"token_percentage" example:"2.4"`
	PeriodDays        int       `json:"period_days" example:"30"`
	BillingCycleStart time.Time `json:"billing_cycle_start"`
	BillingCycleEnd   time.Time `json:"billing_cycle_end"`
	BillingCycleReset int64     `json:"billing_cycle_reset" example:"1767225600"`
	Warning           string    `json:"warning,omitempty" example:"approaching_limit"`
}

type ReconcileReport struct {
	Processed int `json:"processed" example:"120"`
	Reset     int `json:"reset" example:"3"`
	Errors    int `json:"errors" example:"0"`
}

type DeductTokensRequest struct {
	Tokens   float64 `json:"tokens" validate:"gte=0" example:"512"`
	Requests *int64  `json:"requests,omitempty" validate:"omitempty,gte=0" example:"1"`
}

// RequestCount defaults to one completed request when the caller leaves it out.
func (r DeductTokensRequest) RequestCount() int64 {
	if r.Requests == nil {
		return 1
	}
	return *r.Requests
}

func (r DeductTokensRequest) Validate() error {
	return GetValidator().Struct(r)
}

type QuotaOverrideRequest struct {
	RequestQuota *int   `json:"request_quota,omitempty" validate:"omitempty,gte=-1" example:"5000"`
	TokenQuota   *int64 `json:"token_quota,omitempty" validate:"omitempty,gte=-1" example:"100000"`
	PeriodDays   *int   `json:"period_days,omitempty" validate:"omitempty,gte=1" example:"30"`
	Reason       string `json:"reason,omitempty" validate:"max=500" example:"enterprise trial"`
}

func (r QuotaOverrideRequest) Validate() error {
	if err := GetValidator().Struct(r); err != nil {
		return err
	}
	if r.RequestQuota == nil && r.TokenQuota == nil && r.PeriodDays == nil {
		return errors.New("at least one of request_quota, token_quota or period_days is required")
	}
	return nil
}

// ThresholdEvent is the outbound webhook body for quota.warning and quota.exhausted.
type ThresholdEvent struct {
	EventID   string             `json:"event_id"`
	EventType string             `json:"event_type"`
	Timestamp string             `json:"timestamp"`
	Data      ThresholdEventData `json:"data"`
}

type ThresholdEventData struct {
	TenantID        string  `json:"tenant_id"`
	Resource        string  `json:"resource"`
	CurrentUsed     float64 `json:"current_used"`
	Limit           int64   `json:"limit"`
	UsagePercentage float64 `json:"usage_percentage"`
	ResetAt         string  `json:"reset_at"`
}

type SnapshotListResponse struct {
	Total    int64       `json:"total" example:"12"`
	Page     int         `json:"page" example:"1"`
	PageSize int         `json:"page_size" example:"20"`
	Items    interface{} `json:"items"`
}
