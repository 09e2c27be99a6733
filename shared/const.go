package shared

const (
	TenantID    = "tenant_id"
	AdminID     = "admin_id"
	QuotaTokens = "quota_tokens"

	RoleAdmin = "admin"

	TenantStatusActive   = "active"
	TenantStatusDisabled = "disabled"

	ResourceRequest = "request"
	ResourceToken   = "token"

	WarningApproachingLimit = "approaching_limit"
	WarningExhausted        = "exhausted"

	EventQuotaWarning   = "quota.warning"
	EventQuotaExhausted = "quota.exhausted"

	ResetTypeAuto   = "auto"
	ResetTypeManual = "manual"

	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"

	EventStatusPending   = "pending"
	EventStatusSuccess   = "success"
	EventStatusFailed    = "failed"
	EventStatusDuplicate = "duplicate"
	EventStatusProcessed = "processed"

	SubscriptionCreated    = "subscription.created"
	SubscriptionRenewed    = "subscription.renewed"
	SubscriptionUpgraded   = "subscription.upgraded"
	SubscriptionDowngraded = "subscription.downgraded"
	SubscriptionCancelled  = "subscription.cancelled"
	SubscriptionExpired    = "subscription.expired"
)

// HTTP headers
const (
	HeaderAppID            = "X-App-Id"
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderEventType        = "X-Event-Type"
	HeaderEventID          = "X-Event-Id"
	HeaderTokensUsed       = "X-Tokens-Used"
	SignaturePrefix        = "sha256="

	HeaderQuotaRequestLimit     = "X-Quota-Request-Limit"
	HeaderQuotaRequestRemaining = "X-Quota-Request-Remaining"
	HeaderQuotaRequestReset     = "X-Quota-Request-Reset"
	HeaderQuotaTokenLimit       = "X-Quota-Token-Limit"
	HeaderQuotaTokenRemaining   = "X-Quota-Token-Remaining"
	HeaderQuotaTokenReset       = "X-Quota-Token-Reset"
	HeaderQuotaWarning          = "X-Quota-Warning"
)

// Error codes surfaced to callers
const (
	ErrCodeQuotaNotConfigured      = "quota_not_configured"
	ErrCodeRequestQuotaExceeded    = "request_quota_exceeded"
	ErrCodeTokenQuotaExceeded      = "token_quota_exceeded"
	ErrCodeServiceDegraded         = "service_degraded"
	ErrCodeAuthInvalid             = "auth_invalid"
	ErrCodeAppNotFound             = "app_not_found"
	ErrCodeAppDisabled             = "app_disabled"
	ErrCodePayloadInvalid          = "payload_invalid"
	ErrCodeEventConflict           = "event_conflict"
	ErrCodeHandlerValidationFailed = "handler_validation_failed"
	ErrCodeInternalError           = "internal_error"
	ErrCodeBadRequest              = "bad_request"
	ErrCodeUnauthorized            = "unauthorized"
	ErrCodeForbidden               = "forbidden"
	ErrCodeNotFound                = "not_found"
	ErrCodeConflict                = "conflict"
)
