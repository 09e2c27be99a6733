package model

// All lists every table for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Tenant{},
		&UserBinding{},
		&Plan{},
		&TenantPlan{},
		&QuotaOverride{},
		&QuotaUsageSnapshot{},
		&Subscription{},
		&WebhookEventLog{},
		&AuditLog{},
	}
}
