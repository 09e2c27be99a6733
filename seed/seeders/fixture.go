package seeders

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is the YAML document loaded by the seed command.
type Fixture struct {
	Plans   []PlanFixture   `yaml:"plans"`
	Tenants []TenantFixture `yaml:"tenants"`
}

type PlanFixture struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	RequestQuota int    `yaml:"request_quota"`
	TokenQuota   int64  `yaml:"token_quota"`
	PeriodDays   int    `yaml:"period_days"`
	DurationDays int    `yaml:"duration_days"`
}

type TenantFixture struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Status        string           `yaml:"status"`
	WebhookURL    string           `yaml:"webhook_url"`
	WebhookSecret string           `yaml:"webhook_secret"`
	PlanID        string           `yaml:"plan_id"`
	Users         []string         `yaml:"users"`
	Override      *OverrideFixture `yaml:"override"`
}

type OverrideFixture struct {
	RequestQuota *int   `yaml:"request_quota"`
	TokenQuota   *int64 `yaml:"token_quota"`
	PeriodDays   *int   `yaml:"period_days"`
	Reason       string `yaml:"reason"`
}

func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

func ParseFixture(data []byte) (*Fixture, error) {
	var fixture Fixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	plans := make(map[string]bool, len(fixture.Plans))
	for i, plan := range fixture.Plans {
		if plan.ID == "" {
			return nil, fmt.Errorf("plans[%d]: id is required", i)
		}
		if plan.PeriodDays < 1 {
			return nil, fmt.Errorf("plan %s: period_days must be >= 1", plan.ID)
		}
		plans[plan.ID] = true
	}
	for i, tenant := range fixture.Tenants {
		if tenant.ID == "" {
			return nil, fmt.Errorf("tenants[%d]: id is required", i)
		}
		if tenant.PlanID != "" && !plans[tenant.PlanID] {
			return nil, fmt.Errorf("tenant %s: unknown plan %s", tenant.ID, tenant.PlanID)
		}
	}
	return &fixture, nil
}
