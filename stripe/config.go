package stripe

import (
	"fmt"
	"os"
)

// RefreshMode decides whether a webhook handler trusts the status fields
// embedded in the event payload or re-fetches the authoritative state from
// Stripe before projecting it. Events can arrive out of order, so access
// gating fields default to refetch.
type RefreshMode string

const (
	// RefreshTrustPayload applies the status carried by the event as-is.
	RefreshTrustPayload RefreshMode = "trust"
	// RefreshFetch retrieves the current subscription from Stripe and
	// projects that instead of the (possibly stale) payload.
	RefreshFetch RefreshMode = "refetch"
)

// TierConfig describes one purchasable subscription tier.
type TierConfig struct {
	// Tier is the local plan tier key, e.g. "pro".
	Tier string `yaml:"tier" json:"tier"`
	// PriceID is the Stripe recurring price backing this tier.
	PriceID string `yaml:"price_id" json:"price_id"`
	// MonthlyCredits is the credit grant allocated on every paid invoice.
	MonthlyCredits int64 `yaml:"monthly_credits" json:"monthly_credits"`
}

// Config holds the complete Stripe configuration.
type Config struct {
	APIKey        string       `yaml:"api_key" json:"api_key"`
	WebhookSecret string       `yaml:"webhook_secret" json:"webhook_secret"`
	Tiers         []TierConfig `yaml:"tiers" json:"tiers"`
	// CreditPriceID is the one-time price of a single credit, bought with
	// quantity = pack size.
	CreditPriceID string `yaml:"credit_price_id" json:"credit_price_id"`
	// RefreshPolicy overrides the per-event-kind refresh mode. Kinds not
	// present fall back to DefaultRefreshPolicy.
	RefreshPolicy map[string]RefreshMode `yaml:"refresh_policy" json:"refresh_policy"`
}

// DefaultRefreshPolicy re-fetches authoritative state for the event kinds
// whose projection gates access, and trusts the payload everywhere else.
func DefaultRefreshPolicy() map[string]RefreshMode {
	return map[string]RefreshMode{
		"customer.subscription.created": RefreshFetch,
		"customer.subscription.updated": RefreshFetch,
		"invoice.payment_failed":        RefreshFetch,
	}
}

// RefreshModeFor returns the refresh mode configured for the given event
// kind, falling back to the defaults and finally to trusting the payload.
func (c *Config) RefreshModeFor(eventKind string) RefreshMode {
	if mode, ok := c.RefreshPolicy[eventKind]; ok {
		return mode
	}
	if mode, ok := DefaultRefreshPolicy()[eventKind]; ok {
		return mode
	}
	return RefreshTrustPayload
}

// TierForPrice resolves a Stripe price reference to the local tier key.
func (c *Config) TierForPrice(priceID string) (string, bool) {
	for _, t := range c.Tiers {
		if t.PriceID == priceID {
			return t.Tier, true
		}
	}
	return "", false
}

// PriceForTier resolves a local tier key to its Stripe price.
func (c *Config) PriceForTier(tier string) (string, bool) {
	for _, t := range c.Tiers {
		if t.Tier == tier {
			return t.PriceID, true
		}
	}
	return "", false
}

// MonthlyCreditsFor returns the credit grant configured for a tier, zero if
// the tier has none.
func (c *Config) MonthlyCreditsFor(tier string) int64 {
	for _, t := range c.Tiers {
		if t.Tier == tier {
			return t.MonthlyCredits
		}
	}
	return 0
}

// NewConfig creates a new Stripe configuration from environment variables.
func NewConfig() (*Config, error) {
	apiKey := os.Getenv("BILLING_STRIPEAPISECRET")
	if apiKey == "" {
		return nil, fmt.Errorf("BILLING_STRIPEAPISECRET environment variable is required")
	}
	webhookSecret := os.Getenv("BILLING_STRIPEWEBHOOKSECRET")
	if webhookSecret == "" {
		return nil, fmt.Errorf("BILLING_STRIPEWEBHOOKSECRET environment variable is required")
	}
	return &Config{
		APIKey:        apiKey,
		WebhookSecret: webhookSecret,
		CreditPriceID: os.Getenv("BILLING_STRIPECREDITPRICEID"),
		Tiers: []TierConfig{
			{
				Tier:           "starter",
				PriceID:        getEnvOrDefault("BILLING_STRIPESTARTERPRICEID", "price_starter_monthly"),
				MonthlyCredits: 200,
			},
			{
				Tier:           "pro",
				PriceID:        getEnvOrDefault("BILLING_STRIPEPROPRICEID", "price_pro_monthly"),
				MonthlyCredits: 1000,
			},
		},
	}, nil
}

// getEnvOrDefault returns the environment variable value or a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
