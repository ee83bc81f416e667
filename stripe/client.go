package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	stripeapi "github.com/stripe/stripe-go/v82"
	stripeportalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripecheckoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// Provider is the payment provider surface the webhook service depends on.
// *Client implements it against the real Stripe API; tests substitute a mock.
type Provider interface {
	ValidateWebhookEvent(payload []byte, signatureHeader string) (*stripeapi.Event, error)
	GetCustomer(customerID string) (*stripeapi.Customer, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error)
	CreateSubscriptionCheckout(params *CheckoutParams) (*stripeapi.CheckoutSession, error)
	CreateCreditCheckout(params *CheckoutParams) (*stripeapi.CheckoutSession, error)
	GetCheckoutSession(sessionID string) (*CheckoutSessionStatus, error)
	CreatePortalSession(stripeCustomerID, returnURL string) (*stripeapi.BillingPortalSession, error)
}

// Client wraps the Stripe API client with additional functionality
type Client struct {
	config     *Config
	httpClient *http.Client
}

// NewClient creates a new Stripe client with the given configuration
func NewClient(config *Config) *Client {
	stripeapi.Key = config.APIKey

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ValidateWebhookEvent validates and parses a webhook event
func (c *Client) ValidateWebhookEvent(payload []byte, signatureHeader string) (*stripeapi.Event, error) {
	event, err := stripewebhook.ConstructEvent(payload, signatureHeader, c.config.WebhookSecret)
	if err != nil {
		return nil, NewProviderError("webhook_validation", "webhook signature validation failed", err)
	}
	return &event, nil
}

// GetCustomer retrieves a customer by ID
func (*Client) GetCustomer(customerID string) (*stripeapi.Customer, error) {
	params := &stripeapi.CustomerParams{}
	customer, err := stripecustomer.Get(customerID, params)
	if err != nil {
		return nil, NewProviderError("api_call_failed", "failed to get customer", err)
	}
	return customer, nil
}

// GetCustomerByEmail retrieves a customer by email address
func (*Client) GetCustomerByEmail(email string) (*stripeapi.Customer, error) {
	params := &stripeapi.CustomerListParams{
		Email: stripeapi.String(email),
	}

	customers := stripecustomer.List(params)
	if !customers.Next() {
		return nil, NewProviderError("customer_not_found", fmt.Sprintf("customer with email %s not found", email), nil)
	}

	return customers.Customer(), nil
}

// GetSubscription retrieves the current state of a subscription from the
// provider. Transient failures (rate limits, provider 5xx) are retried with
// exponential backoff before giving up.
func (*Client) GetSubscription(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	var subscription *stripeapi.Subscription
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		var err error
		subscription, err = stripesubscription.Get(subscriptionID, &stripeapi.SubscriptionParams{})
		if err != nil {
			if IsRetryableError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, NewProviderError("api_call_failed", "failed to get subscription", err)
	}
	return subscription, nil
}

// CreateSubscriptionCheckout creates a checkout session in subscription mode
// for the given plan price. The customer ID travels in the subscription
// metadata so the resulting webhook events can be matched back to the account.
// Overview of stripe checkout mechanics: https://docs.stripe.com/checkout/custom/quickstart
func (c *Client) CreateSubscriptionCheckout(params *CheckoutParams) (*stripeapi.CheckoutSession, error) {
	checkoutParams := &stripeapi.CheckoutSessionParams{
		Mode: stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(params.PriceID),
				Quantity: stripeapi.Int64(1),
			},
		},
		AutomaticTax: &stripeapi.CheckoutSessionAutomaticTaxParams{
			Enabled: stripeapi.Bool(true),
		},
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"customerID": params.CustomerID,
			},
		},
		Metadata: map[string]string{
			"customerID": params.CustomerID,
		},
		AllowPromotionCodes: stripeapi.Bool(true),
	}

	customer, err := c.GetCustomerByEmail(params.CustomerEmail)
	if err != nil {
		checkoutParams.CustomerEmail = stripeapi.String(params.CustomerEmail)
	} else {
		checkoutParams.Customer = &customer.ID
	}

	// The returnURL is used to redirect the user after the payment is completed
	if params.ReturnURL != "" {
		checkoutParams.SuccessURL = stripeapi.String(params.ReturnURL + "/{CHECKOUT_SESSION_ID}")
	}

	session, err := stripecheckoutsession.New(checkoutParams)
	if err != nil {
		return nil, NewProviderError("api_call_failed", "failed to create checkout session", err)
	}

	return session, nil
}

// CreateCreditCheckout creates a one-time payment checkout session for a
// credit pack purchase. The metadata marks the session as a credit purchase
// and records how many credits to grant once the payment settles.
func (c *Client) CreateCreditCheckout(params *CheckoutParams) (*stripeapi.CheckoutSession, error) {
	if params.Quantity <= 0 {
		params.Quantity = 1
	}

	checkoutParams := &stripeapi.CheckoutSessionParams{
		Mode: stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(c.config.CreditPriceID),
				Quantity: stripeapi.Int64(params.Quantity),
			},
		},
		Metadata: map[string]string{
			"creditPurchase": "true",
			"credits":        fmt.Sprintf("%d", params.Credits),
			"customerID":     params.CustomerID,
		},
	}

	customer, err := c.GetCustomerByEmail(params.CustomerEmail)
	if err != nil {
		checkoutParams.CustomerEmail = stripeapi.String(params.CustomerEmail)
	} else {
		checkoutParams.Customer = &customer.ID
	}

	if params.ReturnURL != "" {
		checkoutParams.SuccessURL = stripeapi.String(params.ReturnURL + "/{CHECKOUT_SESSION_ID}")
	}

	session, err := stripecheckoutsession.New(checkoutParams)
	if err != nil {
		return nil, NewProviderError("api_call_failed", "failed to create credit checkout session", err)
	}

	return session, nil
}

// GetCheckoutSession retrieves a checkout session by ID
func (*Client) GetCheckoutSession(sessionID string) (*CheckoutSessionStatus, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.AddExpand("line_items")

	session, err := stripecheckoutsession.Get(sessionID, params)
	if err != nil {
		return nil, NewProviderError("api_call_failed", "failed to get checkout session", err)
	}

	status := &CheckoutSessionStatus{
		Status: string(session.Status),
	}
	if session.CustomerDetails != nil {
		status.CustomerEmail = session.CustomerDetails.Email
	}
	if session.Subscription != nil {
		status.SubscriptionStatus = string(session.Subscription.Status)
	}

	return status, nil
}

// CreatePortalSession creates a billing portal session for a customer
func (c *Client) CreatePortalSession(stripeCustomerID, returnURL string) (*stripeapi.BillingPortalSession, error) {
	params := &stripeapi.BillingPortalSessionParams{
		Customer: stripeapi.String(stripeCustomerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripeapi.String(returnURL)
	}

	session, err := stripeportalsession.New(params)
	if err != nil {
		return nil, NewProviderError("api_call_failed", "failed to create portal session", err)
	}

	return session, nil
}

// ParseSubscriptionFromEvent extracts the subscription carried in a webhook
// event payload.
func ParseSubscriptionFromEvent(event *stripeapi.Event) (*stripeapi.Subscription, error) {
	var subscription stripeapi.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return nil, NewProviderError("invalid_event", "failed to parse subscription from event", err)
	}
	if subscription.Customer == nil || subscription.Customer.ID == "" {
		return nil, NewProviderError("invalid_event", "subscription missing customer", nil)
	}
	return &subscription, nil
}

// ParseInvoiceFromEvent extracts the invoice carried in a webhook event
// payload.
func ParseInvoiceFromEvent(event *stripeapi.Event) (*stripeapi.Invoice, error) {
	var invoice stripeapi.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, NewProviderError("invalid_event", "failed to parse invoice from event", err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return nil, NewProviderError("invalid_event", "invoice missing customer", nil)
	}
	return &invoice, nil
}

// ParseCheckoutSessionFromEvent extracts the checkout session carried in a
// webhook event payload.
func ParseCheckoutSessionFromEvent(event *stripeapi.Event) (*stripeapi.CheckoutSession, error) {
	var session stripeapi.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, NewProviderError("invalid_event", "failed to parse checkout session from event", err)
	}
	return &session, nil
}

// SubscriptionPeriod returns the current billing period of a subscription,
// taken from its first item.
func SubscriptionPeriod(subscription *stripeapi.Subscription) (start, end time.Time) {
	if subscription.Items == nil || len(subscription.Items.Data) == 0 {
		return time.Time{}, time.Time{}
	}
	item := subscription.Items.Data[0]
	return time.Unix(item.CurrentPeriodStart, 0), time.Unix(item.CurrentPeriodEnd, 0)
}

// SubscriptionPriceID returns the price ID of the first subscription item, or
// an empty string when the subscription carries no items.
func SubscriptionPriceID(subscription *stripeapi.Subscription) string {
	if subscription.Items == nil || len(subscription.Items.Data) == 0 {
		return ""
	}
	if subscription.Items.Data[0].Price == nil {
		return ""
	}
	return subscription.Items.Data[0].Price.ID
}

// CheckoutParams holds parameters for creating a checkout session
type CheckoutParams struct {
	PriceID       string
	ReturnURL     string
	CustomerID    string
	CustomerEmail string
	Credits       int64
	Quantity      int64
}

// CheckoutSessionStatus represents the status of a checkout session
type CheckoutSessionStatus struct {
	Status             string `json:"status"`
	CustomerEmail      string `json:"customer_email"`
	SubscriptionStatus string `json:"subscription_status"`
}
