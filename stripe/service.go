// Package stripe provides integration with the Stripe payment service,
// handling subscription projection, credit purchases, and webhook events.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/billforge/billing-backend/db"
	"github.com/billforge/billing-backend/notifications"
)

// Store is the persistence surface the webhook service depends on. It is
// implemented by *db.MongoStorage; tests substitute a mock.
type Store interface {
	Customer(id string) (*db.Customer, error)
	CustomerByStripeID(stripeCustomerID string) (*db.Customer, error)
	SetCustomer(customer *db.Customer) error
	HasWebhookEvent(eventID string) (bool, error)
	MarkWebhookEventProcessed(eventID, eventType string) error
}

// CreditGranter is the ledger surface the webhook handlers grant credits
// through. It is implemented by *credits.Service.
type CreditGranter interface {
	Credit(customerID string, amount int64, kind db.TransactionKind, description, externalRef string) (int64, error)
	FulfillPurchase(customerID string, credits int64, externalRef string) (int64, error)
}

// Service provides the main business logic for webhook processing. Events are
// validated, deduplicated, and routed to a handler per event type. Each
// handler projects the event onto the local customer record.
type Service struct {
	provider    Provider
	store       Store
	credits     CreditGranter
	notify      notifications.NotificationService
	lockManager *LockManager
	config      *Config
}

// NewService creates a new Stripe service
func NewService(config *Config, store Store, provider Provider, granter CreditGranter,
	notify notifications.NotificationService,
) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if granter == nil {
		return nil, fmt.Errorf("credit granter is required")
	}
	if provider == nil {
		provider = NewClient(config)
	}

	return &Service{
		provider:    provider,
		store:       store,
		credits:     granter,
		notify:      notify,
		lockManager: NewLockManager(),
		config:      config,
	}, nil
}

// HandleWebhookEvent validates, deduplicates and processes a raw webhook
// delivery. A nil return means the delivery was consumed and the provider
// must not retry it; an error means processing failed mid-way and the
// provider should redeliver. Duplicate deliveries of an already processed
// event are consumed without side effects.
func (s *Service) HandleWebhookEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := s.provider.ValidateWebhookEvent(payload, signatureHeader)
	if err != nil {
		return err
	}

	// Serialize concurrent deliveries of the same event
	unlock := s.lockManager.Lock(event.ID)
	defer unlock()

	processed, err := s.store.HasWebhookEvent(event.ID)
	if err != nil {
		return fmt.Errorf("failed to check event %s: %w", event.ID, err)
	}
	if processed {
		log.Debug().Str("eventID", event.ID).Msg("webhook event already processed, skipping")
		return nil
	}

	if err := s.HandleEvent(ctx, event); err != nil {
		return err
	}

	// Mark as processed only after the handler succeeded, so failed events
	// get redelivered. A concurrent marker racing us is fine.
	if err := s.store.MarkWebhookEventProcessed(event.ID, string(event.Type)); err != nil &&
		!errors.Is(err, db.ErrAlreadyExists) {
		return fmt.Errorf("failed to mark event %s processed: %w", event.ID, err)
	}

	return nil
}

// HandleEvent routes a validated event to its handler. Event types without a
// handler are consumed as no-ops.
func (s *Service) HandleEvent(ctx context.Context, event *stripeapi.Event) error {
	switch event.Type {
	case stripeapi.EventTypeCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case stripeapi.EventTypeCustomerSubscriptionCreated,
		stripeapi.EventTypeCustomerSubscriptionUpdated:
		return s.handleSubscriptionChange(ctx, event)
	case stripeapi.EventTypeCustomerSubscriptionDeleted:
		return s.handleSubscriptionDeleted(event)
	case stripeapi.EventTypeInvoicePaid:
		return s.handleInvoicePaid(event)
	case stripeapi.EventTypeInvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(ctx, event)
	default:
		log.Debug().Str("eventID", event.ID).Str("type", string(event.Type)).
			Msg("received unhandled webhook event type")
		return nil
	}
}

// handleCheckoutCompleted processes a completed checkout session. Subscription
// mode sessions bind the new subscription to the customer; payment mode
// sessions marked as credit purchases fulfill the purchased credit pack.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripeapi.Event) error {
	session, err := ParseCheckoutSessionFromEvent(event)
	if err != nil {
		return err
	}

	if session.Mode == stripeapi.CheckoutSessionModePayment {
		return s.fulfillCreditPurchase(session)
	}

	customerID := session.Metadata["customerID"]
	if customerID == "" {
		log.Warn().Str("eventID", event.ID).Str("sessionID", session.ID).
			Msg("checkout session missing customerID metadata, skipping")
		return nil
	}

	unlock := s.lockManager.Lock(customerID)
	defer unlock()

	customer, err := s.store.Customer(customerID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("failed to get customer %s: %w", customerID, err)
		}
		// first successful checkout creates the local customer record
		customer = &db.Customer{ID: customerID}
		if session.CustomerDetails != nil {
			customer.Email = session.CustomerDetails.Email
		}
		log.Info().Str("eventID", event.ID).Str("customerID", customerID).
			Msg("creating customer from checkout session")
	}

	if session.Customer != nil {
		customer.StripeCustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		subscription, err := s.provider.GetSubscription(ctx, session.Subscription.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch subscription %s: %w", session.Subscription.ID, err)
		}
		s.applySubscription(customer, subscription)
	}

	if err := s.store.SetCustomer(customer); err != nil {
		return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
	}

	log.Info().Str("customerID", customer.ID).Str("sessionID", session.ID).
		Msg("checkout session completed")
	return nil
}

// fulfillCreditPurchase grants the credits bought through a payment mode
// checkout session. The payment intent ID is the external reference of the
// ledger entry, so a redelivered event cannot grant the pack twice.
func (s *Service) fulfillCreditPurchase(session *stripeapi.CheckoutSession) error {
	if session.Metadata["creditPurchase"] != "true" {
		log.Debug().Str("sessionID", session.ID).Msg("payment session is not a credit purchase, skipping")
		return nil
	}

	customerID := session.Metadata["customerID"]
	credits, err := strconv.ParseInt(session.Metadata["credits"], 10, 64)
	if err != nil || credits <= 0 || customerID == "" {
		log.Warn().Str("sessionID", session.ID).Msg("credit purchase session has malformed metadata, skipping")
		return nil
	}

	externalRef := session.ID
	if session.PaymentIntent != nil {
		externalRef = session.PaymentIntent.ID
	}

	balance, err := s.credits.FulfillPurchase(customerID, credits, externalRef)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn().Str("customerID", customerID).Str("sessionID", session.ID).
				Msg("customer not found for credit purchase, skipping")
			return nil
		}
		return fmt.Errorf("failed to fulfill credit purchase %s: %w", externalRef, err)
	}

	log.Info().Str("customerID", customerID).Int64("credits", credits).Int64("balance", balance).
		Msg("credit purchase fulfilled")
	return nil
}

// handleSubscriptionChange projects a subscription created or updated event.
// Depending on the refresh policy for the event type, the subscription state
// is either taken from the event payload or re-fetched from the provider to
// protect against out-of-order deliveries.
func (s *Service) handleSubscriptionChange(ctx context.Context, event *stripeapi.Event) error {
	subscription, err := ParseSubscriptionFromEvent(event)
	if err != nil {
		return err
	}

	if s.config.RefreshModeFor(string(event.Type)) == RefreshFetch {
		fresh, err := s.provider.GetSubscription(ctx, subscription.ID)
		if err != nil {
			return fmt.Errorf("failed to refresh subscription %s: %w", subscription.ID, err)
		}
		fresh.Customer = subscription.Customer
		subscription = fresh
	}

	customer, unlock, err := s.lockCustomerByStripeID(subscription.Customer.ID)
	if err != nil || customer == nil {
		return err
	}
	defer unlock()

	s.applySubscription(customer, subscription)
	if err := s.store.SetCustomer(customer); err != nil {
		return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
	}

	_, periodEnd := SubscriptionPeriod(subscription)
	log.Info().Str("customerID", customer.ID).Str("subscriptionID", subscription.ID).
		Str("status", string(customer.SubscriptionStatus)).Str("tier", customer.PlanTier).
		Time("periodEnd", periodEnd).Msg("subscription state projected")
	return nil
}

// handleSubscriptionDeleted processes a subscription deletion. The customer is
// always moved to canceled on the free tier, regardless of the status carried
// in the payload.
func (s *Service) handleSubscriptionDeleted(event *stripeapi.Event) error {
	subscription, err := ParseSubscriptionFromEvent(event)
	if err != nil {
		return err
	}

	customer, unlock, err := s.lockCustomerByStripeID(subscription.Customer.ID)
	if err != nil || customer == nil {
		return err
	}
	defer unlock()

	customer.SubscriptionStatus = db.StatusCanceled
	customer.PlanTier = db.FreeTier
	customer.StripeSubscriptionID = ""
	customer.CancelAtPeriodEnd = false

	if err := s.store.SetCustomer(customer); err != nil {
		return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
	}

	log.Info().Str("customerID", customer.ID).Str("subscriptionID", subscription.ID).
		Msg("subscription deleted, customer moved to free tier")
	return nil
}

// handleInvoicePaid processes a successful subscription payment. The customer
// becomes active, the payment date is recorded, and the tier's monthly credit
// allocation is granted with the invoice ID as external reference.
func (s *Service) handleInvoicePaid(event *stripeapi.Event) error {
	invoice, err := ParseInvoiceFromEvent(event)
	if err != nil {
		return err
	}

	customer, unlock, err := s.lockCustomerByStripeID(invoice.Customer.ID)
	if err != nil || customer == nil {
		return err
	}
	defer unlock()

	customer.SubscriptionStatus = db.StatusActive
	if invoice.EffectiveAt > 0 {
		customer.LastPaymentDate = time.Unix(invoice.EffectiveAt, 0)
	} else {
		customer.LastPaymentDate = time.Now()
	}

	if err := s.store.SetCustomer(customer); err != nil {
		return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
	}

	if monthly := s.config.MonthlyCreditsFor(customer.PlanTier); monthly > 0 {
		_, err := s.credits.Credit(customer.ID, monthly, db.TxKindSubscriptionAllocation,
			fmt.Sprintf("monthly credit allocation (%s)", customer.PlanTier), invoice.ID)
		if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
			return fmt.Errorf("failed to allocate monthly credits for customer %s: %w", customer.ID, err)
		}
	}

	log.Info().Str("customerID", customer.ID).Str("invoiceID", invoice.ID).
		Msg("invoice payment processed")
	return nil
}

// handleInvoicePaymentFailed processes a failed subscription payment. The
// customer's actual status is re-fetched from the provider when the refresh
// policy requires it, since a late failure event may arrive after the payment
// already recovered.
func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event *stripeapi.Event) error {
	invoice, err := ParseInvoiceFromEvent(event)
	if err != nil {
		return err
	}

	customer, unlock, err := s.lockCustomerByStripeID(invoice.Customer.ID)
	if err != nil || customer == nil {
		return err
	}
	defer unlock()

	status := db.StatusPastDue
	if s.config.RefreshModeFor(string(event.Type)) == RefreshFetch && customer.StripeSubscriptionID != "" {
		subscription, err := s.provider.GetSubscription(ctx, customer.StripeSubscriptionID)
		if err != nil {
			return fmt.Errorf("failed to refresh subscription %s: %w", customer.StripeSubscriptionID, err)
		}
		status = db.SubscriptionStatus(subscription.Status)
	}

	customer.SubscriptionStatus = status
	if err := s.store.SetCustomer(customer); err != nil {
		return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
	}

	if status == db.StatusPastDue && s.notify != nil && customer.Email != "" {
		notification := &notifications.Notification{
			ToAddress: customer.Email,
			ToNumber:  customer.Phone,
			Subject:   "Payment failed",
			PlainBody: "Your last subscription payment failed. Please update your payment method to keep your plan active.",
		}
		if err := s.notify.SendNotification(ctx, notification); err != nil {
			log.Warn().Err(err).Str("customerID", customer.ID).Msg("failed to send dunning notification")
		}
	}

	log.Info().Str("customerID", customer.ID).Str("invoiceID", invoice.ID).
		Str("status", string(status)).Msg("invoice payment failure processed")
	return nil
}

// CreateSubscriptionCheckout creates a checkout session that subscribes the
// customer to the given tier.
func (s *Service) CreateSubscriptionCheckout(tier, returnURL string, customer *db.Customer) (*stripeapi.CheckoutSession, error) {
	priceID, ok := s.config.PriceForTier(tier)
	if !ok {
		return nil, NewProviderError("price_not_found", fmt.Sprintf("no price configured for tier %s", tier), nil)
	}
	return s.provider.CreateSubscriptionCheckout(&CheckoutParams{
		PriceID:       priceID,
		ReturnURL:     returnURL,
		CustomerID:    customer.ID,
		CustomerEmail: customer.Email,
	})
}

// CreateCreditCheckout creates a one-time payment checkout session for a
// credit pack of the given size.
func (s *Service) CreateCreditCheckout(packSize int64, returnURL string, customer *db.Customer) (*stripeapi.CheckoutSession, error) {
	if s.config.CreditPriceID == "" {
		return nil, NewProviderError("price_not_found", "no credit price configured", nil)
	}
	return s.provider.CreateCreditCheckout(&CheckoutParams{
		ReturnURL:     returnURL,
		CustomerID:    customer.ID,
		CustomerEmail: customer.Email,
		Credits:       packSize,
		Quantity:      packSize,
	})
}

// GetCheckoutSession retrieves a checkout session status
func (s *Service) GetCheckoutSession(sessionID string) (*CheckoutSessionStatus, error) {
	return s.provider.GetCheckoutSession(sessionID)
}

// CreatePortalSession creates a billing portal session for the customer.
func (s *Service) CreatePortalSession(customer *db.Customer, returnURL string) (*stripeapi.BillingPortalSession, error) {
	if customer.StripeCustomerID == "" {
		return nil, NewProviderError("customer_not_found", "customer has no provider account yet", nil)
	}
	return s.provider.CreatePortalSession(customer.StripeCustomerID, returnURL)
}

// Tiers returns the configured purchasable tiers.
func (s *Service) Tiers() []TierConfig {
	return s.config.Tiers
}

// lockCustomerByStripeID resolves the local customer for a provider customer
// ID and takes its lock. A nil customer with a nil error means the customer is
// unknown locally and the event should be consumed as a no-op.
func (s *Service) lockCustomerByStripeID(stripeCustomerID string) (*db.Customer, func(), error) {
	unlock := s.lockManager.Lock(stripeCustomerID)

	customer, err := s.store.CustomerByStripeID(stripeCustomerID)
	if err != nil {
		unlock()
		if errors.Is(err, db.ErrNotFound) {
			log.Warn().Str("stripeCustomerID", stripeCustomerID).
				Msg("no local customer for provider customer, skipping event")
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to get customer by stripe ID %s: %w", stripeCustomerID, err)
	}
	return customer, unlock, nil
}

// applySubscription projects the provider subscription state onto the local
// customer record.
func (s *Service) applySubscription(customer *db.Customer, subscription *stripeapi.Subscription) {
	customer.StripeSubscriptionID = subscription.ID
	customer.SubscriptionStatus = db.SubscriptionStatus(subscription.Status)
	customer.CancelAtPeriodEnd = subscription.CancelAtPeriodEnd

	if priceID := SubscriptionPriceID(subscription); priceID != "" {
		if tier, ok := s.config.TierForPrice(priceID); ok {
			customer.PlanTier = tier
		} else {
			log.Warn().Str("priceID", priceID).Str("customerID", customer.ID).
				Msg("subscription price not mapped to a tier, keeping current tier")
		}
	}
}
