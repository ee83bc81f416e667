package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/billforge/billing-backend/credits"
	"github.com/billforge/billing-backend/db"
	"github.com/billforge/billing-backend/notifications"
)

// mockStore is an in-memory Store used to test the webhook service without a
// database.
type mockStore struct {
	mtx            sync.Mutex
	customers      map[string]*db.Customer
	events         map[string]string
	balances       map[string]int64
	externalRefs   map[string]bool
	setCustomerErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		customers:    make(map[string]*db.Customer),
		events:       make(map[string]string),
		balances:     make(map[string]int64),
		externalRefs: make(map[string]bool),
	}
}

func (m *mockStore) Customer(id string) (*db.Customer, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	customer, ok := m.customers[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *customer
	return &copied, nil
}

func (m *mockStore) CustomerByStripeID(stripeCustomerID string) (*db.Customer, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, customer := range m.customers {
		if customer.StripeCustomerID == stripeCustomerID {
			copied := *customer
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *mockStore) SetCustomer(customer *db.Customer) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.setCustomerErr != nil {
		return m.setCustomerErr
	}
	copied := *customer
	m.customers[customer.ID] = &copied
	return nil
}

func (m *mockStore) HasWebhookEvent(eventID string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *mockStore) MarkWebhookEventProcessed(eventID, eventType string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.events[eventID]; ok {
		return db.ErrAlreadyExists
	}
	m.events[eventID] = eventType
	return nil
}

func (m *mockStore) AddCredits(
	customerID string, amount int64, _ db.TransactionKind, _, externalRef string,
) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.customers[customerID]; !ok {
		return 0, db.ErrNotFound
	}
	if externalRef != "" {
		if m.externalRefs[externalRef] {
			return 0, db.ErrAlreadyExists
		}
		m.externalRefs[externalRef] = true
	}
	m.balances[customerID] += amount
	return m.balances[customerID], nil
}

func (m *mockStore) SpendCredits(customerID string, amount int64, _ string) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.customers[customerID]; !ok {
		return 0, db.ErrNotFound
	}
	if m.balances[customerID] < amount {
		return 0, db.ErrInsufficientFunds
	}
	m.balances[customerID] -= amount
	return m.balances[customerID], nil
}

func (m *mockStore) CreditBalance(customerID string) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.customers[customerID]; !ok {
		return 0, db.ErrNotFound
	}
	return m.balances[customerID], nil
}

func (m *mockStore) CreditTransactions(_ string, _, _ int64) ([]*db.CreditTransaction, error) {
	return nil, nil
}

// mockProvider is a Provider that returns canned events and subscriptions
// instead of calling the Stripe API.
type mockProvider struct {
	event        *stripeapi.Event
	subscription *stripeapi.Subscription
	fetchCalls   int
}

func (m *mockProvider) ValidateWebhookEvent(_ []byte, _ string) (*stripeapi.Event, error) {
	if m.event == nil {
		return nil, ErrWebhookValidation
	}
	return m.event, nil
}

func (m *mockProvider) GetCustomer(customerID string) (*stripeapi.Customer, error) {
	return &stripeapi.Customer{ID: customerID}, nil
}

func (m *mockProvider) GetSubscription(_ context.Context, _ string) (*stripeapi.Subscription, error) {
	m.fetchCalls++
	if m.subscription == nil {
		return nil, ErrAPICallFailed
	}
	return m.subscription, nil
}

func (m *mockProvider) CreateSubscriptionCheckout(_ *CheckoutParams) (*stripeapi.CheckoutSession, error) {
	return &stripeapi.CheckoutSession{ID: "cs_mock"}, nil
}

func (m *mockProvider) CreateCreditCheckout(_ *CheckoutParams) (*stripeapi.CheckoutSession, error) {
	return &stripeapi.CheckoutSession{ID: "cs_mock"}, nil
}

func (m *mockProvider) GetCheckoutSession(_ string) (*CheckoutSessionStatus, error) {
	return &CheckoutSessionStatus{Status: "complete"}, nil
}

func (m *mockProvider) CreatePortalSession(_, _ string) (*stripeapi.BillingPortalSession, error) {
	return &stripeapi.BillingPortalSession{URL: "https://billing.example.com"}, nil
}

// mockNotifier records the notifications it is asked to send.
type mockNotifier struct {
	sent []*notifications.Notification
}

func (m *mockNotifier) New(_ any) error { return nil }

func (m *mockNotifier) SendNotification(_ context.Context, n *notifications.Notification) error {
	m.sent = append(m.sent, n)
	return nil
}

func testConfig() *Config {
	return &Config{
		APIKey:        "sk_test",
		WebhookSecret: "whsec_test",
		CreditPriceID: "price_credit",
		Tiers: []TierConfig{
			{Tier: "starter", PriceID: "price_starter_monthly", MonthlyCredits: 200},
			{Tier: "pro", PriceID: "price_pro_monthly", MonthlyCredits: 1000},
		},
	}
}

func newTestService(c *qt.C, config *Config, store *mockStore, provider Provider, notify notifications.NotificationService) *Service {
	granter, err := credits.NewService(store)
	c.Assert(err, qt.IsNil)
	service, err := NewService(config, store, provider, granter, notify)
	c.Assert(err, qt.IsNil)
	return service
}

func subscriptionEvent(eventID string, eventType stripeapi.EventType, subID, customerID, status, priceID string) *stripeapi.Event {
	raw, _ := json.Marshal(map[string]any{
		"id":       subID,
		"status":   status,
		"customer": map[string]any{"id": customerID},
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID}},
			},
		},
	})
	return &stripeapi.Event{
		ID:   eventID,
		Type: eventType,
		Data: &stripeapi.EventData{Raw: raw},
	}
}

func invoiceEvent(eventID string, eventType stripeapi.EventType, invoiceID, customerID string, effectiveAt int64) *stripeapi.Event {
	raw, _ := json.Marshal(map[string]any{
		"id":           invoiceID,
		"customer":     map[string]any{"id": customerID},
		"effective_at": effectiveAt,
	})
	return &stripeapi.Event{
		ID:   eventID,
		Type: eventType,
		Data: &stripeapi.EventData{Raw: raw},
	}
}

func creditCheckoutEvent(eventID, sessionID, customerID, paymentIntentID string, credits int64) *stripeapi.Event {
	raw, _ := json.Marshal(map[string]any{
		"id":   sessionID,
		"mode": "payment",
		"metadata": map[string]string{
			"creditPurchase": "true",
			"credits":        fmt.Sprintf("%d", credits),
			"customerID":     customerID,
		},
		"payment_intent": map[string]any{"id": paymentIntentID},
	})
	return &stripeapi.Event{
		ID:   eventID,
		Type: stripeapi.EventTypeCheckoutSessionCompleted,
		Data: &stripeapi.EventData{Raw: raw},
	}
}

func subscriptionCheckoutEvent(eventID, sessionID, customerID, stripeCustomerID, subID, email string) *stripeapi.Event {
	raw, _ := json.Marshal(map[string]any{
		"id":               sessionID,
		"mode":             "subscription",
		"metadata":         map[string]string{"customerID": customerID},
		"customer":         map[string]any{"id": stripeCustomerID},
		"customer_details": map[string]any{"email": email},
		"subscription":     map[string]any{"id": subID},
	})
	return &stripeapi.Event{
		ID:   eventID,
		Type: stripeapi.EventTypeCheckoutSessionCompleted,
		Data: &stripeapi.EventData{Raw: raw},
	}
}

func seedCustomer(store *mockStore, id, stripeID, tier string, status db.SubscriptionStatus) {
	store.customers[id] = &db.Customer{
		ID:                   id,
		Email:                id + "@example.com",
		StripeCustomerID:     stripeID,
		StripeSubscriptionID: "sub_1",
		SubscriptionStatus:   status,
		PlanTier:             tier,
	}
}

func TestWebhookEventIdempotency(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "pro", db.StatusActive)

	provider := &mockProvider{
		event: invoiceEvent("evt_1", stripeapi.EventTypeInvoicePaid, "in_1", "cus_1", 1700000000),
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	c.Assert(store.balances["cust_1"], qt.Equals, int64(1000))

	// the provider redelivers the same event: no further side effects
	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	c.Assert(store.balances["cust_1"], qt.Equals, int64(1000))

	processed, err := store.HasWebhookEvent("evt_1")
	c.Assert(err, qt.IsNil)
	c.Assert(processed, qt.IsTrue)
}

func TestUnknownEventKindIsNoOp(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "pro", db.StatusActive)

	provider := &mockProvider{
		event: &stripeapi.Event{
			ID:   "evt_unknown",
			Type: "customer.tax_id.created",
			Data: &stripeapi.EventData{Raw: json.RawMessage(`{}`)},
		},
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)

	// accepted and recorded, but nothing changed
	processed, err := store.HasWebhookEvent("evt_unknown")
	c.Assert(err, qt.IsNil)
	c.Assert(processed, qt.IsTrue)
	customer, err := store.Customer("cust_1")
	c.Assert(err, qt.IsNil)
	c.Assert(customer.SubscriptionStatus, qt.Equals, db.StatusActive)
	c.Assert(customer.PlanTier, qt.Equals, "pro")
	c.Assert(store.balances["cust_1"], qt.Equals, int64(0))
}

func TestSubscriptionDeletedForcesFreeTier(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "pro", db.StatusActive)

	// the payload still claims the subscription is active; deletion wins
	provider := &mockProvider{
		event: subscriptionEvent("evt_del", stripeapi.EventTypeCustomerSubscriptionDeleted,
			"sub_1", "cus_1", "active", "price_pro_monthly"),
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)

	customer, err := store.Customer("cust_1")
	c.Assert(err, qt.IsNil)
	c.Assert(customer.SubscriptionStatus, qt.Equals, db.StatusCanceled)
	c.Assert(customer.PlanTier, qt.Equals, db.FreeTier)
	c.Assert(customer.StripeSubscriptionID, qt.Equals, "")
}

func TestRefreshPolicyRefetchesSubscription(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "free", db.StatusNone)

	// stale payload says past_due, the provider's current state is active
	provider := &mockProvider{
		event: subscriptionEvent("evt_upd", stripeapi.EventTypeCustomerSubscriptionUpdated,
			"sub_1", "cus_1", "past_due", "price_pro_monthly"),
		subscription: &stripeapi.Subscription{
			ID:     "sub_1",
			Status: stripeapi.SubscriptionStatusActive,
			Items: &stripeapi.SubscriptionItemList{
				Data: []*stripeapi.SubscriptionItem{
					{Price: &stripeapi.Price{ID: "price_pro_monthly"}},
				},
			},
		},
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	c.Assert(provider.fetchCalls, qt.Equals, 1)

	customer, err := store.Customer("cust_1")
	c.Assert(err, qt.IsNil)
	c.Assert(customer.SubscriptionStatus, qt.Equals, db.StatusActive)
	c.Assert(customer.PlanTier, qt.Equals, "pro")
}

func TestRefreshPolicyTrustsPayload(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "free", db.StatusNone)

	provider := &mockProvider{
		event: subscriptionEvent("evt_upd", stripeapi.EventTypeCustomerSubscriptionUpdated,
			"sub_1", "cus_1", "trialing", "price_starter_monthly"),
	}
	config := testConfig()
	config.RefreshPolicy = map[string]RefreshMode{
		"customer.subscription.updated": RefreshTrustPayload,
	}
	service := newTestService(c, config, store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	c.Assert(provider.fetchCalls, qt.Equals, 0)

	customer, err := store.Customer("cust_1")
	c.Assert(err, qt.IsNil)
	c.Assert(customer.SubscriptionStatus, qt.Equals, db.StatusTrialing)
	c.Assert(customer.PlanTier, qt.Equals, "starter")
}

func TestCheckoutCreatesCustomer(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()

	provider := &mockProvider{
		event: subscriptionCheckoutEvent("evt_cs", "cs_1", "cust_new", "cus_new", "sub_new", "new@example.com"),
		subscription: &stripeapi.Subscription{
			ID:     "sub_new",
			Status: stripeapi.SubscriptionStatusActive,
			Items: &stripeapi.SubscriptionItemList{
				Data: []*stripeapi.SubscriptionItem{
					{Price: &stripeapi.Price{ID: "price_pro_monthly"}},
				},
			},
		},
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)

	customer, err := store.Customer("cust_new")
	c.Assert(err, qt.IsNil)
	c.Assert(customer.Email, qt.Equals, "new@example.com")
	c.Assert(customer.StripeCustomerID, qt.Equals, "cus_new")
	c.Assert(customer.StripeSubscriptionID, qt.Equals, "sub_new")
	c.Assert(customer.SubscriptionStatus, qt.Equals, db.StatusActive)
	c.Assert(customer.PlanTier, qt.Equals, "pro")
}

func TestCreditPurchaseFulfillmentIdempotent(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "pro", db.StatusActive)

	service := newTestService(c, testConfig(), store,
		&mockProvider{event: creditCheckoutEvent("evt_a", "cs_1", "cust_1", "pi_1", 500)}, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	c.Assert(store.balances["cust_1"], qt.Equals, int64(500))

	// a distinct event for the same payment slips past the event dedup gate;
	// the ledger reference still blocks the second grant
	service.provider = &mockProvider{event: creditCheckoutEvent("evt_b", "cs_1", "cust_1", "pi_1", 500)}
	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	c.Assert(store.balances["cust_1"], qt.Equals, int64(500))
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "pro", db.StatusActive)

	service := newTestService(c, testConfig(), store,
		&mockProvider{event: creditCheckoutEvent("evt_1", "cs_1", "cust_1", "pi_1", 50)}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Check(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
		}()
	}
	wg.Wait()

	c.Assert(store.balances["cust_1"], qt.Equals, int64(50))
}

func TestUnknownCustomerIsSafeNoOp(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()

	provider := &mockProvider{
		event: subscriptionEvent("evt_orphan", stripeapi.EventTypeCustomerSubscriptionDeleted,
			"sub_9", "cus_unknown", "canceled", "price_pro_monthly"),
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	// consumed without error so the provider stops retrying
	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	processed, err := store.HasWebhookEvent("evt_orphan")
	c.Assert(err, qt.IsNil)
	c.Assert(processed, qt.IsTrue)
}

func TestHandlerFailureLeavesEventUnprocessed(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "pro", db.StatusActive)
	store.setCustomerErr = fmt.Errorf("write failed")

	provider := &mockProvider{
		event: subscriptionEvent("evt_fail", stripeapi.EventTypeCustomerSubscriptionDeleted,
			"sub_1", "cus_1", "canceled", "price_pro_monthly"),
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNotNil)

	// the event stays unrecorded, so a retry can succeed later
	processed, err := store.HasWebhookEvent("evt_fail")
	c.Assert(err, qt.IsNil)
	c.Assert(processed, qt.IsFalse)

	store.setCustomerErr = nil
	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)
	processed, err = store.HasWebhookEvent("evt_fail")
	c.Assert(err, qt.IsNil)
	c.Assert(processed, qt.IsTrue)
}

func TestPaymentFailedSendsDunningNotification(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "pro", db.StatusActive)

	notifier := &mockNotifier{}
	provider := &mockProvider{
		event: invoiceEvent("evt_fail", stripeapi.EventTypeInvoicePaymentFailed, "in_2", "cus_1", 0),
		subscription: &stripeapi.Subscription{
			ID:     "sub_1",
			Status: stripeapi.SubscriptionStatusPastDue,
		},
	}
	service := newTestService(c, testConfig(), store, provider, notifier)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)

	customer, err := store.Customer("cust_1")
	c.Assert(err, qt.IsNil)
	c.Assert(customer.SubscriptionStatus, qt.Equals, db.StatusPastDue)
	c.Assert(notifier.sent, qt.HasLen, 1)
	c.Assert(notifier.sent[0].ToAddress, qt.Equals, "cust_1@example.com")
}

func TestInvoicePaidRecordsPaymentAndAllocation(t *testing.T) {
	c := qt.New(t)
	store := newMockStore()
	seedCustomer(store, "cust_1", "cus_1", "starter", db.StatusPastDue)

	provider := &mockProvider{
		event: invoiceEvent("evt_paid", stripeapi.EventTypeInvoicePaid, "in_3", "cus_1", 1700000000),
	}
	service := newTestService(c, testConfig(), store, provider, nil)

	c.Assert(service.HandleWebhookEvent(context.Background(), nil, ""), qt.IsNil)

	customer, err := store.Customer("cust_1")
	c.Assert(err, qt.IsNil)
	c.Assert(customer.SubscriptionStatus, qt.Equals, db.StatusActive)
	c.Assert(customer.LastPaymentDate.Unix(), qt.Equals, int64(1700000000))
	// starter tier allocates 200 credits per paid invoice
	c.Assert(store.balances["cust_1"], qt.Equals, int64(200))
}
