package db

import (
	"time"
)

// SubscriptionStatus mirrors the provider-side subscription lifecycle. The
// zero value StatusNone means the customer never had a subscription.
type SubscriptionStatus string

const (
	StatusNone              SubscriptionStatus = "none"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPaused            SubscriptionStatus = "paused"
)

// FreeTier is the baseline plan tier every customer falls back to when their
// subscription ends.
const FreeTier = "free"

// Customer is the local projection of a paying customer. Subscription fields
// are mutated only by the webhook projector; CreditBalance is mutated only
// inside the same transaction that appends a CreditTransaction, so it can
// never drift from the ledger.
type Customer struct {
	ID                   string             `json:"id" bson:"_id"`
	Email                string             `json:"email" bson:"email"`
	Phone                string             `json:"phone,omitempty" bson:"phone,omitempty"`
	StripeCustomerID     string             `json:"stripeCustomerID" bson:"stripeCustomerID"`
	StripeSubscriptionID string             `json:"stripeSubscriptionID" bson:"stripeSubscriptionID"`
	SubscriptionStatus   SubscriptionStatus `json:"subscriptionStatus" bson:"subscriptionStatus"`
	PlanTier             string             `json:"planTier" bson:"planTier"`
	CancelAtPeriodEnd    bool               `json:"cancelAtPeriodEnd" bson:"cancelAtPeriodEnd"`
	CreditBalance        int64              `json:"creditBalance" bson:"creditBalance"`
	LastPaymentDate      time.Time          `json:"lastPaymentDate" bson:"lastPaymentDate"`
	CreatedAt            time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// HasAccess reports whether the customer's subscription currently grants
// paid-tier access.
func (c *Customer) HasAccess() bool {
	return c.SubscriptionStatus == StatusActive || c.SubscriptionStatus == StatusTrialing
}

// WebhookEvent records a processed provider event. Its presence in the
// collection means the event's side effects have been applied exactly once.
type WebhookEvent struct {
	ID          string    `json:"id" bson:"_id"`
	Type        string    `json:"type" bson:"type"`
	ProcessedAt time.Time `json:"processedAt" bson:"processedAt"`
}

// TransactionKind is the business reason for a ledger entry.
type TransactionKind string

const (
	TxKindPurchase               TransactionKind = "purchase"
	TxKindUsage                  TransactionKind = "usage"
	TxKindRefund                 TransactionKind = "refund"
	TxKindBonus                  TransactionKind = "bonus"
	TxKindExpire                 TransactionKind = "expire"
	TxKindSubscriptionAllocation TransactionKind = "subscription_allocation"
)

// CreditTransaction is a single row of the append-only credit ledger.
// Amount is signed: positive credits, negative debits. BalanceAfter is the
// customer's balance once this row is applied. Rows are never updated or
// deleted.
type CreditTransaction struct {
	ID           string          `json:"id" bson:"_id"`
	CustomerID   string          `json:"customerID" bson:"customerID"`
	Amount       int64           `json:"amount" bson:"amount"`
	BalanceAfter int64           `json:"balanceAfter" bson:"balanceAfter"`
	Kind         TransactionKind `json:"kind" bson:"kind"`
	Description  string          `json:"description" bson:"description"`
	ExternalRef  string          `json:"externalRef,omitempty" bson:"externalRef,omitempty"`
	CreatedAt    time.Time       `json:"createdAt" bson:"createdAt"`
}
