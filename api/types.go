package api

import (
	"github.com/billforge/billing-backend/db"
)

// SubscriptionCheckoutRequest is the request to create a subscription
// checkout session for a plan tier.
type SubscriptionCheckoutRequest struct {
	Tier      string `json:"tier"`
	ReturnURL string `json:"returnURL"`
}

// CreditCheckoutRequest is the request to create a checkout session for a
// credit pack of the given size.
type CreditCheckoutRequest struct {
	PackSize  int64  `json:"packSize"`
	ReturnURL string `json:"returnURL"`
}

// CheckoutResponse carries the created checkout or portal session back to the
// client.
type CheckoutResponse struct {
	ClientSecret string `json:"clientSecret,omitempty"`
	SessionID    string `json:"sessionID,omitempty"`
	URL          string `json:"url,omitempty"`
}

// ConsumeCreditsRequest is the request to spend credits from the
// authenticated customer's balance.
type ConsumeCreditsRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// BalanceResponse carries a credit balance.
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

// TransactionsResponse is a page of the credit ledger, most recent first.
type TransactionsResponse struct {
	Transactions []*db.CreditTransaction `json:"transactions"`
	Page         int64                   `json:"page"`
}

// PlanInfo describes one purchasable subscription tier.
type PlanInfo struct {
	Tier           string `json:"tier"`
	PriceID        string `json:"priceID"`
	MonthlyCredits int64  `json:"monthlyCredits"`
}
