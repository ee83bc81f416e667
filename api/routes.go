package api

const (
	// subscription routes

	// POST /subscriptions/webhook to receive payment provider events
	subscriptionsWebhookEndpoint = "/subscriptions/webhook"
	// POST /subscriptions/checkout to create a subscription checkout session
	subscriptionsCheckoutEndpoint = "/subscriptions/checkout"
	// GET /subscriptions/checkout/{sessionID} to get a checkout session status
	subscriptionsCheckoutSessionEndpoint = "/subscriptions/checkout/{sessionID}"
	// GET /subscriptions/portal to create a billing portal session
	subscriptionsPortalEndpoint = "/subscriptions/portal"

	// credit routes

	// GET /credits to get the current credit balance
	creditsEndpoint = "/credits"
	// GET /credits/transactions to list the credit ledger
	creditsTransactionsEndpoint = "/credits/transactions"
	// POST /credits/consume to spend credits
	creditsConsumeEndpoint = "/credits/consume"
	// POST /credits/checkout to create a credit pack checkout session
	creditsCheckoutEndpoint = "/credits/checkout"

	// plan routes

	// GET /plans to list the available subscription tiers
	plansEndpoint = "/plans"
)
