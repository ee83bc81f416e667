package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/billforge/billing-backend/errors"
	"github.com/billforge/billing-backend/stripe"
)

// handleWebhook handles an incoming webhook delivery from Stripe. The raw
// body is capped, the signature verified, and the event handed to the stripe
// service. A 2xx response tells the provider the delivery is consumed; 4xx
// rejects malformed or unsigned deliveries; 5xx asks the provider to retry
// after a processing failure.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().Err(err).Msg("stripe webhook: error reading request body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signatureHeader := r.Header.Get("Stripe-Signature")
	if err := a.stripe.HandleWebhookEvent(r.Context(), payload, signatureHeader); err != nil {
		var provErr *stripe.ProviderError
		if stderrors.As(err, &provErr) &&
			(provErr.Code == "webhook_validation" || provErr.Code == "invalid_event") {
			log.Warn().Err(err).Msg("stripe webhook: rejected event")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Msg("stripe webhook: event processing failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	httpWriteOK(w)
}

// createSubscriptionCheckoutHandler handles requests to create a new Stripe
// checkout session for subscription purchases.
func (a *API) createSubscriptionCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r.Context())
	if !ok {
		errors.ErrUnauthorized.Write(w)
		return
	}
	checkout := &SubscriptionCheckoutRequest{}
	if err := json.NewDecoder(r.Body).Decode(checkout); err != nil {
		errors.ErrMalformedBody.Write(w)
		return
	}
	if checkout.Tier == "" {
		errors.ErrMalformedBody.Withf("missing required fields").Write(w)
		return
	}

	session, err := a.stripe.CreateSubscriptionCheckout(checkout.Tier, checkout.ReturnURL, customer)
	if err != nil {
		var provErr *stripe.ProviderError
		if stderrors.As(err, &provErr) && provErr.Code == "price_not_found" {
			errors.ErrPlanNotFound.Withf("unknown tier %s", checkout.Tier).Write(w)
			return
		}
		errors.ErrStripeError.Withf("cannot create session: %v", err).Write(w)
		return
	}

	httpWriteJSON(w, &CheckoutResponse{
		ClientSecret: session.ClientSecret,
		SessionID:    session.ID,
		URL:          session.URL,
	})
}

// checkoutSessionHandler retrieves the status of a Stripe checkout session.
func (a *API) checkoutSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		errors.ErrMalformedURLParam.Withf("sessionID is required").Write(w)
		return
	}
	status, err := a.stripe.GetCheckoutSession(sessionID)
	if err != nil {
		errors.ErrStripeError.Withf("cannot get session: %v", err).Write(w)
		return
	}
	httpWriteJSON(w, status)
}

// createPortalSessionHandler creates a Stripe billing portal session for the
// authenticated customer.
func (a *API) createPortalSessionHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r.Context())
	if !ok {
		errors.ErrUnauthorized.Write(w)
		return
	}
	session, err := a.stripe.CreatePortalSession(customer, a.webAppURL)
	if err != nil {
		errors.ErrStripeError.Withf("cannot create customer portal session: %v", err).Write(w)
		return
	}
	httpWriteJSON(w, &CheckoutResponse{URL: session.URL})
}

// plansHandler lists the purchasable subscription tiers.
func (a *API) plansHandler(w http.ResponseWriter, _ *http.Request) {
	tiers := a.stripe.Tiers()
	plans := make([]*PlanInfo, 0, len(tiers))
	for _, t := range tiers {
		plans = append(plans, &PlanInfo{
			Tier:           t.Tier,
			PriceID:        t.PriceID,
			MonthlyCredits: t.MonthlyCredits,
		})
	}
	httpWriteJSON(w, plans)
}
