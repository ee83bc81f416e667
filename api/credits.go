package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/billforge/billing-backend/db"
	"github.com/billforge/billing-backend/errors"
)

const defaultTransactionsPageSize = 50

// creditBalanceHandler returns the current credit balance of the
// authenticated customer.
func (a *API) creditBalanceHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r.Context())
	if !ok {
		errors.ErrUnauthorized.Write(w)
		return
	}
	balance, err := a.credits.Balance(customer.ID)
	if err != nil {
		errors.ErrGenericInternalServerError.Withf("cannot get balance: %v", err).Write(w)
		return
	}
	httpWriteJSON(w, &BalanceResponse{Balance: balance})
}

// creditTransactionsHandler returns a page of the authenticated customer's
// credit ledger, most recent first. The page is selected with the `page`
// query parameter, starting at 0.
func (a *API) creditTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r.Context())
	if !ok {
		errors.ErrUnauthorized.Write(w)
		return
	}
	var page int64
	if rawPage := r.URL.Query().Get("page"); rawPage != "" {
		var err error
		if page, err = strconv.ParseInt(rawPage, 10, 64); err != nil || page < 0 {
			errors.ErrMalformedURLParam.Withf("invalid page").Write(w)
			return
		}
	}
	transactions, err := a.credits.Transactions(customer.ID, page, defaultTransactionsPageSize)
	if err != nil {
		errors.ErrGenericInternalServerError.Withf("cannot list transactions: %v", err).Write(w)
		return
	}
	httpWriteJSON(w, &TransactionsResponse{Transactions: transactions, Page: page})
}

// consumeCreditsHandler spends credits from the authenticated customer's
// balance. A debit exceeding the balance is rejected with a payment required
// status and leaves the ledger untouched.
func (a *API) consumeCreditsHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r.Context())
	if !ok {
		errors.ErrUnauthorized.Write(w)
		return
	}
	request := &ConsumeCreditsRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		errors.ErrMalformedBody.Write(w)
		return
	}
	if request.Amount <= 0 {
		errors.ErrInvalidAmount.Withf("amount must be positive").Write(w)
		return
	}

	balance, err := a.credits.Debit(customer.ID, request.Amount, request.Description)
	if err != nil {
		switch {
		case stderrors.Is(err, db.ErrInsufficientFunds):
			errors.ErrInsufficientBalance.Withf("balance too low for %d credits", request.Amount).Write(w)
		case stderrors.Is(err, db.ErrNotFound):
			errors.ErrCustomerNotFound.Write(w)
		case stderrors.Is(err, db.ErrInvalidData):
			errors.ErrInvalidAmount.Write(w)
		default:
			errors.ErrGenericInternalServerError.Withf("cannot consume credits: %v", err).Write(w)
		}
		return
	}
	httpWriteJSON(w, &BalanceResponse{Balance: balance})
}

// createCreditCheckoutHandler creates a checkout session for a credit pack
// purchase. The credits are granted by the webhook once the payment settles,
// not by this handler.
func (a *API) createCreditCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r.Context())
	if !ok {
		errors.ErrUnauthorized.Write(w)
		return
	}
	request := &CreditCheckoutRequest{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		errors.ErrMalformedBody.Write(w)
		return
	}
	if request.PackSize <= 0 {
		errors.ErrInvalidAmount.Withf("packSize must be positive").Write(w)
		return
	}

	session, err := a.stripe.CreateCreditCheckout(request.PackSize, request.ReturnURL, customer)
	if err != nil {
		errors.ErrStripeError.Withf("cannot create session: %v", err).Write(w)
		return
	}
	httpWriteJSON(w, &CheckoutResponse{
		ClientSecret: session.ClientSecret,
		SessionID:    session.ID,
		URL:          session.URL,
	})
}
