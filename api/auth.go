package api

import (
	"context"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/billforge/billing-backend/db"
	"github.com/billforge/billing-backend/errors"
)

// contextKey is the type used for context values set by the API middleware.
type contextKey string

// customerContextKey holds the authenticated *db.Customer of the request.
const customerContextKey contextKey = "customer"

// authenticator validates the JWT token of the request, loads the customer
// referenced by its customerId claim and stores it in the request context for
// the next handlers.
func (a *API) authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			errors.ErrUnauthorized.Write(w)
			return
		}
		if token == nil || jwt.Validate(token, jwt.WithRequiredClaim("customerId")) != nil {
			errors.ErrUnauthorized.Withf("customerId claim not found in JWT token").Write(w)
			return
		}
		customerID, ok := claims["customerId"].(string)
		if !ok || customerID == "" {
			errors.ErrUnauthorized.Withf("invalid customerId claim").Write(w)
			return
		}
		customer, err := a.db.Customer(customerID)
		if err != nil {
			errors.ErrUnauthorized.Withf("customer %s not found", customerID).Write(w)
			return
		}
		ctx := context.WithValue(r.Context(), customerContextKey, customer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// customerFromContext retrieves the authenticated customer from the context
// provided, expected to be the context of a request handled by the
// authenticator middleware.
func customerFromContext(ctx context.Context) (*db.Customer, bool) {
	customer, ok := ctx.Value(customerContextKey).(*db.Customer)
	return customer, ok
}
