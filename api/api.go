// Package api provides the HTTP API for the billing backend: the public
// webhook intake, the checkout and portal surface, and the customer-facing
// credit endpoints.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/jwtauth/v5"
	"github.com/rs/zerolog/log"

	"github.com/billforge/billing-backend/credits"
	"github.com/billforge/billing-backend/db"
	"github.com/billforge/billing-backend/notifications"
	"github.com/billforge/billing-backend/stripe"
)

type Config struct {
	Host        string
	Port        int
	Secret      string
	DB          *db.MongoStorage
	Stripe      *stripe.Service
	Credits     *credits.Service
	MailService notifications.NotificationService
	WebAppURL   string
}

// API type represents the API HTTP server with JWT authentication capabilities.
type API struct {
	db        *db.MongoStorage
	auth      *jwtauth.JWTAuth
	host      string
	port      int
	router    *chi.Mux
	stripe    *stripe.Service
	credits   *credits.Service
	mail      notifications.NotificationService
	webAppURL string
}

// New creates a new API HTTP server. It does not start the server. Use Start() for that.
func New(conf *Config) *API {
	if conf == nil {
		return nil
	}
	return &API{
		db:        conf.DB,
		auth:      jwtauth.New("HS256", []byte(conf.Secret), nil),
		host:      conf.Host,
		port:      conf.Port,
		stripe:    conf.Stripe,
		credits:   conf.Credits,
		mail:      conf.MailService,
		webAppURL: conf.WebAppURL,
	}
}

// Start starts the API HTTP server (non blocking).
func (a *API) Start() {
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", a.host, a.port), a.initRouter()); err != nil {
			log.Fatal().Err(err).Msg("failed to start the API server")
		}
	}()
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Throttle(100))
	r.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	r.Use(middleware.Timeout(45 * time.Second))

	// protected routes
	r.Group(func(r chi.Router) {
		// seek, verify and validate JWT tokens
		r.Use(jwtauth.Verifier(a.auth))
		// handle valid JWT tokens
		r.Use(a.authenticator)
		// create a subscription checkout session
		log.Info().Str("method", "POST").Str("path", subscriptionsCheckoutEndpoint).Msg("new route")
		r.Post(subscriptionsCheckoutEndpoint, a.createSubscriptionCheckoutHandler)
		// get checkout session status
		log.Info().Str("method", "GET").Str("path", subscriptionsCheckoutSessionEndpoint).Msg("new route")
		r.Get(subscriptionsCheckoutSessionEndpoint, a.checkoutSessionHandler)
		// create a billing portal session
		log.Info().Str("method", "GET").Str("path", subscriptionsPortalEndpoint).Msg("new route")
		r.Get(subscriptionsPortalEndpoint, a.createPortalSessionHandler)
		// get the credit balance
		log.Info().Str("method", "GET").Str("path", creditsEndpoint).Msg("new route")
		r.Get(creditsEndpoint, a.creditBalanceHandler)
		// list credit transactions
		log.Info().Str("method", "GET").Str("path", creditsTransactionsEndpoint).Msg("new route")
		r.Get(creditsTransactionsEndpoint, a.creditTransactionsHandler)
		// consume credits
		log.Info().Str("method", "POST").Str("path", creditsConsumeEndpoint).Msg("new route")
		r.Post(creditsConsumeEndpoint, a.consumeCreditsHandler)
		// create a credit pack checkout session
		log.Info().Str("method", "POST").Str("path", creditsCheckoutEndpoint).Msg("new route")
		r.Post(creditsCheckoutEndpoint, a.createCreditCheckoutHandler)
	})

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			if _, err := w.Write([]byte(".")); err != nil {
				log.Warn().Err(err).Msg("failed to write ping response")
			}
		})
		// handle stripe webhook
		log.Info().Str("method", "POST").Str("path", subscriptionsWebhookEndpoint).Msg("new route")
		r.Post(subscriptionsWebhookEndpoint, a.handleWebhook)
		// list the available plans
		log.Info().Str("method", "GET").Str("path", plansEndpoint).Msg("new route")
		r.Get(plansEndpoint, a.plansHandler)
	})
	a.router = r
	return r
}
