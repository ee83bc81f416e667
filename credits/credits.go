// Package credits provides the credit ledger service. Balances are never
// stored as a mutable counter alone: every change appends an immutable
// transaction, and the running balance is carried on each entry.
package credits

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/billforge/billing-backend/db"
)

// Store is the persistence surface the ledger service depends on. It is
// implemented by *db.MongoStorage.
type Store interface {
	Customer(id string) (*db.Customer, error)
	AddCredits(customerID string, amount int64, kind db.TransactionKind, description, externalRef string) (int64, error)
	SpendCredits(customerID string, amount int64, description string) (int64, error)
	CreditBalance(customerID string) (int64, error)
	CreditTransactions(customerID string, page, pageSize int64) ([]*db.CreditTransaction, error)
}

// Service exposes the credit ledger operations.
type Service struct {
	store Store
}

// NewService creates a new credit ledger service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Service{store: store}, nil
}

// Credit grants credits to a customer and returns the balance after the
// grant. The amount must be positive. A non-empty externalRef makes the grant
// idempotent per reference: a repeated grant fails with db.ErrAlreadyExists.
func (s *Service) Credit(customerID string, amount int64, kind db.TransactionKind, description, externalRef string) (int64, error) {
	if amount <= 0 {
		return 0, db.ErrInvalidData
	}
	balance, err := s.store.AddCredits(customerID, amount, kind, description, externalRef)
	if err != nil {
		return 0, err
	}
	log.Debug().Str("customerID", customerID).Int64("amount", amount).Int64("balance", balance).
		Str("kind", string(kind)).Msg("credits granted")
	return balance, nil
}

// Debit spends credits from a customer's balance and returns the balance
// after the spend. The check against the current balance and the ledger
// append happen in one atomic operation, so concurrent debits can never
// overdraw; a debit exceeding the balance fails with db.ErrInsufficientFunds
// and leaves no trace in the ledger.
func (s *Service) Debit(customerID string, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, db.ErrInvalidData
	}
	balance, err := s.store.SpendCredits(customerID, amount, description)
	if err != nil {
		return 0, err
	}
	log.Debug().Str("customerID", customerID).Int64("amount", amount).Int64("balance", balance).
		Msg("credits spent")
	return balance, nil
}

// FulfillPurchase grants a purchased credit pack exactly once per external
// payment reference. A second fulfillment with the same reference returns the
// current balance without appending anything.
func (s *Service) FulfillPurchase(customerID string, credits int64, externalRef string) (int64, error) {
	if credits <= 0 || externalRef == "" {
		return 0, db.ErrInvalidData
	}
	balance, err := s.store.AddCredits(customerID, credits, db.TxKindPurchase,
		"credit pack purchase", externalRef)
	if err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			log.Debug().Str("externalRef", externalRef).Msg("purchase already fulfilled")
			return s.store.CreditBalance(customerID)
		}
		return 0, err
	}
	return balance, nil
}

// Balance returns the customer's current credit balance. A customer with no
// ledger activity has a zero balance.
func (s *Service) Balance(customerID string) (int64, error) {
	if _, err := s.store.Customer(customerID); err != nil {
		return 0, err
	}
	return s.store.CreditBalance(customerID)
}

// Transactions returns a page of the customer's ledger, most recent first.
func (s *Service) Transactions(customerID string, page, pageSize int64) ([]*db.CreditTransaction, error) {
	if _, err := s.store.Customer(customerID); err != nil {
		return nil, err
	}
	return s.store.CreditTransactions(customerID, page, pageSize)
}
