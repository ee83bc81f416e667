package db

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AddCredits appends a positive ledger row for the customer and returns the
// resulting balance. The cached balance on the customer document and the
// ledger row are written inside the same transaction, so they cannot drift.
// When externalRef is non-empty and a row with the same reference already
// exists, the whole transaction aborts with ErrAlreadyExists and no credit
// is applied: this is what makes purchase fulfillment idempotent per payment
// reference even across redeliveries that slip past the event dedup gate.
func (ms *MongoStorage) AddCredits(
	customerID string, amount int64, kind TransactionKind, description, externalRef string,
) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidData
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var newBalance int64
	err := ms.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		updated, err := ms.adjustBalance(sessCtx, customerID, amount)
		if err != nil {
			return err
		}
		newBalance = updated.CreditBalance
		return ms.appendTransaction(sessCtx, &CreditTransaction{
			CustomerID:   customerID,
			Amount:       amount,
			BalanceAfter: newBalance,
			Kind:         kind,
			Description:  description,
			ExternalRef:  externalRef,
		})
	})
	if err != nil {
		return 0, unwrapLedgerErr(err)
	}
	return newBalance, nil
}

// SpendCredits appends a negative ledger row for the customer and returns the
// resulting balance. The balance check and the append are a single atomic
// operation: the conditional update only matches when the cached balance
// covers the amount, so concurrent debits can never jointly overdraw.
func (ms *MongoStorage) SpendCredits(customerID string, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidData
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var newBalance int64
	err := ms.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		filter := bson.M{"_id": customerID, "creditBalance": bson.M{"$gte": amount}}
		update := bson.M{
			"$inc": bson.M{"creditBalance": -amount},
			"$set": bson.M{"updatedAt": time.Now()},
		}
		updated := &Customer{}
		if err := ms.customers.FindOneAndUpdate(sessCtx, filter, update, opts).Decode(updated); err != nil {
			if err != mongo.ErrNoDocuments {
				return err
			}
			// no match: either the customer is missing or the balance is short
			if err := ms.customers.FindOne(sessCtx, bson.M{"_id": customerID}).Err(); err == mongo.ErrNoDocuments {
				return ErrNotFound
			}
			return ErrInsufficientFunds
		}
		newBalance = updated.CreditBalance
		return ms.appendTransaction(sessCtx, &CreditTransaction{
			CustomerID:   customerID,
			Amount:       -amount,
			BalanceAfter: newBalance,
			Kind:         TxKindUsage,
			Description:  description,
		})
	})
	if err != nil {
		return 0, unwrapLedgerErr(err)
	}
	return newBalance, nil
}

// CreditBalance returns the resulting balance of the customer's most recent
// ledger row, or zero if the customer has no transactions.
func (ms *MongoStorage) CreditBalance(customerID string) (int64, error) {
	ms.keysLock.RLock()
	defer ms.keysLock.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	tx := &CreditTransaction{}
	err := ms.creditTransactions.FindOne(ctx, bson.M{"customerID": customerID}, opts).Decode(tx)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tx.BalanceAfter, nil
}

// CreditTransactions returns a page of the customer's ledger, most recent
// first. Page numbering starts at zero.
func (ms *MongoStorage) CreditTransactions(customerID string, page, pageSize int64) ([]*CreditTransaction, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}
	if page < 0 {
		page = 0
	}
	ms.keysLock.RLock()
	defer ms.keysLock.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(page * pageSize).
		SetLimit(pageSize)
	cursor, err := ms.creditTransactions.Find(ctx, bson.M{"customerID": customerID}, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()
	var txs []*CreditTransaction
	if err := cursor.All(ctx, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// CreditTransactionByRef returns the ledger row recorded for the given
// external payment reference, or ErrNotFound.
func (ms *MongoStorage) CreditTransactionByRef(externalRef string) (*CreditTransaction, error) {
	ms.keysLock.RLock()
	defer ms.keysLock.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx := &CreditTransaction{}
	err := ms.creditTransactions.FindOne(ctx, bson.M{"externalRef": externalRef}).Decode(tx)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// adjustBalance applies a signed delta to the customer's cached balance and
// returns the updated document. The customer must exist.
func (ms *MongoStorage) adjustBalance(sessCtx mongo.SessionContext, customerID string, delta int64) (*Customer, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	update := bson.M{
		"$inc": bson.M{"creditBalance": delta},
		"$set": bson.M{"updatedAt": time.Now()},
	}
	updated := &Customer{}
	if err := ms.customers.FindOneAndUpdate(sessCtx, bson.M{"_id": customerID}, update, opts).Decode(updated); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return updated, nil
}

// appendTransaction inserts an immutable ledger row. Duplicate externalRef
// values abort the enclosing transaction with ErrAlreadyExists.
func (ms *MongoStorage) appendTransaction(sessCtx mongo.SessionContext, tx *CreditTransaction) error {
	tx.ID = primitive.NewObjectID().Hex()
	tx.CreatedAt = time.Now()
	if _, err := ms.creditTransactions.InsertOne(sessCtx, tx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// unwrapLedgerErr strips the transaction wrapper from the well-known ledger
// sentinels so callers can compare against them directly.
func unwrapLedgerErr(err error) error {
	for _, sentinel := range []error{ErrInsufficientFunds, ErrAlreadyExists, ErrNotFound, ErrInvalidData} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return err
}
