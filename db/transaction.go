package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// WithTransaction executes the provided function within a MongoDB transaction.
// It handles starting, committing, and aborting the transaction as needed.
// The function passed should use the provided session context for all MongoDB
// operations.
func (ms *MongoStorage) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := ms.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	txnFn := func(sessCtx mongo.SessionContext) (any, error) {
		if err := fn(sessCtx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	txnCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := session.WithTransaction(txnCtx, txnFn); err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	return nil
}
