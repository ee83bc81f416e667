package migrations

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func init() {
	AddMigration(2, "initial_indexes", upInitialIndexes, downInitialIndexes)
}

func upInitialIndexes(ctx context.Context, database *mongo.Database) error {
	customers := database.Collection("customers")
	creditTransactions := database.Collection("creditTransactions")

	// each Stripe customer maps to at most one local customer
	if _, err := customers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stripeCustomerID", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	}); err != nil {
		return fmt.Errorf("failed to create index on stripeCustomerID for customers: %w", err)
	}
	if _, err := customers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create index on email for customers: %w", err)
	}

	// ledger listings read newest-first per customer
	if _, err := creditTransactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "customerID", Value: 1},
			{Key: "createdAt", Value: -1},
		},
	}); err != nil {
		return fmt.Errorf("failed to create index on (customerID, createdAt) for creditTransactions: %w", err)
	}

	// the unique external payment reference makes purchase fulfillment
	// idempotent at the storage level
	if _, err := creditTransactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "externalRef", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	}); err != nil {
		return fmt.Errorf("failed to create index on externalRef for creditTransactions: %w", err)
	}
	return nil
}

func downInitialIndexes(ctx context.Context, database *mongo.Database) error {
	for _, col := range []string{"customers", "creditTransactions"} {
		if _, err := database.Collection(col).Indexes().DropAll(ctx); err != nil {
			return fmt.Errorf("failed to drop indexes for %s: %w", col, err)
		}
	}
	return nil
}
