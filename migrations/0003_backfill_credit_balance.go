package migrations

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func init() {
	AddMigration(3, "backfill_credit_balance", upBackfillCreditBalance, downBackfillCreditBalance)
}

// upBackfillCreditBalance computes the cached creditBalance field from the
// ledger for customers created before the cache existed. The balance of a
// customer is the sum of its ledger amounts, debits being negative.
func upBackfillCreditBalance(ctx context.Context, database *mongo.Database) error {
	customers := database.Collection("customers")
	creditTransactions := database.Collection("creditTransactions")

	cursor, err := customers.Find(ctx, bson.M{"creditBalance": bson.M{"$exists": false}})
	if err != nil {
		return fmt.Errorf("failed to find customers without cached balance: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	backfilled := 0
	for cursor.Next(ctx) {
		var customer struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&customer); err != nil {
			return err
		}
		sumCursor, err := creditTransactions.Aggregate(ctx, mongo.Pipeline{
			bson.D{{Key: "$match", Value: bson.M{"customerID": customer.ID}}},
			bson.D{{Key: "$group", Value: bson.M{
				"_id":   nil,
				"total": bson.M{"$sum": "$amount"},
			}}},
		})
		if err != nil {
			return fmt.Errorf("failed to sum ledger for customer %s: %w", customer.ID, err)
		}
		var totals []struct {
			Total int64 `bson:"total"`
		}
		if err := sumCursor.All(ctx, &totals); err != nil {
			return err
		}
		var balance int64
		if len(totals) > 0 {
			balance = totals[0].Total
		}
		if _, err := customers.UpdateOne(ctx,
			bson.M{"_id": customer.ID},
			bson.M{"$set": bson.M{"creditBalance": balance}},
		); err != nil {
			return fmt.Errorf("failed to set balance for customer %s: %w", customer.ID, err)
		}
		backfilled++
	}
	if err := cursor.Err(); err != nil {
		return err
	}
	log.Info().Int("customers", backfilled).Msg("backfilled cached credit balances")
	return nil
}

func downBackfillCreditBalance(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection("customers").UpdateMany(ctx,
		bson.M{},
		bson.M{"$unset": bson.M{"creditBalance": ""}},
	)
	return err
}
