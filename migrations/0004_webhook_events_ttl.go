package migrations

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func init() {
	AddMigration(4, "webhook_events_ttl", upWebhookEventsTTL, downWebhookEventsTTL)
}

// ninetyDaysSeconds is well past the window in which Stripe retries a failed
// delivery, so expiring processed events does not reopen the dedup window.
const ninetyDaysSeconds = 90 * 24 * 60 * 60

func upWebhookEventsTTL(ctx context.Context, database *mongo.Database) error {
	if _, err := database.Collection("webhookEvents").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "processedAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ninetyDaysSeconds),
	}); err != nil {
		return fmt.Errorf("failed to create TTL index for webhookEvents: %w", err)
	}
	return nil
}

func downWebhookEventsTTL(ctx context.Context, database *mongo.Database) error {
	if _, err := database.Collection("webhookEvents").Indexes().DropOne(ctx, "processedAt_1"); err != nil {
		return fmt.Errorf("failed to drop TTL index for webhookEvents: %w", err)
	}
	return nil
}
