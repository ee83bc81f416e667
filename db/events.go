package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// HasWebhookEvent reports whether the event with the given provider ID has
// already been processed.
func (ms *MongoStorage) HasWebhookEvent(eventID string) (bool, error) {
	ms.keysLock.RLock()
	defer ms.keysLock.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := ms.webhookEvents.FindOne(ctx, bson.M{"_id": eventID}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkWebhookEventProcessed records the event as processed. The event ID is
// the collection key, so a concurrent delivery of the same event can commit
// the record at most once: the loser gets ErrAlreadyExists.
func (ms *MongoStorage) MarkWebhookEventProcessed(eventID, eventType string) error {
	ms.keysLock.Lock()
	defer ms.keysLock.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := ms.webhookEvents.InsertOne(ctx, &WebhookEvent{
		ID:          eventID,
		Type:        eventType,
		ProcessedAt: time.Now(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return err
}
