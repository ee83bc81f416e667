package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Customer returns the customer with the given local ID. If the customer
// doesn't exist, it returns ErrNotFound.
func (ms *MongoStorage) Customer(id string) (*Customer, error) {
	ms.keysLock.RLock()
	defer ms.keysLock.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ms.fetchCustomer(ctx, bson.M{"_id": id})
}

// CustomerByStripeID returns the customer associated with the given provider
// customer reference. If no customer is associated, it returns ErrNotFound.
func (ms *MongoStorage) CustomerByStripeID(stripeCustomerID string) (*Customer, error) {
	ms.keysLock.RLock()
	defer ms.keysLock.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ms.fetchCustomer(ctx, bson.M{"stripeCustomerID": stripeCustomerID})
}

// CustomerByEmail returns the customer with the given email address.
func (ms *MongoStorage) CustomerByEmail(email string) (*Customer, error) {
	ms.keysLock.RLock()
	defer ms.keysLock.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ms.fetchCustomer(ctx, bson.M{"email": email})
}

func (ms *MongoStorage) fetchCustomer(ctx context.Context, filter bson.M) (*Customer, error) {
	result := ms.customers.FindOne(ctx, filter)
	customer := &Customer{}
	if err := result.Decode(customer); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return customer, nil
}

// SetCustomer creates or updates the customer in the database. Only the
// fields that have changed are written. The creditBalance field is never
// written through this method: the ledger operations own it.
func (ms *MongoStorage) SetCustomer(customer *Customer) error {
	if customer.ID == "" {
		return ErrInvalidData
	}
	ms.keysLock.Lock()
	defer ms.keysLock.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	customer.UpdatedAt = time.Now()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = customer.UpdatedAt
	}
	// subscription fields must be written even when the new value is a
	// zero-ish one (flag cleared, subscription reference removed on deletion)
	updateDoc, err := dynamicUpdateDocument(customer,
		[]string{"subscriptionStatus", "cancelAtPeriodEnd", "stripeSubscriptionID"})
	if err != nil {
		return err
	}
	if set, ok := updateDoc["$set"].(bson.M); ok {
		delete(set, "creditBalance")
	}
	opts := options.Update().SetUpsert(true)
	if _, err := ms.customers.UpdateOne(ctx, bson.M{"_id": customer.ID}, updateDoc, opts); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// DelCustomer removes the customer and its ledger rows from the database.
func (ms *MongoStorage) DelCustomer(customer *Customer) error {
	ms.keysLock.Lock()
	defer ms.keysLock.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ms.customers.DeleteOne(ctx, bson.M{"_id": customer.ID}); err != nil {
		return err
	}
	_, err := ms.creditTransactions.DeleteMany(ctx, bson.M{"customerID": customer.ID})
	return err
}
