package db

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// initCollections creates the collections in the MongoDB database if they
// don't exist yet.
func (ms *MongoStorage) initCollections(database string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	currentCollections, err := ms.collectionNames(ctx, database)
	if err != nil {
		return err
	}
	getCollection := func(name string) (*mongo.Collection, error) {
		exists := false
		for _, c := range currentCollections {
			if c == name {
				exists = true
				break
			}
		}
		if !exists {
			if err := ms.client.Database(database).CreateCollection(ctx, name); err != nil {
				return nil, err
			}
		}
		return ms.client.Database(database).Collection(name), nil
	}
	if ms.customers, err = getCollection("customers"); err != nil {
		return err
	}
	if ms.webhookEvents, err = getCollection("webhookEvents"); err != nil {
		return err
	}
	if ms.creditTransactions, err = getCollection("creditTransactions"); err != nil {
		return err
	}
	if ms.migrations, err = getCollection("migrations"); err != nil {
		return err
	}
	return nil
}

// collectionNames returns the names of the collections in the given database.
func (ms *MongoStorage) collectionNames(ctx context.Context, database string) ([]string, error) {
	cursor, err := ms.client.Database(database).ListCollections(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()
	var names []string
	for cursor.Next(ctx) {
		var result struct {
			Name string `bson:"name"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, err
		}
		names = append(names, result.Name)
	}
	return names, cursor.Err()
}

// createIndexes creates the indexes the queries rely on. The unique sparse
// index on externalRef is what makes credit-purchase fulfillment idempotent
// at the storage level.
func (ms *MongoStorage) createIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := ms.customers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stripeCustomerID", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
		},
	}); err != nil {
		return fmt.Errorf("failed to create customers indexes: %w", err)
	}

	if _, err := ms.creditTransactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "customerID", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "externalRef", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	}); err != nil {
		return fmt.Errorf("failed to create creditTransactions indexes: %w", err)
	}

	return nil
}

// dynamicUpdateDocument creates a BSON update document from a struct, including
// only non-zero fields. It uses reflection to iterate over the struct fields.
// The struct fields must have a bson tag to be included in the update document.
// The _id field is skipped.
func dynamicUpdateDocument(item any, alwaysUpdateTags []string) (bson.M, error) {
	val := reflect.ValueOf(item)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if !val.IsValid() || val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input must be a valid struct")
	}
	update := bson.M{}
	typ := val.Type()
	alwaysUpdateMap := make(map[string]bool, len(alwaysUpdateTags))
	for _, tag := range alwaysUpdateTags {
		alwaysUpdateMap[tag] = true
	}
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanInterface() {
			continue
		}
		tag := typ.Field(i).Tag.Get("bson")
		if tag == "" || tag == "-" || tag == "_id" {
			continue
		}
		// strip bson tag options such as omitempty
		for j := 0; j < len(tag); j++ {
			if tag[j] == ',' {
				tag = tag[:j]
				break
			}
		}
		_, alwaysUpdate := alwaysUpdateMap[tag]
		if alwaysUpdate || !reflect.DeepEqual(field.Interface(), reflect.Zero(field.Type()).Interface()) {
			update[tag] = field.Interface()
		}
	}
	return bson.M{"$set": update}, nil
}
