package migrations

import (
	"context"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func init() {
	AddMigration(1, "initial_collections", upInitialCollections, downInitialCollections)
}

var collectionsToCreate = []string{
	"customers",
	"webhookEvents",
	"creditTransactions",
	"migrations",
}

func upInitialCollections(ctx context.Context, database *mongo.Database) error {
	existing, err := listCollectionsInDB(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collectionsToCreate {
		if slices.Contains(existing, name) {
			continue
		}
		if err := database.CreateCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	return nil
}

func downInitialCollections(ctx context.Context, database *mongo.Database) error {
	existing, err := listCollectionsInDB(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collectionsToCreate {
		if name == "migrations" {
			continue
		}
		if !slices.Contains(existing, name) {
			continue
		}
		if err := database.Collection(name).Drop(ctx); err != nil {
			return fmt.Errorf("failed to drop collection %s: %w", name, err)
		}
	}
	return nil
}

// listCollectionsInDB returns the names of the collections in the given
// database.
func listCollectionsInDB(ctx context.Context, database *mongo.Database) ([]string, error) {
	cursor, err := database.ListCollections(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()
	var names []string
	for cursor.Next(ctx) {
		var col struct {
			Name string `bson:"name"`
		}
		if err := cursor.Decode(&col); err != nil {
			return nil, err
		}
		names = append(names, col.Name)
	}
	return names, cursor.Err()
}
