package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/billforge/billing-backend/migrations"
)

// MigrationRecord represents a migration record stored in MongoDB
type MigrationRecord struct {
	Version   int       `bson:"version"`
	AppliedAt time.Time `bson:"applied_at"`
}

// RunMigrationsUp executes all pending database migrations
func (ms *MongoStorage) RunMigrationsUp() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	lastMigration, err := lastAppliedMigration(ctx, ms.migrations)
	if err != nil {
		return fmt.Errorf("failed to get last applied migration: %w", err)
	}

	migs := migrations.SortedByVersionAsc()
	if len(migs) == 0 || migs[len(migs)-1].Version == lastMigration {
		log.Debug().Msg("database is up-to-date, no need to migrate")
		return nil
	}

	log.Info().
		Int("migrationsAvailable", len(migs)).
		Int("lastAppliedMigration", lastMigration).
		Msg("starting database migrations")

	for _, migration := range migs {
		if migration.Version <= lastMigration {
			continue
		}
		log.Info().
			Int("version", migration.Version).
			Str("name", migration.Name).
			Msg("applying migration")
		if err := migration.Up(ctx, ms.client.Database(ms.database)); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		record := MigrationRecord{
			Version:   migration.Version,
			AppliedAt: time.Now(),
		}
		if _, err := ms.migrations.InsertOne(ctx, record); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}

	log.Info().Msg("database migrations completed")
	return nil
}

// RunMigrationsDown rolls back the last applied migrations, newest first.
// A non-positive steps rolls back everything.
func (ms *MongoStorage) RunMigrationsDown(steps int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	lastMigration, err := lastAppliedMigration(ctx, ms.migrations)
	if err != nil {
		return fmt.Errorf("failed to get last applied migration: %w", err)
	}
	if steps <= 0 || steps > lastMigration {
		steps = lastMigration
	}

	registry := migrations.AsMap()
	for version := lastMigration; version > lastMigration-steps; version-- {
		migration, exists := registry[version]
		if !exists {
			return fmt.Errorf("migration %d not found in registry", version)
		}
		log.Info().
			Int("version", migration.Version).
			Str("name", migration.Name).
			Msg("rolling back migration")
		if err := migration.Down(ctx, ms.client.Database(ms.database)); err != nil {
			return fmt.Errorf("failed to rollback migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		if _, err := ms.migrations.DeleteOne(ctx, bson.M{"version": version}); err != nil {
			return fmt.Errorf("failed to remove migration record %d: %w", version, err)
		}
	}
	return nil
}

// lastAppliedMigration returns the highest applied migration version, or
// zero when the database is fresh.
func lastAppliedMigration(ctx context.Context, collection *mongo.Collection) (int, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var record MigrationRecord
	err := collection.FindOne(ctx, bson.M{}, opts).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read migration records: %w", err)
	}
	return record.Version, nil
}
