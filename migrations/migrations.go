// Package migrations holds the ordered schema migrations for the billing
// database. Each migration registers itself in an init function; the db
// package applies the pending ones at startup.
package migrations

import (
	"context"
	"maps"
	"sort"

	"go.mongodb.org/mongo-driver/mongo"
)

// MigrationFunc applies or rolls back one schema change.
type MigrationFunc func(ctx context.Context, database *mongo.Database) error

// Migration is a single versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      MigrationFunc
	Down    MigrationFunc
}

var registry = make(map[int]Migration)

// AddMigration registers a migration under its version number.
func AddMigration(version int, name string, up, down MigrationFunc) {
	registry[version] = Migration{
		Version: version,
		Name:    name,
		Up:      up,
		Down:    down,
	}
}

// SortedByVersionAsc returns all registered migrations, oldest first.
func SortedByVersionAsc() []Migration {
	migs := make([]Migration, 0, len(registry))
	for _, mig := range registry {
		migs = append(migs, mig)
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs
}

// AsMap returns a copy of the registry keyed by version.
func AsMap() map[int]Migration {
	return maps.Clone(registry)
}
