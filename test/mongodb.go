// Package test provides testing utilities for the billing backend service,
// including test containers for MongoDB and mail services.
package test

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// StartMongoContainer starts a throwaway single-node MongoDB replica set for
// integration tests. A replica set is required because the ledger writes use
// multi-document transactions. The caller owns the container and must
// terminate it when done.
func StartMongoContainer(ctx context.Context) (*mongodb.MongoDBContainer, error) {
	return mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
}

// RandomDatabaseName returns a unique database name, so test packages
// sharing one MongoDB container never collide.
func RandomDatabaseName() string {
	return "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
