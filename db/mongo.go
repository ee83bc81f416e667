// Package db provides the MongoDB persistence layer for customers, processed
// webhook events and the credit ledger.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStorage uses an external MongoDB service for storing customers, the
// processed-event set and the credit ledger.
type MongoStorage struct {
	client   *mongo.Client
	database string
	keysLock sync.RWMutex

	customers          *mongo.Collection
	webhookEvents      *mongo.Collection
	creditTransactions *mongo.Collection
	migrations         *mongo.Collection
}

// New connects to the MongoDB server and initializes the collections and
// their indexes. It returns an error if the connection or the ping fails.
func New(url, database string) (*MongoStorage, error) {
	if url == "" {
		return nil, fmt.Errorf("mongo URL is not defined")
	}
	if database == "" {
		return nil, fmt.Errorf("mongo database is not defined")
	}
	log.Info().Str("url", url).Str("database", database).Msg("connecting to mongodb")
	opts := options.Client()
	opts.ApplyURI(url)
	opts.SetMaxConnecting(200)
	timeout := time.Second * 10
	opts.ConnectTimeout = &timeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongodb: %w", err)
	}
	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("cannot connect to mongodb: %w", err)
	}
	ms := &MongoStorage{
		client:   client,
		database: database,
	}
	if err := ms.initCollections(database); err != nil {
		return nil, err
	}
	if err := ms.RunMigrationsUp(); err != nil {
		return nil, err
	}
	return ms, nil
}

// Close disconnects the client from the MongoDB server.
func (ms *MongoStorage) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ms.client.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to disconnect from mongodb")
	}
}

// Reset drops all the collections and recreates the indexes. Intended for
// tests only.
func (ms *MongoStorage) Reset() error {
	log.Info().Msg("resetting database")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, col := range []*mongo.Collection{ms.customers, ms.webhookEvents, ms.creditTransactions} {
		if err := col.Drop(ctx); err != nil {
			return err
		}
	}
	if err := ms.initCollections(ms.database); err != nil {
		return err
	}
	return ms.createIndexes()
}
