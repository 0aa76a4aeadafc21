// mongo.go - MongoDB cache backend, selected when MONGO_URI is set

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
)

// MongoStore keeps cache entries in a single collection keyed by
// fingerprint. Put upserts, so re-caching a fingerprint overwrites in
// place instead of accumulating duplicates.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// OpenMongo connects, pings, and binds the cache collection.
func OpenMongo(ctx context.Context, uri, dbName, collectionName string, logger *slog.Logger) (*MongoStore, error) {
	logger = logging.WithComponent(logger, "mongo")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	logger.Info("connected to MongoDB", "database", dbName, "collection", collectionName)
	return &MongoStore{
		client:     client,
		collection: client.Database(dbName).Collection(collectionName),
		logger:     logger,
	}, nil
}

// Get returns the cached entry for a fingerprint, or (nil, nil) on a miss.
func (s *MongoStore) Get(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var entry CacheEntry
	err := s.collection.FindOne(queryCtx, bson.M{"fingerprint": fingerprint}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	return &entry, nil
}

// Put upserts the entry by fingerprint.
func (s *MongoStore) Put(ctx context.Context, entry *CacheEntry) error {
	if entry == nil || entry.Fingerprint == "" {
		return fmt.Errorf("cache entry must have a fingerprint")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.collection.ReplaceOne(writeCtx,
		bson.M{"fingerprint": entry.Fingerprint},
		entry,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// List returns all entries ordered by fingerprint.
func (s *MongoStore) List(ctx context.Context) ([]*CacheEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cursor, err := s.collection.Find(queryCtx, bson.M{},
		options.Find().SetSort(bson.M{"fingerprint": 1}))
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer cursor.Close(queryCtx)

	var entries []*CacheEntry
	if err := cursor.All(queryCtx, &entries); err != nil {
		return nil, fmt.Errorf("decode cache entries: %w", err)
	}
	return entries, nil
}

// Clear drops every entry in the collection.
func (s *MongoStore) Clear(ctx context.Context) error {
	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := s.collection.DeleteMany(writeCtx, bson.M{})
	if err != nil {
		return fmt.Errorf("clear cache collection: %w", err)
	}
	s.logger.Info("cache cleared", "deleted", result.DeletedCount)
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.Disconnect(disconnectCtx)
}

// Open picks the backend for the configured cache location: MongoDB when a
// URI is set, the JSONL file otherwise.
func Open(ctx context.Context, mongoURI, dbName, collectionName, jsonlPath string, logger *slog.Logger) (Store, error) {
	if mongoURI != "" {
		return OpenMongo(ctx, mongoURI, dbName, collectionName, logger)
	}
	return OpenJSONL(jsonlPath, logger)
}
