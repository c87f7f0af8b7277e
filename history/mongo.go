// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig contains MongoDB connection settings.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string

	MaxPoolSize    uint64
	MinPoolSize    uint64
	ConnectTimeout time.Duration
}

// MongoFeedbackStore persists and searches run feedback in MongoDB.
type MongoFeedbackStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoFeedbackStore connects to MongoDB and verifies the connection.
func NewMongoFeedbackStore(ctx context.Context, cfg MongoConfig) (*MongoFeedbackStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb URI is required")
	}
	if cfg.Database == "" {
		cfg.Database = "archpilot"
	}
	if cfg.Collection == "" {
		cfg.Collection = "run_feedback"
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 20
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoFeedbackStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// SearchByKeywords returns feedback records whose keyword set overlaps
// the query keywords, newest first.
func (s *MongoFeedbackStore) SearchByKeywords(ctx context.Context, keywords []string, limit int) ([]Feedback, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 25
	}

	filter := bson.M{"keywords": bson.M{"$in": keywords}}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("feedback search: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []Feedback
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("feedback decode: %w", err)
	}
	return results, nil
}

// Insert stores a new feedback record, extracting keywords from the
// requirements summary if none were provided.
func (s *MongoFeedbackStore) Insert(ctx context.Context, fb Feedback) error {
	if len(fb.Keywords) == 0 {
		fb.Keywords = ExtractKeywords(fb.RequirementsSummary)
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	if _, err := s.collection.InsertOne(ctx, fb); err != nil {
		return fmt.Errorf("feedback insert: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *MongoFeedbackStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
