package database

import (
	"context"
	"kiln/internal/config"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Database is the persistence surface the engine writes through. It is a
// durability aid: the in-memory job set stays authoritative during a run,
// and callers log-and-continue on any error here.
type Database interface {
	Health() error
	JobDatabase
	CheckpointDatabase
}

type mongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	jobsCol        *mongo.Collection
	checkpointsCol *mongo.Collection
}

func New(config *config.Config) (Database, error) {
	clientOptions := options.Client().ApplyURI(config.MongoDB.URI)
	if config.MongoDB.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: config.MongoDB.Username,
			Password: config.MongoDB.Password,
		})
	}

	client, err := mongo.Connect(context.TODO(), clientOptions)
	if err != nil {
		return nil, err
	}

	db := client.Database(config.MongoDB.DB)

	jobsCol := db.Collection("jobs")
	jobIndexModels := []mongo.IndexModel{
		{
			// Index for status-based queries
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			// Index for job kind queries
			Keys:    bson.D{{Key: "kind", Value: 1}},
			Options: options.Index(),
		},
		{
			// Index for sorting by creation date
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
		{
			// Index for the retention sweep, which filters on completion age
			Keys:    bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index(),
		},
	}

	checkpointsCol := db.Collection("checkpoints")
	checkpointIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "job_id", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
	}

	if _, err := jobsCol.Indexes().CreateMany(context.Background(), jobIndexModels); err != nil {
		log.Warn().Err(err).Str("Collection", "Jobs").Msg("Error creating indexes")
	}

	if _, err := checkpointsCol.Indexes().CreateMany(context.Background(), checkpointIndexModels); err != nil {
		log.Warn().Err(err).Str("Collection", "Checkpoints").Msg("Error creating indexes")
	}

	return &mongoDB{
		client:         client,
		db:             db,
		jobsCol:        jobsCol,
		checkpointsCol: checkpointsCol,
	}, nil
}

// Health implements Database interface
func (m *mongoDB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := m.client.Ping(ctx, nil); err != nil {
		log.Error().Msgf("Database health error: %v", err)
		return err
	}

	return nil
}
