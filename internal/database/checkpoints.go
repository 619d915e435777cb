package database

import (
	"context"
	"kiln/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CheckpointDatabase defines checkpoint-related database operations
type CheckpointDatabase interface {
	// SaveCheckpoint stores a new checkpoint record
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error

	// ListCheckpoints returns a job's checkpoints, newest first
	ListCheckpoints(ctx context.Context, jobID string) ([]model.Checkpoint, error)

	// DeleteCheckpoints removes every checkpoint for a job and reports how
	// many were removed
	DeleteCheckpoints(ctx context.Context, jobID string) (int64, error)
}

// SaveCheckpoint stores a new checkpoint record
func (m *mongoDB) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	if _, err := m.checkpointsCol.InsertOne(ctx, cp); err != nil {
		log.Error().
			Err(err).
			Str("jobID", cp.JobID).
			Str("checkpointID", cp.CheckpointID).
			Msg("Failed to save checkpoint")
		return err
	}

	log.Debug().
		Str("jobID", cp.JobID).
		Str("checkpointID", cp.CheckpointID).
		Float64("progress", cp.ProgressPercent).
		Msg("Saved checkpoint")
	return nil
}

// ListCheckpoints returns a job's checkpoints, newest first
func (m *mongoDB) ListCheckpoints(ctx context.Context, jobID string) ([]model.Checkpoint, error) {
	opts := options.Find().SetSort(bson.M{"created_at": -1})

	cursor, err := m.checkpointsCol.Find(ctx, bson.M{"job_id": jobID}, opts)
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to list checkpoints")
		return nil, err
	}
	defer cursor.Close(ctx)

	var checkpoints []model.Checkpoint
	if err := cursor.All(ctx, &checkpoints); err != nil {
		log.Error().Err(err).Msg("Failed to decode checkpoints")
		return nil, err
	}

	return checkpoints, nil
}

// DeleteCheckpoints removes every checkpoint for a job
func (m *mongoDB) DeleteCheckpoints(ctx context.Context, jobID string) (int64, error) {
	res, err := m.checkpointsCol.DeleteMany(ctx, bson.M{"job_id": jobID})
	if err != nil {
		log.Error().Err(err).Str("jobID", jobID).Msg("Failed to delete checkpoints")
		return 0, err
	}

	if res.DeletedCount > 0 {
		log.Debug().Str("jobID", jobID).Int64("count", res.DeletedCount).Msg("Deleted checkpoints")
	}
	return res.DeletedCount, nil
}
