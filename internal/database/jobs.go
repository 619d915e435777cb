package database

import (
	"context"
	"errors"
	"kiln/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrJobNotFound is returned when a job id has no persisted record
var ErrJobNotFound = errors.New("job not found")

// JobDatabase defines job-related database operations
type JobDatabase interface {
	// Save a newly created job
	SaveJob(ctx context.Context, job *model.Job) error

	// Update an existing job record, inserting it if missing
	UpdateJob(ctx context.Context, job *model.Job) error

	// Get a job by ID
	GetJobByID(ctx context.Context, id string) (*model.Job, error)

	// List jobs by status, newest first
	ListJobsByStatus(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error)

	// List jobs across all statuses, newest first
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error)

	// Count jobs by status
	CountJobsByStatus(ctx context.Context, status model.JobStatus) (int64, error)

	// Delete a job record
	DeleteJob(ctx context.Context, id string) error
}

// SaveJob inserts a new job record
func (m *mongoDB) SaveJob(ctx context.Context, job *model.Job) error {
	if _, err := m.jobsCol.InsertOne(ctx, job); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to save job")
		return err
	}

	log.Debug().Str("jobID", job.ID).Str("kind", string(job.Kind)).Msg("Saved new job")
	return nil
}

// UpdateJob replaces the whole job document. Upserts so a record lost to a
// failed SaveJob still lands on the next update.
func (m *mongoDB) UpdateJob(ctx context.Context, job *model.Job) error {
	opts := options.Replace().SetUpsert(true)

	if _, err := m.jobsCol.ReplaceOne(ctx, bson.M{"_id": job.ID}, job, opts); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to update job")
		return err
	}

	log.Debug().
		Str("jobID", job.ID).
		Str("status", string(job.Status)).
		Int("retryCount", job.RetryCount).
		Msg("Updated job")
	return nil
}

// GetJobByID retrieves a job by its ID
func (m *mongoDB) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := m.jobsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		return nil, err
	}

	return &job, nil
}

// ListJobsByStatus retrieves jobs by their status, newest first
func (m *mongoDB) ListJobsByStatus(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.M{"created_at": -1})

	cursor, err := m.jobsCol.Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to list jobs by status")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

// ListJobs retrieves jobs across all statuses, newest first
func (m *mongoDB) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.M{"created_at": -1})

	cursor, err := m.jobsCol.Find(ctx, bson.M{}, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

// CountJobsByStatus counts jobs with a specific status
func (m *mongoDB) CountJobsByStatus(ctx context.Context, status model.JobStatus) (int64, error) {
	count, err := m.jobsCol.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to count jobs by status")
		return 0, err
	}

	return count, nil
}

// DeleteJob removes a job record. Used by the retention sweep to keep the
// persistent store aligned with the in-memory working set.
func (m *mongoDB) DeleteJob(ctx context.Context, id string) error {
	if _, err := m.jobsCol.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to delete job")
		return err
	}

	log.Debug().Str("jobID", id).Msg("Deleted job record")
	return nil
}
