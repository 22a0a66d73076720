// Package audit keeps a MongoDB trail of operator commands. Open attempts
// live in action_attempts; once finished they move to archived_actions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	AttemptsCollection = "action_attempts"
	ArchiveCollection  = "archived_actions"
)

var ErrUnknownAttempt = errors.New("audit: attempt not found")

type Recorder struct {
	attempts *mongo.Collection
	archive  *mongo.Collection
}

func NewRecorder(db *mongo.Database) *Recorder {
	return &Recorder{
		attempts: db.Collection(AttemptsCollection),
		archive:  db.Collection(ArchiveCollection),
	}
}

// EnsureIndexes creates the indexes Recent and Open rely on.
func (r *Recorder) EnsureIndexes(ctx context.Context) error {
	byCreated := mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}
	byKind := mongo.IndexModel{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "created_at", Value: -1}}}

	if _, err := r.archive.Indexes().CreateMany(ctx, []mongo.IndexModel{byCreated, byKind}); err != nil {
		return fmt.Errorf("create archive indexes: %w", err)
	}
	if _, err := r.attempts.Indexes().CreateOne(ctx, byCreated); err != nil {
		return fmt.Errorf("create attempt indexes: %w", err)
	}
	return nil
}

// Begin stores a new open attempt.
func (r *Recorder) Begin(ctx context.Context, attempt models.ActionAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	if _, err := r.attempts.InsertOne(ctx, attempt); err != nil {
		log.Error().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to insert action attempt")
		return fmt.Errorf("insert attempt %s: %w", attempt.ID, err)
	}
	log.Debug().Str("attempt_id", attempt.ID).Str("kind", string(attempt.Kind)).Msg("Action attempt recorded")
	return nil
}

// Finish appends the final status entry and moves the attempt to the archive.
func (r *Recorder) Finish(ctx context.Context, id, status, message string) error {
	entry := models.StatusEntry{Time: time.Now().UTC(), Status: status, Message: message}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc bson.M
	err := r.attempts.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$push": bson.M{"status": entry}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", ErrUnknownAttempt, id)
	}
	if err != nil {
		return fmt.Errorf("update attempt %s: %w", id, err)
	}

	if _, err := r.archive.InsertOne(ctx, doc); err != nil {
		log.Error().Err(err).Str("attempt_id", id).Msg("Failed to archive action attempt")
		return fmt.Errorf("archive attempt %s: %w", id, err)
	}
	if _, err := r.attempts.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		if _, rbErr := r.archive.DeleteOne(ctx, bson.M{"_id": id}); rbErr != nil {
			log.Error().Err(rbErr).Str("attempt_id", id).Msg("Rollback failed after delete error")
		}
		return fmt.Errorf("remove open attempt %s: %w", id, err)
	}

	log.Info().Str("attempt_id", id).Str("status", status).Msg("Action attempt archived")
	return nil
}

// Recent returns finished attempts, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int64) ([]models.ActionAttempt, error) {
	return r.find(ctx, r.archive, limit)
}

// Open returns attempts that were begun but never finished, e.g. because the
// console exited mid-request.
func (r *Recorder) Open(ctx context.Context) ([]models.ActionAttempt, error) {
	return r.find(ctx, r.attempts, 0)
}

func (r *Recorder) find(ctx context.Context, coll *mongo.Collection, limit int64) ([]models.ActionAttempt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	var out []models.ActionAttempt
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll.Name(), err)
	}
	return out, nil
}
