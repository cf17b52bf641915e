// Package db defines the storage interfaces for jobs, cards, events, and
// artifacts. The JobDB is the single source of truth for job and card status;
// all mutations go through its compare-and-set operations.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
)

const (
	// DefaultStreamPollInterval is how often StreamEvents polls for new
	// events when none are pending.
	DefaultStreamPollInterval = 250 * time.Millisecond
)

var (
	// ErrNotFound is returned when a job or card with the given id does
	// not exist.
	ErrNotFound = errors.New("Job/Card with given ID does not exist")

	// ErrAlreadyExists is returned when inserting an object which already
	// exists and may not be modified, e.g. a write-once artifact.
	ErrAlreadyExists = errors.New("Object already exists and modification not allowed")

	// ErrConcurrentUpdate is returned when an update loses a race.
	ErrConcurrentUpdate = errors.New("Concurrent update")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different request payload.
	ErrIdempotencyConflict = errors.New("Idempotency key reused with a different request payload")
)

// IsNotFound returns true if the error is ErrNotFound.
func IsNotFound(e error) bool {
	return errors.Is(e, ErrNotFound)
}

// IsAlreadyExists returns true if the error is ErrAlreadyExists.
func IsAlreadyExists(e error) bool {
	return errors.Is(e, ErrAlreadyExists)
}

// IsConcurrentUpdate returns true if the error is ErrConcurrentUpdate.
func IsConcurrentUpdate(e error) bool {
	return errors.Is(e, ErrConcurrentUpdate)
}

// IsIdempotencyConflict returns true if the error is ErrIdempotencyConflict.
func IsIdempotencyConflict(e error) bool {
	return errors.Is(e, ErrIdempotencyConflict)
}

// CreateJobBundleRequest bundles the arguments to CreateJobBundle.
type CreateJobBundleRequest struct {
	// JobId is optional; a fresh id is assigned when empty.
	JobId string

	// UserId identifies the requesting user; defaults to "anonymous".
	UserId string

	// Source is the data source, e.g. "github". Required.
	Source string

	// SubjectKey is the canonical subject identity, if known.
	SubjectKey string

	// Input is the request input.
	Input map[string]interface{}

	// Options are the request options.
	Options map[string]interface{}

	// Plan lists the cards to create, in order. Required.
	Plan []*types.CardSpec

	// IdempotencyKey binds this request payload to a single job for the
	// given user, if set.
	IdempotencyKey string

	// RequestHash is used to detect idempotency-key conflicts. Required
	// when IdempotencyKey is set.
	RequestHash string
}

// JobDB stores Jobs and their Cards.
type JobDB interface {
	// CreateJobBundle atomically creates a Job and all of its Cards in
	// pending status. If the request carries an IdempotencyKey and a job
	// already exists for (UserId, IdempotencyKey), that job is returned
	// with created=false when RequestHash matches, and
	// ErrIdempotencyConflict is returned otherwise.
	CreateJobBundle(ctx context.Context, req *CreateJobBundleRequest) (job *types.Job, created bool, err error)

	// GetJob returns the Job with the given id, or nil, nil if not found.
	GetJob(ctx context.Context, id string) (*types.Job, error)

	// GetJobWithCards returns the Job and its Cards in insertion order.
	// When includeOutput is false, Card.Output is omitted from the result.
	// Returns nil, nil, nil if the job is not found.
	GetJobWithCards(ctx context.Context, id string, includeOutput bool) (*types.Job, []*types.Card, error)

	// GetUnfinishedJobs returns all Jobs in a non-terminal status, sorted
	// by Created. Used by the scheduler to resume after restart.
	GetUnfinishedJobs(ctx context.Context) ([]*types.Job, error)

	// GetCard returns the Card with the given id, or nil, nil if not
	// found.
	GetCard(ctx context.Context, id string) (*types.Card, error)

	// UpdateCardStatus sets the Card's status, merges output into the
	// existing {data, stream} envelope when non-nil, and sets RetryCount
	// when non-nil. Returns the merged view of the Card.
	UpdateCardStatus(ctx context.Context, cardID string, status types.CardStatus, output *types.CardOutput, retryCount *int) (*types.Card, error)

	// TryTransitionCard atomically moves the Card from the given status to
	// the new one. Returns false without error if the Card is not in the
	// expected status.
	TryTransitionCard(ctx context.Context, cardID string, from, to types.CardStatus) (bool, error)

	// TryTransitionJob atomically moves the Job from the given status to
	// the new one. Returns false without error if the Job is not in the
	// expected status.
	TryTransitionJob(ctx context.Context, jobID string, from, to types.JobStatus) (bool, error)

	// TryFinalizeJob moves the Job to the given terminal status if it is
	// not already terminal. Returns true only for the caller which
	// performed the transition.
	TryFinalizeJob(ctx context.Context, jobID string, status types.JobStatus) (bool, error)

	// ReleaseReadyCards promotes every pending Card of the Job whose
	// dependencies are all completed or skipped to ready. Idempotent.
	// Returns the newly released Cards.
	ReleaseReadyCards(ctx context.Context, jobID string) ([]*types.Card, error)

	// MarkDependentCardsSkipped marks every non-terminal Card which
	// transitively depends on the given failed card type as skipped.
	// Returns the skipped Cards.
	MarkDependentCardsSkipped(ctx context.Context, jobID, failedCardType string) ([]*types.Card, error)

	// CountCardsByStatus returns the number of Cards of the Job in each
	// status.
	CountCardsByStatus(ctx context.Context, jobID string) (map[types.CardStatus]int, error)
}

// EventDB is the append-only per-job event log. Seq allocation is serialized
// per job; readers observe only committed events.
type EventDB interface {
	// AppendEvent appends one event, allocating seq = last_seq + 1 and
	// advancing Job.LastSeq in the same transaction. Returns the seq.
	AppendEvent(ctx context.Context, jobID, cardID, eventType string, payload map[string]interface{}) (int64, error)

	// GetLastSeq returns the authoritative last seq for the Job, or 0 if
	// no events exist.
	GetLastSeq(ctx context.Context, jobID string) (int64, error)

	// GetEventsAfter returns all events with seq > afterSeq, ordered by
	// seq.
	GetEventsAfter(ctx context.Context, jobID string, afterSeq int64) ([]*types.Event, error)
}

// ArtifactDB stores per-job intermediate payloads, written once per key.
type ArtifactDB interface {
	// PutArtifact writes the payload under the given key. Returns
	// ErrAlreadyExists if the key was already written for this job.
	PutArtifact(ctx context.Context, jobID, key string, payload map[string]interface{}) error

	// GetArtifact returns the payload for the given key, or nil, nil if
	// not found.
	GetArtifact(ctx context.Context, jobID, key string) (map[string]interface{}, error)

	// GetArtifactsForJob returns all artifacts of the Job keyed by
	// artifact key.
	GetArtifactsForJob(ctx context.Context, jobID string) (map[string]map[string]interface{}, error)
}

// CardCompletion describes one card pre-filled from a cached payload by the
// fast path.
type CardCompletion struct {
	// CardId is the id of the Card to complete.
	CardId string

	// CardType is the card type, used in the event payload.
	CardType string

	// Output is the envelope to write.
	Output *types.CardOutput

	// EventPayload is the card.completed event body.
	EventPayload map[string]interface{}
}

// DB combines the storage interfaces and adds the batch completion used by
// the cache-hit fast path.
type DB interface {
	JobDB
	EventDB
	ArtifactDB

	// CompleteJobFromCache atomically completes the given Cards, appends
	// one card.completed event per Card, marks the skip Cards skipped
	// without events, finalizes the Job as completed, and appends exactly
	// one job.completed event with the given payload. The card updates,
	// LastSeq advance, and terminal event commit together, so no
	// intermediate state is ever observable. Returns ErrAlreadyExists if
	// the Job is already terminal.
	CompleteJobFromCache(ctx context.Context, jobID string, completions []*CardCompletion, skipCardIds []string, jobEventPayload map[string]interface{}) error
}
