// Package cache implements the durable analysis cache: subject identities,
// cached final results and intermediates partitioned by pipeline version and
// options hash, and the refresh-run locks which serialize background
// recomputes.
package cache

import (
	"context"
	"time"
)

// Refresh run states.
const (
	RefreshRunning = "running"
	RefreshFailed  = "failed"
	RefreshDone    = "done"
)

// RefreshClaimTTL bounds how long a running refresh claim blocks new
// claimants. A claim whose run started longer ago than this is treated as
// abandoned, so a crashed process cannot hold the partition forever.
const RefreshClaimTTL = 30 * time.Minute

// Subject is the stable identity of a (source, subject) pair.
type Subject struct {
	// Id is a unique identifier assigned by the cache.
	Id string `json:"id"`

	// Source is the data source, e.g. "github".
	Source string `json:"source"`

	// SubjectKey is the canonical subject identity within Source.
	SubjectKey string `json:"subject_key"`

	// CanonicalInput is the normalized request input which produced the
	// subject key.
	CanonicalInput string `json:"canonical_input"`
}

// CachedResult is one cached final bundle returned to the fast path.
type CachedResult struct {
	// Payload is the cached bundle: {cards: {<card_type>: <payload>}}.
	Payload map[string]interface{}

	// Created is when the row was written.
	Created time.Time

	// Stale is true when the row's TTL has expired but the row is still
	// within its max-stale window.
	Stale bool
}

// Policy controls caching for one source.
type Policy struct {
	// TTL is how long a final result is fresh.
	TTL time.Duration

	// MaxStale is how long past expiry a final result may still be
	// served, stale, while a refresh runs.
	MaxStale time.Duration

	// RefreshHitThreshold schedules a background refresh every N cache
	// hits even while the row is fresh. 0 disables hit-based refresh.
	RefreshHitThreshold int
}

// Policies maps sources to their cache policy.
type Policies struct {
	// Default applies to sources without an override.
	Default Policy

	// BySource holds per-source overrides.
	BySource map[string]Policy
}

// For returns the policy for the given source.
func (p Policies) For(source string) Policy {
	if pol, ok := p.BySource[source]; ok {
		return pol
	}
	return p.Default
}

// DefaultPolicies returns the stock cache policies.
func DefaultPolicies() Policies {
	return Policies{
		Default: Policy{
			TTL:                 24 * time.Hour,
			MaxStale:            72 * time.Hour,
			RefreshHitThreshold: 20,
		},
		BySource: map[string]Policy{
			"github": {
				TTL:                 12 * time.Hour,
				MaxStale:            48 * time.Hour,
				RefreshHitThreshold: 10,
			},
		},
	}
}

// Cache is the durable analysis cache.
type Cache interface {
	// GetOrCreateSubject returns the Subject for (source, subjectKey),
	// creating it if necessary.
	GetOrCreateSubject(ctx context.Context, source, subjectKey, canonicalInput string) (*Subject, error)

	// GetCachedFinalResult returns the cached final bundle for the given
	// partition, or nil, nil if no usable row exists. Rows past expiry
	// but within maxStale are returned with Stale set; older rows are
	// never returned.
	GetCachedFinalResult(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash string, maxStale time.Duration) (*CachedResult, error)

	// SaveFullReport upserts the final bundle for the given partition
	// with expiry now + ttl. Identity of the row never changes; only the
	// payload, expiry, and meta are replaced.
	SaveFullReport(ctx context.Context, subject *Subject, pipelineVersion, optionsHash string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error

	// SaveCachedArtifact upserts a reusable intermediate of the given
	// kind for the partition.
	SaveCachedArtifact(ctx context.Context, subject *Subject, pipelineVersion, optionsHash, kind string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error

	// GetCachedArtifact returns a cached intermediate, or nil, nil if no
	// unexpired row exists.
	GetCachedArtifact(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash, kind string) (map[string]interface{}, error)

	// TryBeginRefreshRun claims the refresh lock for the partition.
	// Exactly one caller wins per (subject, pipeline, options) while the
	// run is in the running state. Running claims older than
	// RefreshClaimTTL are treated as abandoned and may be reclaimed.
	TryBeginRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash string, meta map[string]interface{}) (bool, error)

	// FailRefreshRun releases the claim, recording the failure reason.
	FailRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash, reason string, meta map[string]interface{}) error

	// CompleteRefreshRun releases the claim, recording success.
	CompleteRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash string) error
}
