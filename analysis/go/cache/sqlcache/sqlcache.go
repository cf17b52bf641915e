// Package sqlcache provides the SQL-backed cache.Cache implementation.
package sqlcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/cache"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
)

// Schema is the SQL schema for the analysis cache.
const Schema = `
CREATE TABLE IF NOT EXISTS CacheSubjects (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	subject_key TEXT NOT NULL,
	canonical_input TEXT NOT NULL DEFAULT '',
	created TIMESTAMPTZ NOT NULL,
	UNIQUE (source, subject_key)
);

CREATE TABLE IF NOT EXISTS CacheArtifacts (
	subject_id TEXT NOT NULL REFERENCES CacheSubjects (id),
	pipeline_version TEXT NOT NULL,
	options_hash TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	meta JSONB NOT NULL DEFAULT '{}',
	created TIMESTAMPTZ NOT NULL,
	expires TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subject_id, pipeline_version, options_hash, kind)
);

CREATE TABLE IF NOT EXISTS RefreshRuns (
	subject_id TEXT NOT NULL,
	pipeline_version TEXT NOT NULL,
	options_hash TEXT NOT NULL,
	state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	meta JSONB NOT NULL DEFAULT '{}',
	started TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subject_id, pipeline_version, options_hash)
);
`

// SQLCache implements cache.Cache on a postgres-compatible database.
type SQLCache struct {
	pool *pgxpool.Pool
}

// New returns a SQL-backed cache.Cache, creating the schema if necessary.
func New(ctx context.Context, pool *pgxpool.Pool) (*SQLCache, error) {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return nil, derr.Wrapf(err, "creating cache schema")
	}
	return &SQLCache{pool: pool}, nil
}

func marshalObject(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.Marshal(m)
}

// See documentation for cache.Cache interface.
func (c *SQLCache) GetOrCreateSubject(ctx context.Context, source, subjectKey, canonicalInput string) (*cache.Subject, error) {
	// Upsert keeps the first canonical input; the identity never changes.
	row := c.pool.QueryRow(ctx, `
INSERT INTO CacheSubjects (id, source, subject_key, canonical_input, created)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source, subject_key) DO UPDATE SET source = CacheSubjects.source
RETURNING id, source, subject_key, canonical_input`,
		uuid.New().String(), source, subjectKey, canonicalInput, now.Now(ctx).UTC())
	var s cache.Subject
	if err := row.Scan(&s.Id, &s.Source, &s.SubjectKey, &s.CanonicalInput); err != nil {
		return nil, derr.Wrapf(err, "upserting subject %s/%s", source, subjectKey)
	}
	return &s, nil
}

// See documentation for cache.Cache interface.
func (c *SQLCache) GetCachedFinalResult(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash string, maxStale time.Duration) (*cache.CachedResult, error) {
	ts := now.Now(ctx).UTC()
	row := c.pool.QueryRow(ctx, `
SELECT a.payload, a.created, a.expires FROM CacheArtifacts a
JOIN CacheSubjects s ON a.subject_id = s.id
WHERE s.source = $1 AND s.subject_key = $2
  AND a.pipeline_version = $3 AND a.options_hash = $4 AND a.kind = $5
  AND a.expires + $6::interval > $7`,
		source, subjectKey, pipelineVersion, optionsHash, cache.KindFinalResult, maxStale.String(), ts)
	var payload []byte
	var created, expires time.Time
	if err := row.Scan(&payload, &created, &expires); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, derr.Wrapf(err, "reading cached final result for %s/%s", source, subjectKey)
	}
	rv := &cache.CachedResult{
		Created: created.UTC(),
		Stale:   !ts.Before(expires.UTC()),
	}
	if err := json.Unmarshal(payload, &rv.Payload); err != nil {
		return nil, derr.Wrap(err)
	}
	return rv, nil
}

func (c *SQLCache) save(ctx context.Context, subject *cache.Subject, pipelineVersion, optionsHash, kind string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error {
	payloadJSON, err := marshalObject(payload)
	if err != nil {
		return derr.Wrap(err)
	}
	metaJSON, err := marshalObject(meta)
	if err != nil {
		return derr.Wrap(err)
	}
	ts := now.Now(ctx).UTC()
	if _, err := c.pool.Exec(ctx, `
INSERT INTO CacheArtifacts (subject_id, pipeline_version, options_hash, kind, payload, meta, created, expires)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (subject_id, pipeline_version, options_hash, kind)
DO UPDATE SET payload = $5, meta = $6, created = $7, expires = $8`,
		subject.Id, pipelineVersion, optionsHash, kind, payloadJSON, metaJSON, ts, ts.Add(ttl)); err != nil {
		return derr.Wrapf(err, "saving cached %s for subject %s", kind, subject.Id)
	}
	return nil
}

// See documentation for cache.Cache interface.
func (c *SQLCache) SaveFullReport(ctx context.Context, subject *cache.Subject, pipelineVersion, optionsHash string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error {
	return c.save(ctx, subject, pipelineVersion, optionsHash, cache.KindFinalResult, payload, ttl, meta)
}

// See documentation for cache.Cache interface.
func (c *SQLCache) SaveCachedArtifact(ctx context.Context, subject *cache.Subject, pipelineVersion, optionsHash, kind string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error {
	return c.save(ctx, subject, pipelineVersion, optionsHash, kind, payload, ttl, meta)
}

// See documentation for cache.Cache interface.
func (c *SQLCache) GetCachedArtifact(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash, kind string) (map[string]interface{}, error) {
	row := c.pool.QueryRow(ctx, `
SELECT a.payload FROM CacheArtifacts a
JOIN CacheSubjects s ON a.subject_id = s.id
WHERE s.source = $1 AND s.subject_key = $2
  AND a.pipeline_version = $3 AND a.options_hash = $4 AND a.kind = $5
  AND a.expires > $6`,
		source, subjectKey, pipelineVersion, optionsHash, kind, now.Now(ctx).UTC())
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, derr.Wrapf(err, "reading cached %s for %s/%s", kind, source, subjectKey)
	}
	var rv map[string]interface{}
	if err := json.Unmarshal(payload, &rv); err != nil {
		return nil, derr.Wrap(err)
	}
	return rv, nil
}

// See documentation for cache.Cache interface.
func (c *SQLCache) TryBeginRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash string, meta map[string]interface{}) (bool, error) {
	metaJSON, err := marshalObject(meta)
	if err != nil {
		return false, derr.Wrap(err)
	}
	// The conditional upsert is the claim: it only succeeds when no run is
	// currently in the running state, or when the running claim is older
	// than RefreshClaimTTL and therefore presumed abandoned.
	ts := now.Now(ctx).UTC()
	tag, err := c.pool.Exec(ctx, `
INSERT INTO RefreshRuns (subject_id, pipeline_version, options_hash, state, meta, started)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (subject_id, pipeline_version, options_hash)
DO UPDATE SET state = $4, reason = '', meta = $5, started = $6
WHERE RefreshRuns.state != $4 OR RefreshRuns.started <= $7`,
		subjectID, pipelineVersion, optionsHash, cache.RefreshRunning, metaJSON, ts, ts.Add(-cache.RefreshClaimTTL))
	if err != nil {
		return false, derr.Wrapf(err, "claiming refresh run for subject %s", subjectID)
	}
	return tag.RowsAffected() > 0, nil
}

func (c *SQLCache) endRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash, state, reason string, meta map[string]interface{}) error {
	metaJSON, err := marshalObject(meta)
	if err != nil {
		return derr.Wrap(err)
	}
	if _, err := c.pool.Exec(ctx, `
UPDATE RefreshRuns SET state = $4, reason = $5, meta = $6
WHERE subject_id = $1 AND pipeline_version = $2 AND options_hash = $3`,
		subjectID, pipelineVersion, optionsHash, state, reason, metaJSON); err != nil {
		return derr.Wrapf(err, "recording refresh run %s for subject %s", state, subjectID)
	}
	return nil
}

// See documentation for cache.Cache interface.
func (c *SQLCache) FailRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash, reason string, meta map[string]interface{}) error {
	return c.endRefreshRun(ctx, subjectID, pipelineVersion, optionsHash, cache.RefreshFailed, reason, meta)
}

// See documentation for cache.Cache interface.
func (c *SQLCache) CompleteRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash string) error {
	return c.endRefreshRun(ctx, subjectID, pipelineVersion, optionsHash, cache.RefreshDone, "", nil)
}

var _ cache.Cache = (*SQLCache)(nil)
