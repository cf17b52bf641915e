package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
)

type memArtifact struct {
	payload map[string]interface{}
	meta    map[string]interface{}
	created time.Time
	expires time.Time
}

type memRefreshRun struct {
	state   string
	reason  string
	started time.Time
}

// inMemoryCache is a mutex-guarded Cache implementation for tests and
// single-process deployments.
type inMemoryCache struct {
	mtx       sync.RWMutex
	subjects  map[string]*Subject       // keyed by source + "\x00" + subjectKey.
	artifacts map[string]*memArtifact   // keyed by subjectID/pipeline/options/kind.
	refreshes map[string]*memRefreshRun // keyed by subjectID/pipeline/options.
}

// NewInMemoryCache returns an in-memory Cache implementation.
func NewInMemoryCache() Cache {
	return &inMemoryCache{
		subjects:  map[string]*Subject{},
		artifacts: map[string]*memArtifact{},
		refreshes: map[string]*memRefreshRun{},
	}
}

func subjectKey(source, key string) string {
	return source + "\x00" + key
}

func artifactMapKey(subjectID, pipelineVersion, optionsHash, kind string) string {
	return subjectID + "\x00" + pipelineVersion + "\x00" + optionsHash + "\x00" + kind
}

func refreshMapKey(subjectID, pipelineVersion, optionsHash string) string {
	return subjectID + "\x00" + pipelineVersion + "\x00" + optionsHash
}

// See documentation for Cache interface.
func (c *inMemoryCache) GetOrCreateSubject(ctx context.Context, source, key, canonicalInput string) (*Subject, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	k := subjectKey(source, key)
	if s, ok := c.subjects[k]; ok {
		rv := *s
		return &rv, nil
	}
	s := &Subject{
		Id:             uuid.New().String(),
		Source:         source,
		SubjectKey:     key,
		CanonicalInput: canonicalInput,
	}
	c.subjects[k] = s
	rv := *s
	return &rv, nil
}

func (c *inMemoryCache) getSubjectLocked(source, key string) *Subject {
	return c.subjects[subjectKey(source, key)]
}

// See documentation for Cache interface.
func (c *inMemoryCache) GetCachedFinalResult(ctx context.Context, source, key, pipelineVersion, optionsHash string, maxStale time.Duration) (*CachedResult, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	s := c.getSubjectLocked(source, key)
	if s == nil {
		return nil, nil
	}
	a := c.artifacts[artifactMapKey(s.Id, pipelineVersion, optionsHash, KindFinalResult)]
	if a == nil {
		return nil, nil
	}
	ts := now.Now(ctx)
	if ts.Before(a.expires) {
		return &CachedResult{Payload: types.CopyObject(a.payload), Created: a.created, Stale: false}, nil
	}
	if !ts.After(a.expires.Add(maxStale)) {
		return &CachedResult{Payload: types.CopyObject(a.payload), Created: a.created, Stale: true}, nil
	}
	return nil, nil
}

func (c *inMemoryCache) save(ctx context.Context, subject *Subject, pipelineVersion, optionsHash, kind string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ts := now.Now(ctx)
	c.artifacts[artifactMapKey(subject.Id, pipelineVersion, optionsHash, kind)] = &memArtifact{
		payload: types.CopyObject(payload),
		meta:    types.CopyObject(meta),
		created: ts,
		expires: ts.Add(ttl),
	}
	return nil
}

// See documentation for Cache interface.
func (c *inMemoryCache) SaveFullReport(ctx context.Context, subject *Subject, pipelineVersion, optionsHash string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error {
	return c.save(ctx, subject, pipelineVersion, optionsHash, KindFinalResult, payload, ttl, meta)
}

// See documentation for Cache interface.
func (c *inMemoryCache) SaveCachedArtifact(ctx context.Context, subject *Subject, pipelineVersion, optionsHash, kind string, payload map[string]interface{}, ttl time.Duration, meta map[string]interface{}) error {
	return c.save(ctx, subject, pipelineVersion, optionsHash, kind, payload, ttl, meta)
}

// See documentation for Cache interface.
func (c *inMemoryCache) GetCachedArtifact(ctx context.Context, source, key, pipelineVersion, optionsHash, kind string) (map[string]interface{}, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	s := c.getSubjectLocked(source, key)
	if s == nil {
		return nil, nil
	}
	a := c.artifacts[artifactMapKey(s.Id, pipelineVersion, optionsHash, kind)]
	if a == nil || !now.Now(ctx).Before(a.expires) {
		return nil, nil
	}
	return types.CopyObject(a.payload), nil
}

// See documentation for Cache interface.
func (c *inMemoryCache) TryBeginRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash string, meta map[string]interface{}) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	k := refreshMapKey(subjectID, pipelineVersion, optionsHash)
	ts := now.Now(ctx)
	if run, ok := c.refreshes[k]; ok && run.state == RefreshRunning && ts.Sub(run.started) < RefreshClaimTTL {
		return false, nil
	}
	c.refreshes[k] = &memRefreshRun{state: RefreshRunning, started: ts}
	return true, nil
}

// See documentation for Cache interface.
func (c *inMemoryCache) FailRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash, reason string, meta map[string]interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.refreshes[refreshMapKey(subjectID, pipelineVersion, optionsHash)] = &memRefreshRun{
		state:   RefreshFailed,
		reason:  reason,
		started: now.Now(ctx),
	}
	return nil
}

// See documentation for Cache interface.
func (c *inMemoryCache) CompleteRefreshRun(ctx context.Context, subjectID, pipelineVersion, optionsHash string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.refreshes[refreshMapKey(subjectID, pipelineVersion, optionsHash)] = &memRefreshRun{
		state:   RefreshDone,
		started: now.Now(ctx),
	}
	return nil
}

var _ Cache = (*inMemoryCache)(nil)
