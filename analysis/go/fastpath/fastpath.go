// Package fastpath serves newly-created jobs straight from the cache when a
// usable final result exists. A hit completes the whole job in one atomic
// batch, so event subscribers see the same stream shape as a computed run,
// with cache metadata attached to each card.
package fastpath

import (
	"context"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/cache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/localcache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/quality"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/refresh"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
	"github.com/elonfeng/dinq-analyze-sub001/go/metrics"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
	"github.com/elonfeng/dinq-analyze-sub001/go/util"
)

// Cache tiers reported in Result.Source.
const (
	TierLocal   = "local"
	TierDurable = "durable"
)

// Result describes a served cache hit: the synthesized per-card outputs and
// the cache metadata callers surface to the client.
type Result struct {
	// Stale is true when the hit was past its freshness TTL.
	Stale bool `json:"stale"`

	// Source is the cache tier which served the hit, TierLocal or
	// TierDurable.
	Source string `json:"source"`

	// AsOf is when the served payload was produced.
	AsOf time.Time `json:"as_of"`

	// Cards holds the synthesized output envelope per business card type.
	Cards map[string]*types.CardOutput `json:"cards"`
}

// FastPath checks the cache tiers for a usable final result and completes
// jobs from it.
type FastPath struct {
	d               db.DB
	c               cache.Cache
	local           *localcache.Cache
	gate            quality.Gate
	policies        cache.Policies
	refresher       *refresh.Refresher
	pipelineVersion string
}

// New returns a FastPath. local and refresher may be nil.
func New(d db.DB, c cache.Cache, local *localcache.Cache, gate quality.Gate, policies cache.Policies, refresher *refresh.Refresher, pipelineVersion string) *FastPath {
	if gate == nil {
		gate = quality.NewDefaultGate()
	}
	return &FastPath{
		d:               d,
		c:               c,
		local:           local,
		gate:            gate,
		policies:        policies,
		refresher:       refresher,
		pipelineVersion: pipelineVersion,
	}
}

// lookup returns the cached bundle for the job's partition and the tier
// which served it, trying the local tier first. Local entries expire at the
// freshness TTL, so a local hit is never stale.
func (f *FastPath) lookup(ctx context.Context, job *types.Job, optionsHash string, policy cache.Policy) (*cache.CachedResult, string, string, error) {
	key := cache.ArtifactKey(job.Source, job.SubjectKey, f.pipelineVersion, optionsHash, cache.KindFinalResult)
	if f.local != nil {
		payload, err := f.local.GetJSON(ctx, key)
		if err != nil {
			dlog.Warningf("Local cache read failed for job %s: %s", job.Id, err)
		} else if payload != nil {
			return &cache.CachedResult{Payload: payload}, key, TierLocal, nil
		}
	}
	result, err := f.c.GetCachedFinalResult(ctx, job.Source, job.SubjectKey, f.pipelineVersion, optionsHash, policy.MaxStale)
	if err != nil {
		return nil, key, TierDurable, err
	}
	return result, key, TierDurable, nil
}

// usable returns the per-card payloads if the cached bundle covers every
// business card of the job and each payload passes the quality gate.
func (f *FastPath) usable(job *types.Job, cards []*types.Card, bundle map[string]interface{}) map[string]map[string]interface{} {
	byType, ok := bundle["cards"].(map[string]interface{})
	if !ok {
		return nil
	}
	gctx := &quality.Context{Source: job.Source, SubjectKey: job.SubjectKey}
	rv := map[string]map[string]interface{}{}
	for _, c := range cards {
		if c.Internal || types.IsInternalCardType(c.Type) {
			continue
		}
		data, ok := byType[c.Type].(map[string]interface{})
		if !ok {
			return nil
		}
		outcome := f.gate.Check(job.Source, c.Type, data, gctx)
		if outcome.Action != quality.ActionAccept {
			return nil
		}
		rv[c.Type] = outcome.Normalized
	}
	if len(rv) == 0 {
		return nil
	}
	return rv
}

// TryServe attempts to complete the freshly-created job from the cache. A
// non-nil Result means the job was completed and carries the synthesized
// cards; nil means the caller should hand the job to the scheduler.
// force_refresh requests and non-cacheable subjects always miss.
func (f *FastPath) TryServe(ctx context.Context, job *types.Job, cards []*types.Card) (*Result, error) {
	if force, _ := job.Options["force_refresh"].(bool); force {
		return nil, nil
	}
	if !cache.CacheableSubjectKey(job.Source, job.SubjectKey) {
		return nil, nil
	}
	policy := f.policies.For(job.Source)
	optionsHash := cache.OptionsHash(job.Options)
	result, key, tier, err := f.lookup(ctx, job, optionsHash, policy)
	if err != nil {
		// A broken cache must not block analysis.
		dlog.Errorf("Cache lookup failed for job %s: %s", job.Id, err)
		return nil, nil
	}
	if result == nil {
		metrics.GetCounter("fastpath_result", map[string]string{"result": "miss"}).Inc()
		return nil, nil
	}
	payloads := f.usable(job, cards, result.Payload)
	if payloads == nil {
		metrics.GetCounter("fastpath_result", map[string]string{"result": "unusable"}).Inc()
		return nil, nil
	}

	asOf := result.Created
	if util.TimeIsZero(asOf) {
		asOf = now.Now(ctx)
	}
	cacheMeta := map[string]interface{}{
		"hit":   true,
		"stale": result.Stale,
		"as_of": asOf.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	rv := &Result{
		Stale:  result.Stale,
		Source: tier,
		AsOf:   asOf.UTC(),
		Cards:  map[string]*types.CardOutput{},
	}
	completions := make([]*db.CardCompletion, 0, len(payloads))
	var skips []string
	for _, c := range cards {
		data, ok := payloads[c.Type]
		if !ok {
			// Internal cards never ran; they are skipped in the same
			// atomic batch.
			skips = append(skips, c.Id)
			continue
		}
		output := &types.CardOutput{Data: data, Stream: map[string]interface{}{}}
		rv.Cards[c.Type] = output
		completions = append(completions, &db.CardCompletion{
			CardId:   c.Id,
			CardType: c.Type,
			Output:   output,
			EventPayload: map[string]interface{}{
				"card_type": c.Type,
				"data":      data,
				"cache":     cacheMeta,
			},
		})
	}
	jobEventPayload := map[string]interface{}{
		"status": string(types.JobStatusCompleted),
		"cache":  cacheMeta,
	}
	if err := f.d.CompleteJobFromCache(ctx, job.Id, completions, skips, jobEventPayload); err != nil {
		if db.IsAlreadyExists(err) {
			// Someone else finished the job first; that result stands.
			return rv, nil
		}
		return nil, err
	}
	metrics.GetCounter("fastpath_result", map[string]string{"result": "hit"}).Inc()

	f.maybeRefresh(ctx, job, policy, key, result.Stale)
	return rv, nil
}

// maybeRefresh triggers a background refresh after a hit: always when the
// result was stale, and every RefreshHitThreshold fresh hits.
func (f *FastPath) maybeRefresh(ctx context.Context, job *types.Job, policy cache.Policy, key string, stale bool) {
	if f.refresher == nil {
		return
	}
	hits := f.refresher.NoteHit(key)
	if !refresh.ShouldRefresh(policy, stale, hits) {
		return
	}
	subject, err := f.c.GetOrCreateSubject(ctx, job.Source, job.SubjectKey, resolveInput(job))
	if err != nil {
		dlog.Errorf("Failed to resolve subject for refresh of job %s: %s", job.Id, err)
		return
	}
	reason := "hit_threshold"
	if stale {
		reason = "stale_hit"
	}
	f.refresher.Trigger(ctx, subject, job.Options, reason)
}

func resolveInput(job *types.Job) string {
	if v, ok := job.Input["content"].(string); ok {
		return v
	}
	return ""
}
