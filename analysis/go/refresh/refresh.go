// Package refresh implements background recomputation of cached analyses. A
// bounded worker pool runs refresh jobs created on behalf of the system user;
// the refresh-run claim in the durable cache guarantees at most one live
// refresh per (subject, pipeline, options), and a local dedup window keeps a
// burst of hits from even attempting the claim repeatedly.
package refresh

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/cache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/localcache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
	"github.com/elonfeng/dinq-analyze-sub001/go/metrics"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
)

const (
	// DefaultWorkers is the refresh pool size.
	DefaultWorkers = 2

	// DefaultQueueSize bounds pending refresh tasks. Overflow is dropped;
	// a later cache hit will re-trigger the refresh.
	DefaultQueueSize = 64

	// DefaultDedupWindow is how long a refresh trigger for one cache key
	// suppresses further triggers for the same key.
	DefaultDedupWindow = 5 * time.Minute

	// hitCounterSize bounds the per-key hit counter cache.
	hitCounterSize = 4096
)

// JobEnqueuer hands newly-created jobs to the scheduler.
type JobEnqueuer interface {
	EnqueueJob(jobID string)
}

// Config holds the refresher's tuning knobs. The zero value selects defaults.
type Config struct {
	// Workers is the refresh pool size.
	Workers int

	// QueueSize bounds pending refresh tasks.
	QueueSize int

	// DedupWindow suppresses repeat triggers for one cache key.
	DedupWindow time.Duration

	// PipelineVersion partitions the cache.
	PipelineVersion string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	return c
}

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Refresher owns the refresh worker pool and the cache write-back performed
// when jobs finish.
type Refresher struct {
	d        db.DB
	c        cache.Cache
	local    *localcache.Cache
	enqueuer JobEnqueuer
	policies cache.Policies
	cfg      Config

	tasks chan task

	dedupMtx sync.Mutex
	dedup    map[string]time.Time

	hits *lru.Cache

	runsMtx sync.Mutex
	runs    map[string]*refreshClaim

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// refreshClaim records the cache partition a refresh job was created for, so
// the claim can be released when the job finishes.
type refreshClaim struct {
	subjectID       string
	pipelineVersion string
	optionsHash     string
	key             string
}

// New returns a Refresher. local may be nil when no local cache tier is
// configured. Start must be called before triggers are processed.
func New(d db.DB, c cache.Cache, local *localcache.Cache, enqueuer JobEnqueuer, policies cache.Policies, cfg Config) (*Refresher, error) {
	cfg = cfg.withDefaults()
	hits, err := lru.New(hitCounterSize)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	return &Refresher{
		d:        d,
		c:        c,
		local:    local,
		enqueuer: enqueuer,
		policies: policies,
		cfg:      cfg,
		tasks:    make(chan task, cfg.QueueSize),
		dedup:    map[string]time.Time{},
		hits:     hits,
		runs:     map[string]*refreshClaim{},
	}, nil
}

// Start launches the worker pool.
func (r *Refresher) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop drains nothing; in-flight tasks finish, queued tasks are dropped.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Refresher) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case t := <-r.tasks:
			r.runTask(t)
		}
	}
}

// runTask executes one task, containing panics. Refresh is best-effort; a
// failed task is only logged.
func (r *Refresher) runTask(t task) {
	defer func() {
		if p := recover(); p != nil {
			dlog.Errorf("Refresh task %s panicked: %v", t.name, p)
		}
	}()
	t.fn(r.ctx)
}

// Submit queues a task on the pool. Returns false if the queue is full.
func (r *Refresher) Submit(name string, fn func(ctx context.Context)) bool {
	select {
	case r.tasks <- task{name: name, fn: fn}:
		return true
	default:
		metrics.GetCounter("refresh_queue_full", nil).Inc()
		dlog.Warningf("Refresh queue full; dropping task %s", name)
		return false
	}
}

// NoteHit records one cache hit for the given cache key and returns the
// running count.
func (r *Refresher) NoteHit(key string) int {
	count := 1
	if v, ok := r.hits.Get(key); ok {
		count = v.(int) + 1
	}
	r.hits.Add(key, count)
	return count
}

// ShouldRefresh decides whether a cache hit warrants a background refresh:
// always for stale hits, and every RefreshHitThreshold fresh hits.
func ShouldRefresh(policy cache.Policy, stale bool, hits int) bool {
	if stale {
		return true
	}
	return policy.RefreshHitThreshold > 0 && hits > 0 && hits%policy.RefreshHitThreshold == 0
}

// tryDedup returns true if the key is outside its dedup window and records
// the trigger.
func (r *Refresher) tryDedup(ctx context.Context, key string) bool {
	ts := now.Now(ctx)
	r.dedupMtx.Lock()
	defer r.dedupMtx.Unlock()
	if last, ok := r.dedup[key]; ok && ts.Sub(last) < r.cfg.DedupWindow {
		return false
	}
	// Opportunistic prune; the map only holds recently-triggered keys.
	for k, v := range r.dedup {
		if ts.Sub(v) >= r.cfg.DedupWindow {
			delete(r.dedup, k)
		}
	}
	r.dedup[key] = ts
	return true
}

// Trigger schedules a background refresh of the given cache partition. The
// options are those of the original request; force_refresh is added so the
// refresh job bypasses the cache fast path. Returns true if a refresh task
// was queued.
func (r *Refresher) Trigger(ctx context.Context, subject *cache.Subject, options map[string]interface{}, reason string) bool {
	optionsHash := cache.OptionsHash(options)
	key := cache.ArtifactKey(subject.Source, subject.SubjectKey, r.cfg.PipelineVersion, optionsHash, cache.KindFinalResult)
	if !r.tryDedup(ctx, key) {
		return false
	}
	opts := types.CopyObject(options)
	if opts == nil {
		opts = map[string]interface{}{}
	}
	opts["force_refresh"] = true
	subjectCopy := *subject
	return r.Submit("refresh "+subject.Source+"/"+subject.SubjectKey, func(ctx context.Context) {
		r.startRefreshJob(ctx, &subjectCopy, opts, optionsHash, key, reason)
	})
}

func (r *Refresher) startRefreshJob(ctx context.Context, subject *cache.Subject, options map[string]interface{}, optionsHash, key, reason string) {
	claimed, err := r.c.TryBeginRefreshRun(ctx, subject.Id, r.cfg.PipelineVersion, optionsHash, map[string]interface{}{
		"reason": reason,
	})
	if err != nil {
		dlog.Errorf("Failed to claim refresh run for %s/%s: %s", subject.Source, subject.SubjectKey, err)
		return
	}
	if !claimed {
		return
	}
	plan, err := planner.Plan(subject.Source, nil)
	if err != nil {
		r.failRun(ctx, subject.Id, optionsHash, err.Error())
		return
	}
	job, _, err := r.d.CreateJobBundle(ctx, &db.CreateJobBundleRequest{
		UserId:     types.SystemUserID,
		Source:     subject.Source,
		SubjectKey: subject.SubjectKey,
		Input:      map[string]interface{}{"content": subject.CanonicalInput},
		Options:    options,
		Plan:       plan,
	})
	if err != nil {
		r.failRun(ctx, subject.Id, optionsHash, err.Error())
		return
	}
	r.runsMtx.Lock()
	r.runs[job.Id] = &refreshClaim{
		subjectID:       subject.Id,
		pipelineVersion: r.cfg.PipelineVersion,
		optionsHash:     optionsHash,
		key:             key,
	}
	r.runsMtx.Unlock()
	metrics.GetCounter("refresh_jobs_started", nil).Inc()
	dlog.Infof("Started refresh job %s for %s/%s (%s)", job.Id, subject.Source, subject.SubjectKey, reason)
	r.enqueuer.EnqueueJob(job.Id)
}

func (r *Refresher) failRun(ctx context.Context, subjectID, optionsHash, reason string) {
	if err := r.c.FailRefreshRun(ctx, subjectID, r.cfg.PipelineVersion, optionsHash, reason, nil); err != nil {
		dlog.Errorf("Failed to release refresh run for subject %s: %s", subjectID, err)
	}
}

// BundleFromCards assembles the cacheable final bundle from a finished job's
// cards: {"cards": {<card_type>: <data>}}, completed business cards only.
func BundleFromCards(cards []*types.Card) map[string]interface{} {
	byType := map[string]interface{}{}
	for _, c := range cards {
		if c.Internal || types.IsInternalCardType(c.Type) {
			continue
		}
		if c.Status != types.CardStatusCompleted || c.Output == nil || c.Output.Data == nil {
			continue
		}
		byType[c.Type] = types.CopyObject(c.Output.Data)
	}
	return map[string]interface{}{"cards": byType}
}

// JobFinished is the scheduler hook: it writes completed jobs back to the
// caches and releases the refresh claim when the job was a refresh run.
// Matches scheduling.JobFinishedHook.
func (r *Refresher) JobFinished(ctx context.Context, job *types.Job, cards []*types.Card) {
	if job.Status == types.JobStatusCompleted && cache.CacheableSubjectKey(job.Source, job.SubjectKey) {
		r.writeBack(ctx, job, cards)
	}

	r.runsMtx.Lock()
	claim, ok := r.runs[job.Id]
	if ok {
		delete(r.runs, job.Id)
	}
	r.runsMtx.Unlock()
	if !ok {
		return
	}
	if job.Status == types.JobStatusCompleted {
		if err := r.c.CompleteRefreshRun(ctx, claim.subjectID, claim.pipelineVersion, claim.optionsHash); err != nil {
			dlog.Errorf("Failed to complete refresh run for job %s: %s", job.Id, err)
		}
		metrics.GetCounter("refresh_jobs_finished", map[string]string{"result": "completed"}).Inc()
	} else {
		if err := r.c.FailRefreshRun(ctx, claim.subjectID, claim.pipelineVersion, claim.optionsHash, "job "+string(job.Status), nil); err != nil {
			dlog.Errorf("Failed to release refresh run for job %s: %s", job.Id, err)
		}
		metrics.GetCounter("refresh_jobs_finished", map[string]string{"result": string(job.Status)}).Inc()
	}
}

func (r *Refresher) writeBack(ctx context.Context, job *types.Job, cards []*types.Card) {
	bundle := BundleFromCards(cards)
	if byType, ok := bundle["cards"].(map[string]interface{}); !ok || len(byType) == 0 {
		return
	}
	subject, err := r.c.GetOrCreateSubject(ctx, job.Source, job.SubjectKey, canonicalInput(job))
	if err != nil {
		dlog.Errorf("Failed to resolve subject for job %s: %s", job.Id, err)
		return
	}
	policy := r.policies.For(job.Source)
	optionsHash := cache.OptionsHash(job.Options)
	meta := map[string]interface{}{"job_id": job.Id, "user_id": job.UserId}
	if err := r.c.SaveFullReport(ctx, subject, r.cfg.PipelineVersion, optionsHash, bundle, policy.TTL, meta); err != nil {
		dlog.Errorf("Failed to cache final result for job %s: %s", job.Id, err)
		return
	}
	if r.local != nil {
		key := cache.ArtifactKey(job.Source, job.SubjectKey, r.cfg.PipelineVersion, optionsHash, cache.KindFinalResult)
		if err := r.local.SetJSON(ctx, key, bundle, policy.TTL); err != nil {
			dlog.Warningf("Failed to write local cache for job %s: %s", job.Id, err)
		}
	}
	metrics.GetCounter("cache_writeback", map[string]string{"source": job.Source}).Inc()
}

func canonicalInput(job *types.Job) string {
	if v, ok := job.Input["content"].(string); ok {
		return v
	}
	return ""
}
