// Package scheduling implements the card scheduler: it releases cards whose
// dependencies have finished, dispatches them to executors under per-group
// concurrency limits, applies the quality gate, retries transient failures,
// cascades skips from failed dependencies, and finalizes jobs. All status
// moves go through the JobDB's compare-and-set operations, so running two
// schedulers against one database is safe, if wasteful.
package scheduling

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/executor"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/quality"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
	"github.com/elonfeng/dinq-analyze-sub001/go/metrics"
	"github.com/elonfeng/dinq-analyze-sub001/go/util"
)

const (
	// MaxMaxWorkers caps the configured worker count.
	MaxMaxWorkers = 32

	// DefaultMaxWorkers is the worker count when none is configured.
	DefaultMaxWorkers = 8

	// DefaultCardTimeout bounds one execution attempt of one card.
	DefaultCardTimeout = 2 * time.Minute

	// DefaultRetryBackoff is the delay before the first retry; it doubles
	// per attempt.
	DefaultRetryBackoff = 2 * time.Second

	// DefaultTickInterval is how often active jobs are re-scanned even
	// without a wake signal.
	DefaultTickInterval = time.Second

	// wakeBufferSize bounds the wake channel. Dropped wakes are recovered
	// by the next tick.
	wakeBufferSize = 256
)

// Config holds the scheduler's tuning knobs. The zero value selects defaults
// for every field.
type Config struct {
	// MaxWorkers bounds concurrently-running cards across all jobs.
	// Clamped to [1, MaxMaxWorkers].
	MaxWorkers int

	// GroupLimits bounds concurrently-running cards per concurrency group.
	// Groups without an entry are bounded only by MaxWorkers.
	GroupLimits map[string]int

	// CardTimeout bounds one execution attempt of one card.
	CardTimeout time.Duration

	// RetryBackoff is the delay before the first retry of a card. It
	// doubles per attempt.
	RetryBackoff time.Duration

	// TickInterval is how often active jobs are re-scanned.
	TickInterval time.Duration

	// DefaultRetries, AIRetries, and ResourceRetries are the per-kind
	// retry budgets. Negative means zero.
	DefaultRetries  int
	AIRetries       int
	ResourceRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	c.MaxWorkers = util.Clamp(c.MaxWorkers, 1, MaxMaxWorkers)
	if c.CardTimeout <= 0 {
		c.CardTimeout = DefaultCardTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = 0
	}
	if c.AIRetries < 0 {
		c.AIRetries = 0
	}
	if c.ResourceRetries < 0 {
		c.ResourceRetries = 0
	}
	return c
}

// DefaultConfig returns the stock scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers: DefaultMaxWorkers,
		GroupLimits: map[string]int{
			planner.GroupLLM:       4,
			planner.GroupGithubAPI: 4,
			planner.GroupCrawlbase: 2,
			planner.GroupApify:     2,
		},
		DefaultRetries:  1,
		AIRetries:       1,
		ResourceRetries: 2,
	}.withDefaults()
}

// JobFinishedHook is called once per job, after the scheduler has finalized
// it and appended its terminal event. Cards carry their final output.
type JobFinishedHook func(ctx context.Context, job *types.Job, cards []*types.Card)

type activeJob struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler drives jobs from queued to terminal.
type Scheduler struct {
	d    db.DB
	exec executor.CardExecutor
	gate quality.Gate
	cfg  Config

	workers *semaphore.Weighted

	groupMtx sync.Mutex
	groups   map[string]*semaphore.Weighted

	jobsMtx sync.Mutex
	jobs    map[string]*activeJob

	wakeCh chan string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	hookMtx sync.Mutex
	hooks   []JobFinishedHook
}

// New returns a Scheduler. Start must be called before jobs are processed.
func New(d db.DB, exec executor.CardExecutor, gate quality.Gate, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	if gate == nil {
		gate = quality.NewDefaultGate()
	}
	return &Scheduler{
		d:       d,
		exec:    exec,
		gate:    gate,
		cfg:     cfg,
		workers: semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		groups:  map[string]*semaphore.Weighted{},
		jobs:    map[string]*activeJob{},
		wakeCh:  make(chan string, wakeBufferSize),
	}
}

// OnJobFinished registers a hook called after every finalized job. Must be
// called before Start.
func (s *Scheduler) OnJobFinished(hook JobFinishedHook) {
	s.hookMtx.Lock()
	defer s.hookMtx.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start resumes unfinished jobs from the database and begins scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return derr.Fmt("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	unfinished, err := s.d.GetUnfinishedJobs(s.ctx)
	if err != nil {
		return derr.Wrapf(err, "loading unfinished jobs")
	}
	for _, job := range unfinished {
		s.activate(job.Id)
	}
	if len(unfinished) > 0 {
		dlog.Infof("Resuming %d unfinished jobs", len(unfinished))
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels all running cards and waits for workers to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// EnqueueJob registers a newly-created job for scheduling.
func (s *Scheduler) EnqueueJob(jobID string) {
	s.activate(jobID)
	s.wake(jobID)
}

// CancelJob finalizes the job as cancelled. Returns true if this call
// performed the transition; false if the job was already terminal.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) (bool, error) {
	won, err := s.d.TryFinalizeJob(ctx, jobID, types.JobStatusCancelled)
	if err != nil {
		return false, derr.Wrapf(err, "cancelling job %s", jobID)
	}
	if !won {
		return false, nil
	}
	if _, err := s.d.AppendEvent(ctx, jobID, "", types.EventJobFailed, map[string]interface{}{
		"status": string(types.JobStatusCancelled),
	}); err != nil {
		dlog.Errorf("Failed to append terminal event for cancelled job %s: %s", jobID, err)
	}
	metrics.GetCounter("scheduler_jobs_finished", map[string]string{"status": string(types.JobStatusCancelled)}).Inc()
	s.deactivate(jobID)
	return true, nil
}

func (s *Scheduler) activate(jobID string) {
	s.jobsMtx.Lock()
	defer s.jobsMtx.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return
	}
	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.jobs[jobID] = &activeJob{ctx: ctx, cancel: cancel}
}

func (s *Scheduler) deactivate(jobID string) {
	s.jobsMtx.Lock()
	defer s.jobsMtx.Unlock()
	if aj, ok := s.jobs[jobID]; ok {
		aj.cancel()
		delete(s.jobs, jobID)
	}
}

func (s *Scheduler) jobCtx(jobID string) context.Context {
	s.jobsMtx.Lock()
	defer s.jobsMtx.Unlock()
	if aj, ok := s.jobs[jobID]; ok {
		return aj.ctx
	}
	return nil
}

func (s *Scheduler) activeJobIDs() []string {
	s.jobsMtx.Lock()
	defer s.jobsMtx.Unlock()
	rv := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		rv = append(rv, id)
	}
	return rv
}

// wake requests a scheduling pass for the job. Never blocks; a full channel
// is recovered by the next tick.
func (s *Scheduler) wake(jobID string) {
	select {
	case s.wakeCh <- jobID:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			for _, id := range s.activeJobIDs() {
				s.scheduleJob(id)
			}
		case id := <-s.wakeCh:
			s.scheduleJob(id)
		}
	}
}

func (s *Scheduler) groupSem(group string) *semaphore.Weighted {
	limit, ok := s.cfg.GroupLimits[group]
	if !ok || limit <= 0 {
		return nil
	}
	s.groupMtx.Lock()
	defer s.groupMtx.Unlock()
	if sem, ok := s.groups[group]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(int64(limit))
	s.groups[group] = sem
	return sem
}

// scheduleJob performs one scheduling pass over the job: release newly-ready
// cards, dispatch as many as the limits allow, and finalize if everything is
// terminal.
func (s *Scheduler) scheduleJob(jobID string) {
	ctx := s.jobCtx(jobID)
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.d.ReleaseReadyCards(ctx, jobID); err != nil {
		dlog.Errorf("Failed to release cards for job %s: %s", jobID, err)
		return
	}
	job, cards, err := s.d.GetJobWithCards(ctx, jobID, false)
	if err != nil {
		dlog.Errorf("Failed to read job %s: %s", jobID, err)
		return
	}
	if job == nil {
		s.deactivate(jobID)
		return
	}
	if job.Done() {
		s.deactivate(jobID)
		return
	}

	ready := make([]*types.Card, 0, len(cards))
	for _, c := range cards {
		if c.Status == types.CardStatusReady {
			ready = append(ready, c)
		}
	}
	// Higher priority first; insertion order breaks ties.
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Created.Before(ready[j].Created)
	})

	dispatched := false
	for _, card := range ready {
		if card.Type == types.CardTypeFullReport {
			// The aggregate card never runs; it exists so the job only
			// finishes after every business card is terminal.
			if _, err := s.d.TryTransitionCard(ctx, card.Id, types.CardStatusReady, types.CardStatusSkipped); err != nil {
				dlog.Errorf("Failed to skip %s card for job %s: %s", card.Type, jobID, err)
			}
			continue
		}
		if !s.workers.TryAcquire(1) {
			break
		}
		sem := s.groupSem(card.ConcurrencyGroup)
		if sem != nil && !sem.TryAcquire(1) {
			s.workers.Release(1)
			continue
		}
		claimed, err := s.d.TryTransitionCard(ctx, card.Id, types.CardStatusReady, types.CardStatusRunning)
		if err != nil || !claimed {
			if err != nil {
				dlog.Errorf("Failed to claim card %s: %s", card.Id, err)
			}
			if sem != nil {
				sem.Release(1)
			}
			s.workers.Release(1)
			continue
		}
		if _, err := s.d.TryTransitionJob(ctx, jobID, types.JobStatusQueued, types.JobStatusRunning); err != nil {
			dlog.Errorf("Failed to mark job %s running: %s", jobID, err)
		}
		dispatched = true
		release := func() {
			if sem != nil {
				sem.Release(1)
			}
			s.workers.Release(1)
		}
		s.wg.Add(1)
		go s.runCard(ctx, job.Copy(), card.Copy(), release)
	}
	if !dispatched {
		s.maybeFinalize(ctx, jobID)
	}
}

// retryBudget returns the number of retries allowed for the card.
func (s *Scheduler) retryBudget(card *types.Card) int {
	if strings.HasPrefix(card.Type, types.ResourceCardPrefix) {
		return s.cfg.ResourceRetries
	}
	if card.ConcurrencyGroup == planner.GroupLLM {
		return s.cfg.AIRetries
	}
	return s.cfg.DefaultRetries
}

// runCard executes one claimed card to a terminal status or a scheduled
// retry. The caller holds the running claim, so this is the only writer.
func (s *Scheduler) runCard(ctx context.Context, job *types.Job, card *types.Card, release func()) {
	defer s.wg.Done()
	defer release()

	internal := card.Internal || types.IsInternalCardType(card.Type)
	if !internal {
		s.appendEvent(ctx, job.Id, card.Id, types.EventCardStarted, map[string]interface{}{
			"card_type": card.Type,
		})
	}

	cardCtx, cancel := context.WithTimeout(ctx, s.cfg.CardTimeout)
	defer cancel()

	var streamMtx sync.Mutex
	stream := map[string]interface{}{}
	progress := func(step, message string, data map[string]interface{}) {
		if internal {
			return
		}
		payload := map[string]interface{}{"card_type": card.Type}
		eventType := types.EventCardProgress
		switch step {
		case "delta":
			eventType = types.EventCardDelta
			payload["delta"] = data
			streamMtx.Lock()
			for k, v := range data {
				stream[k] = v
			}
			streamMtx.Unlock()
		case "append":
			eventType = types.EventCardAppend
			payload["append"] = data
			streamMtx.Lock()
			for k, v := range data {
				existing, _ := stream[k].([]interface{})
				if items, ok := v.([]interface{}); ok {
					stream[k] = append(existing, items...)
				} else {
					stream[k] = append(existing, v)
				}
			}
			streamMtx.Unlock()
		default:
			payload["step"] = step
			payload["message"] = message
			if data != nil {
				payload["data"] = data
			}
		}
		s.appendEvent(ctx, job.Id, card.Id, eventType, payload)
	}

	data, err := s.exec.ExecuteCard(cardCtx, job, card, progress)
	if err != nil {
		if ctx.Err() != nil {
			// Job cancelled or scheduler shutting down; leave no trace
			// beyond the skip.
			if _, uErr := s.d.UpdateCardStatus(context.Background(), card.Id, types.CardStatusSkipped, nil, nil); uErr != nil {
				dlog.Errorf("Failed to skip card %s after cancellation: %s", card.Id, uErr)
			}
			return
		}
		timedOut := cardCtx.Err() == context.DeadlineExceeded
		if executor.IsTransient(err) && card.RetryCount < s.retryBudget(card) {
			s.scheduleRetry(job.Id, card, err)
			return
		}
		status := types.CardStatusFailed
		if timedOut {
			status = types.CardStatusTimeout
		}
		s.failCard(ctx, job, card, internal, status, err.Error())
		return
	}

	if internal {
		s.completeInternalCard(ctx, job, card, data)
		return
	}

	gctx := &quality.Context{
		JobId:      job.Id,
		Source:     job.Source,
		SubjectKey: job.SubjectKey,
	}
	if artifacts, aErr := s.d.GetArtifactsForJob(ctx, job.Id); aErr == nil {
		gctx.Artifacts = artifacts
	} else {
		dlog.Warningf("Failed to load artifacts for job %s: %s", job.Id, aErr)
	}
	outcome := s.gate.Check(job.Source, card.Type, data, gctx)
	if outcome.Action == quality.ActionReject {
		if card.RetryCount < s.retryBudget(card) {
			s.scheduleRetry(job.Id, card, derr.Fmt("quality gate rejected %s: %s", card.Type, outcome.Issue))
			return
		}
		s.failCard(ctx, job, card, internal, types.CardStatusFailed, "quality gate rejected: "+outcome.Issue)
		return
	}

	streamMtx.Lock()
	output := &types.CardOutput{Data: outcome.Normalized, Stream: stream}
	streamMtx.Unlock()
	if _, err := s.d.UpdateCardStatus(ctx, card.Id, types.CardStatusCompleted, output, nil); err != nil {
		dlog.Errorf("Failed to complete card %s: %s", card.Id, err)
		return
	}
	s.appendEvent(ctx, job.Id, card.Id, types.EventCardCompleted, map[string]interface{}{
		"card_type": card.Type,
		"data":      outcome.Normalized,
	})
	metrics.GetCounter("scheduler_cards_finished", map[string]string{"status": string(types.CardStatusCompleted)}).Inc()
	s.wake(job.Id)
}

// completeInternalCard records a resource card's payload as a job artifact
// and completes the card with an empty envelope. Internal cards emit no
// events.
func (s *Scheduler) completeInternalCard(ctx context.Context, job *types.Job, card *types.Card, data map[string]interface{}) {
	if strings.HasPrefix(card.Type, types.ResourceCardPrefix) && data != nil {
		if err := s.d.PutArtifact(ctx, job.Id, card.Type, data); err != nil && !db.IsAlreadyExists(err) {
			dlog.Errorf("Failed to store artifact %s for job %s: %s", card.Type, job.Id, err)
		}
	}
	if _, err := s.d.UpdateCardStatus(ctx, card.Id, types.CardStatusCompleted, nil, nil); err != nil {
		dlog.Errorf("Failed to complete card %s: %s", card.Id, err)
		return
	}
	metrics.GetCounter("scheduler_cards_finished", map[string]string{"status": string(types.CardStatusCompleted)}).Inc()
	s.wake(job.Id)
}

// scheduleRetry keeps the card in running during the backoff delay, then
// moves it back to ready with an incremented retry count.
func (s *Scheduler) scheduleRetry(jobID string, card *types.Card, cause error) {
	delay := s.cfg.RetryBackoff << uint(card.RetryCount)
	dlog.Infof("Retrying card %s (%s) in %s: %s", card.Id, card.Type, delay, cause)
	retries := card.RetryCount + 1
	time.AfterFunc(delay, func() {
		ctx := s.jobCtx(jobID)
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if _, err := s.d.UpdateCardStatus(ctx, card.Id, types.CardStatusReady, nil, &retries); err != nil {
			dlog.Errorf("Failed to requeue card %s: %s", card.Id, err)
			return
		}
		s.wake(jobID)
	})
}

// failCard records the terminal failure, emits card.failed for the failing
// card, and cascades skips to its dependents. Skipped dependents get no
// events of their own; clients read their status off the snapshot.
func (s *Scheduler) failCard(ctx context.Context, job *types.Job, card *types.Card, internal bool, status types.CardStatus, reason string) {
	if _, err := s.d.UpdateCardStatus(ctx, card.Id, status, nil, nil); err != nil {
		dlog.Errorf("Failed to fail card %s: %s", card.Id, err)
		return
	}
	if !internal {
		s.appendEvent(ctx, job.Id, card.Id, types.EventCardFailed, map[string]interface{}{
			"card_type": card.Type,
			"error":     reason,
		})
	}
	metrics.GetCounter("scheduler_cards_finished", map[string]string{"status": string(status)}).Inc()
	if _, err := s.d.MarkDependentCardsSkipped(ctx, job.Id, card.Type); err != nil {
		dlog.Errorf("Failed to cascade skips from card %s: %s", card.Id, err)
	}
	s.wake(job.Id)
}

// maybeFinalize moves the job to its terminal status once every card is
// terminal, and emits the single terminal event.
func (s *Scheduler) maybeFinalize(ctx context.Context, jobID string) {
	job, cards, err := s.d.GetJobWithCards(ctx, jobID, true)
	if err != nil {
		dlog.Errorf("Failed to read job %s for finalization: %s", jobID, err)
		return
	}
	if job == nil || job.Done() {
		s.deactivate(jobID)
		return
	}
	anyFailed := false
	anyCompleted := false
	for _, c := range cards {
		if !c.Done() {
			return
		}
		internal := c.Internal || types.IsInternalCardType(c.Type)
		switch c.Status {
		case types.CardStatusFailed, types.CardStatusTimeout:
			anyFailed = true
		case types.CardStatusSkipped:
			// Skipped business cards mean a dependency failed; the
			// aggregate card is skipped on every run.
			if !internal {
				anyFailed = true
			}
		case types.CardStatusCompleted:
			if !internal {
				anyCompleted = true
			}
		}
	}
	status := types.JobStatusCompleted
	if anyFailed {
		if anyCompleted {
			status = types.JobStatusPartial
		} else {
			status = types.JobStatusFailed
		}
	}
	won, err := s.d.TryFinalizeJob(ctx, jobID, status)
	if err != nil {
		dlog.Errorf("Failed to finalize job %s: %s", jobID, err)
		return
	}
	if !won {
		s.deactivate(jobID)
		return
	}
	eventType := types.EventJobCompleted
	if status == types.JobStatusFailed {
		eventType = types.EventJobFailed
	}
	s.appendEvent(ctx, jobID, "", eventType, map[string]interface{}{
		"status": string(status),
	})
	metrics.GetCounter("scheduler_jobs_finished", map[string]string{"status": string(status)}).Inc()
	dlog.Infof("Job %s finished with status %s", jobID, status)

	job.Status = status
	s.hookMtx.Lock()
	hooks := s.hooks
	s.hookMtx.Unlock()
	for _, hook := range hooks {
		hook(ctx, job, cards)
	}
	s.deactivate(jobID)
}

func (s *Scheduler) appendEvent(ctx context.Context, jobID, cardID, eventType string, payload map[string]interface{}) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := s.d.AppendEvent(ctx, jobID, cardID, eventType, payload); err != nil {
		dlog.Errorf("Failed to append %s event for job %s: %s", eventType, jobID, err)
	}
}
