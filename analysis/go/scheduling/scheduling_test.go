package scheduling

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/executor"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
)

const testWait = 10 * time.Second

func testConfig() Config {
	return Config{
		MaxWorkers:   4,
		TickInterval: 10 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	}
}

func startScheduler(t *testing.T, d db.DB, exec executor.CardExecutor, cfg Config) *Scheduler {
	s := New(d, exec, nil, cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func createJob(t *testing.T, d db.DB, requested []string) *types.Job {
	plan, err := planner.Plan(planner.SourceGithub, requested)
	require.NoError(t, err)
	job, created, err := d.CreateJobBundle(context.Background(), &db.CreateJobBundleRequest{
		UserId:     "user1",
		Source:     planner.SourceGithub,
		SubjectKey: "login:torvalds",
		Input:      map[string]interface{}{"content": "torvalds"},
		Plan:       plan,
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func waitForJob(t *testing.T, d db.DB, jobID string) *types.Job {
	var job *types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = d.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		return job != nil && job.Done()
	}, testWait, 5*time.Millisecond)
	return job
}

func cardsByType(t *testing.T, d db.DB, jobID string) map[string]*types.Card {
	_, cards, err := d.GetJobWithCards(context.Background(), jobID, true)
	require.NoError(t, err)
	rv := map[string]*types.Card{}
	for _, c := range cards {
		rv[c.Type] = c
	}
	return rv
}

// okExec returns a payload which passes the default gate for every card.
func okExec() executor.CardExecutor {
	return executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		return map[string]interface{}{"name": "Rob Pike", "card": card.Type}, nil
	})
}

func TestFullRunCompletes(t *testing.T) {
	d := db.NewInMemoryDB()
	s := startScheduler(t, d, okExec(), testConfig())
	job := createJob(t, d, nil)
	s.EnqueueJob(job.Id)

	finished := waitForJob(t, d, job.Id)
	require.Equal(t, types.JobStatusCompleted, finished.Status)

	cards := cardsByType(t, d, job.Id)
	for cardType, c := range cards {
		if cardType == types.CardTypeFullReport {
			require.Equal(t, types.CardStatusSkipped, c.Status)
			continue
		}
		require.Equal(t, types.CardStatusCompleted, c.Status, cardType)
	}
	// Business cards carry their gated output.
	require.Equal(t, "Rob Pike", cards["profile"].Output.Data["name"])

	// Resource payloads were recorded as artifacts.
	artifact, err := d.GetArtifact(context.Background(), job.Id, "resource.github.profile")
	require.NoError(t, err)
	require.NotNil(t, artifact)

	events, err := d.GetEventsAfter(context.Background(), job.Id, 0)
	require.NoError(t, err)
	started, completed, terminal := 0, 0, 0
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
		switch ev.Type {
		case types.EventCardStarted:
			started++
		case types.EventCardCompleted:
			completed++
		case types.EventJobCompleted, types.EventJobFailed:
			terminal++
		}
	}
	// One started and one completed event per business card, internal
	// cards silent, exactly one terminal event, which is last.
	business := len(planner.BusinessCards(planner.SourceGithub))
	require.Equal(t, business, started)
	require.Equal(t, business, completed)
	require.Equal(t, 1, terminal)
	require.Equal(t, types.EventJobCompleted, events[len(events)-1].Type)
}

func TestPartialFailureCascades(t *testing.T) {
	d := db.NewInMemoryDB()
	exec := executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		if card.Type == "resource.github.enrich" {
			return nil, derr.Fmt("upstream said no")
		}
		return map[string]interface{}{"name": "Rob Pike"}, nil
	})
	s := startScheduler(t, d, exec, testConfig())
	job := createJob(t, d, nil)
	s.EnqueueJob(job.Id)

	finished := waitForJob(t, d, job.Id)
	require.Equal(t, types.JobStatusPartial, finished.Status)

	cards := cardsByType(t, d, job.Id)
	require.Equal(t, types.CardStatusFailed, cards["resource.github.enrich"].Status)
	// Everything downstream of the failed fetch is skipped.
	for _, cardType := range []string{"skills", "role_model", "salary"} {
		require.Equal(t, types.CardStatusSkipped, cards[cardType].Status, cardType)
	}
	// Cards off the failed branch still complete.
	for _, cardType := range []string{"profile", "repos", "roast", "summary"} {
		require.Equal(t, types.CardStatusCompleted, cards[cardType].Status, cardType)
	}

	events, err := d.GetEventsAfter(context.Background(), job.Id, 0)
	require.NoError(t, err)
	failedTypes := map[string]bool{}
	terminal := 0
	for _, ev := range events {
		if ev.Type == types.EventCardFailed {
			failedTypes[ev.Payload["card_type"].(string)] = true
		}
		if types.IsJobTerminalEvent(ev.Type) {
			terminal++
		}
	}
	// The failed card is internal and the skipped dependents emit nothing,
	// so the stream carries no card.failed events at all; clients read the
	// skips off the snapshot.
	require.Empty(t, failedTypes)
	require.Equal(t, 1, terminal)
}

func TestAllFailedViaSkipsIsFailed(t *testing.T) {
	d := db.NewInMemoryDB()
	exec := executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		return nil, derr.Fmt("fetch exploded")
	})
	s := startScheduler(t, d, exec, testConfig())
	// Root fetch fails; every business card is skipped, none completes.
	job := createJob(t, d, nil)
	s.EnqueueJob(job.Id)

	finished := waitForJob(t, d, job.Id)
	require.Equal(t, types.JobStatusFailed, finished.Status)

	events, err := d.GetEventsAfter(context.Background(), job.Id, 0)
	require.NoError(t, err)
	require.Equal(t, types.EventJobFailed, events[len(events)-1].Type)
}

func TestTransientErrorRetries(t *testing.T) {
	d := db.NewInMemoryDB()
	var mtx sync.Mutex
	attempts := map[string]int{}
	exec := executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		mtx.Lock()
		attempts[card.Type]++
		n := attempts[card.Type]
		mtx.Unlock()
		if card.Type == "profile" && n == 1 {
			return nil, executor.Transient(derr.Fmt("rate limited"))
		}
		return map[string]interface{}{"name": "Rob Pike"}, nil
	})
	cfg := testConfig()
	cfg.DefaultRetries = 1
	s := startScheduler(t, d, exec, cfg)
	job := createJob(t, d, []string{"profile"})
	s.EnqueueJob(job.Id)

	finished := waitForJob(t, d, job.Id)
	require.Equal(t, types.JobStatusCompleted, finished.Status)

	cards := cardsByType(t, d, job.Id)
	require.Equal(t, types.CardStatusCompleted, cards["profile"].Status)
	require.Equal(t, 1, cards["profile"].RetryCount)
	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, 2, attempts["profile"])
}

func TestTransientErrorExhaustsBudget(t *testing.T) {
	d := db.NewInMemoryDB()
	exec := executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		if strings.HasPrefix(card.Type, types.ResourceCardPrefix) {
			return map[string]interface{}{"ok": true}, nil
		}
		return nil, executor.Transient(derr.Fmt("still rate limited"))
	})
	cfg := testConfig()
	cfg.DefaultRetries = 1
	s := startScheduler(t, d, exec, cfg)
	job := createJob(t, d, []string{"profile"})
	s.EnqueueJob(job.Id)

	finished := waitForJob(t, d, job.Id)
	require.Equal(t, types.JobStatusFailed, finished.Status)
	cards := cardsByType(t, d, job.Id)
	require.Equal(t, types.CardStatusFailed, cards["profile"].Status)
	require.Equal(t, 1, cards["profile"].RetryCount)
}

func TestQualityRejectionFailsCard(t *testing.T) {
	d := db.NewInMemoryDB()
	exec := executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		if card.Type == "roast" {
			// Empty data is rejected by the default gate.
			return map[string]interface{}{}, nil
		}
		return map[string]interface{}{"name": "Rob Pike"}, nil
	})
	s := startScheduler(t, d, exec, testConfig())
	job := createJob(t, d, []string{"roast", "profile"})
	s.EnqueueJob(job.Id)

	finished := waitForJob(t, d, job.Id)
	require.Equal(t, types.JobStatusPartial, finished.Status)
	cards := cardsByType(t, d, job.Id)
	require.Equal(t, types.CardStatusFailed, cards["roast"].Status)
	require.Equal(t, types.CardStatusCompleted, cards["profile"].Status)

	// card.failed is emitted for the rejected card itself, once.
	events, err := d.GetEventsAfter(context.Background(), job.Id, 0)
	require.NoError(t, err)
	failed := 0
	for _, ev := range events {
		if ev.Type == types.EventCardFailed {
			failed++
			require.Equal(t, "roast", ev.Payload["card_type"])
		}
	}
	require.Equal(t, 1, failed)
}

func TestProgressEvents(t *testing.T) {
	d := db.NewInMemoryDB()
	exec := executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		if card.Type == "profile" {
			progress("fetching", "reading profile", nil)
			progress("delta", "", map[string]interface{}{"name": "Li"})
			progress("append", "", map[string]interface{}{"log": []interface{}{"step1", "step2"}})
		}
		return map[string]interface{}{"name": "Rob Pike"}, nil
	})
	s := startScheduler(t, d, exec, testConfig())
	job := createJob(t, d, []string{"profile"})
	s.EnqueueJob(job.Id)

	waitForJob(t, d, job.Id)
	events, err := d.GetEventsAfter(context.Background(), job.Id, 0)
	require.NoError(t, err)
	byType := map[string]int{}
	for _, ev := range events {
		byType[ev.Type]++
	}
	require.Equal(t, 1, byType[types.EventCardProgress])
	require.Equal(t, 1, byType[types.EventCardDelta])
	require.Equal(t, 1, byType[types.EventCardAppend])

	// Stream payload accumulated onto the card output.
	cards := cardsByType(t, d, job.Id)
	require.Equal(t, "Li", cards["profile"].Output.Stream["name"])
	require.Equal(t, []interface{}{"step1", "step2"}, cards["profile"].Output.Stream["log"])
}

func TestCancelJob(t *testing.T) {
	d := db.NewInMemoryDB()
	running := make(chan struct{})
	var once sync.Once
	exec := executor.Func(func(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
		if card.Type == "profile" {
			once.Do(func() { close(running) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]interface{}{"ok": true}, nil
	})
	s := startScheduler(t, d, exec, testConfig())
	job := createJob(t, d, []string{"profile"})
	s.EnqueueJob(job.Id)

	select {
	case <-running:
	case <-time.After(testWait):
		t.Fatal("card never started running")
	}
	cancelled, err := s.CancelJob(context.Background(), job.Id)
	require.NoError(t, err)
	require.True(t, cancelled)

	got, err := d.GetJob(context.Background(), job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCancelled, got.Status)

	// Cancelling again is a no-op.
	cancelled, err = s.CancelJob(context.Background(), job.Id)
	require.NoError(t, err)
	require.False(t, cancelled)

	// The running card winds down without a failure record.
	require.Eventually(t, func() bool {
		cards := cardsByType(t, d, job.Id)
		return cards["profile"].Status == types.CardStatusSkipped
	}, testWait, 5*time.Millisecond)

	events, err := d.GetEventsAfter(context.Background(), job.Id, 0)
	require.NoError(t, err)
	terminal := 0
	for _, ev := range events {
		if types.IsJobTerminalEvent(ev.Type) {
			terminal++
			require.Equal(t, string(types.JobStatusCancelled), ev.Payload["status"])
		}
	}
	require.Equal(t, 1, terminal)
}

func TestResumeUnfinishedJobs(t *testing.T) {
	d := db.NewInMemoryDB()
	// The job exists before the scheduler starts, as after a restart.
	job := createJob(t, d, []string{"profile"})

	s := New(d, okExec(), nil, testConfig())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	finished := waitForJob(t, d, job.Id)
	require.Equal(t, types.JobStatusCompleted, finished.Status)
}

func TestJobFinishedHook(t *testing.T) {
	d := db.NewInMemoryDB()
	s := New(d, okExec(), nil, testConfig())

	var mtx sync.Mutex
	var hookJob *types.Job
	var hookCards []*types.Card
	s.OnJobFinished(func(ctx context.Context, job *types.Job, cards []*types.Card) {
		mtx.Lock()
		defer mtx.Unlock()
		hookJob = job
		hookCards = cards
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	job := createJob(t, d, []string{"profile"})
	s.EnqueueJob(job.Id)
	waitForJob(t, d, job.Id)

	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return hookJob != nil
	}, testWait, 5*time.Millisecond)
	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, job.Id, hookJob.Id)
	require.Equal(t, types.JobStatusCompleted, hookJob.Status)
	// The hook sees final card outputs.
	for _, c := range hookCards {
		if c.Type == "profile" {
			require.Equal(t, "Rob Pike", c.Output.Data["name"])
		}
	}
}
