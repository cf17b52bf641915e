package fastpath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/cache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
)

func newFastPath(d db.DB, c cache.Cache) *FastPath {
	return New(d, c, nil, nil, cache.DefaultPolicies(), nil, "v1")
}

func makeJob(t *testing.T, ctx *now.TimeTravelCtx, d db.DB, subjectKey string, options map[string]interface{}) (*types.Job, []*types.Card) {
	plan, err := planner.Plan(planner.SourceGithub, nil)
	require.NoError(t, err)
	job, created, err := d.CreateJobBundle(ctx, &db.CreateJobBundleRequest{
		UserId:     "user1",
		Source:     planner.SourceGithub,
		SubjectKey: subjectKey,
		Input:      map[string]interface{}{"content": "torvalds"},
		Options:    options,
		Plan:       plan,
	})
	require.NoError(t, err)
	require.True(t, created)
	_, cards, err := d.GetJobWithCards(ctx, job.Id, false)
	require.NoError(t, err)
	return job, cards
}

// seedBundle writes a final result covering every github business card.
func seedBundle(t *testing.T, ctx *now.TimeTravelCtx, c cache.Cache, subjectKey string, optionsHash string, ttl time.Duration, omit ...string) {
	subject, err := c.GetOrCreateSubject(ctx, planner.SourceGithub, subjectKey, "torvalds")
	require.NoError(t, err)
	byType := map[string]interface{}{}
	omitted := map[string]bool{}
	for _, cardType := range omit {
		omitted[cardType] = true
	}
	for _, cardType := range planner.BusinessCards(planner.SourceGithub) {
		if omitted[cardType] {
			continue
		}
		byType[cardType] = map[string]interface{}{"name": "Rob Pike", "card": cardType}
	}
	bundle := map[string]interface{}{"cards": byType}
	require.NoError(t, c.SaveFullReport(ctx, subject, "v1", optionsHash, bundle, ttl, nil))
}

func TestMiss(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	fp := newFastPath(d, cache.NewInMemoryCache())

	job, cards := makeJob(t, ctx, d, "login:torvalds", nil)
	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.Nil(t, res)

	// The job is untouched and still the scheduler's to run.
	got, err := d.GetJob(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusQueued, got.Status)
}

func TestHitCompletesJob(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	fp := newFastPath(d, c)

	seedBundle(t, ctx, c, "login:torvalds", cache.OptionsHash(nil), time.Hour)
	job, cards := makeJob(t, ctx, d, "login:torvalds", nil)

	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.False(t, res.Stale)
	require.Equal(t, TierDurable, res.Source)
	require.Len(t, res.Cards, len(planner.BusinessCards(planner.SourceGithub)))
	require.Equal(t, "Rob Pike", res.Cards["summary"].Data["name"])

	got, gotCards, err := d.GetJobWithCards(ctx, job.Id, true)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, got.Status)
	for _, card := range gotCards {
		if card.Internal || types.IsInternalCardType(card.Type) {
			// Internal cards never ran on the cache path.
			require.Equal(t, types.CardStatusSkipped, card.Status, card.Type)
			continue
		}
		require.Equal(t, types.CardStatusCompleted, card.Status, card.Type)
		require.Equal(t, "Rob Pike", card.Output.Data["name"])
	}

	// The event stream has the same shape as a computed run, with cache
	// metadata on every card.
	events, err := d.GetEventsAfter(ctx, job.Id, 0)
	require.NoError(t, err)
	business := len(planner.BusinessCards(planner.SourceGithub))
	require.Len(t, events, business+1)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
		meta, ok := ev.Payload["cache"].(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, true, meta["hit"])
		require.Equal(t, false, meta["stale"])
		require.NotEmpty(t, meta["as_of"])
	}
	require.Equal(t, types.EventJobCompleted, events[len(events)-1].Type)
}

func TestStaleHitServes(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	fp := newFastPath(d, c)

	policy := cache.DefaultPolicies().For(planner.SourceGithub)
	seedBundle(t, ctx, c, "login:torvalds", cache.OptionsHash(nil), policy.TTL)
	// Past the freshness TTL, inside the stale window.
	ctx.AdvanceTime(policy.TTL + time.Hour)

	job, cards := makeJob(t, ctx, d, "login:torvalds", nil)
	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, res.Stale)

	events, err := d.GetEventsAfter(ctx, job.Id, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	meta := events[0].Payload["cache"].(map[string]interface{})
	require.Equal(t, true, meta["stale"])
}

func TestExpiredResultMisses(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	fp := newFastPath(d, c)

	policy := cache.DefaultPolicies().For(planner.SourceGithub)
	seedBundle(t, ctx, c, "login:torvalds", cache.OptionsHash(nil), policy.TTL)
	// The stale window runs from expiry, so the row stays servable until
	// TTL + MaxStale past creation.
	ctx.AdvanceTime(policy.TTL + policy.MaxStale + time.Hour)

	job, cards := makeJob(t, ctx, d, "login:torvalds", nil)
	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestForceRefreshBypasses(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	fp := newFastPath(d, c)

	options := map[string]interface{}{"force_refresh": true}
	seedBundle(t, ctx, c, "login:torvalds", cache.OptionsHash(options), time.Hour)
	job, cards := makeJob(t, ctx, d, "login:torvalds", options)

	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestNonCacheableSubjectBypasses(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	fp := newFastPath(d, cache.NewInMemoryCache())

	job, cards := makeJob(t, ctx, d, "name:Linus Torvalds", nil)
	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestIncompleteBundleIsUnusable(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	fp := newFastPath(d, c)

	// A bundle missing any business card cannot serve the job.
	seedBundle(t, ctx, c, "login:torvalds", cache.OptionsHash(nil), time.Hour, "summary")
	job, cards := makeJob(t, ctx, d, "login:torvalds", nil)

	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.Nil(t, res)

	got, err := d.GetJob(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusQueued, got.Status)
}

func TestOptionsPartitionRespected(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	fp := newFastPath(d, c)

	seedBundle(t, ctx, c, "login:torvalds", cache.OptionsHash(map[string]interface{}{"lang": "en"}), time.Hour)

	// Different semantic options read a different partition.
	job, cards := makeJob(t, ctx, d, "login:torvalds", map[string]interface{}{"lang": "de"})
	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.Nil(t, res)

	// Matching options hit.
	job, cards = makeJob(t, ctx, d, "login:torvalds", map[string]interface{}{"lang": "en"})
	res, err = fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestTerminalJobNotServedTwice(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Unix(1700000000, 0).UTC())
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	fp := newFastPath(d, c)

	seedBundle(t, ctx, c, "login:torvalds", cache.OptionsHash(nil), time.Hour)
	job, cards := makeJob(t, ctx, d, "login:torvalds", nil)

	res, err := fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.NotNil(t, res)
	before, err := d.GetEventsAfter(ctx, job.Id, 0)
	require.NoError(t, err)

	// A second serve attempt leaves the finished job alone but still
	// reports the hit.
	res, err = fp.TryServe(ctx, job, cards)
	require.NoError(t, err)
	require.NotNil(t, res)
	after, err := d.GetEventsAfter(ctx, job.Id, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before))
}
