package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/cache"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/fastpath"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/resolve"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
)

// fakeController stands in for the scheduler.
type fakeController struct {
	d db.DB

	mtx      sync.Mutex
	enqueued []string
}

func (f *fakeController) EnqueueJob(jobID string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.enqueued = append(f.enqueued, jobID)
}

func (f *fakeController) CancelJob(ctx context.Context, jobID string) (bool, error) {
	return f.d.TryFinalizeJob(ctx, jobID, types.JobStatusCancelled)
}

func (f *fakeController) enqueuedJobs() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string{}, f.enqueued...)
}

func newTestServer(t *testing.T, resolver resolve.Resolver) (*httptest.Server, db.DB, *fakeController) {
	d := db.NewInMemoryDB()
	ctrl := &fakeController{d: d}
	h := NewHandlers(d, ctrl, nil, resolver)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, d, ctrl
}

func doJSON(t *testing.T, method, url, user string, body interface{}) (int, map[string]interface{}) {
	return doJSONHeaders(t, method, url, user, nil, body)
}

func doJSONHeaders(t *testing.T, method, url, user string, headers map[string]string, body interface{}) (int, map[string]interface{}) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(raw) > 0 {
		// Error responses are plain text.
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

func analyzeBody(extra map[string]interface{}) map[string]interface{} {
	body := map[string]interface{}{
		"source": "github",
		"input":  map[string]interface{}{"content": "torvalds"},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestCreateJobValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	code, _ := doJSON(t, "POST", srv.URL+"/analyze", "user1", map[string]interface{}{
		"source": "myspace",
		"input":  map[string]interface{}{"content": "whoever"},
	})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, "POST", srv.URL+"/analyze", "user1", map[string]interface{}{
		"source": "github",
		"input":  map[string]interface{}{"content": "   "},
	})
	require.Equal(t, http.StatusBadRequest, code)

	// Unknown card types are planned verbatim; the job is still created.
	code, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(map[string]interface{}{
		"cards": []string{"no_such_card"},
	}))
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, body["job_id"])
}

func TestCreateAndGetJob(t *testing.T) {
	srv, d, ctrl := newTestServer(t, nil)

	code, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(nil))
	require.Equal(t, http.StatusCreated, code)
	jobID := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	require.Equal(t, true, body["success"])
	require.Equal(t, "github", body["source"])
	require.Equal(t, "login:torvalds", body["subject_key"])
	require.Equal(t, string(types.JobStatusQueued), body["status"])
	require.Equal(t, true, body["created"])
	require.Equal(t, []string{jobID}, ctrl.enqueuedJobs())

	job, err := d.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, "user1", job.UserId)
	require.Equal(t, "login:torvalds", job.SubjectKey)

	code, snapshot := doJSON(t, "GET", srv.URL+"/analyze/jobs/"+jobID, "user1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, jobID, snapshot["job_id"])
	require.Equal(t, "github", snapshot["source"])
	require.Contains(t, snapshot, "last_seq")
	require.Equal(t, snapshot["last_seq"], snapshot["next_after"])
	// Cards are keyed by type; only business cards are exposed.
	cards := snapshot["cards"].(map[string]interface{})
	require.NotEmpty(t, cards)
	for cardType, c := range cards {
		require.False(t, types.IsInternalCardType(cardType), cardType)
		view := c.(map[string]interface{})
		require.Equal(t, string(types.CardStatusPending), view["status"], cardType)
		require.Equal(t, false, view["internal"], cardType)
	}
}

func TestGetJobAuthorization(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	_, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(nil))
	jobID := body["job_id"].(string)

	// Another user's jobs read as missing.
	code, _ := doJSON(t, "GET", srv.URL+"/analyze/jobs/"+jobID, "user2", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, "GET", srv.URL+"/analyze/jobs/"+jobID, "", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, "GET", srv.URL+"/analyze/jobs/nope", "user1", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, "GET", srv.URL+"/analyze/jobs/"+jobID, "user1", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestIdempotency(t *testing.T) {
	srv, _, ctrl := newTestServer(t, nil)

	body := analyzeBody(map[string]interface{}{"idempotency_key": "k1"})
	code, first := doJSON(t, "POST", srv.URL+"/analyze", "user1", body)
	require.Equal(t, http.StatusCreated, code)

	// Replaying the same request returns the same job without enqueueing
	// it again.
	code, second := doJSON(t, "POST", srv.URL+"/analyze", "user1", body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, first["job_id"], second["job_id"])
	require.Equal(t, false, second["created"])
	require.Len(t, ctrl.enqueuedJobs(), 1)

	// The same key with a different request is a conflict.
	conflicting := map[string]interface{}{
		"source":          "github",
		"input":           map[string]interface{}{"content": "other"},
		"idempotency_key": "k1",
	}
	code, _ = doJSON(t, "POST", srv.URL+"/analyze", "user1", conflicting)
	require.Equal(t, http.StatusConflict, code)

	// Another user may reuse the key.
	code, third := doJSON(t, "POST", srv.URL+"/analyze", "user2", body)
	require.Equal(t, http.StatusCreated, code)
	require.NotEqual(t, first["job_id"], third["job_id"])
}

func TestIdempotencyKeyHeader(t *testing.T) {
	srv, _, ctrl := newTestServer(t, nil)

	headers := map[string]string{IdempotencyKeyHeader: "hdr-key"}
	code, first := doJSONHeaders(t, "POST", srv.URL+"/analyze", "user1", headers, analyzeBody(nil))
	require.Equal(t, http.StatusCreated, code)

	// The header binds the request to the job just like the body field.
	code, second := doJSONHeaders(t, "POST", srv.URL+"/analyze", "user1", headers, analyzeBody(nil))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, first["job_id"], second["job_id"])
	require.Len(t, ctrl.enqueuedJobs(), 1)

	// The header wins over the body field.
	code, third := doJSONHeaders(t, "POST", srv.URL+"/analyze", "user1", headers, analyzeBody(map[string]interface{}{
		"idempotency_key": "body-key",
	}))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, first["job_id"], third["job_id"])

	// Over-long keys are rejected, from either source.
	long := map[string]string{IdempotencyKeyHeader: strings.Repeat("k", 129)}
	code, _ = doJSONHeaders(t, "POST", srv.URL+"/analyze", "user1", long, analyzeBody(nil))
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(map[string]interface{}{
		"idempotency_key": strings.Repeat("k", 129),
	}))
	require.Equal(t, http.StatusBadRequest, code)
}

func TestCreateJobCacheHit(t *testing.T) {
	d := db.NewInMemoryDB()
	c := cache.NewInMemoryCache()
	ctrl := &fakeController{d: d}
	fp := fastpath.New(d, c, nil, nil, cache.DefaultPolicies(), nil, "v1")
	srv := httptest.NewServer(NewHandlers(d, ctrl, fp, nil).Router())
	t.Cleanup(srv.Close)
	ctx := context.Background()

	subject, err := c.GetOrCreateSubject(ctx, "github", "login:torvalds", "torvalds")
	require.NoError(t, err)
	byType := map[string]interface{}{}
	for _, cardType := range planner.BusinessCards(planner.SourceGithub) {
		byType[cardType] = map[string]interface{}{"name": "Rob Pike", "card": cardType}
	}
	bundle := map[string]interface{}{"cards": byType}
	require.NoError(t, c.SaveFullReport(ctx, subject, "v1", cache.OptionsHash(nil), bundle, time.Hour, nil))

	code, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(nil))
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, true, body["success"])
	require.Equal(t, true, body["cache_hit"])
	require.Equal(t, false, body["cache_stale"])
	require.Equal(t, fastpath.TierDurable, body["cache_source"])
	require.Equal(t, "login:torvalds", body["subject_key"])
	require.Equal(t, string(types.JobStatusCompleted), body["status"])
	cards := body["cards"].(map[string]interface{})
	require.Len(t, cards, len(planner.BusinessCards(planner.SourceGithub)))
	summary := cards["summary"].(map[string]interface{})
	require.Equal(t, "Rob Pike", summary["data"].(map[string]interface{})["name"])

	// A served job never reaches the scheduler.
	require.Empty(t, ctrl.enqueuedJobs())
}

func TestNeedsConfirmation(t *testing.T) {
	resolver := resolve.ResolverFunc(func(ctx context.Context, source, content string) ([]resolve.Candidate, error) {
		return []resolve.Candidate{
			{SubjectKey: "login:jane1", DisplayName: "Jane One", Score: 0.9},
			{SubjectKey: "login:jane2", DisplayName: "Jane Two", Score: 0.5},
		}, nil
	})
	srv, _, ctrl := newTestServer(t, resolver)

	code, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", map[string]interface{}{
		"source": "github",
		"input":  map[string]interface{}{"content": "Jane Doe"},
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["needs_confirmation"])
	require.Len(t, body["candidates"].([]interface{}), 2)
	// No job was created.
	require.Empty(t, ctrl.enqueuedJobs())

	// allow_ambiguous proceeds with the best candidate.
	code, body = doJSON(t, "POST", srv.URL+"/analyze", "user1", map[string]interface{}{
		"source":  "github",
		"input":   map[string]interface{}{"content": "Jane Doe"},
		"options": map[string]interface{}{"allow_ambiguous": true},
	})
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, body["job_id"])
}

func TestCancelJob(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	_, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(nil))
	jobID := body["job_id"].(string)

	code, result := doJSON(t, "POST", srv.URL+"/analyze/jobs/"+jobID+"/cancel", "user1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, result["cancelled"])
	require.Equal(t, string(types.JobStatusCancelled), result["status"])

	// Cancelling a finished job is a no-op.
	code, result = doJSON(t, "POST", srv.URL+"/analyze/jobs/"+jobID+"/cancel", "user1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, result["cancelled"])

	// Foreign jobs cannot be cancelled.
	code, _ = doJSON(t, "POST", srv.URL+"/analyze/jobs/"+jobID+"/cancel", "user2", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestSyncModeTimesOutWithSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	// Nothing runs the job, so the sync wait expires and the current
	// snapshot comes back.
	code, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(map[string]interface{}{
		"mode":    "sync",
		"options": map[string]interface{}{"sync_timeout_s": 0.2},
	}))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(types.JobStatusQueued), body["status"])
	require.Equal(t, true, body["timeout"])
	require.NotEmpty(t, body["job_id"])
	require.NotEmpty(t, body["cards"])
}

func TestStreamJob(t *testing.T) {
	srv, d, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, body := doJSON(t, "POST", srv.URL+"/analyze", "user1", analyzeBody(nil))
	jobID := body["job_id"].(string)

	// Finish the job so the stream has a backlog and a terminal event.
	_, err := d.AppendEvent(ctx, jobID, "", types.EventCardCompleted, map[string]interface{}{"card_type": "profile"})
	require.NoError(t, err)
	won, err := d.TryFinalizeJob(ctx, jobID, types.JobStatusCompleted)
	require.NoError(t, err)
	require.True(t, won)
	_, err = d.AppendEvent(ctx, jobID, "", types.EventJobCompleted, map[string]interface{}{"status": "completed"})
	require.NoError(t, err)

	req, err := http.NewRequest("GET", srv.URL+"/analyze/jobs/"+jobID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(UserIDHeader, "user1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(raw)
	require.Contains(t, stream, "id: 1\n")
	require.Contains(t, stream, "event: "+types.EventCardCompleted+"\n")
	require.Contains(t, stream, "event: "+types.EventJobCompleted+"\n")

	// Resuming past the terminal event yields nothing and closes.
	req, err = http.NewRequest("GET", srv.URL+"/analyze/jobs/"+jobID+"/stream?after=2", nil)
	require.NoError(t, err)
	req.Header.Set(UserIDHeader, "user1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	raw, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, string(raw))
}
