// Package githubexec implements the github card executors: resource fetchers
// against the GitHub REST API and the deterministic business cards derived
// from the fetched payloads.
package githubexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/executor"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/quality"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/httputils"
)

const (
	// DefaultBaseURL is the GitHub REST API endpoint.
	DefaultBaseURL = "https://api.github.com"

	// reposPerPage bounds the repo listing fetch.
	reposPerPage = 50

	// maxReposInCard bounds the repos card payload.
	maxReposInCard = 10
)

// Executors produces the github cards. Network calls go through a retrying
// transport; derived cards read the job's artifacts instead of refetching.
type Executors struct {
	artifacts db.ArtifactDB
	client    *http.Client
	baseURL   string
	token     string
}

// New returns the github Executors. token may be empty for unauthenticated
// API access.
func New(artifacts db.ArtifactDB, token string) *Executors {
	return &Executors{
		artifacts: artifacts,
		client: &http.Client{
			Transport: httputils.NewBackOffTransport(),
			Timeout:   time.Minute,
		},
		baseURL: DefaultBaseURL,
		token:   token,
	}
}

// Register binds the executors into the registry.
func (e *Executors) Register(reg *executor.Registry) {
	reg.Register(planner.SourceGithub, "resource.github.profile", executor.Func(e.fetchProfile))
	reg.Register(planner.SourceGithub, "resource.github.enrich", executor.Func(e.fetchEnrich))
	reg.Register(planner.SourceGithub, "profile", executor.Func(e.profileCard))
	reg.Register(planner.SourceGithub, "repos", executor.Func(e.reposCard))
	reg.Register(planner.SourceGithub, "skills", executor.Func(e.skillsCard))
}

func (e *Executors) get(ctx context.Context, path string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return derr.Wrap(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return executor.Transient(derr.Wrapf(err, "requesting %s", path))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return derr.Fmt("github: %s not found", path)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return executor.Transient(derr.Fmt("github: rate limited on %s", path))
	default:
		return derr.Fmt("github: unexpected status %d for %s", resp.StatusCode, path)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return executor.Transient(derr.Wrap(err))
	}
	if err := json.Unmarshal(body, into); err != nil {
		return derr.Wrapf(err, "decoding %s response", path)
	}
	return nil
}

func login(job *types.Job) (string, error) {
	l := quality.SubjectLogin(job.SubjectKey)
	if l == "" {
		return "", derr.Fmt("job %s has no github login", job.Id)
	}
	return l, nil
}

func (e *Executors) artifact(ctx context.Context, job *types.Job, key string) (map[string]interface{}, error) {
	payload, err := e.artifacts.GetArtifact(ctx, job.Id, key)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	if payload == nil {
		return nil, derr.Fmt("artifact %s missing for job %s", key, job.Id)
	}
	return payload, nil
}

func (e *Executors) fetchProfile(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
	l, err := login(job)
	if err != nil {
		return nil, err
	}
	var user map[string]interface{}
	if err := e.get(ctx, "/users/"+l, &user); err != nil {
		return nil, err
	}
	return user, nil
}

func (e *Executors) fetchEnrich(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
	l, err := login(job)
	if err != nil {
		return nil, err
	}
	var repos []interface{}
	path := fmt.Sprintf("/users/%s/repos?sort=pushed&per_page=%d", l, reposPerPage)
	if err := e.get(ctx, path, &repos); err != nil {
		return nil, err
	}
	return map[string]interface{}{"repos": repos}, nil
}

func (e *Executors) profileCard(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
	user, err := e.artifact(ctx, job, "resource.github.profile")
	if err != nil {
		return nil, err
	}
	rv := map[string]interface{}{}
	for _, k := range []string{"login", "name", "bio", "company", "location", "blog", "avatar_url", "followers", "following", "public_repos", "created_at"} {
		if v, ok := user[k]; ok {
			rv[k] = v
		}
	}
	return rv, nil
}

func repoList(enrich map[string]interface{}) []map[string]interface{} {
	raw, _ := enrich["repos"].([]interface{})
	rv := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			rv = append(rv, m)
		}
	}
	return rv
}

func stars(repo map[string]interface{}) float64 {
	v, _ := repo["stargazers_count"].(float64)
	return v
}

func (e *Executors) reposCard(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
	// The enrich artifact may not exist; repos only depends on the profile
	// fetch, so fall back to fetching the listing directly.
	var repos []map[string]interface{}
	if enrich, err := e.artifacts.GetArtifact(ctx, job.Id, "resource.github.enrich"); err == nil && enrich != nil {
		repos = repoList(enrich)
	}
	if repos == nil {
		l, err := login(job)
		if err != nil {
			return nil, err
		}
		var raw []interface{}
		path := fmt.Sprintf("/users/%s/repos?sort=pushed&per_page=%d", l, reposPerPage)
		if err := e.get(ctx, path, &raw); err != nil {
			return nil, err
		}
		repos = repoList(map[string]interface{}{"repos": raw})
	}
	sort.SliceStable(repos, func(i, j int) bool {
		return stars(repos[i]) > stars(repos[j])
	})
	items := make([]interface{}, 0, maxReposInCard)
	for _, r := range repos {
		if len(items) >= maxReposInCard {
			break
		}
		item := map[string]interface{}{}
		for _, k := range []string{"name", "description", "language", "stargazers_count", "forks_count", "html_url", "fork"} {
			if v, ok := r[k]; ok {
				item[k] = v
			}
		}
		items = append(items, item)
	}
	return map[string]interface{}{
		"total": len(repos),
		"items": items,
	}, nil
}

func (e *Executors) skillsCard(ctx context.Context, job *types.Job, card *types.Card, progress executor.ProgressFunc) (map[string]interface{}, error) {
	enrich, err := e.artifact(ctx, job, "resource.github.enrich")
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, r := range repoList(enrich) {
		if fork, _ := r["fork"].(bool); fork {
			continue
		}
		if lang, ok := r["language"].(string); ok && lang != "" {
			counts[lang]++
		}
	}
	langs := make([]string, 0, len(counts))
	for l := range counts {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool {
		if counts[langs[i]] != counts[langs[j]] {
			return counts[langs[i]] > counts[langs[j]]
		}
		return langs[i] < langs[j]
	})
	skills := make([]interface{}, 0, len(langs))
	for _, l := range langs {
		skills = append(skills, map[string]interface{}{
			"name":       l,
			"repo_count": counts[l],
		})
	}
	return map[string]interface{}{"languages": skills}, nil
}
