package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeGithub(t *testing.T) {
	for input, want := range map[string]string{
		"torvalds":                          "login:torvalds",
		"@Torvalds":                         "login:torvalds",
		"https://github.com/Torvalds":       "login:torvalds",
		"github.com/torvalds/linux":         "login:torvalds",
		"https://github.com/torvalds?tab=r": "login:torvalds",
		"Linus Torvalds":                    "name:Linus Torvalds",
	} {
		got, err := Canonicalize("github", input)
		require.NoError(t, err)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestCanonicalizeScholar(t *testing.T) {
	for input, want := range map[string]string{
		"AbCdEfGhIjKl": "id:AbCdEfGhIjKl",
		"https://scholar.google.com/citations?user=AbCdEfGhIjKl&hl=en": "id:AbCdEfGhIjKl",
		"Jane Doe": "name:Jane Doe",
	} {
		got, err := Canonicalize("scholar", input)
		require.NoError(t, err)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestCanonicalizeLinkedin(t *testing.T) {
	for input, want := range map[string]string{
		"https://www.linkedin.com/in/JaneDoe/":  "url:linkedin.com/in/janedoe",
		"linkedin.com/in/jane-doe":              "url:linkedin.com/in/jane-doe",
		"https://www.linkedin.com/company/acme": "name:https://www.linkedin.com/company/acme",
		"Jane Doe":                              "name:Jane Doe",
	} {
		got, err := Canonicalize("linkedin", input)
		require.NoError(t, err)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestCanonicalizeTwitter(t *testing.T) {
	for input, want := range map[string]string{
		"@jane":                      "login:jane",
		"jane":                       "login:jane",
		"https://twitter.com/Jane":   "login:jane",
		"https://x.com/jane/status":  "login:jane",
		"who is jane on twitter pls": "query:who is jane on twitter pls",
	} {
		got, err := Canonicalize("twitter", input)
		require.NoError(t, err)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestCanonicalizeErrors(t *testing.T) {
	_, err := Canonicalize("github", "   ")
	require.Error(t, err)
	_, err = Canonicalize("myspace", "whoever")
	require.Error(t, err)
}

func TestStable(t *testing.T) {
	require.True(t, Stable("login:torvalds"))
	require.True(t, Stable("id:AbCdEfGhIjKl"))
	require.True(t, Stable("url:linkedin.com/in/jane"))
	require.False(t, Stable("name:Jane Doe"))
	require.False(t, Stable("query:whoever"))
}

func TestContent(t *testing.T) {
	require.Equal(t, "torvalds", Content(map[string]interface{}{"content": " torvalds "}))
	require.Equal(t, "http://x", Content(map[string]interface{}{"url": "http://x"}))
	require.Equal(t, "", Content(map[string]interface{}{"content": "  "}))
	require.Equal(t, "", Content(nil))
}

func TestPreflightStableSkipsResolver(t *testing.T) {
	called := false
	r := ResolverFunc(func(ctx context.Context, source, content string) ([]Candidate, error) {
		called = true
		return nil, nil
	})
	got, err := Preflight(context.Background(), r, "github", "torvalds", false)
	require.NoError(t, err)
	require.False(t, called)
	require.Equal(t, "login:torvalds", got.SubjectKey)
	require.False(t, got.NeedsConfirmation)
}

func TestPreflightAmbiguous(t *testing.T) {
	candidates := []Candidate{
		{SubjectKey: "login:jane1", DisplayName: "Jane One", Score: 0.9},
		{SubjectKey: "login:jane2", DisplayName: "Jane Two", Score: 0.5},
	}
	r := ResolverFunc(func(ctx context.Context, source, content string) ([]Candidate, error) {
		return candidates, nil
	})

	got, err := Preflight(context.Background(), r, "github", "Jane Doe", false)
	require.NoError(t, err)
	require.True(t, got.NeedsConfirmation)
	require.Equal(t, candidates, got.Candidates)

	// allow_ambiguous takes the best candidate.
	got, err = Preflight(context.Background(), r, "github", "Jane Doe", true)
	require.NoError(t, err)
	require.False(t, got.NeedsConfirmation)
	require.Equal(t, "login:jane1", got.SubjectKey)
}

func TestPreflightSingleCandidate(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context, source, content string) ([]Candidate, error) {
		return []Candidate{{SubjectKey: "login:jane1"}}, nil
	})
	got, err := Preflight(context.Background(), r, "github", "Jane Doe", false)
	require.NoError(t, err)
	require.False(t, got.NeedsConfirmation)
	require.Equal(t, "login:jane1", got.SubjectKey)
}

func TestPreflightNoResolverPassesThrough(t *testing.T) {
	got, err := Preflight(context.Background(), nil, "github", "Jane Doe", false)
	require.NoError(t, err)
	require.Equal(t, "name:Jane Doe", got.SubjectKey)
}

func TestPreflightNoCandidatesPassesThrough(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context, source, content string) ([]Candidate, error) {
		return nil, nil
	})
	got, err := Preflight(context.Background(), r, "github", "Jane Doe", false)
	require.NoError(t, err)
	require.Equal(t, "name:Jane Doe", got.SubjectKey)
}
