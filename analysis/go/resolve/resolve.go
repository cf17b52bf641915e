// Package resolve normalizes request input into canonical subject keys and
// runs the ambiguity preflight. Canonicalization is pure string work; actual
// candidate lookup for ambiguous input goes through an injected Resolver.
package resolve

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/planner"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
)

var (
	githubLoginRe  = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)
	scholarIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{12}$`)
	twitterLoginRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
	linkedinSlugRe = regexp.MustCompile(`^[A-Za-z0-9%_.\-]+$`)
)

// Candidate is one possible subject for ambiguous input.
type Candidate struct {
	// SubjectKey is the canonical key the candidate resolves to.
	SubjectKey string `json:"subject_key"`

	// DisplayName is shown to the user for confirmation.
	DisplayName string `json:"display_name"`

	// Description disambiguates candidates with similar names.
	Description string `json:"description,omitempty"`

	// Score orders candidates; higher is more likely.
	Score float64 `json:"score"`
}

// Resolver looks up candidates for input which did not canonicalize to a
// stable subject key.
type Resolver interface {
	// Resolve returns candidates for the given free-form content, best
	// first. An empty slice means no match.
	Resolve(ctx context.Context, source, content string) ([]Candidate, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, source, content string) ([]Candidate, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, source, content string) ([]Candidate, error) {
	return f(ctx, source, content)
}

// Content extracts the request content string from the input block.
func Content(input map[string]interface{}) string {
	for _, k := range []string{"content", "url", "query"} {
		if v, ok := input[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Canonicalize maps request content to a subject key. Stable identities get a
// stable prefix ("login:", "id:", "url:"); everything else gets a lookup
// prefix ("name:", "query:") which bypasses the cache.
func Canonicalize(source, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", derr.Fmt("empty input content")
	}
	switch source {
	case planner.SourceGithub:
		return canonicalizeGithub(content), nil
	case planner.SourceScholar:
		return canonicalizeScholar(content), nil
	case planner.SourceLinkedin:
		return canonicalizeLinkedin(content), nil
	case planner.SourceTwitter:
		return canonicalizeTwitter(content), nil
	default:
		return "", derr.Fmt("unknown source %q", source)
	}
}

func pathParts(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
}

func canonicalizeGithub(content string) string {
	candidate := strings.TrimPrefix(content, "@")
	lower := strings.ToLower(content)
	if strings.Contains(lower, "github.com") {
		if !strings.Contains(lower, "://") {
			content = "https://" + content
		}
		parts := pathParts(content)
		if len(parts) > 0 {
			candidate = parts[0]
		}
	}
	if githubLoginRe.MatchString(candidate) {
		return "login:" + strings.ToLower(candidate)
	}
	return "name:" + content
}

func canonicalizeScholar(content string) string {
	lower := strings.ToLower(content)
	if strings.Contains(lower, "scholar.google") {
		if !strings.Contains(lower, "://") {
			content = "https://" + content
		}
		if u, err := url.Parse(content); err == nil {
			if id := u.Query().Get("user"); scholarIDRe.MatchString(id) {
				return "id:" + id
			}
		}
	}
	if scholarIDRe.MatchString(content) {
		return "id:" + content
	}
	return "name:" + content
}

func canonicalizeLinkedin(content string) string {
	lower := strings.ToLower(content)
	if strings.Contains(lower, "linkedin.com") {
		if !strings.Contains(lower, "://") {
			content = "https://" + content
		}
		parts := pathParts(content)
		if len(parts) >= 2 && parts[0] == "in" && linkedinSlugRe.MatchString(parts[1]) {
			return "url:linkedin.com/in/" + strings.ToLower(parts[1])
		}
	}
	return "name:" + content
}

func canonicalizeTwitter(content string) string {
	candidate := strings.TrimPrefix(content, "@")
	lower := strings.ToLower(content)
	if strings.Contains(lower, "twitter.com") || strings.Contains(lower, "x.com") {
		if !strings.Contains(lower, "://") {
			content = "https://" + content
		}
		parts := pathParts(content)
		if len(parts) > 0 {
			candidate = parts[0]
		}
	}
	if twitterLoginRe.MatchString(candidate) {
		return "login:" + strings.ToLower(candidate)
	}
	return "query:" + content
}

// Stable returns true if the subject key carries a stable identity prefix
// rather than a lookup prefix.
func Stable(subjectKey string) bool {
	return !strings.HasPrefix(subjectKey, "name:") && !strings.HasPrefix(subjectKey, "query:")
}

// Result is the outcome of a preflight.
type Result struct {
	// SubjectKey is the resolved subject key. Empty when confirmation is
	// needed.
	SubjectKey string

	// NeedsConfirmation is true when the input matched multiple subjects
	// and the request did not allow ambiguity.
	NeedsConfirmation bool

	// Candidates lists the possible subjects when confirmation is needed.
	Candidates []Candidate
}

// Preflight resolves the request input to a subject key, consulting the
// resolver for unstable input. With allowAmbiguous set the best candidate is
// taken instead of asking for confirmation. A nil resolver passes unstable
// keys through unchanged; the executors then resolve on first fetch.
func Preflight(ctx context.Context, r Resolver, source, content string, allowAmbiguous bool) (*Result, error) {
	key, err := Canonicalize(source, content)
	if err != nil {
		return nil, err
	}
	if Stable(key) || r == nil {
		return &Result{SubjectKey: key}, nil
	}
	candidates, err := r.Resolve(ctx, source, content)
	if err != nil {
		return nil, derr.Wrapf(err, "resolving %q", content)
	}
	switch {
	case len(candidates) == 0:
		return &Result{SubjectKey: key}, nil
	case len(candidates) == 1 || allowAmbiguous:
		return &Result{SubjectKey: candidates[0].SubjectKey}, nil
	default:
		return &Result{NeedsConfirmation: true, Candidates: candidates}, nil
	}
}
