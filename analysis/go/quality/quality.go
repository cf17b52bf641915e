// Package quality implements the per-card acceptance gate consulted by the
// scheduler after an executor returns, and by the fast path before serving a
// cached bundle. Gates are pure functions over (data, context); they make no
// external calls.
package quality

import (
	"strings"
)

// Action is the gate's verdict.
type Action string

const (
	// ActionAccept means the card data is usable as-is (after
	// normalization).
	ActionAccept Action = "accept"

	// ActionReject means the card data is unusable; the scheduler may
	// retry the card within its budget.
	ActionReject Action = "reject"
)

// Outcome is the result of a gate check.
type Outcome struct {
	// Action is the verdict.
	Action Action

	// Normalized is the pruned card data. Only meaningful on accept.
	Normalized map[string]interface{}

	// Issue describes the rejection reason, if any.
	Issue string
}

// Context carries job state a gate may consult.
type Context struct {
	// JobId is the id of the job being gated, if any. Empty when gating a
	// cached payload.
	JobId string

	// Source is the data source of the job.
	Source string

	// SubjectKey is the canonical subject identity, e.g. "login:torvalds".
	SubjectKey string

	// Artifacts are the job's intermediate payloads by key, if available.
	Artifacts map[string]map[string]interface{}
}

// Gate checks one card's data.
type Gate interface {
	// Check returns the outcome for the given card data. Implementations
	// must be safe for concurrent use.
	Check(source, cardType string, data map[string]interface{}, gctx *Context) Outcome
}

// Func adapts a function to the Gate interface.
type Func func(source, cardType string, data map[string]interface{}, gctx *Context) Outcome

// Check implements Gate.
func (f Func) Check(source, cardType string, data map[string]interface{}, gctx *Context) Outcome {
	return f(source, cardType, data, gctx)
}

// Reject returns a rejecting Outcome with the given issue.
func Reject(issue string) Outcome {
	return Outcome{Action: ActionReject, Issue: issue}
}

// Accept returns an accepting Outcome with the given normalized data.
func Accept(normalized map[string]interface{}) Outcome {
	return Outcome{Action: ActionAccept, Normalized: normalized}
}

// Normalize prunes empty values from a card payload: empty strings, empty
// maps, empty slices, and nils are dropped, recursively. Semantics are
// otherwise preserved.
func Normalize(data map[string]interface{}) map[string]interface{} {
	rv := map[string]interface{}{}
	for k, v := range data {
		if pruned, keep := normalizeValue(v); keep {
			rv[k] = pruned
		}
	}
	return rv
}

func normalizeValue(v interface{}) (interface{}, bool) {
	switch v := v.(type) {
	case nil:
		return nil, false
	case string:
		return v, v != ""
	case map[string]interface{}:
		pruned := Normalize(v)
		return pruned, len(pruned) > 0
	case []interface{}:
		rv := make([]interface{}, 0, len(v))
		for _, e := range v {
			if pruned, keep := normalizeValue(e); keep {
				rv = append(rv, pruned)
			}
		}
		return rv, len(rv) > 0
	default:
		return v, true
	}
}

// SubjectLogin extracts the login from a "login:<x>" subject key, or "".
func SubjectLogin(subjectKey string) string {
	if rest, ok := strings.CutPrefix(subjectKey, "login:"); ok {
		return rest
	}
	return ""
}

// defaultGate rejects empty business-card data and applies per-source
// predicates. It is the gate used when no custom gate is injected.
type defaultGate struct{}

// NewDefaultGate returns the default per-source gate.
func NewDefaultGate() Gate {
	return defaultGate{}
}

// Check implements Gate.
func (defaultGate) Check(source, cardType string, data map[string]interface{}, gctx *Context) Outcome {
	normalized := Normalize(data)
	if len(normalized) == 0 {
		return Reject("empty card data")
	}
	if source == "github" && cardType == "role_model" {
		if issue := checkGithubRoleModel(normalized, gctx); issue != "" {
			return Reject(issue)
		}
	}
	return Accept(normalized)
}

// checkGithubRoleModel rejects a role model which names the analyzed user
// themselves.
func checkGithubRoleModel(data map[string]interface{}, gctx *Context) string {
	if gctx == nil {
		return ""
	}
	login := SubjectLogin(gctx.SubjectKey)
	if login == "" {
		return ""
	}
	for _, field := range []string{"login", "name", "github"} {
		if v, ok := data[field].(string); ok && strings.EqualFold(strings.TrimSpace(v), login) {
			return "role model must not be the analyzed user"
		}
	}
	return ""
}
