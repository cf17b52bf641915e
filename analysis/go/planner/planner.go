// Package planner expands a (source, requested cards) pair into the ordered
// card DAG for a job. The per-source matrices are static data; the planner
// never invents card types.
package planner

import (
	"strings"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/util"
)

const (
	// GroupDefault is the concurrency group for ordinary cards.
	GroupDefault = "default"

	// GroupLLM is the concurrency group for AI-producing cards.
	GroupLLM = "llm"

	// Per-source resource fetch groups.
	GroupGithubAPI = "github_api"
	GroupCrawlbase = "crawlbase"
	GroupApify     = "apify"
)

// Supported sources.
const (
	SourceGithub   = "github"
	SourceScholar  = "scholar"
	SourceLinkedin = "linkedin"
	SourceTwitter  = "twitter"
)

// aiCards are the well-known AI-producing card types, assigned to the llm
// concurrency group by default.
var aiCards = map[string]bool{
	"skills":     true,
	"role_model": true,
	"roast":      true,
	"salary":     true,
	"summary":    true,
	"interests":  true,
}

// resourceGroups maps each source to the concurrency group of its resource
// fetcher cards.
var resourceGroups = map[string]string{
	SourceGithub:   GroupGithubAPI,
	SourceScholar:  GroupCrawlbase,
	SourceLinkedin: GroupApify,
	SourceTwitter:  GroupCrawlbase,
}

// matrixEntry is one row of a source's card matrix. The concurrency group is
// derived from the card type unless overridden.
type matrixEntry struct {
	cardType  string
	dependsOn []string
	priority  int
}

// matrices defines, per source, the available cards in plan order. Order
// matters: it is preserved in the expanded plan and fixes dispatch
// tie-breaking.
var matrices = map[string][]matrixEntry{
	SourceGithub: {
		{cardType: "resource.github.profile", priority: 100},
		{cardType: "resource.github.enrich", dependsOn: []string{"resource.github.profile"}, priority: 90},
		{cardType: "profile", dependsOn: []string{"resource.github.profile"}, priority: 80},
		{cardType: "repos", dependsOn: []string{"resource.github.profile"}, priority: 70},
		{cardType: "skills", dependsOn: []string{"resource.github.enrich"}, priority: 60},
		{cardType: "role_model", dependsOn: []string{"resource.github.enrich"}, priority: 50},
		{cardType: "roast", dependsOn: []string{"resource.github.profile"}, priority: 40},
		{cardType: "salary", dependsOn: []string{"resource.github.enrich"}, priority: 40},
		{cardType: "summary", dependsOn: []string{"profile", "repos"}, priority: 30},
		{cardType: "full_report", dependsOn: []string{"profile", "repos", "skills", "role_model", "roast", "salary", "summary"}, priority: 10},
	},
	SourceScholar: {
		{cardType: "resource.scholar.author", priority: 100},
		{cardType: "profile", dependsOn: []string{"resource.scholar.author"}, priority: 80},
		{cardType: "publications", dependsOn: []string{"resource.scholar.author"}, priority: 70},
		{cardType: "skills", dependsOn: []string{"resource.scholar.author"}, priority: 60},
		{cardType: "role_model", dependsOn: []string{"resource.scholar.author"}, priority: 50},
		{cardType: "summary", dependsOn: []string{"profile", "publications"}, priority: 30},
		{cardType: "full_report", dependsOn: []string{"profile", "publications", "skills", "role_model", "summary"}, priority: 10},
	},
	SourceLinkedin: {
		{cardType: "resource.linkedin.profile", priority: 100},
		{cardType: "profile", dependsOn: []string{"resource.linkedin.profile"}, priority: 80},
		{cardType: "experience", dependsOn: []string{"resource.linkedin.profile"}, priority: 70},
		{cardType: "skills", dependsOn: []string{"resource.linkedin.profile"}, priority: 60},
		{cardType: "salary", dependsOn: []string{"experience"}, priority: 40},
		{cardType: "summary", dependsOn: []string{"profile", "experience"}, priority: 30},
		{cardType: "full_report", dependsOn: []string{"profile", "experience", "skills", "salary", "summary"}, priority: 10},
	},
	SourceTwitter: {
		{cardType: "resource.twitter.timeline", priority: 100},
		{cardType: "profile", dependsOn: []string{"resource.twitter.timeline"}, priority: 80},
		{cardType: "interests", dependsOn: []string{"resource.twitter.timeline"}, priority: 60},
		{cardType: "roast", dependsOn: []string{"resource.twitter.timeline"}, priority: 40},
		{cardType: "summary", dependsOn: []string{"profile", "interests"}, priority: 30},
		{cardType: "full_report", dependsOn: []string{"profile", "interests", "roast", "summary"}, priority: 10},
	},
}

// KnownSource returns true if a card matrix exists for the source.
func KnownSource(source string) bool {
	_, ok := matrices[source]
	return ok
}

// Sources returns the sources for which a card matrix exists.
func Sources() []string {
	rv := make([]string, 0, len(matrices))
	for s := range matrices {
		rv = append(rv, s)
	}
	return rv
}

// GroupFor returns the default concurrency group for the given card type
// within the given source.
func GroupFor(source, cardType string) string {
	if strings.HasPrefix(cardType, types.ResourceCardPrefix) {
		if g, ok := resourceGroups[source]; ok {
			return g
		}
		return GroupDefault
	}
	if aiCards[cardType] {
		return GroupLLM
	}
	return GroupDefault
}

// BusinessCards returns the non-internal card types of the source's matrix,
// in matrix order.
func BusinessCards(source string) []string {
	rv := []string{}
	for _, e := range matrices[source] {
		if !types.IsInternalCardType(e.cardType) {
			rv = append(rv, e.cardType)
		}
	}
	return rv
}

func specFor(source string, e matrixEntry) *types.CardSpec {
	return &types.CardSpec{
		Type:             e.cardType,
		DependsOn:        util.CopyStringSlice(e.dependsOn),
		Priority:         e.priority,
		ConcurrencyGroup: GroupFor(source, e.cardType),
	}
}

// Plan expands the requested cards into an ordered list of card specs. When
// requested is empty the full matrix is returned. Otherwise the plan is the
// transitive dependency closure of the requested cards, preserving matrix
// order, with unknown card types appended verbatim at the end.
func Plan(source string, requested []string) ([]*types.CardSpec, error) {
	matrix, ok := matrices[source]
	if !ok {
		return nil, derr.Fmt("unknown source %q", source)
	}
	if len(requested) == 0 {
		rv := make([]*types.CardSpec, 0, len(matrix))
		for _, e := range matrix {
			rv = append(rv, specFor(source, e))
		}
		return rv, nil
	}

	byType := map[string]matrixEntry{}
	for _, e := range matrix {
		byType[e.cardType] = e
	}

	// Transitive closure over dependencies.
	include := map[string]bool{}
	var unknown []string
	queue := util.CopyStringSlice(requested)
	for len(queue) > 0 {
		cardType := queue[0]
		queue = queue[1:]
		if include[cardType] {
			continue
		}
		e, ok := byType[cardType]
		if !ok {
			if !util.In(cardType, unknown) {
				unknown = append(unknown, cardType)
			}
			continue
		}
		include[cardType] = true
		queue = append(queue, e.dependsOn...)
	}

	rv := []*types.CardSpec{}
	for _, e := range matrix {
		if include[e.cardType] {
			rv = append(rv, specFor(source, e))
		}
	}
	for _, cardType := range unknown {
		rv = append(rv, &types.CardSpec{
			Type:             cardType,
			Priority:         0,
			ConcurrencyGroup: GroupFor(source, cardType),
		})
	}
	return rv, nil
}
