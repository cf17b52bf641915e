package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
)

func planTypes(t *testing.T, source string, requested []string) []string {
	plan, err := Plan(source, requested)
	require.NoError(t, err)
	rv := make([]string, 0, len(plan))
	for _, spec := range plan {
		rv = append(rv, spec.Type)
	}
	return rv
}

func TestPlanFullMatrix(t *testing.T) {
	got := planTypes(t, SourceGithub, nil)
	require.Equal(t, []string{
		"resource.github.profile",
		"resource.github.enrich",
		"profile",
		"repos",
		"skills",
		"role_model",
		"roast",
		"salary",
		"summary",
		"full_report",
	}, got)
}

func TestPlanClosure(t *testing.T) {
	// summary pulls in profile and repos, which pull in the profile fetch.
	got := planTypes(t, SourceGithub, []string{"summary"})
	require.Equal(t, []string{
		"resource.github.profile",
		"profile",
		"repos",
		"summary",
	}, got)

	// skills needs the enrich fetch, which needs the profile fetch.
	got = planTypes(t, SourceGithub, []string{"skills"})
	require.Equal(t, []string{
		"resource.github.profile",
		"resource.github.enrich",
		"skills",
	}, got)
}

func TestPlanUnknownCards(t *testing.T) {
	got := planTypes(t, SourceGithub, []string{"profile", "custom_card"})
	require.Equal(t, []string{
		"resource.github.profile",
		"profile",
		"custom_card",
	}, got)

	plan, err := Plan(SourceGithub, []string{"custom_card"})
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Empty(t, plan[0].DependsOn)
	require.Equal(t, GroupDefault, plan[0].ConcurrencyGroup)
}

func TestPlanUnknownSource(t *testing.T) {
	_, err := Plan("myspace", nil)
	require.Error(t, err)
}

func TestGroupFor(t *testing.T) {
	require.Equal(t, GroupGithubAPI, GroupFor(SourceGithub, "resource.github.profile"))
	require.Equal(t, GroupCrawlbase, GroupFor(SourceScholar, "resource.scholar.author"))
	require.Equal(t, GroupApify, GroupFor(SourceLinkedin, "resource.linkedin.profile"))
	require.Equal(t, GroupLLM, GroupFor(SourceGithub, "skills"))
	require.Equal(t, GroupLLM, GroupFor(SourceTwitter, "roast"))
	require.Equal(t, GroupDefault, GroupFor(SourceGithub, "profile"))
}

func TestBusinessCards(t *testing.T) {
	for _, source := range Sources() {
		for _, cardType := range BusinessCards(source) {
			require.False(t, types.IsInternalCardType(cardType))
		}
	}
	require.Contains(t, BusinessCards(SourceGithub), "roast")
	require.NotContains(t, BusinessCards(SourceGithub), "full_report")
	require.NotContains(t, BusinessCards(SourceGithub), "resource.github.profile")
}

func TestMatricesAcyclic(t *testing.T) {
	// Every dependency must point at an earlier row of the same matrix.
	for _, source := range Sources() {
		plan, err := Plan(source, nil)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, spec := range plan {
			for _, dep := range spec.DependsOn {
				require.True(t, seen[dep], "%s: %s depends on later card %s", source, spec.Type, dep)
			}
			seen[spec.Type] = true
		}
	}
}
