package milestone_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarline/internal/milestone"
)

func TestRuleSetRejectsCycle(t *testing.T) {
	_, err := milestone.NewRuleSet([]milestone.Rule{
		{Code: "X", Check: milestone.CheckAllPrerequisites, Prerequisites: []string{"Y"}},
		{Code: "Y", Check: milestone.CheckAllPrerequisites, Prerequisites: []string{"X"}},
	}, nil)
	require.Error(t, err)
	var rsErr *milestone.RuleSetError
	require.True(t, errors.As(err, &rsErr))
	assert.ElementsMatch(t, []string{"X", "Y"}, rsErr.Cycle[:2])
	assert.Equal(t, rsErr.Cycle[0], rsErr.Cycle[len(rsErr.Cycle)-1])
	assert.Contains(t, err.Error(), "cycle")
}

func TestRuleSetRejectsSelfPrerequisite(t *testing.T) {
	_, err := milestone.NewRuleSet([]milestone.Rule{
		{Code: "root", Check: milestone.CheckAlwaysTrue},
		{Code: "loop", Check: milestone.CheckIssued, TriggerTypeCode: "doc", Prerequisites: []string{"root", "loop"}},
	}, nil)
	var rsErr *milestone.RuleSetError
	require.True(t, errors.As(err, &rsErr))
	assert.Equal(t, []string{"loop", "loop"}, rsErr.Cycle)
}

func TestRuleSetRejectsMalformedRules(t *testing.T) {
	cases := []struct {
		name     string
		rules    []milestone.Rule
		triggers []milestone.CrossTrigger
		want     string
	}{
		{
			name:  "undefined prerequisite",
			rules: []milestone.Rule{{Code: "a", Check: milestone.CheckAllPrerequisites, Prerequisites: []string{"ghost"}}},
			want:  "prerequisite ghost not declared",
		},
		{
			name:  "duplicate code",
			rules: []milestone.Rule{{Code: "a", Check: milestone.CheckAlwaysTrue}, {Code: "a", Check: milestone.CheckAlwaysTrue}},
			want:  "declared more than once",
		},
		{
			name:  "unknown check",
			rules: []milestone.Rule{{Code: "a", Check: "SIGNED"}},
			want:  "unknown check kind",
		},
		{
			name:  "document check without trigger",
			rules: []milestone.Rule{{Code: "a", Check: milestone.CheckIssued}},
			want:  "needs a trigger type code or label",
		},
		{
			name:  "all prerequisites without prerequisites",
			rules: []milestone.Rule{{Code: "a", Check: milestone.CheckAllPrerequisites}},
			want:  "needs at least one prerequisite",
		},
		{
			name:     "trigger from unknown rule",
			rules:    []milestone.Rule{{Code: "a", Check: milestone.CheckAlwaysTrue}},
			triggers: []milestone.CrossTrigger{{Source: "b", Target: "eng"}},
			want:     "source b is not a rule",
		},
		{
			name:     "trigger into a rule",
			rules:    []milestone.Rule{{Code: "a", Check: milestone.CheckAlwaysTrue}, {Code: "b", Check: milestone.CheckAlwaysTrue}},
			triggers: []milestone.CrossTrigger{{Source: "a", Target: "b"}},
			want:     "target b is a rule",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := milestone.NewRuleSet(tc.rules, tc.triggers)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRuleSetOrdersByPrerequisites(t *testing.T) {
	rs, err := milestone.NewRuleSet([]milestone.Rule{
		{Code: "closed", Check: milestone.CheckAllPrerequisites, Prerequisites: []string{"permit", "created"}},
		{Code: "permit", Check: milestone.CheckIssued, TriggerTypeCode: "permit", Prerequisites: []string{"created"}},
		{Code: "created", Check: milestone.CheckAlwaysTrue},
		{Code: "survey", Check: milestone.CheckIssued, TriggerTypeCode: "survey"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"created", "permit", "closed", "survey"}, rs.Codes())
}

func TestRuleSetKeepsSortedOrder(t *testing.T) {
	rs, err := milestone.NewRuleSet(chainRules(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, rs.Codes())
	assert.True(t, rs.Has("B"))
	assert.False(t, rs.Has("Z"))
}
