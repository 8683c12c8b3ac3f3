package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarline/internal/milestone"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("roof-42")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "roof-42", cfg.Project.ID)

	rs, err := cfg.RuleSet()
	require.NoError(t, err)
	assert.Equal(t, "project_created", rs.Codes()[0])
	assert.Equal(t, "project_closed", rs.Codes()[len(rs.Codes())-1])
	assert.Len(t, rs.Triggers(), 3)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	code, ok := reg.Canonical("Permit Application")
	require.True(t, ok)
	assert.Equal(t, "building_permit", code)

	assert.True(t, cfg.Notifiable("permit_issued"))
	assert.False(t, cfg.Notifiable("site_survey"))
	d, ok := cfg.Definition("eng_installation")
	require.True(t, ok)
	assert.Equal(t, 4.0, d.Weight)
	assert.True(t, d.IsSticky())
}

func TestFromYAMLRejectsCycle(t *testing.T) {
	_, err := FromYAML([]byte(`project:
  id: p1
rules:
  - {code: a, check: ALL_PREREQUISITES, prerequisites: [b]}
  - {code: b, check: ALL_PREREQUISITES, prerequisites: [a]}
`))
	require.Error(t, err)
	var rsErr *milestone.RuleSetError
	assert.True(t, errors.As(err, &rsErr))
}

func TestValidateCatalogue(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing project id",
			yaml: "rules:\n  - {code: a, check: ALWAYS_TRUE}\n",
			want: "config.project.id is required",
		},
		{
			name: "no rules",
			yaml: "project: {id: p1}\n",
			want: "config.rules is required",
		},
		{
			name: "rule without definition",
			yaml: `project: {id: p1}
rules:
  - {code: a, check: ALWAYS_TRUE}
milestones:
  - {code: b, type: admin, weight: 1, active: true}
`,
			want: "rule a has no milestone definition",
		},
		{
			name: "trigger into admin milestone",
			yaml: `project: {id: p1}
rules:
  - {code: a, check: ALWAYS_TRUE}
cross_triggers:
  - {source: a, target: b}
milestones:
  - {code: a, type: admin, weight: 1, active: true}
  - {code: b, type: admin, weight: 1, active: true}
`,
			want: "must be an engineering milestone",
		},
		{
			name: "unknown type",
			yaml: `project: {id: p1}
rules:
  - {code: a, check: ALWAYS_TRUE}
milestones:
  - {code: a, type: finance, weight: 1, active: true}
`,
			want: `type "finance"`,
		},
		{
			name: "notify on unknown",
			yaml: `project: {id: p1}
rules:
  - {code: a, check: ALWAYS_TRUE}
milestones:
  - {code: a, type: admin, weight: 1, active: true}
notifications:
  notify_on: [z]
`,
			want: "unknown milestone z",
		},
		{
			name: "label claimed twice",
			yaml: `project: {id: p1}
document_types:
  permit: ["Permit"]
  survey: ["Permit"]
rules:
  - {code: a, check: ALWAYS_TRUE}
`,
			want: `label "Permit"`,
		},
		{
			name: "webhook without url",
			yaml: `project: {id: p1}
rules:
  - {code: a, check: ALWAYS_TRUE}
webhooks:
  - {secret: s}
`,
			want: "webhook #1 has empty url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "solarline.yml"), []byte(GenerateDefault("p9")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "p9", cfg.Project.ID)
	assert.Equal(t, 50.0, cfg.Weights.AdminPct)
}
