package milestone_test

import (
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarline/internal/domain"
	"solarline/internal/milestone"
)

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func boolPtr(b bool) *bool { return &b }

// chainRules is A (record exists) -> B (document issued) -> C (closed).
func chainRules() []milestone.Rule {
	return []milestone.Rule{
		{Code: "A", Check: milestone.CheckAlwaysTrue},
		{Code: "B", Check: milestone.CheckIssued, TriggerTypeCode: "doc_b", Prerequisites: []string{"A"}},
		{Code: "C", Check: milestone.CheckAllPrerequisites, Prerequisites: []string{"A", "B"}},
	}
}

func mustRuleSet(t *testing.T, rules []milestone.Rule, triggers []milestone.CrossTrigger) *milestone.RuleSet {
	t.Helper()
	rs, err := milestone.NewRuleSet(rules, triggers)
	require.NoError(t, err)
	return rs
}

func issuedDoc(id, code string) domain.Document {
	return domain.Document{ID: id, TypeCode: strPtr(code), IssuedAt: timePtr(fixedNow), IsCurrent: true}
}

// apply overlays a plan's writes on stored rows, the way the repo would.
func apply(stored []domain.MilestoneState, plan *milestone.Plan) []domain.MilestoneState {
	byCode := map[string]domain.MilestoneState{}
	var order []string
	for _, s := range stored {
		byCode[s.Code] = s
		order = append(order, s.Code)
	}
	for _, w := range plan.Writes {
		if _, ok := byCode[w.Code]; !ok {
			order = append(order, w.Code)
		}
		byCode[w.Code] = w
	}
	out := make([]domain.MilestoneState, 0, len(order))
	for _, code := range order {
		out = append(out, byCode[code])
	}
	return out
}

func TestExampleChain(t *testing.T) {
	in := milestone.Input{
		ProjectID: "p1",
		ActorID:   "tester",
		Now:       fixedNow,
		Rules:     mustRuleSet(t, chainRules(), nil),
		Documents: []domain.Document{issuedDoc("d1", "doc_b")},
	}
	plan, err := milestone.Sync(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, plan.Synced)
	assert.Empty(t, plan.Unsynced)
	require.Len(t, plan.Changes, 3)
	for i, code := range []string{"A", "B", "C"} {
		assert.Equal(t, code, plan.Changes[i].Code)
		assert.False(t, plan.Changes[i].From)
		assert.True(t, plan.Changes[i].To)
	}
	for _, w := range plan.Writes {
		assert.Equal(t, domain.ProvenanceDerived, w.Provenance)
		assert.Equal(t, "tester", w.CompletedBy)
		require.NotNil(t, w.CompletedAt)
		require.NotNil(t, w.Note)
		assert.Contains(t, *w.Note, milestone.SystemMarker)
	}

	in.Stored = apply(nil, plan)
	second, err := milestone.Sync(in)
	require.NoError(t, err)
	assert.Empty(t, second.Changes)
	assert.True(t, second.Empty())
	assert.Equal(t, []string{"A", "B", "C"}, second.Synced)
}

func TestPrerequisiteGatingBlocksEvidence(t *testing.T) {
	rules := []milestone.Rule{
		{Code: "survey", Check: milestone.CheckIssued, TriggerTypeCode: "survey"},
		{Code: "permit", Check: milestone.CheckIssued, TriggerTypeCode: "permit", Prerequisites: []string{"survey"}},
	}
	plan, err := milestone.Sync(milestone.Input{
		Now:       fixedNow,
		Rules:     mustRuleSet(t, rules, nil),
		Documents: []domain.Document{issuedDoc("d1", "permit")},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Synced)
	assert.Equal(t, []string{"survey", "permit"}, plan.Unsynced)
	assert.Empty(t, plan.Changes)
}

func TestPrerequisiteGatingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	checks := []milestone.CheckKind{milestone.CheckAlwaysTrue, milestone.CheckSubmitted, milestone.CheckIssued, milestone.CheckAllPrerequisites}
	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.Intn(8)
		rules := make([]milestone.Rule, 0, n)
		for i := 0; i < n; i++ {
			r := milestone.Rule{Code: "r" + strconv.Itoa(i), Check: checks[rng.Intn(len(checks))]}
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					r.Prerequisites = append(r.Prerequisites, "r"+strconv.Itoa(j))
				}
			}
			if r.Check == milestone.CheckAllPrerequisites && len(r.Prerequisites) == 0 {
				r.Check = milestone.CheckAlwaysTrue
			}
			if r.Check == milestone.CheckSubmitted || r.Check == milestone.CheckIssued {
				r.TriggerTypeCode = "t" + strconv.Itoa(rng.Intn(4))
				r.TriggerTypeLabels = []string{"L" + strconv.Itoa(rng.Intn(4))}
			}
			rules = append(rules, r)
		}
		// Shuffle declaration order; the rule set must sort it back out.
		rng.Shuffle(len(rules), func(i, j int) { rules[i], rules[j] = rules[j], rules[i] })
		var docs []domain.Document
		for i := 0; i < rng.Intn(6); i++ {
			d := domain.Document{ID: "d" + strconv.Itoa(i), IsCurrent: rng.Intn(5) != 0, IsDeleted: rng.Intn(6) == 0}
			if rng.Intn(2) == 0 {
				d.TypeCode = strPtr("t" + strconv.Itoa(rng.Intn(4)))
			} else {
				d.TypeLabel = strPtr("L" + strconv.Itoa(rng.Intn(4)))
			}
			if rng.Intn(2) == 0 {
				d.SubmittedAt = timePtr(fixedNow)
			}
			if rng.Intn(3) == 0 {
				d.IssuedAt = timePtr(fixedNow)
			}
			d.AttachedFileCount = rng.Intn(2)
			docs = append(docs, d)
		}
		rs := mustRuleSet(t, rules, nil)
		plan, err := milestone.Sync(milestone.Input{Now: fixedNow, Rules: rs, Documents: docs})
		require.NoError(t, err)
		complete := map[string]bool{}
		for _, code := range plan.Synced {
			complete[code] = true
		}
		for _, r := range rs.Rules() {
			if !complete[r.Code] {
				continue
			}
			for _, p := range r.Prerequisites {
				assert.Truef(t, complete[p], "iteration %d: %s complete without prerequisite %s", iter, r.Code, p)
			}
		}
	}
}

func TestOverrideStickiness(t *testing.T) {
	rs := mustRuleSet(t, chainRules(), nil)
	manualAt := fixedNow.Add(-48 * time.Hour)
	stored := []domain.MilestoneState{
		{Code: "A", IsCompleted: true, Provenance: domain.ProvenanceDerived, Note: strPtr(milestone.SystemMarker + " record exists")},
		{Code: "B", IsCompleted: true, CompletedAt: &manualAt, CompletedBy: "office", Provenance: domain.ProvenanceManual, Note: strPtr("confirmed by phone")},
	}
	// Backing document exists but its dates were cleared.
	doc := domain.Document{ID: "d1", TypeCode: strPtr("doc_b"), IsCurrent: true}
	plan, err := milestone.Sync(milestone.Input{
		ActorID:   "sync",
		Now:       fixedNow,
		Rules:     rs,
		Documents: []domain.Document{doc},
		Stored:    stored,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, plan.Synced)
	assert.Equal(t, []string{"B"}, plan.Preserved)
	for _, w := range plan.Writes {
		assert.NotEqual(t, "B", w.Code, "manual completion must not be rewritten")
	}
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "C", plan.Changes[0].Code)
}

func TestNonStickyManualCompletionIsRevoked(t *testing.T) {
	rs := mustRuleSet(t, chainRules(), nil)
	stored := []domain.MilestoneState{
		{Code: "A", IsCompleted: true, Provenance: domain.ProvenanceDerived},
		{Code: "B", IsCompleted: true, Provenance: domain.ProvenanceManual},
	}
	defs := []domain.MilestoneDefinition{
		{Code: "B", Type: domain.TypeAdmin, Weight: 1, Active: true, Sticky: boolPtr(false)},
	}
	plan, err := milestone.Sync(milestone.Input{Now: fixedNow, Rules: rs, Stored: stored, Definitions: defs})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, plan.Synced)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, domain.Change{Code: "B", From: true, To: false, Provenance: domain.ProvenanceDerived, Reason: "no matching document"}, plan.Changes[0])
	require.Len(t, plan.Writes, 1)
	assert.Nil(t, plan.Writes[0].CompletedAt)
	assert.Empty(t, plan.Writes[0].CompletedBy)
}

func TestManualOverrideFeedsPrerequisites(t *testing.T) {
	rules := []milestone.Rule{
		{Code: "survey", Check: milestone.CheckIssued, TriggerTypeCode: "survey"},
		{Code: "permit", Check: milestone.CheckIssued, TriggerTypeCode: "permit", Prerequisites: []string{"survey"}},
	}
	plan, err := milestone.Sync(milestone.Input{
		Now:       fixedNow,
		Rules:     mustRuleSet(t, rules, nil),
		Documents: []domain.Document{issuedDoc("d1", "permit")},
		Stored:    []domain.MilestoneState{{Code: "survey", IsCompleted: true, Note: strPtr("done on site")}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"survey", "permit"}, plan.Synced)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "permit", plan.Changes[0].Code)
}

func TestLegacyNoteProvenance(t *testing.T) {
	assert.True(t, milestone.IsManualCompletion(domain.MilestoneState{IsCompleted: true}))
	assert.True(t, milestone.IsManualCompletion(domain.MilestoneState{IsCompleted: true, Note: strPtr("called utility")}))
	assert.False(t, milestone.IsManualCompletion(domain.MilestoneState{IsCompleted: true, Note: strPtr(milestone.SystemMarker + " document permit issued")}))
	assert.False(t, milestone.IsManualCompletion(domain.MilestoneState{IsCompleted: false, Provenance: domain.ProvenanceManual}))
	// The explicit column wins over the note.
	assert.True(t, milestone.IsManualCompletion(domain.MilestoneState{IsCompleted: true, Provenance: domain.ProvenanceManual, Note: strPtr(milestone.SystemMarker)}))
	assert.False(t, milestone.IsManualCompletion(domain.MilestoneState{IsCompleted: true, Provenance: domain.ProvenanceDerived, Note: strPtr("free text")}))
}

func TestMatchingPriorityPrefersCode(t *testing.T) {
	rules := []milestone.Rule{
		{Code: "permit", Check: milestone.CheckIssued, TriggerTypeCode: "building_permit", TriggerTypeLabels: []string{"Building Permit"}},
	}
	labelOnly := domain.Document{ID: "legacy", TypeLabel: strPtr("Building Permit"), IsCurrent: true}
	coded := domain.Document{ID: "coded", TypeCode: strPtr("building_permit"), TypeLabel: strPtr("Permit (new)"), IssuedAt: timePtr(fixedNow), IsCurrent: true}

	rs := mustRuleSet(t, rules, nil)
	ev := milestone.Evaluate(rs, milestone.NewIndex([]domain.Document{coded, labelOnly}, milestone.TypeRegistry{}), milestone.Overrides{})
	require.Len(t, ev.Decisions, 1)
	assert.Equal(t, "coded", ev.Decisions[0].DocumentID)
	assert.True(t, ev.Complete("permit"))

	// Without a coded document the label path is used, in list order.
	rules[0].TriggerTypeLabels = []string{"Missing", "Building Permit"}
	rs = mustRuleSet(t, rules, nil)
	ev = milestone.Evaluate(rs, milestone.NewIndex([]domain.Document{labelOnly}, milestone.TypeRegistry{}), milestone.Overrides{})
	assert.Equal(t, "legacy", ev.Decisions[0].DocumentID)
	assert.False(t, ev.Complete("permit"))
}

func TestRegistryNormalizesLegacyLabels(t *testing.T) {
	reg, err := milestone.NewTypeRegistry(map[string][]string{
		"building_permit": {"Building Permit", "Permit Approval"},
	})
	require.NoError(t, err)
	legacy := domain.Document{ID: "legacy", TypeLabel: strPtr("Permit Approval"), IssuedAt: timePtr(fixedNow), IsCurrent: true}
	idx := milestone.NewIndex([]domain.Document{legacy}, reg)
	d, ok := idx.ByCode("building_permit")
	require.True(t, ok)
	assert.Equal(t, "legacy", d.ID)

	coded := domain.Document{ID: "coded", TypeCode: strPtr("building_permit"), IsCurrent: true}
	idx = milestone.NewIndex([]domain.Document{coded, legacy}, reg)
	d, _ = idx.ByCode("building_permit")
	assert.Equal(t, "coded", d.ID, "an explicit code is never displaced by a normalised label")

	_, err = milestone.NewTypeRegistry(map[string][]string{"a": {"Same"}, "b": {"Same"}})
	assert.Error(t, err)
}

func TestIndexSkipsNonCurrentAndDeleted(t *testing.T) {
	docs := []domain.Document{
		{ID: "old", TypeCode: strPtr("permit"), IssuedAt: timePtr(fixedNow), IsCurrent: false},
		{ID: "gone", TypeCode: strPtr("permit"), IssuedAt: timePtr(fixedNow), IsCurrent: true, IsDeleted: true},
	}
	idx := milestone.NewIndex(docs, milestone.TypeRegistry{})
	_, ok := idx.ByCode("permit")
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Len())
}

func TestCheckKinds(t *testing.T) {
	cases := []struct {
		name  string
		check milestone.CheckKind
		doc   domain.Document
		want  bool
	}{
		{"submitted date", milestone.CheckSubmitted, domain.Document{SubmittedAt: timePtr(fixedNow)}, true},
		{"submitted implied by issued", milestone.CheckSubmitted, domain.Document{IssuedAt: timePtr(fixedNow)}, true},
		{"submitted implied by file", milestone.CheckSubmitted, domain.Document{AttachedFileCount: 2}, true},
		{"nothing submitted", milestone.CheckSubmitted, domain.Document{}, false},
		{"issued date", milestone.CheckIssued, domain.Document{IssuedAt: timePtr(fixedNow)}, true},
		{"issued by attached file", milestone.CheckIssued, domain.Document{AttachedFileCount: 1}, true},
		{"issued by external file", milestone.CheckIssued, domain.Document{ExternalFileRef: strPtr("drive:abc")}, true},
		{"blank external ref", milestone.CheckIssued, domain.Document{ExternalFileRef: strPtr("  ")}, false},
		{"submitted is not issued", milestone.CheckIssued, domain.Document{SubmittedAt: timePtr(fixedNow)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := tc.doc
			doc.ID = "d"
			doc.TypeCode = strPtr("x")
			doc.IsCurrent = true
			rs := mustRuleSet(t, []milestone.Rule{{Code: "m", Check: tc.check, TriggerTypeCode: "x"}}, nil)
			ev := milestone.Evaluate(rs, milestone.NewIndex([]domain.Document{doc}, milestone.TypeRegistry{}), milestone.Overrides{})
			assert.Equal(t, tc.want, ev.Complete("m"))
		})
	}
}

func TestCrossTriggerIdempotence(t *testing.T) {
	rs := mustRuleSet(t, chainRules(), []milestone.CrossTrigger{
		{Source: "B", Target: "eng_design"},
		{Source: "C", Target: "eng_design"},
		{Source: "C", Target: "eng_handover"},
	})
	in := milestone.Input{
		ActorID:   "sync",
		Now:       fixedNow,
		Rules:     rs,
		Documents: []domain.Document{issuedDoc("d1", "doc_b")},
		Stored: []domain.MilestoneState{
			{Code: "eng_handover", IsCompleted: true, Provenance: domain.ProvenanceManual, Note: strPtr("handed over early")},
		},
	}
	plan, err := milestone.Sync(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"eng_design"}, plan.Triggered)
	var triggered []domain.Change
	for _, c := range plan.Changes {
		if c.Code == "eng_design" || c.Code == "eng_handover" {
			triggered = append(triggered, c)
		}
	}
	require.Len(t, triggered, 1)
	assert.Equal(t, "triggered by B", triggered[0].Reason)

	in.Stored = apply(in.Stored, plan)
	second, err := milestone.Sync(in)
	require.NoError(t, err)
	assert.Empty(t, second.Triggered)
	assert.Empty(t, second.Changes)
}

func TestCrossTriggerRespectsDerivedTarget(t *testing.T) {
	rs := mustRuleSet(t, chainRules(), []milestone.CrossTrigger{{Source: "A", Target: "eng_kickoff"}})
	plan, err := milestone.Sync(milestone.Input{
		Now:    fixedNow,
		Rules:  rs,
		Stored: []domain.MilestoneState{{Code: "eng_kickoff", IsCompleted: true, Provenance: domain.ProvenanceDerived}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Triggered)
}

func TestRoundingAndRollup(t *testing.T) {
	defs := []domain.MilestoneDefinition{
		{Code: "a1", Type: domain.TypeAdmin, Weight: 1, SortOrder: 1, Active: true, DisplayName: "Contract"},
		{Code: "a2", Type: domain.TypeAdmin, Weight: 1, SortOrder: 2, Active: true, DisplayName: "Permit"},
		{Code: "a3", Type: domain.TypeAdmin, Weight: 1, SortOrder: 3, Active: true, DisplayName: "Closing"},
		{Code: "e1", Type: domain.TypeEngineering, Weight: 1, SortOrder: 1, Active: true, DisplayName: "Design"},
		{Code: "e2", Type: domain.TypeEngineering, Weight: 1, SortOrder: 2, Active: true, DisplayName: "Install"},
		{Code: "old", Type: domain.TypeAdmin, Weight: 5, SortOrder: 0, Active: false, DisplayName: "Retired"},
	}
	complete := map[string]bool{"a1": true, "a3": true, "e1": true, "e2": true}
	p := milestone.Aggregate(defs, complete, domain.WeightConfig{AdminPct: 50, EngineeringPct: 50})
	assert.Equal(t, 66.67, p.AdminProgress)
	assert.Equal(t, 100.0, p.EngineeringProgress)
	assert.Equal(t, 83.34, p.OverallProgress)
	require.NotNil(t, p.AdminStage)
	assert.Equal(t, "Permit", *p.AdminStage)
	require.NotNil(t, p.EngineeringStage)
	assert.Equal(t, milestone.CompletedStage, *p.EngineeringStage)
}

func TestProgressWithoutActiveDefinitions(t *testing.T) {
	defs := []domain.MilestoneDefinition{
		{Code: "a1", Type: domain.TypeAdmin, Weight: 0, Active: true, DisplayName: "Zero"},
		{Code: "e1", Type: domain.TypeEngineering, Weight: 3, Active: false},
	}
	p := milestone.Aggregate(defs, map[string]bool{"a1": true}, domain.WeightConfig{AdminPct: 70, EngineeringPct: 30})
	assert.Equal(t, 0.0, p.AdminProgress)
	assert.Equal(t, 0.0, p.EngineeringProgress)
	assert.Equal(t, 0.0, p.OverallProgress)
	require.NotNil(t, p.AdminStage)
	assert.Equal(t, milestone.CompletedStage, *p.AdminStage)
	assert.Nil(t, p.EngineeringStage)
}

func TestSyncRollsUpFinalState(t *testing.T) {
	rs := mustRuleSet(t, chainRules(), []milestone.CrossTrigger{{Source: "B", Target: "E1"}})
	defs := []domain.MilestoneDefinition{
		{Code: "A", Type: domain.TypeAdmin, Weight: 1, SortOrder: 1, Active: true, DisplayName: "Created"},
		{Code: "B", Type: domain.TypeAdmin, Weight: 2, SortOrder: 2, Active: true, DisplayName: "Issued"},
		{Code: "C", Type: domain.TypeAdmin, Weight: 1, SortOrder: 3, Active: true, DisplayName: "Closed"},
		{Code: "E1", Type: domain.TypeEngineering, Weight: 1, SortOrder: 1, Active: true, DisplayName: "Design"},
		{Code: "E2", Type: domain.TypeEngineering, Weight: 3, SortOrder: 2, Active: true, DisplayName: "Install"},
	}
	plan, err := milestone.Sync(milestone.Input{
		ProjectID:   "p1",
		Now:         fixedNow,
		Rules:       rs,
		Definitions: defs,
		Weights:     domain.WeightConfig{AdminPct: 60, EngineeringPct: 40},
		Documents:   []domain.Document{issuedDoc("d1", "doc_b")},
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, plan.Progress.AdminProgress)
	assert.Equal(t, 25.0, plan.Progress.EngineeringProgress)
	assert.Equal(t, 70.0, plan.Progress.OverallProgress)
	require.NotNil(t, plan.Progress.EngineeringStage)
	assert.Equal(t, "Install", *plan.Progress.EngineeringStage)
	assert.Equal(t, "p1", plan.Progress.ProjectID)
}

func TestSyncRequiresRuleSet(t *testing.T) {
	_, err := milestone.Sync(milestone.Input{})
	assert.ErrorIs(t, err, milestone.ErrNoRuleSet)
}

func TestRebaseDropsWritesOvertakenByStoredRows(t *testing.T) {
	rs := mustRuleSet(t, chainRules(), nil)
	defs := []domain.MilestoneDefinition{
		{Code: "A", Type: domain.TypeAdmin, Weight: 1, SortOrder: 1, Active: true, DisplayName: "Created"},
		{Code: "B", Type: domain.TypeAdmin, Weight: 1, SortOrder: 2, Active: true, DisplayName: "Issued"},
		{Code: "C", Type: domain.TypeAdmin, Weight: 2, SortOrder: 3, Active: true, DisplayName: "Closed"},
	}
	in := milestone.Input{
		ProjectID:   "p1",
		Now:         fixedNow,
		Rules:       rs,
		Definitions: defs,
		Weights:     domain.WeightConfig{AdminPct: 100},
	}
	plan, err := milestone.Sync(in)
	require.NoError(t, err)
	require.Len(t, plan.Writes, 1)

	// Someone completed B by hand and another pass already wrote A.
	current := apply(nil, plan)
	current = append(current, domain.MilestoneState{ProjectID: "p1", Code: "B", IsCompleted: true, Provenance: domain.ProvenanceManual})
	plan.Rebase(current)
	assert.Empty(t, plan.Writes)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 50.0, plan.Progress.AdminProgress)

	in.Documents = []domain.Document{issuedDoc("d1", "doc_b")}
	in.Stored = current[:1]
	withDoc, err := milestone.Sync(in)
	require.NoError(t, err)
	require.Len(t, withDoc.Changes, 2)
	withDoc.Rebase(current)
	require.Len(t, withDoc.Changes, 1)
	assert.Equal(t, "C", withDoc.Changes[0].Code)
	assert.Equal(t, 100.0, withDoc.Progress.AdminProgress)
	require.NotNil(t, withDoc.Progress.AdminStage)
	assert.Equal(t, "Completed", *withDoc.Progress.AdminStage)
}
