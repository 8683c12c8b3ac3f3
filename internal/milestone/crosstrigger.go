package milestone

import "solarline/internal/domain"

// Firing is one cross trigger that completes its target in this pass.
type Firing struct {
	Source string
	Target string
}

// Propagate returns the cross triggers that fire: the source is complete and
// the stored target is not completed yet. Each target fires at most once, so an
// edge never fires again after its target has been written.
func Propagate(rs *RuleSet, complete map[string]bool, stored map[string]domain.MilestoneState) []Firing {
	var out []Firing
	fired := map[string]bool{}
	for _, t := range rs.triggers {
		if !complete[t.Source] || fired[t.Target] {
			continue
		}
		if s, ok := stored[t.Target]; ok && s.IsCompleted {
			continue
		}
		fired[t.Target] = true
		out = append(out, Firing{Source: t.Source, Target: t.Target})
	}
	return out
}
