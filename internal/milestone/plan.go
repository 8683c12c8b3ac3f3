package milestone

import (
	"errors"
	"time"

	"solarline/internal/domain"
)

// Input is everything one project's pass reads.
type Input struct {
	ProjectID   string
	ActorID     string
	Now         time.Time
	Documents   []domain.Document
	Rules       *RuleSet
	Registry    TypeRegistry
	Definitions []domain.MilestoneDefinition
	Weights     domain.WeightConfig
	Stored      []domain.MilestoneState
}

// Plan is the computed target state of a pass. Writes holds only real
// transitions, and Rebase drops those that no longer are, so applying a plan
// twice is harmless.
type Plan struct {
	ProjectID string                           `json:"project_id"`
	ActorID   string                           `json:"actor_id"`
	Synced    []string                         `json:"synced"`
	Unsynced  []string                         `json:"unsynced"`
	Triggered []string                         `json:"triggered"`
	Preserved []string                         `json:"preserved"`
	Changes   []domain.Change                  `json:"changes"`
	Writes    []domain.MilestoneState          `json:"-"`
	Previous  map[string]domain.MilestoneState `json:"-"`
	Progress  domain.Progress                  `json:"progress"`

	definitions []domain.MilestoneDefinition
	weights     domain.WeightConfig
}

// Empty reports whether the pass found nothing to write.
func (p *Plan) Empty() bool {
	return len(p.Writes) == 0
}

var ErrNoRuleSet = errors.New("milestone: rule set not loaded")

// Sync computes one project's pass: index documents, evaluate rules with manual
// completions preserved, fire cross triggers, diff against stored state and
// roll up progress. It performs no I/O.
func Sync(in Input) (*Plan, error) {
	if in.Rules == nil {
		return nil, ErrNoRuleSet
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	now := in.Now.UTC()

	stored := make(map[string]domain.MilestoneState, len(in.Stored))
	for _, s := range in.Stored {
		stored[s.Code] = s
	}
	sticky := stickyLookup(in.Definitions)
	overrides := NewOverrides(stored, sticky)
	ev := Evaluate(in.Rules, NewIndex(in.Documents, in.Registry), overrides)

	plan := &Plan{
		ProjectID: in.ProjectID,
		ActorID:   in.ActorID,
		Synced:    []string{},
		Unsynced:  []string{},
		Triggered: []string{},
		Preserved: []string{},
		Changes:   []domain.Change{},
		Previous:  map[string]domain.MilestoneState{},

		definitions: in.Definitions,
		weights:     in.Weights,
	}
	final := map[string]bool{}
	for code, s := range stored {
		if s.IsCompleted {
			final[code] = true
		}
	}

	for _, d := range ev.Decisions {
		if d.Complete {
			plan.Synced = append(plan.Synced, d.Code)
			final[d.Code] = true
		} else {
			plan.Unsynced = append(plan.Unsynced, d.Code)
			delete(final, d.Code)
		}
		if d.Preserved {
			plan.Preserved = append(plan.Preserved, d.Code)
			continue
		}
		prev, exists := stored[d.Code]
		if exists && prev.IsCompleted == d.Complete {
			continue
		}
		if !exists && !d.Complete {
			continue
		}
		plan.record(prev, exists, d.Code, d.Complete, d.Reason, now)
	}

	for _, f := range Propagate(in.Rules, ev.CompleteSet(), stored) {
		prev, exists := stored[f.Target]
		plan.Triggered = append(plan.Triggered, f.Target)
		final[f.Target] = true
		plan.record(prev, exists, f.Target, true, "triggered by "+f.Source, now)
	}

	plan.Progress = Aggregate(in.Definitions, final, in.Weights)
	plan.Progress.ProjectID = in.ProjectID
	return plan, nil
}

func (p *Plan) record(prev domain.MilestoneState, exists bool, code string, complete bool, reason string, now time.Time) {
	from := exists && prev.IsCompleted
	note := SystemMarker + " " + reason
	row := domain.MilestoneState{
		ProjectID:   p.ProjectID,
		Code:        code,
		IsCompleted: complete,
		Provenance:  domain.ProvenanceDerived,
		Note:        &note,
		UpdatedAt:   now,
	}
	if complete {
		at := now
		row.CompletedAt = &at
		row.CompletedBy = p.ActorID
	}
	if exists {
		p.Previous[code] = prev
	}
	p.Writes = append(p.Writes, row)
	p.Changes = append(p.Changes, domain.Change{
		Code:       code,
		From:       from,
		To:         complete,
		Provenance: domain.ProvenanceDerived,
		Reason:     reason,
	})
}

// Rebase re-diffs the plan against the rows stored now. Writes that would
// overwrite a sticky manual completion, or that the stored row already matches,
// are dropped together with their changes, and progress is rolled up again from
// the stored rows plus the remaining writes.
func (p *Plan) Rebase(current []domain.MilestoneState) {
	stored := make(map[string]domain.MilestoneState, len(current))
	for _, s := range current {
		stored[s.Code] = s
	}
	sticky := stickyLookup(p.definitions)
	changes := make(map[string]domain.Change, len(p.Changes))
	for _, c := range p.Changes {
		changes[c.Code] = c
	}

	writes := p.Writes[:0]
	kept := make([]domain.Change, 0, len(p.Changes))
	keptCodes := map[string]bool{}
	previous := map[string]domain.MilestoneState{}
	for _, w := range p.Writes {
		prev, exists := stored[w.Code]
		if exists && IsManualCompletion(prev) && sticky(w.Code) {
			continue
		}
		if exists && prev.IsCompleted == w.IsCompleted {
			continue
		}
		if !exists && !w.IsCompleted {
			continue
		}
		c := changes[w.Code]
		c.Code = w.Code
		c.From = exists && prev.IsCompleted
		c.To = w.IsCompleted
		if c.Provenance == "" {
			c.Provenance = w.Provenance
		}
		if exists {
			previous[w.Code] = prev
		}
		writes = append(writes, w)
		kept = append(kept, c)
		keptCodes[w.Code] = true
	}
	p.Writes = writes
	p.Changes = kept
	p.Previous = previous

	triggered := make([]string, 0, len(p.Triggered))
	for _, code := range p.Triggered {
		if keptCodes[code] {
			triggered = append(triggered, code)
		}
	}
	p.Triggered = triggered

	final := map[string]bool{}
	for code, s := range stored {
		if s.IsCompleted {
			final[code] = true
		}
	}
	for _, w := range p.Writes {
		if w.IsCompleted {
			final[w.Code] = true
		} else {
			delete(final, w.Code)
		}
	}
	p.Progress = Aggregate(p.definitions, final, p.weights)
	p.Progress.ProjectID = p.ProjectID
}

func stickyLookup(defs []domain.MilestoneDefinition) func(string) bool {
	byCode := make(map[string]bool, len(defs))
	for _, d := range defs {
		byCode[d.Code] = d.IsSticky()
	}
	return func(code string) bool {
		sticky, ok := byCode[code]
		return !ok || sticky
	}
}
