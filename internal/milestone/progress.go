package milestone

import (
	"math"
	"sort"

	"solarline/internal/domain"
)

// CompletedStage is reported as the current stage once every active milestone
// of a type is complete.
const CompletedStage = "Completed"

// roundingSlack absorbs binary representation error so that values sitting on
// a .005 boundary (83.335) round up the way the decimal value would.
const roundingSlack = 1e-9

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return math.Round((v+roundingSlack)*100) / 100
}

// TypeProgress returns the weighted completion percentage of one milestone
// type. Inactive definitions are ignored; a zero weight sum gives 0.
func TypeProgress(defs []domain.MilestoneDefinition, milestoneType string, complete map[string]bool) float64 {
	var total, done float64
	for _, d := range defs {
		if !d.Active || d.Type != milestoneType {
			continue
		}
		total += d.Weight
		if complete[d.Code] {
			done += d.Weight
		}
	}
	if total <= 0 {
		return 0
	}
	return round2(100 * done / total)
}

// CurrentStage returns the display name of the first incomplete active
// milestone of a type by sort order, CompletedStage when all are complete, or
// nil when the type has no active milestones.
func CurrentStage(defs []domain.MilestoneDefinition, milestoneType string, complete map[string]bool) *string {
	var active []domain.MilestoneDefinition
	for _, d := range defs {
		if d.Active && d.Type == milestoneType {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].SortOrder < active[j].SortOrder })
	for _, d := range active {
		if !complete[d.Code] {
			name := d.DisplayName
			if name == "" {
				name = d.Code
			}
			return &name
		}
	}
	stage := CompletedStage
	return &stage
}

// Aggregate rolls a completed set into per-type and overall progress.
func Aggregate(defs []domain.MilestoneDefinition, complete map[string]bool, w domain.WeightConfig) domain.Progress {
	admin := TypeProgress(defs, domain.TypeAdmin, complete)
	eng := TypeProgress(defs, domain.TypeEngineering, complete)
	return domain.Progress{
		AdminProgress:       admin,
		EngineeringProgress: eng,
		OverallProgress:     round2(admin*w.AdminPct/100 + eng*w.EngineeringPct/100),
		AdminStage:          CurrentStage(defs, domain.TypeAdmin, complete),
		EngineeringStage:    CurrentStage(defs, domain.TypeEngineering, complete),
	}
}
