package milestone

import (
	"strings"

	"solarline/internal/domain"
)

// SystemMarker prefixes every note written by a sync pass. Rows stored before
// the provenance column existed are told apart by it.
const SystemMarker = "[auto-sync]"

// IsManualCompletion reports whether a stored row is a completion recorded by a
// person rather than derived by a pass.
func IsManualCompletion(s domain.MilestoneState) bool {
	if !s.IsCompleted {
		return false
	}
	switch s.Provenance {
	case domain.ProvenanceManual:
		return true
	case domain.ProvenanceDerived:
		return false
	}
	return s.Note == nil || !strings.Contains(*s.Note, SystemMarker)
}

// Overrides holds the manual completions a pass must not revoke.
type Overrides struct {
	preserved map[string]domain.MilestoneState
}

// NewOverrides selects the stored manual completions that stay put. sticky may
// be nil, in which case every manual completion is sticky.
func NewOverrides(stored map[string]domain.MilestoneState, sticky func(code string) bool) Overrides {
	o := Overrides{preserved: map[string]domain.MilestoneState{}}
	for code, s := range stored {
		if !IsManualCompletion(s) {
			continue
		}
		if sticky != nil && !sticky(code) {
			continue
		}
		o.preserved[code] = s
	}
	return o
}

func (o Overrides) Preserved(code string) bool {
	_, ok := o.preserved[code]
	return ok
}

func (o Overrides) Len() int {
	return len(o.preserved)
}
