package milestone

import (
	"fmt"
	"strings"

	"solarline/internal/domain"
)

// Decision is the outcome of one rule in a pass. Derived is the value computed
// from prerequisites and documents alone; Complete is the final membership in
// the resolved-complete set, which also counts preserved manual completions.
type Decision struct {
	Code             string
	Derived          bool
	Complete         bool
	Preserved        bool
	PrerequisitesMet bool
	DocumentID       string
	Reason           string
}

// Evaluation is the result of walking a rule set once.
type Evaluation struct {
	Decisions []Decision
	complete  map[string]bool
}

func (ev Evaluation) Complete(code string) bool {
	return ev.complete[code]
}

// CompleteSet returns a copy of the resolved-complete set.
func (ev Evaluation) CompleteSet() map[string]bool {
	out := make(map[string]bool, len(ev.complete))
	for code := range ev.complete {
		out[code] = true
	}
	return out
}

// Evaluate resolves every rule in evaluation order. A rule whose prerequisites
// are not all complete resolves false before its own condition is looked at;
// a preserved manual completion is complete whatever the evidence says.
func Evaluate(rs *RuleSet, idx *Index, ov Overrides) Evaluation {
	ev := Evaluation{
		Decisions: make([]Decision, 0, len(rs.rules)),
		complete:  map[string]bool{},
	}
	for _, r := range rs.rules {
		d := Decision{Code: r.Code, PrerequisitesMet: true}
		var missing []string
		for _, p := range r.Prerequisites {
			if !ev.complete[p] {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			d.PrerequisitesMet = false
			d.Reason = "prerequisites unmet: " + strings.Join(missing, ", ")
		} else {
			d.Derived, d.DocumentID, d.Reason = resolveRule(r, idx)
		}
		d.Complete = d.Derived
		if ov.Preserved(r.Code) {
			d.Preserved = true
			d.Complete = true
			d.Reason = "manual completion preserved"
		}
		if d.Complete {
			ev.complete[r.Code] = true
		}
		ev.Decisions = append(ev.Decisions, d)
	}
	return ev
}

// resolveRule runs the rule's own condition; prerequisites are already met.
func resolveRule(r Rule, idx *Index) (bool, string, string) {
	switch r.Check {
	case CheckAlwaysTrue:
		return true, "", "record exists"
	case CheckAllPrerequisites:
		return true, "", "all prerequisites complete"
	}
	doc, ok := idx.Resolve(r)
	if !ok {
		return false, "", "no matching document"
	}
	switch r.Check {
	case CheckIssued:
		if isIssued(doc) {
			return true, doc.ID, fmt.Sprintf("document %s issued", docType(doc))
		}
		return false, doc.ID, fmt.Sprintf("document %s not issued", docType(doc))
	case CheckSubmitted:
		if doc.SubmittedAt != nil {
			return true, doc.ID, fmt.Sprintf("document %s submitted", docType(doc))
		}
		if isIssued(doc) {
			return true, doc.ID, fmt.Sprintf("document %s issued", docType(doc))
		}
		return false, doc.ID, fmt.Sprintf("document %s not submitted", docType(doc))
	}
	return false, doc.ID, fmt.Sprintf("unsupported check %s", r.Check)
}

// isIssued treats a stored file as proof of receipt even without an issued date.
func isIssued(d domain.Document) bool {
	if d.IssuedAt != nil {
		return true
	}
	if d.AttachedFileCount > 0 {
		return true
	}
	return d.ExternalFileRef != nil && strings.TrimSpace(*d.ExternalFileRef) != ""
}

func docType(d domain.Document) string {
	if d.TypeCode != nil && *d.TypeCode != "" {
		return *d.TypeCode
	}
	if d.TypeLabel != nil && *d.TypeLabel != "" {
		return *d.TypeLabel
	}
	return d.ID
}
