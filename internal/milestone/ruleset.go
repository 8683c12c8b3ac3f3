package milestone

import (
	"fmt"
	"strings"
)

// CheckKind selects how a rule decides completion once its prerequisites are met.
type CheckKind string

const (
	CheckAlwaysTrue       CheckKind = "ALWAYS_TRUE"
	CheckSubmitted        CheckKind = "SUBMITTED"
	CheckIssued           CheckKind = "ISSUED"
	CheckAllPrerequisites CheckKind = "ALL_PREREQUISITES"
)

func (k CheckKind) Valid() bool {
	switch k {
	case CheckAlwaysTrue, CheckSubmitted, CheckIssued, CheckAllPrerequisites:
		return true
	}
	return false
}

// needsDocument reports whether the check inspects a trigger document.
func (k CheckKind) needsDocument() bool {
	return k == CheckSubmitted || k == CheckIssued
}

// Rule derives one administrative milestone from document evidence.
type Rule struct {
	Code              string    `json:"code" yaml:"code"`
	TriggerTypeCode   string    `json:"trigger_type_code,omitempty" yaml:"trigger_type_code,omitempty"`
	TriggerTypeLabels []string  `json:"trigger_type_labels,omitempty" yaml:"trigger_type_labels,omitempty"`
	Check             CheckKind `json:"check" yaml:"check"`
	Prerequisites     []string  `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

// CrossTrigger marks Target complete whenever Source is complete.
type CrossTrigger struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// RuleSetError reports a malformed rule graph.
type RuleSetError struct {
	Code   string
	Reason string
	Cycle  []string
}

func (e *RuleSetError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("ruleset: prerequisite cycle %s", strings.Join(e.Cycle, " -> "))
	}
	if e.Code == "" {
		return "ruleset: " + e.Reason
	}
	return fmt.Sprintf("ruleset: rule %s: %s", e.Code, e.Reason)
}

// RuleSet is a validated rule list held in evaluation order: every rule comes
// after all of its prerequisites.
type RuleSet struct {
	rules    []Rule
	position map[string]int
	triggers []CrossTrigger
}

// NewRuleSet validates rules and cross triggers and orders the rules
// topologically. Declaration order breaks ties, so an already sorted list keeps
// its order.
func NewRuleSet(rules []Rule, triggers []CrossTrigger) (*RuleSet, error) {
	declared := make(map[string]int, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Code) == "" {
			return nil, &RuleSetError{Reason: fmt.Sprintf("rule #%d has empty code", i+1)}
		}
		if _, dup := declared[r.Code]; dup {
			return nil, &RuleSetError{Code: r.Code, Reason: "declared more than once"}
		}
		declared[r.Code] = i
	}
	for _, r := range rules {
		if !r.Check.Valid() {
			return nil, &RuleSetError{Code: r.Code, Reason: fmt.Sprintf("unknown check kind %q", r.Check)}
		}
		if r.Check.needsDocument() && r.TriggerTypeCode == "" && len(r.TriggerTypeLabels) == 0 {
			return nil, &RuleSetError{Code: r.Code, Reason: fmt.Sprintf("%s check needs a trigger type code or label", r.Check)}
		}
		if r.Check == CheckAllPrerequisites && len(r.Prerequisites) == 0 {
			return nil, &RuleSetError{Code: r.Code, Reason: "ALL_PREREQUISITES check needs at least one prerequisite"}
		}
		seen := map[string]bool{}
		for _, p := range r.Prerequisites {
			if _, ok := declared[p]; !ok {
				return nil, &RuleSetError{Code: r.Code, Reason: fmt.Sprintf("prerequisite %s not declared", p)}
			}
			if seen[p] {
				return nil, &RuleSetError{Code: r.Code, Reason: fmt.Sprintf("prerequisite %s listed twice", p)}
			}
			seen[p] = true
		}
	}
	ordered, err := topoSort(rules)
	if err != nil {
		return nil, err
	}
	targets := map[string]bool{}
	for _, t := range triggers {
		if _, ok := declared[t.Source]; !ok {
			return nil, &RuleSetError{Reason: fmt.Sprintf("cross trigger source %s is not a rule", t.Source)}
		}
		if strings.TrimSpace(t.Target) == "" {
			return nil, &RuleSetError{Reason: fmt.Sprintf("cross trigger from %s has empty target", t.Source)}
		}
		if _, ok := declared[t.Target]; ok {
			return nil, &RuleSetError{Reason: fmt.Sprintf("cross trigger target %s is a rule; rules are derived from documents only", t.Target)}
		}
		key := t.Source + "\x00" + t.Target
		if targets[key] {
			return nil, &RuleSetError{Reason: fmt.Sprintf("cross trigger %s -> %s declared twice", t.Source, t.Target)}
		}
		targets[key] = true
	}
	rs := &RuleSet{
		rules:    ordered,
		position: make(map[string]int, len(ordered)),
		triggers: append([]CrossTrigger(nil), triggers...),
	}
	for i, r := range ordered {
		rs.position[r.Code] = i
	}
	return rs, nil
}

func topoSort(rules []Rule) ([]Rule, error) {
	emitted := make(map[string]bool, len(rules))
	ordered := make([]Rule, 0, len(rules))
	for len(ordered) < len(rules) {
		progressed := false
		for _, r := range rules {
			if emitted[r.Code] {
				continue
			}
			ready := true
			for _, p := range r.Prerequisites {
				if !emitted[p] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			emitted[r.Code] = true
			ordered = append(ordered, cloneRule(r))
			progressed = true
			break
		}
		if !progressed {
			return nil, &RuleSetError{Cycle: findCycle(rules, emitted)}
		}
	}
	return ordered, nil
}

// findCycle walks prerequisite edges among the rules that could not be ordered
// and returns one closed path, first element repeated at the end.
func findCycle(rules []Rule, emitted map[string]bool) []string {
	prereqs := make(map[string][]string, len(rules))
	var pending []string
	for _, r := range rules {
		if emitted[r.Code] {
			continue
		}
		prereqs[r.Code] = r.Prerequisites
		pending = append(pending, r.Code)
	}
	const (
		unvisited = iota
		onStack
		done
	)
	state := map[string]int{}
	var stack []string
	var cycle []string
	var visit func(code string) bool
	visit = func(code string) bool {
		state[code] = onStack
		stack = append(stack, code)
		for _, p := range prereqs[code] {
			if emitted[p] {
				continue
			}
			switch state[p] {
			case onStack:
				for i, c := range stack {
					if c == p {
						cycle = append(append([]string{}, stack[i:]...), p)
						return true
					}
				}
			case unvisited:
				if visit(p) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[code] = done
		return false
	}
	for _, code := range pending {
		if state[code] == unvisited && visit(code) {
			return cycle
		}
	}
	return pending
}

func cloneRule(r Rule) Rule {
	r.TriggerTypeLabels = append([]string(nil), r.TriggerTypeLabels...)
	r.Prerequisites = append([]string(nil), r.Prerequisites...)
	return r
}

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = cloneRule(r)
	}
	return out
}

// Codes returns rule codes in evaluation order.
func (rs *RuleSet) Codes() []string {
	out := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.Code
	}
	return out
}

func (rs *RuleSet) Has(code string) bool {
	_, ok := rs.position[code]
	return ok
}

func (rs *RuleSet) Triggers() []CrossTrigger {
	return append([]CrossTrigger(nil), rs.triggers...)
}
