package milestone

import (
	"fmt"
	"sort"
	"strings"

	"solarline/internal/domain"
)

// TypeRegistry maps legacy free-text document labels to canonical type codes.
type TypeRegistry struct {
	labels map[string]string
}

// NewTypeRegistry builds a registry from code -> labels. A label claimed by two
// codes is a configuration error.
func NewTypeRegistry(codeLabels map[string][]string) (TypeRegistry, error) {
	reg := TypeRegistry{labels: map[string]string{}}
	codes := make([]string, 0, len(codeLabels))
	for code := range codeLabels {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if strings.TrimSpace(code) == "" {
			return TypeRegistry{}, fmt.Errorf("document type registry: empty type code")
		}
		for _, label := range codeLabels[code] {
			key := normalizeLabel(label)
			if key == "" {
				continue
			}
			if prev, ok := reg.labels[key]; ok && prev != code {
				return TypeRegistry{}, fmt.Errorf("document type registry: label %q registered for %s and %s", label, prev, code)
			}
			reg.labels[key] = code
		}
	}
	return reg, nil
}

// Canonical returns the type code registered for a label.
func (r TypeRegistry) Canonical(label string) (string, bool) {
	if r.labels == nil {
		return "", false
	}
	code, ok := r.labels[normalizeLabel(label)]
	return code, ok
}

func normalizeLabel(label string) string {
	return strings.TrimSpace(label)
}

// Index is the per-pass lookup over a project's participating documents.
type Index struct {
	byCode  map[string]domain.Document
	byLabel map[string]domain.Document
}

// NewIndex indexes current, non-deleted documents by type code and by label.
// Later documents overwrite earlier ones under the same key. Documents that only
// carry a registered label are also indexed under the label's canonical code,
// unless a document carrying that code explicitly is present.
func NewIndex(docs []domain.Document, reg TypeRegistry) *Index {
	idx := &Index{
		byCode:  map[string]domain.Document{},
		byLabel: map[string]domain.Document{},
	}
	explicit := map[string]bool{}
	var normalized []domain.Document
	for _, d := range docs {
		if !d.Participates() {
			continue
		}
		if d.TypeLabel != nil {
			if label := normalizeLabel(*d.TypeLabel); label != "" {
				idx.byLabel[label] = d
			}
		}
		if d.TypeCode != nil && strings.TrimSpace(*d.TypeCode) != "" {
			code := strings.TrimSpace(*d.TypeCode)
			idx.byCode[code] = d
			explicit[code] = true
			continue
		}
		normalized = append(normalized, d)
	}
	for _, d := range normalized {
		if d.TypeLabel == nil {
			continue
		}
		code, ok := reg.Canonical(*d.TypeLabel)
		if !ok || explicit[code] {
			continue
		}
		idx.byCode[code] = d
	}
	return idx
}

func (i *Index) ByCode(code string) (domain.Document, bool) {
	d, ok := i.byCode[code]
	return d, ok
}

func (i *Index) ByLabel(label string) (domain.Document, bool) {
	d, ok := i.byLabel[normalizeLabel(label)]
	return d, ok
}

// Len returns the number of distinct type codes indexed.
func (i *Index) Len() int {
	return len(i.byCode)
}

// Resolve finds the trigger document for a rule: an exact type code hit first,
// then the rule's labels in order.
func (i *Index) Resolve(r Rule) (domain.Document, bool) {
	if r.TriggerTypeCode != "" {
		if d, ok := i.byCode[r.TriggerTypeCode]; ok {
			return d, true
		}
	}
	for _, label := range r.TriggerTypeLabels {
		if d, ok := i.ByLabel(label); ok {
			return d, true
		}
	}
	return domain.Document{}, false
}
