package domain

import "time"

const (
	TypeAdmin       = "admin"
	TypeEngineering = "engineering"
)

const (
	ProvenanceManual  = "manual"
	ProvenanceDerived = "derived"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status" enum:"active,paused,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Document is one evidence record owned by the document-management side.
// Only current, non-deleted documents count as evidence.
type Document struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	TypeCode          *string    `json:"type_code,omitempty"`
	TypeLabel         *string    `json:"type_label,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	IssuedAt          *time.Time `json:"issued_at,omitempty"`
	AttachedFileCount int        `json:"attached_file_count"`
	ExternalFileRef   *string    `json:"external_file_ref,omitempty"`
	IsCurrent         bool       `json:"is_current"`
	IsDeleted         bool       `json:"is_deleted"`
	UpdatedAt         string     `json:"updated_at,omitempty" format:"date-time"`
}

// Participates reports whether the document is usable as evidence.
func (d Document) Participates() bool {
	return d.IsCurrent && !d.IsDeleted
}

// MilestoneDefinition is one catalogue entry. Sticky keeps manual completions
// in place when evidence disappears; nil means true.
type MilestoneDefinition struct {
	Code        string  `json:"code" yaml:"code"`
	Type        string  `json:"type" yaml:"type" enum:"admin,engineering"`
	Weight      float64 `json:"weight" yaml:"weight"`
	SortOrder   int     `json:"sort_order" yaml:"sort_order"`
	Active      bool    `json:"active" yaml:"active"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	Sticky      *bool   `json:"sticky,omitempty" yaml:"sticky,omitempty"`
}

func (d MilestoneDefinition) IsSticky() bool {
	return d.Sticky == nil || *d.Sticky
}

type MilestoneState struct {
	ProjectID   string     `json:"project_id"`
	Code        string     `json:"code"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	Provenance  string     `json:"provenance,omitempty" enum:"manual,derived"`
	Note        *string    `json:"note,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type WeightConfig struct {
	AdminPct       float64 `json:"admin_pct" yaml:"admin_pct"`
	EngineeringPct float64 `json:"engineering_pct" yaml:"engineering_pct"`
}

// Change is a single milestone transition produced by a sync pass.
type Change struct {
	Code       string `json:"code"`
	From       bool   `json:"from"`
	To         bool   `json:"to"`
	Provenance string `json:"provenance"`
	Reason     string `json:"reason,omitempty"`
}

type Progress struct {
	ProjectID           string  `json:"project_id,omitempty"`
	AdminProgress       float64 `json:"admin_progress"`
	EngineeringProgress float64 `json:"engineering_progress"`
	OverallProgress     float64 `json:"overall_progress"`
	AdminStage          *string `json:"admin_stage,omitempty"`
	EngineeringStage    *string `json:"engineering_stage,omitempty"`
	UpdatedAt           string  `json:"updated_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
