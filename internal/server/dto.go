package server

import (
	"time"

	"solarline/internal/domain"
	"solarline/internal/engine"
	"solarline/internal/milestone"
	"solarline/internal/notify"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PutDocumentRequest is one snapshot row pushed by the document side.
// IsCurrent defaults to true.
type PutDocumentRequest struct {
	TypeCode          *string    `json:"type_code,omitempty"`
	TypeLabel         *string    `json:"type_label,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	IssuedAt          *time.Time `json:"issued_at,omitempty"`
	AttachedFileCount int        `json:"attached_file_count,omitempty" minimum:"0"`
	ExternalFileRef   *string    `json:"external_file_ref,omitempty"`
	IsCurrent         *bool      `json:"is_current,omitempty"`
	IsDeleted         bool       `json:"is_deleted,omitempty"`
}

type UpdateProjectStatusRequest struct {
	Status string `json:"status" enum:"active,paused,archived"`
}

type ManualCompletionRequest struct {
	Completed bool   `json:"completed"`
	Note      string `json:"note,omitempty" maxLength:"2000"`
}

// Response payloads

type ProjectResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type SyncResponse struct {
	ProjectID     string          `json:"project_id"`
	DryRun        bool            `json:"dry_run"`
	Synced        []string        `json:"synced"`
	Unsynced      []string        `json:"unsynced"`
	Triggered     []string        `json:"triggered"`
	Preserved     []string        `json:"preserved"`
	Changes       []domain.Change `json:"changes"`
	Progress      domain.Progress `json:"progress"`
	Notifications *notify.Report  `json:"notifications,omitempty"`
	NotifyError   string          `json:"notify_error,omitempty"`
}

type BatchSyncResponse struct {
	Items []engine.BatchResult `json:"items"`
}

type ManualCompletionResponse struct {
	State         domain.MilestoneState `json:"state"`
	Change        *domain.Change        `json:"change,omitempty"`
	Progress      domain.Progress       `json:"progress"`
	Notifications *notify.Report        `json:"notifications,omitempty"`
}

type RuleSetResponse struct {
	ProjectID     string                   `json:"project_id"`
	Order         []string                 `json:"order"`
	Rules         []milestone.Rule         `json:"rules"`
	CrossTriggers []milestone.CrossTrigger `json:"cross_triggers"`
	NotifyOn      []string                 `json:"notify_on"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Name: p.Name, Status: p.Status, CreatedAt: p.CreatedAt}
}

func syncResponse(plan *milestone.Plan, dryRun bool) SyncResponse {
	return SyncResponse{
		ProjectID: plan.ProjectID,
		DryRun:    dryRun,
		Synced:    nonNilSlice(plan.Synced),
		Unsynced:  nonNilSlice(plan.Unsynced),
		Triggered: nonNilSlice(plan.Triggered),
		Preserved: nonNilSlice(plan.Preserved),
		Changes:   nonNilChanges(plan.Changes),
		Progress:  plan.Progress,
	}
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func nonNilChanges(items []domain.Change) []domain.Change {
	if items == nil {
		return []domain.Change{}
	}
	return items
}
