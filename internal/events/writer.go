package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the audit log.
const (
	ProjectCreated     = "project.created"
	ProjectStatus      = "project.status_changed"
	ConfigUpdated      = "project.config_updated"
	DocumentUpserted   = "document.upserted"
	DocumentDeleted    = "document.deleted"
	MilestoneDerived   = "milestone.derived"
	MilestoneTriggered = "milestone.triggered"
	MilestoneManual    = "milestone.manual"
	ProgressUpdated    = "progress.updated"
)

// Entity kinds.
const (
	KindProject   = "project"
	KindDocument  = "document"
	KindMilestone = "milestone"
	KindProgress  = "progress"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one audit event inside tx; it commits or rolls back with the
// writes it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

// Transition is the audit payload of a milestone write: the old and new
// values side by side.
func Transition(oldCompleted, newCompleted bool, provenance, note string, extra EventPayload) EventPayload {
	p := EventPayload{
		"old":        EventPayload{"is_completed": oldCompleted},
		"new":        EventPayload{"is_completed": newCompleted},
		"provenance": provenance,
	}
	if note != "" {
		p["note"] = note
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
