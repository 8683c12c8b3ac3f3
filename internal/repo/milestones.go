package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"solarline/internal/domain"
)

const milestoneColumns = `project_id,code,is_completed,completed_at,COALESCE(completed_by,''),COALESCE(provenance,''),note,updated_at`

func scanMilestone(row interface{ Scan(...any) error }) (domain.MilestoneState, error) {
	var s domain.MilestoneState
	var completed int
	var completedAt, note sql.NullString
	var updatedAt string
	err := row.Scan(&s.ProjectID, &s.Code, &completed, &completedAt, &s.CompletedBy, &s.Provenance, &note, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsCompleted = completed != 0
	s.Note = stringPtr(note)
	if s.CompletedAt, err = parseTime(completedAt); err != nil {
		return s, err
	}
	if at, err := parseTime(sql.NullString{String: updatedAt, Valid: true}); err != nil {
		return s, err
	} else if at != nil {
		s.UpdatedAt = *at
	}
	return s, nil
}

// ListMilestoneStates returns every stored milestone row of a project.
func (r Repo) ListMilestoneStates(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.MilestoneState, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+milestoneColumns+` FROM project_milestones WHERE project_id=? ORDER BY code`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MilestoneState
	for rows.Next() {
		s, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetMilestoneState(ctx context.Context, tx *sql.Tx, projectID, code string) (domain.MilestoneState, error) {
	return scanMilestone(r.on(tx).QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM project_milestones WHERE project_id=? AND code=?`, projectID, code))
}

// UpsertMilestoneState writes one milestone row, replacing every column.
func (r Repo) UpsertMilestoneState(ctx context.Context, tx *sql.Tx, s domain.MilestoneState) error {
	if s.ProjectID == "" || s.Code == "" {
		return errors.New("project_id and code required")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO project_milestones(project_id,code,is_completed,completed_at,completed_by,provenance,note,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,code) DO UPDATE SET is_completed=excluded.is_completed, completed_at=excluded.completed_at,
completed_by=excluded.completed_by, provenance=excluded.provenance, note=excluded.note, updated_at=excluded.updated_at`,
		s.ProjectID, s.Code, boolInt(s.IsCompleted), nullableTime(s.CompletedAt), nullable(s.CompletedBy), nullable(s.Provenance),
		nullableStringPtr(s.Note), s.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

const progressColumns = `project_id,admin_progress,engineering_progress,overall_progress,admin_stage,engineering_stage,updated_at`

// UpsertProgress stores the derived progress summary of a project.
func (r Repo) UpsertProgress(ctx context.Context, tx *sql.Tx, p domain.Progress) error {
	if p.ProjectID == "" {
		return errors.New("project_id required")
	}
	if p.UpdatedAt == "" {
		p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO project_progress(`+progressColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET admin_progress=excluded.admin_progress, engineering_progress=excluded.engineering_progress,
overall_progress=excluded.overall_progress, admin_stage=excluded.admin_stage, engineering_stage=excluded.engineering_stage, updated_at=excluded.updated_at`,
		p.ProjectID, p.AdminProgress, p.EngineeringProgress, p.OverallProgress, nullableStringPtr(p.AdminStage), nullableStringPtr(p.EngineeringStage), p.UpdatedAt)
	return err
}

func (r Repo) GetProgress(ctx context.Context, tx *sql.Tx, projectID string) (domain.Progress, error) {
	var p domain.Progress
	var adminStage, engStage sql.NullString
	err := r.on(tx).QueryRowContext(ctx, `SELECT `+progressColumns+` FROM project_progress WHERE project_id=?`, projectID).
		Scan(&p.ProjectID, &p.AdminProgress, &p.EngineeringProgress, &p.OverallProgress, &adminStage, &engStage, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.AdminStage = stringPtr(adminStage)
	p.EngineeringStage = stringPtr(engStage)
	return p, nil
}
