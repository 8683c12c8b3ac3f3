package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"solarline/internal/config"
	"solarline/internal/domain"
	"solarline/internal/events"
	"solarline/internal/logging"
	"solarline/internal/repo"
)

// DefaultActor attributes writes when no caller identity is known.
const DefaultActor = "system"

// Engine runs milestone passes against the store. Config seeds projects that
// have no stored config yet. Concurrency bounds SyncAll; zero means four
// projects at a time.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Logger      *logging.Logger
	Now         func() time.Time
	Concurrency int
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Logger: logging.Nop(),
		Now:    time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *logging.Logger {
	return logging.OrNop(e.Logger)
}

func actorOrDefault(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return DefaultActor
	}
	return actorID
}

// seedConfig returns the config a new project starts from.
func (e Engine) seedConfig(projectID string) *config.Config {
	if e.Config == nil {
		return config.Default(projectID)
	}
	cfg := *e.Config
	cfg.Project.ID = projectID
	return &cfg
}

// InitProject creates a project and stores its seed config.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	actorID = actorOrDefault(actorID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        projectID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, e.seedConfig(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, events.KindProject, p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project created", "project_id", p.ID, "actor_id", actorID)
	return p, nil
}

// EnsureProject returns the project, creating it with the seed config when it
// does not exist yet.
func (e Engine) EnsureProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	return e.InitProject(ctx, projectID, "", actorID)
}

// SetProjectStatus moves a project between active, paused and archived. Only
// active projects take part in SyncAll.
func (e Engine) SetProjectStatus(ctx context.Context, projectID, status, actorID string) (domain.Project, error) {
	switch status {
	case "active", "paused", "archived":
	default:
		return domain.Project{}, fmt.Errorf("invalid status %q; want active, paused or archived", status)
	}
	actorID = actorOrDefault(actorID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status == status {
		return p, nil
	}
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, status); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectStatus, projectID, events.KindProject, projectID, actorID, events.EventPayload{"old": p.Status, "new": status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project status changed", "project_id", projectID, "status", status, "actor_id", actorID)
	p.Status = status
	return p, nil
}

// ProjectConfig returns the stored config of a project, falling back to the
// seed config when none was stored.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	return e.projectConfig(ctx, nil, projectID)
}

func (e Engine) projectConfig(ctx context.Context, tx *sql.Tx, projectID string) (*config.Config, error) {
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return nil, err
	}
	cfg, err := e.Repo.GetProjectConfigTx(ctx, tx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return e.seedConfig(projectID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config for %s: %w", projectID, err)
	}
	return cfg, nil
}

// SetProjectConfig validates and stores a project's rule set and catalogue.
func (e Engine) SetProjectConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	next := *cfg
	next.Project.ID = projectID
	if err := next.Validate(); err != nil {
		return err
	}
	cfg = &next
	actorID = actorOrDefault(actorID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	payload := events.EventPayload{"rules": len(cfg.Rules), "milestones": len(cfg.Milestones), "cross_triggers": len(cfg.CrossTriggers)}
	if err := e.Events.Append(ctx, tx, events.ConfigUpdated, projectID, events.KindProject, projectID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// PutDocument stores one document snapshot row. An empty ID gets a fresh one.
func (e Engine) PutDocument(ctx context.Context, d domain.Document, actorID string) (domain.Document, error) {
	actorID = actorOrDefault(actorID)
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, d.ProjectID); err != nil {
		return domain.Document{}, err
	}
	if prev, err := e.Repo.GetDocument(ctx, tx, d.ID); err == nil && prev.ProjectID != d.ProjectID {
		return domain.Document{}, fmt.Errorf("document %s belongs to project %s", d.ID, prev.ProjectID)
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Document{}, err
	}
	if err := e.Repo.UpsertDocument(ctx, tx, d); err != nil {
		return domain.Document{}, fmt.Errorf("upsert document: %w", err)
	}
	payload := events.EventPayload{"is_current": d.IsCurrent, "is_deleted": d.IsDeleted, "attached_file_count": d.AttachedFileCount}
	if d.TypeCode != nil {
		payload["type_code"] = *d.TypeCode
	}
	if d.TypeLabel != nil {
		payload["type_label"] = *d.TypeLabel
	}
	if err := e.Events.Append(ctx, tx, events.DocumentUpserted, d.ProjectID, events.KindDocument, d.ID, actorID, payload); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// DeleteDocument soft-deletes a document of the project.
func (e Engine) DeleteDocument(ctx context.Context, projectID, documentID, actorID string) error {
	actorID = actorOrDefault(actorID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDocument(ctx, tx, documentID)
	if err != nil {
		return err
	}
	if d.ProjectID != projectID {
		return repo.ErrNotFound
	}
	if err := e.Repo.SoftDeleteDocument(ctx, tx, documentID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.DocumentDeleted, projectID, events.KindDocument, documentID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
