package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"solarline/internal/domain"
	"solarline/internal/events"
	"solarline/internal/milestone"
	"solarline/internal/repo"
)

// ApplyError reports that a plan was computed but could not be persisted.
// The plan returned alongside it can be handed to Apply again.
type ApplyError struct {
	ProjectID string
	Err       error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply sync plan for %s: %v", e.ProjectID, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// PlanProject computes a project's pass without writing anything.
func (e Engine) PlanProject(ctx context.Context, projectID, actorID string) (*milestone.Plan, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	// Rolled back: nothing is written.
	defer tx.Rollback()
	in, err := e.loadInput(ctx, tx, projectID, actorOrDefault(actorID))
	if err != nil {
		return nil, err
	}
	return milestone.Sync(in)
}

// SyncProject runs one project's pass: read the snapshot, compute the plan and
// persist the transitions, audit events and progress summary in a single
// transaction. When persistence fails the computed plan is returned with an
// *ApplyError.
func (e Engine) SyncProject(ctx context.Context, projectID, actorID string) (*milestone.Plan, error) {
	actorID = actorOrDefault(actorID)
	start := time.Now()
	plan, err := e.syncProject(ctx, projectID, actorID)
	syncDuration.Observe(time.Since(start).Seconds())
	var applyErr *ApplyError
	switch {
	case errors.As(err, &applyErr):
		syncRuns.WithLabelValues("apply_error").Inc()
		e.log().Error("sync apply failed", "project_id", projectID, "actor_id", actorID, "error", err)
	case err != nil:
		syncRuns.WithLabelValues("error").Inc()
		e.log().Warn("sync failed", "project_id", projectID, "error", err)
	default:
		syncRuns.WithLabelValues("ok").Inc()
		countTransitions(plan.Changes)
		e.log().Info("project synced",
			"project_id", projectID,
			"actor_id", actorID,
			"changes", len(plan.Changes),
			"triggered", len(plan.Triggered),
			"preserved", len(plan.Preserved),
			"overall_progress", plan.Progress.OverallProgress,
		)
	}
	return plan, err
}

func (e Engine) syncProject(ctx context.Context, projectID, actorID string) (*milestone.Plan, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	in, err := e.loadInput(ctx, tx, projectID, actorID)
	if err != nil {
		return nil, err
	}
	plan, err := milestone.Sync(in)
	if err != nil {
		return nil, err
	}
	if err := e.applyPlan(ctx, tx, plan); err != nil {
		return plan, &ApplyError{ProjectID: projectID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return plan, &ApplyError{ProjectID: projectID, Err: err}
	}
	return plan, nil
}

// Apply persists a previously computed plan without re-evaluating the rules.
// The plan is re-diffed against the rows stored at apply time, so manual
// completions recorded since it was computed are kept and rows already written
// are not written again.
func (e Engine) Apply(ctx context.Context, plan *milestone.Plan) error {
	if plan == nil {
		return errors.New("plan is nil")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return &ApplyError{ProjectID: plan.ProjectID, Err: err}
	}
	defer tx.Rollback()
	if err := e.applyPlan(ctx, tx, plan); err != nil {
		return &ApplyError{ProjectID: plan.ProjectID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &ApplyError{ProjectID: plan.ProjectID, Err: err}
	}
	countTransitions(plan.Changes)
	e.log().Info("sync plan applied", "project_id", plan.ProjectID, "changes", len(plan.Changes))
	return nil
}

func (e Engine) loadInput(ctx context.Context, tx *sql.Tx, projectID, actorID string) (milestone.Input, error) {
	cfg, err := e.projectConfig(ctx, tx, projectID)
	if err != nil {
		return milestone.Input{}, err
	}
	rs, err := cfg.RuleSet()
	if err != nil {
		return milestone.Input{}, err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return milestone.Input{}, err
	}
	docs, err := e.Repo.ListCurrentDocuments(ctx, tx, projectID)
	if err != nil {
		return milestone.Input{}, fmt.Errorf("load documents: %w", err)
	}
	stored, err := e.Repo.ListMilestoneStates(ctx, tx, projectID)
	if err != nil {
		return milestone.Input{}, fmt.Errorf("load milestones: %w", err)
	}
	return milestone.Input{
		ProjectID:   projectID,
		ActorID:     actorID,
		Now:         e.now(),
		Documents:   docs,
		Rules:       rs,
		Registry:    reg,
		Definitions: cfg.Milestones,
		Weights:     cfg.Weights,
		Stored:      stored,
	}, nil
}

func (e Engine) applyPlan(ctx context.Context, tx *sql.Tx, plan *milestone.Plan) error {
	current, err := e.Repo.ListMilestoneStates(ctx, tx, plan.ProjectID)
	if err != nil {
		return fmt.Errorf("reload milestones: %w", err)
	}
	plan.Rebase(current)
	triggered := make(map[string]bool, len(plan.Triggered))
	for _, code := range plan.Triggered {
		triggered[code] = true
	}
	reasons := make(map[string]string, len(plan.Changes))
	for _, c := range plan.Changes {
		reasons[c.Code] = c.Reason
	}
	for _, w := range plan.Writes {
		if err := e.Repo.UpsertMilestoneState(ctx, tx, w); err != nil {
			return fmt.Errorf("write milestone %s: %w", w.Code, err)
		}
		evtType := events.MilestoneDerived
		if triggered[w.Code] {
			evtType = events.MilestoneTriggered
		}
		prev := plan.Previous[w.Code]
		note := ""
		if w.Note != nil {
			note = *w.Note
		}
		payload := events.Transition(prev.IsCompleted, w.IsCompleted, w.Provenance, note, events.EventPayload{"reason": reasons[w.Code]})
		if err := e.Events.Append(ctx, tx, evtType, plan.ProjectID, events.KindMilestone, w.Code, plan.ActorID, payload); err != nil {
			return err
		}
	}
	return e.storeProgress(ctx, tx, plan.Progress, plan.ActorID)
}

// storeProgress upserts the summary and audits it only when a value moved.
func (e Engine) storeProgress(ctx context.Context, tx *sql.Tx, p domain.Progress, actorID string) error {
	prev, err := e.Repo.GetProgress(ctx, tx, p.ProjectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("read progress: %w", err)
	}
	found := err == nil
	if found && sameProgress(prev, p) {
		return nil
	}
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertProgress(ctx, tx, p); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	payload := events.EventPayload{
		"new": events.EventPayload{"admin": p.AdminProgress, "engineering": p.EngineeringProgress, "overall": p.OverallProgress},
	}
	if found {
		payload["old"] = events.EventPayload{"admin": prev.AdminProgress, "engineering": prev.EngineeringProgress, "overall": prev.OverallProgress}
	}
	return e.Events.Append(ctx, tx, events.ProgressUpdated, p.ProjectID, events.KindProgress, p.ProjectID, actorID, payload)
}

func sameProgress(a, b domain.Progress) bool {
	return a.AdminProgress == b.AdminProgress &&
		a.EngineeringProgress == b.EngineeringProgress &&
		a.OverallProgress == b.OverallProgress &&
		sameStage(a.AdminStage, b.AdminStage) &&
		sameStage(a.EngineeringStage, b.EngineeringStage)
}

func sameStage(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// BatchResult is one project's outcome in SyncAll. Plan is kept for failed
// applies so the caller can retry.
type BatchResult struct {
	ProjectID string          `json:"project_id"`
	Changes   []domain.Change `json:"changes"`
	Progress  domain.Progress `json:"progress"`
	Error     string          `json:"error,omitempty"`
	Plan      *milestone.Plan `json:"-"`
}

// SyncAll syncs every active project, several at a time. A failing project is
// reported in its result and does not stop the others.
func (e Engine) SyncAll(ctx context.Context, actorID string) ([]BatchResult, error) {
	ids, err := e.Repo.ListActiveProjectIDs(ctx)
	if err != nil {
		return nil, err
	}
	limit := e.Concurrency
	if limit <= 0 {
		limit = 4
	}
	results := make([]BatchResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := BatchResult{ProjectID: id, Changes: []domain.Change{}}
			plan, err := e.SyncProject(gctx, id, actorID)
			if plan != nil {
				res.Changes = plan.Changes
				res.Progress = plan.Progress
			}
			if err != nil {
				res.Error = err.Error()
				res.Plan = plan
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
