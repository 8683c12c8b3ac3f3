package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"solarline/internal/config"
	"solarline/internal/domain"
	"solarline/internal/events"
	"solarline/internal/milestone"
	"solarline/internal/repo"
)

// UnknownMilestoneError is returned for a code the project does not define.
type UnknownMilestoneError struct {
	Code string
}

func (e UnknownMilestoneError) Error() string {
	return fmt.Sprintf("milestone %s is not defined for this project", e.Code)
}

// ManualOptions describe a completion recorded by a person. Completed false is
// the explicit un-complete action.
type ManualOptions struct {
	ProjectID string
	Code      string
	Completed bool
	Note      string
	ActorID   string
}

// ManualResult is the stored row and, when the completion flag moved, the
// transition to hand to the notifier.
type ManualResult struct {
	State  domain.MilestoneState
	Change *domain.Change
}

// RecordManual writes a manual-provenance milestone row. Later passes keep a
// manual completion of a sticky milestone whatever the documents say.
func (e Engine) RecordManual(ctx context.Context, opts ManualOptions) (ManualResult, error) {
	actorID := actorOrDefault(opts.ActorID)
	if strings.TrimSpace(opts.Code) == "" {
		return ManualResult{}, errors.New("milestone code is required")
	}
	if strings.Contains(opts.Note, milestone.SystemMarker) {
		return ManualResult{}, fmt.Errorf("note must not contain %s", milestone.SystemMarker)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ManualResult{}, err
	}
	defer tx.Rollback()

	cfg, err := e.projectConfig(ctx, tx, opts.ProjectID)
	if err != nil {
		return ManualResult{}, err
	}
	if _, ok := cfg.Definition(opts.Code); !ok {
		return ManualResult{}, UnknownMilestoneError{Code: opts.Code}
	}
	prev, err := e.Repo.GetMilestoneState(ctx, tx, opts.ProjectID, opts.Code)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ManualResult{}, err
	}
	now := e.now().UTC()
	s := domain.MilestoneState{
		ProjectID:   opts.ProjectID,
		Code:        opts.Code,
		IsCompleted: opts.Completed,
		Provenance:  domain.ProvenanceManual,
		UpdatedAt:   now,
	}
	if opts.Note != "" {
		note := opts.Note
		s.Note = &note
	}
	if opts.Completed {
		s.CompletedAt = &now
		s.CompletedBy = actorID
	}
	if err := e.Repo.UpsertMilestoneState(ctx, tx, s); err != nil {
		return ManualResult{}, fmt.Errorf("write milestone %s: %w", s.Code, err)
	}
	payload := events.Transition(prev.IsCompleted, s.IsCompleted, s.Provenance, opts.Note, nil)
	if err := e.Events.Append(ctx, tx, events.MilestoneManual, opts.ProjectID, events.KindMilestone, s.Code, actorID, payload); err != nil {
		return ManualResult{}, err
	}
	stored, err := e.Repo.ListMilestoneStates(ctx, tx, opts.ProjectID)
	if err != nil {
		return ManualResult{}, err
	}
	if err := e.storeProgress(ctx, tx, rollup(cfg, opts.ProjectID, stored), actorID); err != nil {
		return ManualResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ManualResult{}, err
	}
	e.log().Info("manual milestone recorded", "project_id", opts.ProjectID, "code", s.Code, "completed", s.IsCompleted, "actor_id", actorID)
	res := ManualResult{State: s}
	if prev.IsCompleted != s.IsCompleted {
		res.Change = &domain.Change{Code: s.Code, From: prev.IsCompleted, To: s.IsCompleted, Provenance: domain.ProvenanceManual, Reason: opts.Note}
		countTransitions([]domain.Change{*res.Change})
	}
	return res, nil
}

func rollup(cfg *config.Config, projectID string, stored []domain.MilestoneState) domain.Progress {
	complete := map[string]bool{}
	for _, s := range stored {
		if s.IsCompleted {
			complete[s.Code] = true
		}
	}
	p := milestone.Aggregate(cfg.Milestones, complete, cfg.Weights)
	p.ProjectID = projectID
	return p
}

// MilestoneView joins a definition with its stored state.
type MilestoneView struct {
	Code        string  `json:"code"`
	Type        string  `json:"type"`
	DisplayName string  `json:"display_name"`
	SortOrder   int     `json:"sort_order"`
	Weight      float64 `json:"weight"`
	Active      bool    `json:"active"`
	Derived     bool    `json:"derived"`
	IsCompleted bool    `json:"is_completed"`
	Manual      bool    `json:"manual"`
	CompletedBy string  `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Note        *string `json:"note,omitempty"`
	Provenance  string  `json:"provenance,omitempty"`
}

// Milestones lists a project's milestones, admin first, each in sort order.
func (e Engine) Milestones(ctx context.Context, projectID string) ([]MilestoneView, error) {
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stored, err := e.Repo.ListMilestoneStates(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]domain.MilestoneState, len(stored))
	for _, s := range stored {
		byCode[s.Code] = s
	}
	rules := map[string]bool{}
	for _, r := range cfg.Rules {
		rules[r.Code] = true
	}
	views := make([]MilestoneView, 0, len(cfg.Milestones))
	for _, d := range cfg.Milestones {
		v := MilestoneView{
			Code:        d.Code,
			Type:        d.Type,
			DisplayName: d.DisplayName,
			SortOrder:   d.SortOrder,
			Weight:      d.Weight,
			Active:      d.Active,
			Derived:     rules[d.Code],
		}
		if s, ok := byCode[d.Code]; ok {
			v.IsCompleted = s.IsCompleted
			v.Manual = milestone.IsManualCompletion(s)
			v.CompletedBy = s.CompletedBy
			v.Note = s.Note
			v.Provenance = s.Provenance
			if s.CompletedAt != nil {
				at := s.CompletedAt.UTC().Format(time.RFC3339)
				v.CompletedAt = &at
			}
		}
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Type != views[j].Type {
			return views[i].Type == domain.TypeAdmin
		}
		return views[i].SortOrder < views[j].SortOrder
	})
	return views, nil
}

// Progress returns the stored summary, or one rolled up from stored
// milestone rows when the project was never synced.
func (e Engine) Progress(ctx context.Context, projectID string) (domain.Progress, error) {
	p, err := e.Repo.GetProgress(ctx, nil, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Progress{}, err
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return domain.Progress{}, err
	}
	stored, err := e.Repo.ListMilestoneStates(ctx, nil, projectID)
	if err != nil {
		return domain.Progress{}, err
	}
	return rollup(cfg, projectID, stored), nil
}

// Documents lists a project's documents; all includes superseded and deleted ones.
func (e Engine) Documents(ctx context.Context, projectID string, all bool) ([]domain.Document, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListDocuments(ctx, nil, projectID, all)
}
