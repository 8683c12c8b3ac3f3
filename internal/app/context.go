package app

import (
	"context"
	"errors"

	"solarline/internal/config"
	"solarline/internal/engine"
	"solarline/internal/repo"
)

// ErrNoProject is returned when no project was named and the workspace does
// not hold exactly one.
var ErrNoProject = errors.New("project not specified; use --project")

// ResolveProject picks the active project: the override when given, otherwise
// the only project of the workspace. A named project that does not exist yet
// is created with the engine's seed config.
func ResolveProject(ctx context.Context, e engine.Engine, projectOverride, actorID string) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, ErrNoProject
			}
			return "", nil, err
		}
		projectID = p.ID
	}
	if _, err := e.EnsureProject(ctx, projectID, actorID); err != nil {
		return "", nil, err
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	return projectID, cfg, nil
}
