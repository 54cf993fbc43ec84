package repository

import (
	"context"
	"time"

	"github.com/lucified/minard-backend-sub001/internal/domain"
)

// DeploymentRepository stores deployment lifecycle state. All status
// mutation goes through UpdateDeploymentStatus with an already-diffed
// partial update; the deployment service owns the diffing.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID int) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, deploymentID int, update domain.StatusUpdate, finishedAt *time.Time) error
	ListDeploymentsByTeam(ctx context.Context, teamID, limit int) ([]domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID, limit int) ([]domain.Deployment, error)

	// GetLatestSuccessfulForBranch returns the newest successful deployment
	// for the exact ref, falling back to a successful deployment of the
	// branch's latest deployed commit under any ref. The fallback is a
	// documented best-effort heuristic: a commit deployed only under a
	// branch minard never saw will not be found.
	GetLatestSuccessfulForBranch(ctx context.Context, projectID int, ref string) (*domain.Deployment, error)
}
